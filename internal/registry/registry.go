// Package registry is the directory of collaboration rooms: which rooms
// exist and which relay sequences each of them.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"

	"collabtext/internal/session"
)

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
)

type Registry interface {
	// Create records a new room under s.RoomName.
	Create(ctx context.Context, s session.Session) error
	Get(ctx context.Context, name string) (session.Session, error)
	// Put replaces the record for s.RoomName, creating it if needed.
	Put(ctx context.Context, s session.Session) error
	// Touch extends the lifetime of a room that is still in use.
	Touch(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// Memory is a process-local Registry.
type Memory struct {
	mu    sync.Mutex
	rooms map[string]session.Session
}

func NewMemory() *Memory {
	return &Memory{rooms: make(map[string]session.Session)}
}

func (m *Memory) Create(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[s.RoomName]; ok {
		return ErrRoomExists
	}
	m.rooms[s.RoomName] = s
	return nil
}

func (m *Memory) Get(_ context.Context, name string) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rooms[name]
	if !ok {
		return session.Session{}, ErrRoomNotFound
	}
	return s, nil
}

func (m *Memory) Put(_ context.Context, s session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[s.RoomName] = s
	return nil
}

func (m *Memory) Touch(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[name]; !ok {
		return ErrRoomNotFound
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, name)
	return nil
}

// Names lists the known rooms in order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
