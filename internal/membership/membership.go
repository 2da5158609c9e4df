// Package membership persists the audit trail of who was ever present in
// a session. Records flip between active and inactive; they are never
// removed while the session exists.
package membership

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabtext/internal/session"
)

type Store interface {
	// Join marks u active, creating the record on first sight. The stored
	// JoinedAt of an existing record is kept.
	Join(ctx context.Context, u session.CollaborationUser) (session.CollaborationUser, error)
	Leave(ctx context.Context, sessionID, userID string) error
	List(ctx context.Context, sessionID string) ([]session.CollaborationUser, error)
}

// Memory is a process-local Store.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]session.Roster
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]session.Roster), now: time.Now}
}

func (m *Memory) Join(_ context.Context, u session.CollaborationUser) (session.CollaborationUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sessions[u.SessionID]
	if !ok {
		r = make(session.Roster)
		m.sessions[u.SessionID] = r
	}
	if u.JoinedAt.IsZero() {
		u.JoinedAt = m.now().UTC()
	}
	return r.Join(u), nil
}

func (m *Memory) Leave(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.sessions[sessionID]; ok {
		r.Leave(userID)
	}
	return nil
}

func (m *Memory) List(_ context.Context, sessionID string) ([]session.CollaborationUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.sessions[sessionID]
	out := make([]session.CollaborationUser, 0, len(r))
	for _, u := range r {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
