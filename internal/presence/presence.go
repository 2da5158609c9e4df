package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"collabtext/internal/clock"
	"collabtext/internal/identity"
)

// RemoteUser is the live cursor state of one peer.
type RemoteUser struct {
	UserID         string    `json:"userId"`
	UserName       string    `json:"userName"`
	Color          string    `json:"color"`
	CursorPosition int       `json:"cursorPosition"`
	SelectionStart *int      `json:"selectionStart,omitempty"`
	SelectionEnd   *int      `json:"selectionEnd,omitempty"`
	IsActive       bool      `json:"isActive"`
	LastSeen       time.Time `json:"lastSeen"`
}

// Update is the presence message a peer broadcasts.
type Update struct {
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	Color          string `json:"color,omitempty"`
	CursorPosition int    `json:"cursorPosition"`
	SelectionStart *int   `json:"selectionStart,omitempty"`
	SelectionEnd   *int   `json:"selectionEnd,omitempty"`
}

// Config holds the staleness windows.
type Config struct {
	// InactiveAfter marks a user inactive once lastSeen is older.
	InactiveAfter time.Duration
	// EvictAfter removes a user once lastSeen is older.
	EvictAfter time.Duration
	// SweepInterval is how often Run sweeps.
	SweepInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		InactiveAfter: 30 * time.Second,
		EvictAfter:    60 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

// Tracker maps user IDs to their last known presence. Updates are
// last-write-wins; nothing is ordered against document operations.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*RemoteUser
	cfg   Config
	clock clock.Clock
}

func NewTracker(cfg Config, clk clock.Clock) *Tracker {
	return &Tracker{
		users: make(map[string]*RemoteUser),
		cfg:   cfg,
		clock: clk,
	}
}

// Update upserts the user in u and refreshes lastSeen. A missing color is
// derived from the user ID; a missing name keeps the previous one.
func (t *Tracker) Update(u Update) RemoteUser {
	t.mu.Lock()
	defer t.mu.Unlock()

	ru, ok := t.users[u.UserID]
	if !ok {
		ru = &RemoteUser{UserID: u.UserID}
		t.users[u.UserID] = ru
	}
	if u.UserName != "" {
		ru.UserName = u.UserName
	}
	switch {
	case u.Color != "":
		ru.Color = u.Color
	case ru.Color == "":
		ru.Color = identity.GenerateColor(u.UserID)
	}
	ru.CursorPosition = u.CursorPosition
	ru.SelectionStart = copyInt(u.SelectionStart)
	ru.SelectionEnd = copyInt(u.SelectionEnd)
	ru.IsActive = true
	ru.LastSeen = t.clock.Now()
	return snapshot(ru)
}

// Remove drops a user immediately, e.g. when the peer leaves.
func (t *Tracker) Remove(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[userID]
	delete(t.users, userID)
	return ok
}

func (t *Tracker) Get(userID string) (RemoteUser, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ru, ok := t.users[userID]
	if !ok {
		return RemoteUser{}, false
	}
	return snapshot(ru), true
}

// Users returns every tracked user ordered by ID.
func (t *Tracker) Users() []RemoteUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RemoteUser, 0, len(t.users))
	for _, ru := range t.users {
		out = append(out, snapshot(ru))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Sweep deactivates users idle longer than InactiveAfter and evicts those
// idle longer than EvictAfter. It returns the IDs it evicted.
func (t *Tracker) Sweep(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var evicted []string
	for id, ru := range t.users {
		idle := now.Sub(ru.LastSeen)
		switch {
		case idle > t.cfg.EvictAfter:
			delete(t.users, id)
			evicted = append(evicted, id)
		case idle > t.cfg.InactiveAfter:
			ru.IsActive = false
		}
	}
	sort.Strings(evicted)
	return evicted
}

// Run sweeps every SweepInterval until ctx is done, passing each non-empty
// eviction list to onEvict.
func (t *Tracker) Run(ctx context.Context, onEvict func([]string)) {
	ticker := t.clock.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if evicted := t.Sweep(now); len(evicted) > 0 && onEvict != nil {
				onEvict(evicted)
			}
		}
	}
}

func snapshot(ru *RemoteUser) RemoteUser {
	out := *ru
	out.SelectionStart = copyInt(ru.SelectionStart)
	out.SelectionEnd = copyInt(ru.SelectionEnd)
	return out
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// AsUpdate returns the update that would recreate ru on another tracker.
func (ru RemoteUser) AsUpdate() Update {
	return Update{
		UserID:         ru.UserID,
		UserName:       ru.UserName,
		Color:          ru.Color,
		CursorPosition: ru.CursorPosition,
		SelectionStart: copyInt(ru.SelectionStart),
		SelectionEnd:   copyInt(ru.SelectionEnd),
	}
}
