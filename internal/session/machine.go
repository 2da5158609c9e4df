package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrSessionClosed     = errors.New("session closed")
)

// Machine owns a Session and its connection status. All changes to either
// go through it. It is not safe for concurrent use; the session's single
// writer owns it.
type Machine struct {
	session Session
	status  Status
	closed  bool
}

// NewMachine starts s in Disconnected.
func NewMachine(s Session) *Machine {
	return &Machine{session: s, status: Disconnected}
}

func (m *Machine) Status() Status {
	return m.status
}

// Session returns a copy of the current session record.
func (m *Machine) Session() Session {
	return m.session
}

// Closed reports whether the session ended through Leave or GiveUp.
func (m *Machine) Closed() bool {
	return m.closed
}

// AcceptsRemote reports whether remote operations may be applied now.
// Syncing is included because catch-up is applied at its tail, right
// before CaughtUp fires.
func (m *Machine) AcceptsRemote() bool {
	return !m.closed && (m.status == Connected || m.status == Syncing)
}

// Fire applies trigger t and returns the resulting status change.
func (m *Machine) Fire(t Trigger) (StatusChanged, error) {
	if m.closed {
		return StatusChanged{}, fmt.Errorf("%w: %s after close", ErrSessionClosed, t)
	}
	from := m.status
	var to Status
	if t == Leave {
		to = Disconnected
	} else {
		next, ok := transitions[from][t]
		if !ok {
			return StatusChanged{}, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, t, from)
		}
		to = next
	}
	m.status = to
	switch {
	case t == Leave || t == GiveUp:
		m.closed = true
		m.session.IsActive = false
	case to == Connected:
		m.session.IsActive = true
	}
	return StatusChanged{From: from, To: to, Trigger: t}, nil
}

// Advance records that the operation with the given version was applied.
func (m *Machine) Advance(version int) error {
	if version != m.session.Version+1 {
		return fmt.Errorf("advance to %d from %d: %w", version, m.session.Version, ErrInvalidTransition)
	}
	m.session.Version = version
	return nil
}

// Resynced replaces the version after a snapshot was loaded.
func (m *Machine) Resynced(version int) {
	m.session.Version = version
}

// Adopt takes the identity fields the relay assigned to the session. The
// local version and activity are kept.
func (m *Machine) Adopt(s Session) {
	s.Version = m.session.Version
	s.IsActive = m.session.IsActive
	m.session = s
}
