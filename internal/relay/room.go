package relay

import (
	"errors"
	"fmt"
	"sync"

	"collabtext/internal/oplog"
	"collabtext/internal/ot"
	"collabtext/internal/session"
	"collabtext/internal/wire"
)

// ErrFutureVersion is returned for an operation whose base version the
// room has not reached yet.
var ErrFutureVersion = errors.New("operation based on an unknown version")

const (
	DefaultRetention    = 1024
	DefaultDedupeWindow = 8192
)

// Room is the sequencer of one session. It owns the authoritative
// document and log; every committed operation gets the next version.
type Room struct {
	mu      sync.Mutex
	session session.Session
	doc     *ot.Document
	log     *oplog.Log

	seen      map[string]int // op id -> committed version
	seenOrder []string
	window    int
}

type RoomOption func(*roomOptions)

type roomOptions struct {
	retention int
	window    int
}

// WithRetention bounds the history kept for catch-up. Clients further
// behind get a snapshot.
func WithRetention(n int) RoomOption {
	return func(o *roomOptions) { o.retention = n }
}

// WithDedupeWindow bounds how many operation ids are remembered for
// dropping resends.
func WithDedupeWindow(n int) RoomOption {
	return func(o *roomOptions) { o.window = n }
}

func NewRoom(s session.Session, text string, opts ...RoomOption) *Room {
	o := roomOptions{retention: DefaultRetention, window: DefaultDedupeWindow}
	for _, opt := range opts {
		opt(&o)
	}
	return &Room{
		session: s,
		doc:     ot.NewDocument(text),
		log:     oplog.New(s.Version, oplog.WithRetention(o.retention)),
		seen:    make(map[string]int),
		window:  o.window,
	}
}

// Session returns the room's session record with the current version.
func (r *Room) Session() session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Room) Version() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.LastVersion()
}

func (r *Room) FirstRetained() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.FirstRetained()
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.String()
}

// Submit commits op. op.Version is the sender's base version; op is
// transformed against every entry committed after it, applied, and
// logged under the next version. A resend of an already committed id
// reports duplicate and changes nothing.
func (r *Room) Submit(op ot.Operation) (e oplog.Entry, duplicate bool, err error) {
	if err := op.Validate(); err != nil {
		return oplog.Entry{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[op.ID]; ok && op.ID != "" {
		return oplog.Entry{}, true, nil
	}
	last := r.log.LastVersion()
	if op.Version < 0 || op.Version > last {
		return oplog.Entry{}, false, fmt.Errorf("%w: base %d, room at %d", ErrFutureVersion, op.Version, last)
	}
	since, err := r.log.Since(op.Version)
	if err != nil {
		return oplog.Entry{}, false, err
	}
	ops := []ot.Operation{op}
	for committed := range since {
		ops, _ = ot.TransformOps(ops, committed.Applied)
	}

	// Append cannot fail here: the version is derived under the lock.
	e = oplog.Entry{Version: last + 1, Op: op, Applied: r.doc.ApplyAll(ops)}
	if err := r.log.Append(e); err != nil {
		return oplog.Entry{}, false, err
	}
	r.session.Version = e.Version
	r.remember(op.ID, e.Version)
	return e, false, nil
}

func (r *Room) remember(id string, version int) {
	if id == "" {
		return
	}
	r.seen[id] = version
	r.seenOrder = append(r.seenOrder, id)
	if len(r.seenOrder) > r.window {
		drop := len(r.seenOrder) - r.window
		for _, old := range r.seenOrder[:drop] {
			delete(r.seen, old)
		}
		r.seenOrder = append([]string(nil), r.seenOrder[drop:]...)
	}
}

// Since returns the committed entries after version. It fails with
// oplog.ErrTruncated when that history is gone.
func (r *Room) Since(version int) ([]oplog.Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.log.LastVersion() {
		return nil, fmt.Errorf("%w: since %d, room at %d", ErrFutureVersion, version, r.log.LastVersion())
	}
	seq, err := r.log.Since(version)
	if err != nil {
		return nil, err
	}
	var out []oplog.Entry
	for e := range seq {
		out = append(out, e)
	}
	return out, nil
}

// Snapshot returns the current text and version. Any of the given
// operation ids already committed are listed in Committed.
func (r *Room) Snapshot(ids ...string) wire.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := wire.Snapshot{Text: r.doc.String(), Version: r.log.LastVersion()}
	for _, id := range ids {
		if _, ok := r.seen[id]; ok {
			s.Committed = append(s.Committed, id)
		}
	}
	return s
}
