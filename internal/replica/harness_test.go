package replica_test

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"collabtext/internal/clock"
	"collabtext/internal/oplog"
	"collabtext/internal/relay"
	"collabtext/internal/replica"
	"collabtext/internal/session"
	"collabtext/internal/wire"
)

type fatalfer interface {
	Fatalf(format string, args ...any)
}

// link is one replica and the two message queues of its connection. A
// dropped link loses whatever was queued, like a real socket.
type link struct {
	name     string
	r        *replica.Replica
	up       bool
	joined   bool
	toRelay  []wire.Message
	toClient []wire.Message
	events   []session.Event
}

// harness stands in for the hub: it feeds client messages to a Room and
// routes replies and broadcasts back, one message at a time, so tests
// control every interleaving.
type harness struct {
	t      fatalfer
	room   *relay.Room
	roster session.Roster
	links  []*link
}

func newHarness(t fatalfer, text string, opts ...relay.RoomOption) *harness {
	s := session.Session{SessionID: "s1", RoomName: "notes"}
	return &harness{t: t, room: relay.NewRoom(s, text, opts...), roster: make(session.Roster)}
}

func (h *harness) add(name string, clk clock.Clock) *link {
	cfg := replica.Config{UserID: name, UserName: name, RoomName: "notes", Clock: clk}
	l := &link{name: name, r: replica.New(cfg)}
	h.links = append(h.links, l)
	return l
}

func (l *link) collect(out replica.Output) {
	if l.up {
		l.toRelay = append(l.toRelay, out.Messages...)
	}
	l.events = append(l.events, out.Events...)
}

func (l *link) takeEvents() []session.Event {
	ev := l.events
	l.events = nil
	return ev
}

func (h *harness) connect(l *link) {
	out, err := l.r.Connect()
	if err != nil {
		h.t.Fatalf("%s: Connect: %v", l.name, err)
	}
	l.up = true
	l.collect(out)
}

func (h *harness) disconnect(l *link) {
	joined := l.joined
	l.up, l.joined = false, false
	l.toRelay, l.toClient = nil, nil
	l.collect(l.r.TransportLost(errors.New("link down")))
	if joined {
		h.left(l)
	}
}

func (h *harness) left(l *link) {
	if u, ok := h.roster.Leave(l.name); ok {
		h.broadcast(wire.MemberMessage(u), l)
	}
}

func (h *harness) insert(l *link, pos int, text string) {
	out, err := l.r.Insert(pos, text)
	if err != nil {
		h.t.Fatalf("%s: Insert(%d, %q): %v", l.name, pos, text, err)
	}
	l.collect(out)
}

func (h *harness) delete(l *link, pos, n int) {
	out, err := l.r.Delete(pos, n)
	if err != nil {
		h.t.Fatalf("%s: Delete(%d, %d): %v", l.name, pos, n, err)
	}
	l.collect(out)
}

// up delivers the next message l sent to the relay. It reports false if
// there was none.
func (h *harness) up(l *link) bool {
	if len(l.toRelay) == 0 {
		return false
	}
	m := l.toRelay[0]
	l.toRelay = l.toRelay[1:]
	h.handle(l, m)
	return true
}

// down delivers the next message the relay sent to l.
func (h *harness) down(l *link) bool {
	if len(l.toClient) == 0 {
		return false
	}
	m := l.toClient[0]
	l.toClient = l.toClient[1:]
	out, err := l.r.Receive(m)
	if err != nil {
		h.t.Fatalf("%s: Receive(%s): %v", l.name, m.Type, err)
	}
	l.collect(out)
	return true
}

// settle runs every queue dry.
func (h *harness) settle() {
	for moved := true; moved; {
		moved = false
		for _, l := range h.links {
			for h.up(l) {
				moved = true
			}
			for h.down(l) {
				moved = true
			}
		}
	}
}

func (h *harness) reply(l *link, m wire.Message) {
	l.toClient = append(l.toClient, m)
}

func (h *harness) broadcast(m wire.Message, except *link) {
	for _, l := range h.links {
		if l.up && l.joined && l != except {
			l.toClient = append(l.toClient, m)
		}
	}
}

func (h *harness) handle(l *link, m wire.Message) {
	switch m.Type {
	case wire.TypeJoin:
		l.joined = true
		u := h.roster.Join(session.CollaborationUser{
			UserID:    m.Join.UserID,
			UserName:  m.Join.UserName,
			SessionID: h.room.Session().SessionID,
		})
		w := wire.Welcome{
			Session:       h.room.Session(),
			Version:       h.room.Version(),
			FirstRetained: h.room.FirstRetained(),
			Members:       slices.Collect(maps.Values(h.roster)),
		}
		if m.Join.Since < 0 {
			snap := h.room.Snapshot()
			w.Snapshot = &snap
		}
		h.reply(l, wire.WelcomeMessage(w))
		h.broadcast(wire.MemberMessage(u), l)
	case wire.TypeOp:
		e, dup, err := h.room.Submit(*m.Op)
		switch {
		case dup:
		case errors.Is(err, oplog.ErrTruncated):
			h.reply(l, wire.ErrorMessage(wire.CodeTruncated, err.Error(), m.Op))
		case err != nil:
			h.reply(l, wire.ErrorMessage(wire.CodeRejected, err.Error(), m.Op))
		default:
			h.broadcast(wire.ChangeMessage(e), nil)
		}
	case wire.TypeResync:
		entries, err := h.room.Since(m.Resync.Since)
		if err != nil {
			h.reply(l, wire.ErrorMessage(wire.CodeTruncated, err.Error(), nil))
			return
		}
		h.reply(l, wire.CatchUpMessage(wire.CatchUp{Entries: entries, Version: h.room.Version()}))
	case wire.TypeSnapshotRequest:
		h.reply(l, wire.SnapshotMessage(h.room.Snapshot(m.SnapshotRequest.Inflight...)))
	case wire.TypePresence:
		h.broadcast(m, l)
	case wire.TypeLeave:
		l.joined = false
		h.left(l)
	default:
		h.t.Fatalf("%s: unexpected %s", l.name, m.Type)
	}
}

// converged fails unless every replica shows the room's text with nothing
// left unacknowledged.
func (h *harness) converged() {
	want := h.room.Text()
	for _, l := range h.links {
		if got := l.r.Text(); got != want {
			h.t.Fatalf("%s: text %q, relay has %q", l.name, got, want)
		}
		if got := l.r.CommittedText(); got != want {
			h.t.Fatalf("%s: committed text %q, relay has %q", l.name, got, want)
		}
		if l.r.Version() != h.room.Version() {
			h.t.Fatalf("%s: version %d, relay at %d", l.name, l.r.Version(), h.room.Version())
		}
		if n := l.r.Unacknowledged(); n != 0 {
			h.t.Fatalf("%s: %d operations unacknowledged", l.name, n)
		}
	}
}

func statuses(events []session.Event) []string {
	var out []string
	for _, e := range events {
		if sc, ok := e.(session.StatusChanged); ok {
			out = append(out, fmt.Sprintf("%s->%s", sc.From, sc.To))
		}
	}
	return out
}
