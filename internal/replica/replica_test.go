package replica_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"pgregory.net/rapid"

	"collabtext/internal/clock"
	"collabtext/internal/oplog"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/relay"
	"collabtext/internal/replica"
	"collabtext/internal/session"
	"collabtext/internal/syncchan"
	"collabtext/internal/wire"
)

func TestConcurrentEditsConverge(t *testing.T) {
	for _, aliceFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("aliceFirst=%v", aliceFirst), func(t *testing.T) {
			h := newHarness(t, "hello")
			alice := h.add("alice", clock.Real())
			bob := h.add("bob", clock.Real())
			h.connect(alice)
			h.connect(bob)
			h.settle()

			h.insert(alice, 5, " world")
			h.delete(bob, 0, 5)
			if alice.r.Text() != "hello world" || bob.r.Text() != "" {
				t.Fatalf("local edits not visible: %q %q", alice.r.Text(), bob.r.Text())
			}
			if aliceFirst {
				h.up(alice)
				h.up(bob)
			} else {
				h.up(bob)
				h.up(alice)
			}
			h.settle()
			h.converged()
			if got := h.room.Text(); got != " world" {
				t.Errorf("text = %q, want %q", got, " world")
			}
		})
	}
}

func TestFreshJoinStatuses(t *testing.T) {
	h := newHarness(t, "seed")
	alice := h.add("alice", clock.Real())
	h.connect(alice)
	h.settle()
	want := []string{"disconnected->connecting", "connecting->syncing", "syncing->connected"}
	if got := statuses(alice.takeEvents()); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if alice.r.Text() != "seed" || !alice.r.Session().IsActive {
		t.Errorf("text %q, session %+v", alice.r.Text(), alice.r.Session())
	}
}

func TestReconnectCatchesUp(t *testing.T) {
	h := newHarness(t, "")
	seed := h.add("seed", clock.Real())
	carol := h.add("carol", clock.Real())
	h.connect(seed)
	h.connect(carol)
	h.settle()
	for i := range 7 {
		h.insert(seed, i, "x")
		h.settle()
	}
	if carol.r.Version() != 7 {
		t.Fatalf("carol at %d, want 7", carol.r.Version())
	}

	h.disconnect(carol)
	for i := range 3 {
		h.insert(seed, 0, string(rune('a'+i)))
		h.settle()
	}
	carol.takeEvents()

	h.connect(carol)
	if m := carol.toRelay[0]; m.Type != wire.TypeJoin || m.Join.Since != 7 {
		t.Fatalf("join = %+v", m)
	}
	h.up(carol)
	h.down(carol)
	if st := carol.r.Status(); st != session.Syncing {
		t.Fatalf("status after welcome = %s", st)
	}
	if m := carol.toRelay[0]; m.Type != wire.TypeResync || m.Resync.Since != 7 {
		t.Fatalf("sent %+v, want resync since 7", m)
	}
	h.up(carol)
	if n := len(carol.toClient[0].CatchUp.Entries); n != 3 {
		t.Fatalf("catch-up has %d entries, want 3", n)
	}
	h.down(carol)

	if carol.r.Version() != 10 || carol.r.Status() != session.Connected {
		t.Errorf("carol at %d, %s", carol.r.Version(), carol.r.Status())
	}
	want := []string{"offline->syncing", "syncing->connected"}
	if got := statuses(carol.takeEvents()); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	h.converged()
}

// submit commits an edit from a user with no replica in the harness.
func submit(t *testing.T, h *harness, o ot.Operation) wire.Message {
	t.Helper()
	o.ID = fmt.Sprintf("op-%d", h.room.Version()+1)
	o.Version = h.room.Version()
	e, _, err := h.room.Submit(o)
	if err != nil {
		t.Fatal(err)
	}
	return wire.ChangeMessage(e)
}

func TestOutOfOrderChangesAreBuffered(t *testing.T) {
	h := newHarness(t, "")
	alice := h.add("alice", clock.Real())
	h.connect(alice)
	h.settle()

	c1 := submit(t, h, ot.NewInsert("carol", 0, "a"))
	c2 := submit(t, h, ot.NewInsert("carol", 1, "b"))
	alice.toClient = append(alice.toClient, c2, c1)

	h.down(alice)
	if alice.r.Text() != "" || alice.r.Version() != 0 {
		t.Fatalf("applied across a gap: %q at %d", alice.r.Text(), alice.r.Version())
	}
	h.down(alice)
	if alice.r.Text() != "ab" || alice.r.Version() != 2 {
		t.Errorf("text %q at %d, want %q at 2", alice.r.Text(), alice.r.Version(), "ab")
	}
}

func TestGapTimeoutResyncs(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	h := newHarness(t, "")
	alice := h.add("alice", clk)
	h.connect(alice)
	h.settle()
	alice.takeEvents()

	submit(t, h, ot.NewInsert("carol", 0, "a"))
	c2 := submit(t, h, ot.NewInsert("carol", 1, "b"))
	alice.toClient = append(alice.toClient, c2)
	h.down(alice)

	clk.Advance(syncchan.DefaultGapTimeout - time.Second)
	if out := alice.r.Tick(clk.Now()); len(out.Messages) != 0 {
		t.Fatalf("resync before the gap timed out: %+v", out.Messages)
	}
	clk.Advance(time.Second)
	alice.collect(alice.r.Tick(clk.Now()))
	if m := alice.toRelay; len(m) != 1 || m[0].Type != wire.TypeResync || m[0].Resync.Since != 0 {
		t.Fatalf("sent %+v, want resync since 0", m)
	}
	if alice.r.Status() != session.Syncing {
		t.Fatalf("status = %s", alice.r.Status())
	}
	var reported bool
	for _, e := range alice.events {
		if f, ok := e.(session.Failure); ok && errors.Is(f.Err, oplog.ErrOutOfOrder) {
			reported = true
		}
	}
	if !reported {
		t.Error("gap resync not reported")
	}
	h.settle()
	h.converged()
	want := []string{"connected->syncing", "syncing->connected"}
	if got := statuses(alice.takeEvents()); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
}

func TestOfflineEditsReplay(t *testing.T) {
	h := newHarness(t, "hello")
	alice := h.add("alice", clock.Real())
	bob := h.add("bob", clock.Real())
	h.connect(alice)
	h.connect(bob)
	h.settle()

	h.disconnect(alice)
	h.insert(alice, 0, ">")
	h.insert(alice, 6, "<")
	if alice.r.Unacknowledged() != 2 || alice.r.Status() != session.Offline {
		t.Fatalf("offline: %d unacknowledged, %s", alice.r.Unacknowledged(), alice.r.Status())
	}
	h.delete(bob, 1, 3)
	h.settle()

	h.connect(alice)
	h.settle()
	h.converged()
	if got := h.room.Text(); got != ">ho<" {
		t.Errorf("text = %q, want %q", got, ">ho<")
	}
}

func TestInflightCommittedBeforeDisconnect(t *testing.T) {
	h := newHarness(t, "")
	alice := h.add("alice", clock.Real())
	h.connect(alice)
	h.settle()

	h.insert(alice, 0, "x")
	h.up(alice)
	// The change acknowledging the insert is lost with the connection.
	h.disconnect(alice)
	h.connect(alice)
	h.settle()
	h.converged()
	if h.room.Text() != "x" || h.room.Version() != 1 {
		t.Errorf("room %q at %d, want one insert", h.room.Text(), h.room.Version())
	}
}

func TestInflightLostBeforeRelay(t *testing.T) {
	h := newHarness(t, "")
	alice := h.add("alice", clock.Real())
	h.connect(alice)
	h.settle()

	h.insert(alice, 0, "x")
	h.disconnect(alice)
	h.connect(alice)
	h.settle()
	h.converged()
	if h.room.Text() != "x" {
		t.Errorf("room = %q", h.room.Text())
	}
}

func TestDeleteSplitThreeWaysReachesRelay(t *testing.T) {
	h := newHarness(t, "xxxx")
	alice := h.add("alice", clock.Real())
	bob := h.add("bob", clock.Real())
	h.connect(alice)
	h.connect(bob)
	h.settle()

	h.insert(bob, 4, "Z")
	h.delete(bob, 0, 4)
	h.insert(alice, 1, "1")
	h.up(alice)
	h.down(alice)
	h.insert(alice, 4, "2")
	h.up(alice)
	h.settle()
	h.converged()
	if got := h.room.Text(); got != "12Z" {
		t.Errorf("text = %q, want %q", got, "12Z")
	}
}

func TestRelayRestartReloadsSnapshot(t *testing.T) {
	h := newHarness(t, "hello")
	alice := h.add("alice", clock.Real())
	bob := h.add("bob", clock.Real())
	h.connect(alice)
	h.connect(bob)
	h.settle()
	h.insert(alice, 0, ">")
	h.settle()
	h.insert(bob, 6, "!")
	h.settle()

	h.disconnect(alice)
	h.disconnect(bob)
	h.room = relay.NewRoom(session.Session{SessionID: "s2", RoomName: "notes"}, "")
	h.roster = make(session.Roster)
	h.insert(alice, 7, "?")

	h.connect(bob)
	h.settle()
	for _, s := range []string{"x", "y", "z"} {
		h.insert(bob, 0, s)
		h.settle()
	}
	alice.takeEvents()

	// alice is at version 2 and the restarted room at 3; catching up
	// entry by entry would replay new history onto old text.
	h.connect(alice)
	h.up(alice)
	h.down(alice)
	if m := alice.toRelay; len(m) != 1 || m[0].Type != wire.TypeSnapshotRequest {
		t.Fatalf("sent %+v, want a snapshot request", m)
	}
	h.settle()
	h.converged()
	if got := h.room.Text(); got != "zyx?" {
		t.Errorf("text = %q, want %q", got, "zyx?")
	}
	if got := alice.r.Session().SessionID; got != "s2" {
		t.Errorf("session = %q, want s2", got)
	}
	var conflict bool
	for _, e := range alice.takeEvents() {
		if _, ok := e.(session.Conflict); ok {
			conflict = true
		}
	}
	if !conflict {
		t.Error("edit made across the restart not reported as a conflict")
	}
}

func TestSnapshotReplayReportsConflict(t *testing.T) {
	h := newHarness(t, "hello world", relay.WithRetention(2))
	alice := h.add("alice", clock.Real())
	bob := h.add("bob", clock.Real())
	h.connect(alice)
	h.connect(bob)
	h.settle()

	h.disconnect(alice)
	h.delete(alice, 0, 5)
	h.delete(bob, 3, 5)
	h.settle()
	h.insert(bob, 6, "!")
	h.settle()
	h.insert(bob, 7, "!")
	h.settle()
	alice.takeEvents()

	h.connect(alice)
	h.up(alice)
	h.down(alice)
	if m := alice.toRelay[0]; m.Type != wire.TypeSnapshotRequest {
		t.Fatalf("sent %s, want a snapshot request", m.Type)
	}
	h.settle()
	h.converged()
	if got := h.room.Text(); got != "rld!!" {
		t.Errorf("text = %q, want %q", got, "rld!!")
	}

	var conflict *session.Conflict
	for _, e := range alice.takeEvents() {
		if c, ok := e.(session.Conflict); ok {
			conflict = &c
		}
	}
	if conflict == nil {
		t.Fatal("no conflict reported")
	}
	if len(conflict.Ops) != 1 || conflict.Ops[0].Kind != ot.Delete {
		t.Errorf("conflict ops = %v", conflict.Ops)
	}
}

func TestRejectedOperationIsRolledBack(t *testing.T) {
	h := newHarness(t, "ab")
	alice := h.add("alice", clock.Real())
	h.connect(alice)
	h.settle()
	alice.takeEvents()

	h.insert(alice, 1, "x")
	h.insert(alice, 3, "y")
	sent := alice.toRelay[0]
	alice.toRelay = alice.toRelay[1:]
	alice.toClient = append(alice.toClient, wire.ErrorMessage(wire.CodeRejected, "nope", sent.Op))
	h.down(alice)

	if got := alice.r.Text(); got != "aby" {
		t.Errorf("text after rejection = %q, want %q", got, "aby")
	}
	var rejected bool
	for _, e := range alice.takeEvents() {
		if r, ok := e.(session.OperationRejected); ok && r.Op.ID == sent.Op.ID {
			rejected = true
		}
	}
	if !rejected {
		t.Error("no rejection event")
	}
	h.settle()
	h.converged()
}

func TestUndo(t *testing.T) {
	h := newHarness(t, "hello")
	alice := h.add("alice", clock.Real())
	bob := h.add("bob", clock.Real())
	h.connect(alice)
	h.connect(bob)
	h.settle()

	h.insert(alice, 5, "X")
	h.insert(bob, 0, "Y")
	h.settle()
	if alice.r.Text() != "YhelloX" {
		t.Fatalf("text = %q", alice.r.Text())
	}
	out, err := alice.r.Undo()
	if err != nil {
		t.Fatal(err)
	}
	alice.collect(out)
	h.settle()
	h.converged()
	if got := h.room.Text(); got != "Yhello" {
		t.Errorf("text after undo = %q, want %q", got, "Yhello")
	}
	if _, err := alice.r.Undo(); !errors.Is(err, replica.ErrNothingToUndo) {
		t.Errorf("second undo err = %v", err)
	}
}

func TestPresenceAndMembers(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	h := newHarness(t, "")
	alice := h.add("alice", clk)
	h.connect(alice)
	h.settle()
	alice.takeEvents()

	bob := session.CollaborationUser{UserID: "bob", UserName: "Bob", SessionID: "s1", IsActive: true}
	alice.toClient = append(alice.toClient,
		wire.MemberMessage(bob),
		wire.PresenceMessage(presence.Update{UserID: "bob", UserName: "Bob", CursorPosition: 4}),
	)
	h.settle()
	events := alice.takeEvents()
	if len(events) != 2 {
		t.Fatalf("events = %#v", events)
	}
	if j, ok := events[0].(session.PeerJoined); !ok || j.User.UserID != "bob" {
		t.Errorf("first event = %#v", events[0])
	}
	if p, ok := events[1].(session.PresenceChanged); !ok || p.User.CursorPosition != 4 {
		t.Errorf("second event = %#v", events[1])
	}
	if users := alice.r.Users(); len(users) != 1 || !users[0].IsActive {
		t.Errorf("users = %+v", users)
	}

	clk.Advance(61 * time.Second)
	out := alice.r.Tick(clk.Now())
	if len(out.Events) != 1 || out.Events[0] != (session.PresenceEvicted{UserID: "bob"}) {
		t.Errorf("tick events = %#v", out.Events)
	}

	bob.IsActive = false
	alice.toClient = append(alice.toClient, wire.MemberMessage(bob))
	h.settle()
	events = alice.takeEvents()
	if len(events) != 1 {
		t.Fatalf("events = %#v", events)
	}
	if l, ok := events[0].(session.PeerLeft); !ok || l.User.UserID != "bob" {
		t.Errorf("event = %#v", events[0])
	}
	members := alice.r.Members()
	if len(members) != 2 || members[1].IsActive {
		t.Errorf("members = %+v", members)
	}
}

func TestCursorAnnouncedOnceCaughtUp(t *testing.T) {
	h := newHarness(t, "")
	alice := h.add("alice", clock.Real())
	if out := alice.r.UpdateCursor(3, nil, nil); len(out.Messages) != 0 {
		t.Errorf("cursor sent while disconnected: %+v", out.Messages)
	}
	h.connect(alice)
	h.up(alice)
	h.down(alice)
	if m := alice.toRelay; len(m) != 1 || m[0].Type != wire.TypePresence || m[0].Presence.CursorPosition != 3 {
		t.Fatalf("sent %+v, want the cursor", m)
	}
	out := alice.r.UpdateCursor(2, nil, nil)
	if len(out.Messages) != 1 || out.Messages[0].Presence.CursorPosition != 2 {
		t.Errorf("messages = %+v", out.Messages)
	}
}

func TestLeaveClosesSession(t *testing.T) {
	h := newHarness(t, "")
	alice := h.add("alice", clock.Real())
	h.connect(alice)
	h.settle()

	out := alice.r.Leave()
	if len(out.Messages) != 1 || out.Messages[0].Type != wire.TypeLeave {
		t.Errorf("messages = %+v", out.Messages)
	}
	if alice.r.Status() != session.Disconnected || !alice.r.Closed() {
		t.Errorf("status = %s", alice.r.Status())
	}
	if _, err := alice.r.Insert(0, "x"); !errors.Is(err, session.ErrSessionClosed) {
		t.Errorf("insert after leave err = %v", err)
	}
	if out := alice.r.Leave(); len(out.Messages)+len(out.Events) != 0 {
		t.Error("second leave produced output")
	}
}

func TestGiveUpDiscardsQueuedEdits(t *testing.T) {
	h := newHarness(t, "")
	alice := h.add("alice", clock.Real())
	h.connect(alice)
	h.settle()
	h.disconnect(alice)
	h.insert(alice, 0, "x")
	alice.takeEvents()

	out := alice.r.GiveUp(errors.New("relay gone"))
	if alice.r.Status() != session.Disconnected || alice.r.Unacknowledged() != 0 {
		t.Errorf("status %s, %d unacknowledged", alice.r.Status(), alice.r.Unacknowledged())
	}
	if len(out.Events) != 2 {
		t.Fatalf("events = %#v", out.Events)
	}
	if _, ok := out.Events[1].(session.Failure); !ok {
		t.Errorf("event = %#v", out.Events[1])
	}
}

func TestInvalidLocalEdit(t *testing.T) {
	h := newHarness(t, "")
	alice := h.add("alice", clock.Real())
	out, err := alice.r.Insert(-1, "x")
	if !errors.Is(err, ot.ErrMalformedOperation) {
		t.Fatalf("err = %v", err)
	}
	if len(out.Events) != 1 {
		t.Fatalf("events = %#v", out.Events)
	}
	if _, ok := out.Events[0].(session.OperationRejected); !ok {
		t.Errorf("event = %#v", out.Events[0])
	}
	// Past the end is clamped, not rejected.
	if _, err := alice.r.Insert(10, "x"); err != nil || alice.r.Text() != "x" {
		t.Errorf("clamped insert: %q, %v", alice.r.Text(), err)
	}
}

func TestRandomSchedulesConverge(t *testing.T) {
	contents := []string{"a", "bc", "é", "xyz"}
	rapid.Check(t, func(t *rapid.T) {
		text := rapid.StringMatching(`[a-z]{0,8}`).Draw(t, "text")
		retention := rapid.IntRange(1, 8).Draw(t, "retention")
		h := newHarness(t, text, relay.WithRetention(retention))
		for i := range rapid.IntRange(2, 3).Draw(t, "replicas") {
			h.connect(h.add(fmt.Sprintf("user%d", i), clock.Real()))
		}
		h.settle()

		steps := rapid.IntRange(1, 80).Draw(t, "steps")
		for range steps {
			l := rapid.SampledFrom(h.links).Draw(t, "link")
			n := len([]rune(l.r.Text()))
			switch rapid.IntRange(0, 9).Draw(t, "action") {
			case 0, 1, 2:
				pos := rapid.IntRange(0, n).Draw(t, "pos")
				h.insert(l, pos, rapid.SampledFrom(contents).Draw(t, "content"))
			case 3, 4:
				if n == 0 {
					continue
				}
				pos := rapid.IntRange(0, n-1).Draw(t, "pos")
				h.delete(l, pos, rapid.IntRange(1, n-pos).Draw(t, "length"))
			case 5, 6:
				h.up(l)
			case 7, 8:
				h.down(l)
			default:
				if l.up {
					h.disconnect(l)
				} else {
					h.connect(l)
				}
			}
		}
		for _, l := range h.links {
			if !l.up {
				h.connect(l)
			}
		}
		h.settle()
		h.converged()
	})
}
