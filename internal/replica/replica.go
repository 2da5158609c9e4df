// Package replica is the client side of a collaboration session: it turns
// local edits into operations, applies committed remote operations after
// transforming them against unacknowledged local ones, and recovers from
// reconnects and gaps.
package replica

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"collabtext/internal/clock"
	"collabtext/internal/identity"
	"collabtext/internal/oplog"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/session"
	"collabtext/internal/syncchan"
	"collabtext/internal/wire"
)

var (
	// ErrResyncRequired means local history can no longer be reconciled
	// entry by entry; the replica falls back to a snapshot.
	ErrResyncRequired = errors.New("resync required")
	ErrNothingToUndo  = errors.New("nothing to undo")
)

type Config struct {
	UserID   string
	UserName string
	RoomName string
	// SessionID asks for a specific session. Empty lets the relay decide.
	SessionID string
	// SnapshotThreshold is how far behind the relay a replica may be and
	// still catch up entry by entry.
	SnapshotThreshold int
	// Retention bounds the local log.
	Retention  int
	GapTimeout time.Duration
	Presence   presence.Config
	Clock      clock.Clock
}

func (c Config) withDefaults() Config {
	if c.SnapshotThreshold <= 0 {
		c.SnapshotThreshold = 512
	}
	if c.Retention <= 0 {
		c.Retention = 1024
	}
	if c.GapTimeout <= 0 {
		c.GapTimeout = syncchan.DefaultGapTimeout
	}
	if c.Presence == (presence.Config{}) {
		c.Presence = presence.DefaultConfig()
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	return c
}

// Output is what one call produced: messages for the relay, in order, and
// events for the host application.
type Output struct {
	Messages []wire.Message
	Events   []session.Event
}

func (o *Output) send(m wire.Message)  { o.Messages = append(o.Messages, m) }
func (o *Output) emit(e session.Event) { o.Events = append(o.Events, e) }
func (o *Output) status(ev session.StatusChanged, err error) {
	if err == nil {
		o.emit(ev)
	}
}

// Replica holds one participant's view of a session. It is not safe for
// concurrent use; Client runs it on a single goroutine.
//
// The committed document is the relay's state at the log's last version.
// The visible document is committed plus the in-flight operation plus the
// pending ones, in that order.
type Replica struct {
	cfg     Config
	machine *session.Machine
	log     *oplog.Log
	reorder *syncchan.Reorderer
	tracker *presence.Tracker
	roster  session.Roster

	committed *ot.Document
	visible   *ot.Document

	// inflight is the one operation sent and not yet acknowledged,
	// relative to committed. It is a list because a concurrent insert can
	// split a delete.
	inflight   []ot.Operation
	inflightID string
	// stale marks an in-flight operation sent over a connection that died.
	stale   bool
	pending syncchan.Outbox

	// undo inverts the last local edit against the visible document.
	undo   []ot.Operation
	cursor *presence.Update
	fresh  bool
}

func New(cfg Config) *Replica {
	cfg = cfg.withDefaults()
	return &Replica{
		cfg:       cfg,
		machine:   session.NewMachine(session.Session{SessionID: cfg.SessionID, RoomName: cfg.RoomName}),
		log:       oplog.New(0, oplog.WithRetention(cfg.Retention)),
		reorder:   syncchan.NewReorderer(0, cfg.GapTimeout, cfg.Clock),
		tracker:   presence.NewTracker(cfg.Presence, cfg.Clock),
		roster:    make(session.Roster),
		committed: ot.NewDocument(""),
		visible:   ot.NewDocument(""),
		fresh:     true,
	}
}

func (r *Replica) Text() string                 { return r.visible.String() }
func (r *Replica) CommittedText() string        { return r.committed.String() }
func (r *Replica) Version() int                 { return r.log.LastVersion() }
func (r *Replica) Status() session.Status       { return r.machine.Status() }
func (r *Replica) Session() session.Session     { return r.machine.Session() }
func (r *Replica) Closed() bool                 { return r.machine.Closed() }
func (r *Replica) Users() []presence.RemoteUser { return r.tracker.Users() }

// Unacknowledged returns how many local operations the relay has not
// committed yet.
func (r *Replica) Unacknowledged() int {
	n := r.pending.Len()
	if r.inflight != nil {
		n++
	}
	return n
}

// Members returns the roster ordered by user ID.
func (r *Replica) Members() []session.CollaborationUser {
	out := make([]session.CollaborationUser, 0, len(r.roster))
	for _, u := range r.roster {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Log returns the committed entries after version.
func (r *Replica) Log(version int) ([]oplog.Entry, error) {
	seq, err := r.log.Since(version)
	if err != nil {
		return nil, err
	}
	return slices.Collect(seq), nil
}

// Connect starts a handshake and returns the join message to send once the
// transport is up. From Offline it prepares a reconnect.
func (r *Replica) Connect() (Output, error) {
	var out Output
	switch st := r.machine.Status(); {
	case r.machine.Closed():
		return out, session.ErrSessionClosed
	case st == session.Disconnected:
		ev, err := r.machine.Fire(session.Connect)
		if err != nil {
			return out, err
		}
		out.emit(ev)
	case st != session.Offline:
		return out, fmt.Errorf("%w: connect in %s", session.ErrInvalidTransition, st)
	}
	since := r.log.LastVersion()
	if r.fresh {
		since = -1
	}
	out.send(wire.JoinMessage(wire.Join{
		RoomName:  r.machine.Session().RoomName,
		SessionID: r.machine.Session().SessionID,
		UserID:    r.cfg.UserID,
		UserName:  r.cfg.UserName,
		Since:     since,
	}))
	return out, nil
}

// Insert inserts text at pos in the visible document.
func (r *Replica) Insert(pos int, text string) (Output, error) {
	return r.local(ot.NewInsert(r.cfg.UserID, pos, text))
}

// Delete removes length code points at pos from the visible document.
func (r *Replica) Delete(pos, length int) (Output, error) {
	return r.local(ot.NewDelete(r.cfg.UserID, pos, length))
}

func (r *Replica) local(op ot.Operation) (Output, error) {
	var out Output
	if r.machine.Closed() {
		return out, session.ErrSessionClosed
	}
	op.ID = identity.GenerateOperationID()
	op.Timestamp = r.cfg.Clock.Now().UnixMilli()
	if err := op.Validate(); err != nil {
		out.emit(session.OperationRejected{Op: op, Reason: err})
		return out, err
	}
	inv := r.visible.Invert(op)
	applied := r.visible.Apply(op)
	if applied.IsNoop() {
		return out, nil
	}
	r.undo = []ot.Operation{inv}
	r.pending.Push(applied)
	r.flush(&out)
	return out, nil
}

// Undo reverts the most recent local edit, adjusted for everything applied
// since. It is a new operation; history is never rewritten.
func (r *Replica) Undo() (Output, error) {
	var out Output
	if r.machine.Closed() {
		return out, session.ErrSessionClosed
	}
	if len(r.undo) == 0 {
		return out, ErrNothingToUndo
	}
	ops := r.undo
	r.undo = nil
	now := r.cfg.Clock.Now().UnixMilli()
	for _, op := range ops {
		op.ID = identity.GenerateOperationID()
		op.OriginUser = r.cfg.UserID
		op.Timestamp = now
		if applied := r.visible.Apply(op); !applied.IsNoop() {
			r.pending.Push(applied)
		}
	}
	r.flush(&out)
	return out, nil
}

// UpdateCursor announces the local cursor. It is dropped while not
// connected and never retried.
func (r *Replica) UpdateCursor(pos int, selStart, selEnd *int) Output {
	var out Output
	u := presence.Update{
		UserID:         r.cfg.UserID,
		UserName:       r.cfg.UserName,
		Color:          identity.GenerateColor(r.cfg.UserID),
		CursorPosition: pos,
		SelectionStart: selStart,
		SelectionEnd:   selEnd,
	}
	r.cursor = &u
	if r.machine.Status() == session.Connected {
		out.send(wire.PresenceMessage(u))
	}
	return out
}

// flush sends the next pending operation if nothing is in flight.
func (r *Replica) flush(out *Output) {
	if r.machine.Status() != session.Connected || r.inflight != nil {
		return
	}
	for {
		op, ok := r.pending.Pop()
		if !ok {
			return
		}
		if op.IsNoop() {
			continue
		}
		if op.ID == "" {
			op.ID = identity.GenerateOperationID()
		}
		op.Version = r.log.LastVersion()
		r.inflight = []ot.Operation{op}
		r.inflightID = op.ID
		r.stale = false
		out.send(wire.OpMessage(op))
		return
	}
}

// requeue replaces the pending queue with ops. A delete split by
// concurrent inserts leaves pieces sharing one id and the relay drops a
// repeated id, so every piece after the first gets a fresh one.
func (r *Replica) requeue(ops []ot.Operation) {
	seen := make(map[string]bool, len(ops)+1)
	if r.inflight != nil {
		seen[r.inflightID] = true
	}
	for i := range ops {
		if ops[i].ID == "" || seen[ops[i].ID] {
			ops[i].ID = identity.GenerateOperationID()
		}
		seen[ops[i].ID] = true
	}
	r.pending.Replace(ops)
}

// Receive handles one message from the relay.
func (r *Replica) Receive(m wire.Message) (Output, error) {
	var out Output
	if r.machine.Closed() {
		return out, session.ErrSessionClosed
	}
	var err error
	switch m.Type {
	case wire.TypeWelcome:
		err = r.welcome(&out, *m.Welcome)
	case wire.TypeCatchUp:
		r.catchUp(&out, *m.CatchUp)
	case wire.TypeSnapshot:
		r.snapshot(&out, *m.Snapshot)
		r.caughtUp(&out)
	case wire.TypeChange:
		if r.machine.AcceptsRemote() {
			r.deliver(&out, *m.Change)
			r.flush(&out)
		}
	case wire.TypePresence:
		if m.Presence.UserID != r.cfg.UserID {
			out.emit(session.PresenceChanged{User: r.tracker.Update(*m.Presence)})
		}
	case wire.TypeMember:
		r.member(&out, *m.Member)
	case wire.TypeError:
		r.relayError(&out, *m.Error)
	default:
		err = fmt.Errorf("%w: unexpected %s from relay", wire.ErrBadMessage, m.Type)
	}
	return out, err
}

func (r *Replica) welcome(out *Output, w wire.Welcome) error {
	if st := r.machine.Status(); st != session.Connecting && st != session.Offline {
		return fmt.Errorf("%w: welcome in %s", session.ErrInvalidTransition, st)
	}
	out.status(r.machine.Fire(session.HandshakeAck))
	// A relay that restarted the room hands out a new session id; the
	// local log describes history the relay no longer has.
	prev := r.machine.Session().SessionID
	restarted := !r.fresh && prev != "" && prev != w.Session.SessionID
	r.machine.Adopt(w.Session)
	r.reorder.Reset(r.log.LastVersion())

	for _, u := range w.Members {
		r.member(out, u)
	}
	for _, ru := range w.Presence {
		if ru.UserID != r.cfg.UserID {
			out.emit(session.PresenceChanged{User: r.tracker.Update(ru.AsUpdate())})
		}
	}

	local := r.log.LastVersion()
	switch {
	case w.Snapshot != nil:
		r.snapshot(out, *w.Snapshot)
		r.caughtUp(out)
	case r.fresh:
		out.send(wire.SnapshotRequestMessage())
	case restarted:
		out.send(wire.SnapshotRequestMessage())
	case local == w.Version:
		r.caughtUp(out)
	case local > w.Version || local < w.FirstRetained || w.Version-local > r.cfg.SnapshotThreshold:
		out.send(wire.SnapshotRequestMessage(r.inflightIDs()...))
	default:
		out.send(wire.ResyncMessage(local))
	}
	return nil
}

func (r *Replica) catchUp(out *Output, c wire.CatchUp) {
	for _, e := range c.Entries {
		if !r.deliver(out, e) {
			return
		}
	}
	if r.log.LastVersion() >= c.Version {
		r.caughtUp(out)
	}
}

// caughtUp finishes a sync: Syncing becomes Connected and local edits
// queued meanwhile go out.
func (r *Replica) caughtUp(out *Output) {
	if r.machine.Status() == session.Syncing {
		out.status(r.machine.Fire(session.CaughtUp))
	}
	if r.stale && r.inflight != nil {
		// The relay never committed it; send it again, same id first.
		ops := slices.Concat(r.inflight, r.pending.Ops())
		r.inflight, r.inflightID = nil, ""
		r.requeue(ops)
	}
	r.stale = false
	if r.cursor != nil && r.machine.Status() == session.Connected {
		out.send(wire.PresenceMessage(*r.cursor))
	}
	r.flush(out)
}

// deliver passes e through the reorder buffer and applies whatever became
// contiguous. It reports false if the replica had to fall back to a
// snapshot.
func (r *Replica) deliver(out *Output, e oplog.Entry) bool {
	for _, ready := range r.reorder.Push(e) {
		if err := r.apply(out, ready); err != nil {
			r.resync(out, true)
			return false
		}
	}
	return true
}

// apply commits e locally. The log and both documents advance together or
// not at all.
func (r *Replica) apply(out *Output, e oplog.Entry) error {
	if want := r.log.LastVersion() + 1; e.Version != want {
		return fmt.Errorf("%w: entry %d, want %d", ErrResyncRequired, e.Version, want)
	}
	if err := r.log.Append(e); err != nil {
		return fmt.Errorf("%w: %w", ErrResyncRequired, err)
	}
	if err := r.machine.Advance(e.Version); err != nil {
		r.machine.Resynced(e.Version)
	}
	r.committed.ApplyAll(e.Applied)

	if r.inflight != nil && e.Op.ID == r.inflightID {
		r.inflight, r.inflightID = nil, ""
		return nil
	}

	var r1, r2 []ot.Operation
	r.inflight, r1 = ot.TransformOps(r.inflight, e.Applied)
	pending, r2 := ot.TransformOps(r.pending.Ops(), r1)
	r.requeue(pending)
	applied := r.visible.ApplyAll(r2)
	if r.undo != nil {
		r.undo, _ = ot.TransformOps(r.undo, applied)
	}
	out.emit(session.RemoteApplied{Entry: e, Applied: applied})
	return nil
}

// resync throws away the reorder buffer and asks for the missing history,
// or a snapshot when history cannot help.
func (r *Replica) resync(out *Output, snapshot bool) {
	if r.machine.Status() == session.Connected {
		out.status(r.machine.Fire(session.ResyncRequired))
	}
	r.reorder.Reset(r.log.LastVersion())
	if snapshot {
		out.send(wire.SnapshotRequestMessage(r.inflightIDs()...))
	} else {
		out.send(wire.ResyncMessage(r.log.LastVersion()))
	}
}

func (r *Replica) inflightIDs() []string {
	if r.inflight == nil {
		return nil
	}
	return []string{r.inflightID}
}

// snapshot replaces the committed state with s and replays unacknowledged
// local edits onto it. The change between the old and new committed text
// is treated as one remote delete plus insert; local edits overlapping it
// are reported as a conflict.
func (r *Replica) snapshot(out *Output, s wire.Snapshot) {
	base := r.committed
	local := r.pending.Ops()
	if r.inflight != nil {
		if slices.Contains(s.Committed, r.inflightID) {
			base = base.Clone()
			base.ApplyAll(r.inflight)
		} else {
			local = slices.Concat(r.inflight, local)
		}
	}

	diff, lo, hi := diffText(base.String(), s.Text)
	conflicts := overlapping(local, diff, lo, hi)
	local, diffP := ot.TransformOps(local, diff)

	r.committed = ot.NewDocument(s.Text)
	applied := r.visible.ApplyAll(diffP)
	r.inflight, r.inflightID = nil, ""
	r.requeue(local)
	r.stale = false
	r.undo = nil
	r.fresh = false

	r.log.Reset(s.Version)
	r.machine.Resynced(s.Version)
	r.reorder.Reset(s.Version)

	if len(diff) > 0 {
		out.emit(session.RemoteApplied{Entry: oplog.Entry{Version: s.Version, Applied: diff}, Applied: applied})
	}
	if len(conflicts) > 0 {
		out.emit(session.Conflict{
			Ops:    conflicts,
			Reason: fmt.Sprintf("%v: local edits overlap text changed remotely", ErrResyncRequired),
		})
	}
}

func (r *Replica) member(out *Output, u session.CollaborationUser) {
	prev, known := r.roster[u.UserID]
	self := u.UserID == r.cfg.UserID
	if u.IsActive {
		rec := r.roster.Join(u)
		if !self && (!known || !prev.IsActive) {
			out.emit(session.PeerJoined{User: rec})
		}
		return
	}
	if !known {
		r.roster[u.UserID] = u
		return
	}
	rec, _ := r.roster.Leave(u.UserID)
	r.tracker.Remove(u.UserID)
	if !self && prev.IsActive {
		out.emit(session.PeerLeft{User: rec})
	}
}

func (r *Replica) relayError(out *Output, e wire.Error) {
	switch {
	case e.Code == wire.CodeRejected && e.Op != nil && r.inflight != nil && e.Op.ID == r.inflightID:
		r.dropInflight()
		out.emit(session.OperationRejected{Op: *e.Op, Reason: fmt.Errorf("relay rejected operation: %s", e.Message)})
		r.flush(out)
	case e.Code == wire.CodeTruncated:
		r.resync(out, true)
	default:
		out.emit(session.Failure{Err: fmt.Errorf("relay error %s: %s", e.Code, e.Message)})
	}
}

// dropInflight removes the rejected in-flight operation from the visible
// document by transforming pending edits past its inverse.
func (r *Replica) dropInflight() {
	doc := r.committed.Clone()
	inv := make([]ot.Operation, 0, len(r.inflight))
	for _, op := range r.inflight {
		inv = append(inv, doc.Invert(op))
		doc.Apply(op)
	}
	slices.Reverse(inv)
	pending, invP := ot.TransformOps(r.pending.Ops(), inv)
	r.inflight, r.inflightID = nil, ""
	r.requeue(pending)
	r.visible.ApplyAll(invP)
	r.undo = nil
}

// Tick runs the timers: an expired reorder gap triggers a resync and stale
// presence is swept.
func (r *Replica) Tick(now time.Time) Output {
	var out Output
	if r.machine.Closed() {
		return out
	}
	if r.machine.AcceptsRemote() && r.reorder.GapExpired() {
		next, buffered := r.reorder.Missing()
		out.emit(session.Failure{Err: fmt.Errorf("%w: version %d missing after %s, resyncing past %d buffered entries",
			oplog.ErrOutOfOrder, next, r.cfg.GapTimeout, len(buffered))})
		r.resync(&out, false)
	}
	for _, id := range r.tracker.Sweep(now) {
		out.emit(session.PresenceEvicted{UserID: id})
	}
	return out
}

// TransportLost moves the session to Offline. Local edits keep queueing.
func (r *Replica) TransportLost(err error) Output {
	var out Output
	if r.machine.Closed() || r.machine.Status() == session.Disconnected {
		return out
	}
	if r.machine.Status() != session.Offline {
		out.status(r.machine.Fire(session.TransportError))
	}
	r.stale = r.inflight != nil
	r.reorder.Reset(r.log.LastVersion())
	return out
}

// GiveUp ends the session after reconnecting failed for good. Queued local
// edits are discarded.
func (r *Replica) GiveUp(err error) Output {
	var out Output
	if r.machine.Status() != session.Offline {
		return out
	}
	out.status(r.machine.Fire(session.GiveUp))
	out.emit(session.Failure{Err: err})
	r.discard()
	return out
}

// Leave ends the session. The leave message is only produced while the
// relay can hear it.
func (r *Replica) Leave() Output {
	var out Output
	if r.machine.Closed() {
		return out
	}
	if st := r.machine.Status(); st == session.Connected || st == session.Syncing {
		out.send(wire.LeaveMessage())
	}
	out.status(r.machine.Fire(session.Leave))
	r.discard()
	return out
}

func (r *Replica) discard() {
	r.pending.Clear()
	r.inflight, r.inflightID = nil, ""
	r.undo = nil
	r.cursor = nil
}
