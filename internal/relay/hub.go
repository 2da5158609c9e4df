package relay

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"collabtext/internal/clock"
	"collabtext/internal/identity"
	"collabtext/internal/membership"
	"collabtext/internal/oplog"
	"collabtext/internal/ot"
	"collabtext/internal/presence"
	"collabtext/internal/session"
	"collabtext/internal/syncchan"
	"collabtext/internal/wire"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	storeTimeout = 5 * time.Second
)

// Peer is one client connection attached to a hub.
type Peer struct {
	id   string
	join wire.Join
	conn syncchan.Conn
	send chan wire.Message
	left bool
}

func NewPeer(conn syncchan.Conn, join wire.Join) *Peer {
	return &Peer{
		id:   identity.GenerateUserID(),
		join: join,
		conn: conn,
		send: make(chan wire.Message, sendBuffer),
	}
}

func (p *Peer) ID() string     { return p.id }
func (p *Peer) UserID() string { return p.join.UserID }

type request struct {
	peer *Peer
	msg  wire.Message
}

// Hub runs one room. A single goroutine owns the set of peers and is the
// only caller of Room.Submit, so changes go out in commit order.
type Hub struct {
	room    *Room
	tracker *presence.Tracker
	roster  session.Roster
	members membership.Store
	logger  *zap.Logger
	metrics *Metrics

	peers      map[*Peer]bool
	register   chan *Peer
	unregister chan *Peer
	inbound    chan request
	done       chan struct{}
}

func NewHub(room *Room, members membership.Store, clk clock.Clock, logger *zap.Logger, metrics *Metrics) *Hub {
	return &Hub{
		room:       room,
		tracker:    presence.NewTracker(presence.DefaultConfig(), clk),
		roster:     make(session.Roster),
		members:    members,
		logger:     logger.With(zap.String("room", room.Session().RoomName)),
		metrics:    metrics,
		peers:      make(map[*Peer]bool),
		register:   make(chan *Peer),
		unregister: make(chan *Peer),
		inbound:    make(chan request),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Room() *Room { return h.room }

// Run serves the room until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	go h.tracker.Run(ctx, func(evicted []string) {
		h.logger.Debug("presence evicted", zap.Strings("users", evicted))
	})
	for {
		select {
		case <-ctx.Done():
			for p := range h.peers {
				h.drop(p)
			}
			return
		case p := <-h.register:
			h.join(ctx, p)
		case p := <-h.unregister:
			h.leave(ctx, p)
		case req := <-h.inbound:
			if h.peers[req.peer] {
				h.handle(ctx, req.peer, req.msg)
			}
		}
	}
}

// Serve attaches conn to the hub and pumps messages until the connection
// ends. join is the message the client opened with.
func (h *Hub) Serve(ctx context.Context, conn syncchan.Conn, join wire.Join) {
	p := NewPeer(conn, join)
	select {
	case h.register <- p:
	case <-h.done:
		conn.Close()
		return
	}
	go h.writePump(p)
	h.readPump(ctx, p)
}

func (h *Hub) readPump(ctx context.Context, p *Peer) {
	defer func() {
		select {
		case h.unregister <- p:
		case <-h.done:
		}
		p.conn.Close()
	}()
	for {
		m, err := p.conn.Recv()
		if errors.Is(err, wire.ErrBadMessage) {
			h.logger.Warn("bad message", zap.String("peer", p.id), zap.Error(err))
			continue
		}
		if err != nil {
			h.logger.Debug("peer disconnected", zap.String("peer", p.id), zap.Error(err))
			return
		}
		h.metrics.Messages.WithLabelValues(string(m.Type)).Inc()
		select {
		case h.inbound <- request{peer: p, msg: m}:
		case <-h.done:
			return
		case <-ctx.Done():
			return
		}
		if m.Type == wire.TypeLeave {
			return
		}
	}
}

func (h *Hub) writePump(p *Peer) {
	defer p.conn.Close()
	for m := range p.send {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := p.conn.Send(ctx, m)
		cancel()
		if err != nil {
			h.logger.Debug("write failed", zap.String("peer", p.id), zap.Error(err))
			// Keep draining so the hub never blocks on this peer.
			for range p.send {
			}
			return
		}
	}
}

// deliver queues m for p. A peer too slow to keep up is dropped; it will
// reconnect and catch up.
func (h *Hub) deliver(p *Peer, m wire.Message) {
	select {
	case p.send <- m:
	default:
		h.logger.Warn("peer too slow, dropping", zap.String("peer", p.id))
		h.drop(p)
	}
}

func (h *Hub) broadcast(m wire.Message, except *Peer) {
	for p := range h.peers {
		if p != except {
			h.deliver(p, m)
		}
	}
}

func (h *Hub) drop(p *Peer) {
	if !h.peers[p] {
		return
	}
	delete(h.peers, p)
	close(p.send)
	h.metrics.Connections.Dec()
}

func (h *Hub) join(ctx context.Context, p *Peer) {
	h.peers[p] = true
	h.metrics.Connections.Inc()

	s := h.room.Session()
	s.PeerID = p.id
	u := session.CollaborationUser{
		UserID:    p.join.UserID,
		UserName:  p.join.UserName,
		SessionID: s.SessionID,
		JoinedAt:  time.Now().UTC(),
	}
	u = h.roster.Join(u)
	if h.members != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if _, err := h.members.Join(sctx, u); err != nil {
			h.logger.Error("record join", zap.String("user", u.UserID), zap.Error(err))
		}
		cancel()
	}

	w := wire.Welcome{
		Session:       s,
		Version:       h.room.Version(),
		FirstRetained: h.room.FirstRetained(),
		Members:       h.memberList(),
		Presence:      h.tracker.Users(),
	}
	if p.join.Since < 0 {
		snap := h.room.Snapshot()
		w.Snapshot = &snap
	}
	h.deliver(p, wire.WelcomeMessage(w))
	h.broadcast(wire.MemberMessage(u), p)
	h.logger.Info("peer joined",
		zap.String("peer", p.id), zap.String("user", u.UserID), zap.Int("since", p.join.Since), zap.Int("version", w.Version))
}

// leave detaches p. The user is marked inactive once no other connection
// of theirs remains.
func (h *Hub) leave(ctx context.Context, p *Peer) {
	if p.left {
		return
	}
	p.left = true
	h.drop(p)
	for other := range h.peers {
		if other.UserID() == p.UserID() {
			// Same user still connected elsewhere.
			return
		}
	}
	u, ok := h.roster.Leave(p.UserID())
	if !ok {
		return
	}
	h.tracker.Remove(u.UserID)
	if h.members != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		if err := h.members.Leave(sctx, u.SessionID, u.UserID); err != nil {
			h.logger.Error("record leave", zap.String("user", u.UserID), zap.Error(err))
		}
		cancel()
	}
	h.broadcast(wire.MemberMessage(u), nil)
	h.logger.Info("peer left", zap.String("peer", p.id), zap.String("user", u.UserID))
}

func (h *Hub) memberList() []session.CollaborationUser {
	out := make([]session.CollaborationUser, 0, len(h.roster))
	for _, u := range h.roster {
		out = append(out, u)
	}
	return out
}

func (h *Hub) handle(ctx context.Context, p *Peer, m wire.Message) {
	switch m.Type {
	case wire.TypeOp:
		h.submit(p, *m.Op)
	case wire.TypeResync:
		entries, err := h.room.Since(m.Resync.Since)
		if err != nil {
			h.deliver(p, wire.ErrorMessage(wire.CodeTruncated, err.Error(), nil))
			return
		}
		h.deliver(p, wire.CatchUpMessage(wire.CatchUp{Entries: entries, Version: h.room.Version()}))
	case wire.TypeSnapshotRequest:
		var ids []string
		if m.SnapshotRequest != nil {
			ids = m.SnapshotRequest.Inflight
		}
		h.deliver(p, wire.SnapshotMessage(h.room.Snapshot(ids...)))
	case wire.TypePresence:
		u := *m.Presence
		u.UserID = p.UserID()
		h.tracker.Update(u)
		h.broadcast(wire.PresenceMessage(u), p)
	case wire.TypeLeave:
		h.leave(ctx, p)
	default:
		h.deliver(p, wire.ErrorMessage(wire.CodeProtocol, "unexpected "+string(m.Type), nil))
	}
}

func (h *Hub) submit(p *Peer, op ot.Operation) {
	start := time.Now()
	e, dup, err := h.room.Submit(op)
	h.metrics.SubmitTime.Observe(time.Since(start).Seconds())
	switch {
	case dup:
		h.metrics.Operations.WithLabelValues("duplicate").Inc()
	case errors.Is(err, oplog.ErrTruncated):
		h.metrics.Operations.WithLabelValues("truncated").Inc()
		h.deliver(p, wire.ErrorMessage(wire.CodeTruncated, err.Error(), &op))
	case err != nil:
		h.metrics.Operations.WithLabelValues("rejected").Inc()
		h.logger.Warn("operation rejected", zap.String("peer", p.id), zap.Stringer("op", op), zap.Error(err))
		h.deliver(p, wire.ErrorMessage(wire.CodeRejected, err.Error(), &op))
	default:
		h.metrics.Operations.WithLabelValues("committed").Inc()
		h.broadcast(wire.ChangeMessage(e), nil)
	}
}
