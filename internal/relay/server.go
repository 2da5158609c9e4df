package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"collabtext/internal/clock"
	"collabtext/internal/identity"
	"collabtext/internal/membership"
	"collabtext/internal/registry"
	"collabtext/internal/session"
	"collabtext/internal/syncchan"
	"collabtext/internal/wire"
)

const joinTimeout = 10 * time.Second

type Config struct {
	// Host is the address clients reach this relay at. It is recorded on
	// every room this relay creates.
	Host string
	// Codec is used when the client does not ask for one.
	Codec      wire.Codec
	Retention  int
	AutoCreate bool
}

// Server is the relay's HTTP surface. Each room it hosts runs its own hub.
type Server struct {
	cfg      Config
	registry registry.Registry
	members  membership.Store
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	hubs   map[string]*hubEntry
	wg     sync.WaitGroup
}

type hubEntry struct {
	hub    *Hub
	cancel context.CancelFunc
}

type Option func(*Server)

func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func NewServer(cfg Config, reg registry.Registry, members membership.Store, logger *zap.Logger, opts ...Option) *Server {
	if cfg.Codec == nil {
		cfg.Codec = wire.JSON()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		registry: reg,
		members:  members,
		clock:    clock.Real(),
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
		hubs:   make(map[string]*hubEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics()
	}
	return s
}

func (s *Server) Metrics() *Metrics { return s.metrics }

// Close stops every hub and waits for them.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/rooms", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{name}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{name}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/ws/{name}", s.handleWS)
	r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	return r
}

// CreateRequest is the body of POST /rooms.
type CreateRequest struct {
	RoomName string `json:"roomName"`
	FileID   string `json:"fileId,omitempty"`
	Owner    string `json:"owner,omitempty"`
	Text     string `json:"text,omitempty"`
}

// RoomInfo is returned by the room endpoints.
type RoomInfo struct {
	Session session.Session `json:"session"`
	// Hosted reports whether this relay sequences the room right now.
	Hosted  bool   `json:"hosted"`
	Version int    `json:"version"`
	Text    string `json:"text,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, wire.Error{Code: code, Message: msg})
}

// CreateRoom registers a room and starts hosting it here.
func (s *Server) CreateRoom(ctx context.Context, req CreateRequest) (*Hub, error) {
	sess := session.Session{
		SessionID: identity.GenerateSessionID(),
		FileID:    req.FileID,
		RoomName:  req.RoomName,
		Host:      s.cfg.Host,
		CreatedAt: s.clock.Now().UTC(),
		Owner:     req.Owner,
		IsActive:  true,
	}
	if err := s.registry.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startHub(sess, req.Text), nil
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RoomName == "" {
		writeError(w, http.StatusBadRequest, wire.CodeProtocol, "roomName is required")
		return
	}
	h, err := s.CreateRoom(r.Context(), req)
	switch {
	case errors.Is(err, registry.ErrRoomExists):
		writeError(w, http.StatusConflict, "exists", err.Error())
		return
	case err != nil:
		s.logger.Error("create room", zap.String("room", req.RoomName), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "cannot create room")
		return
	}
	writeJSON(w, http.StatusCreated, RoomInfo{Session: h.room.Session(), Hosted: true, Version: h.room.Version()})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if h := s.hub(name); h != nil {
		writeJSON(w, http.StatusOK, RoomInfo{
			Session: h.room.Session(),
			Hosted:  true,
			Version: h.room.Version(),
			Text:    h.room.Text(),
		})
		return
	}
	sess, err := s.registry.Get(r.Context(), name)
	switch {
	case errors.Is(err, registry.ErrRoomNotFound):
		writeError(w, http.StatusNotFound, wire.CodeNotFound, err.Error())
	case err != nil:
		s.logger.Error("get room", zap.String("room", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "cannot look up room")
	default:
		writeJSON(w, http.StatusOK, RoomInfo{Session: sess, Version: sess.Version})
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.registry.Delete(r.Context(), name); err != nil {
		s.logger.Error("delete room", zap.String("room", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "cannot delete room")
		return
	}
	s.mu.Lock()
	if e, ok := s.hubs[name]; ok {
		e.cancel()
		delete(s.hubs, name)
		s.metrics.Rooms.Dec()
	}
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) hub(name string) *Hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.hubs[name]; ok {
		return e.hub
	}
	return nil
}

// hubFor returns the local hub for name. A room known to the registry but
// not running here is started empty under a new session id, since history
// does not survive restarts.
func (s *Server) hubFor(ctx context.Context, name string) (*Hub, error) {
	if h := s.hub(name); h != nil {
		return h, nil
	}
	sess, err := s.registry.Get(ctx, name)
	if errors.Is(err, registry.ErrRoomNotFound) && s.cfg.AutoCreate {
		h, err := s.CreateRoom(ctx, CreateRequest{RoomName: name})
		if errors.Is(err, registry.ErrRoomExists) {
			return s.hubFor(ctx, name)
		}
		return h, err
	}
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.hubs[name]; ok {
		return e.hub, nil
	}
	prev := sess.SessionID
	sess.SessionID = identity.GenerateSessionID()
	sess.Version = 0
	sess.Host = s.cfg.Host
	if err := s.registry.Put(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("restarting room", zap.String("room", name), zap.String("previous_session", prev))
	return s.startHub(sess, ""), nil
}

// startHub must be called with s.mu held.
func (s *Server) startHub(sess session.Session, text string) *Hub {
	if e, ok := s.hubs[sess.RoomName]; ok {
		return e.hub
	}
	room := NewRoom(sess, text, WithRetention(s.cfg.Retention))
	h := NewHub(room, s.members, s.clock, s.logger, s.metrics)
	ctx, cancel := context.WithCancel(s.ctx)
	s.hubs[sess.RoomName] = &hubEntry{hub: h, cancel: cancel}
	s.metrics.Rooms.Inc()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.Run(ctx)
	}()
	s.logger.Info("hosting room", zap.String("room", sess.RoomName), zap.String("session", sess.SessionID))
	return h
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	codec := s.cfg.Codec
	if q := r.URL.Query().Get("codec"); q != "" {
		c, err := wire.CodecByName(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, wire.CodeProtocol, err.Error())
			return
		}
		codec = c
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	conn := syncchan.NewWebsocketConn(ws, codec)
	s.Accept(r.Context(), name, conn)
}

// Accept runs the handshake on conn and hands it to the room's hub. It
// returns when the connection ends. Transports other than the websocket
// endpoint use it directly.
func (s *Server) Accept(ctx context.Context, name string, conn syncchan.Conn) {
	join, err := readJoin(conn)
	if err != nil {
		s.logger.Warn("bad handshake", zap.String("room", name), zap.Error(err))
		sendError(conn, wire.CodeProtocol, err.Error())
		conn.Close()
		return
	}
	if name == "" {
		name = join.RoomName
	}
	if join.RoomName != name {
		sendError(conn, wire.CodeProtocol, "join names a different room")
		conn.Close()
		return
	}
	h, err := s.hubFor(ctx, name)
	if err != nil {
		code := "internal"
		if errors.Is(err, registry.ErrRoomNotFound) {
			code = wire.CodeNotFound
		}
		sendError(conn, code, err.Error())
		conn.Close()
		return
	}
	if join.SessionID != "" && join.SessionID != h.Room().Session().SessionID {
		s.logger.Info("peer rejoins a restarted room",
			zap.String("room", name), zap.String("user", join.UserID), zap.String("session", join.SessionID))
	}
	if err := s.registry.Touch(ctx, name); err != nil {
		s.logger.Debug("touch room", zap.String("room", name), zap.Error(err))
	}
	h.Serve(s.ctx, conn, join)
}

func readJoin(conn syncchan.Conn) (wire.Join, error) {
	type result struct {
		m   wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		m, err := conn.Recv()
		ch <- result{m, err}
	}()
	select {
	case res := <-ch:
		if res.err != nil {
			return wire.Join{}, res.err
		}
		if res.m.Type != wire.TypeJoin {
			return wire.Join{}, errors.New("expected join, got " + string(res.m.Type))
		}
		return *res.m.Join, nil
	case <-time.After(joinTimeout):
		conn.Close()
		return wire.Join{}, errors.New("no join within timeout")
	}
}

func sendError(conn syncchan.Conn, code, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = conn.Send(ctx, wire.ErrorMessage(code, msg, nil))
}

// LocalTransport connects to room in-process, without a socket. The agent
// uses it for the hosting user's own session.
func (s *Server) LocalTransport(room string) syncchan.Transport {
	return syncchan.TransportFunc(func(ctx context.Context) (syncchan.Conn, error) {
		client, server := syncchan.Pipe(sendBuffer)
		go s.Accept(s.ctx, room, server)
		return client, nil
	})
}
