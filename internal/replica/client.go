package replica

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"collabtext/internal/presence"
	"collabtext/internal/session"
	"collabtext/internal/syncchan"
	"collabtext/internal/wire"
)

const sendTimeout = 10 * time.Second

// Client runs a Replica on its own goroutine and connects it to a relay.
// Every method is safe for concurrent use; they all hand work to that
// goroutine.
type Client struct {
	r         *Replica
	transport syncchan.Transport
	policy    syncchan.RetryPolicy
	logger    *zap.Logger
	tick      time.Duration

	reqs     chan func()
	incoming chan inbound
	dialed   chan dialResult
	events   chan session.Event
	done     chan struct{}

	// Owned by the run goroutine.
	ctx  context.Context
	conn syncchan.Conn
	gen  int
	join []wire.Message
}

type inbound struct {
	gen int
	msg wire.Message
	err error
}

type dialResult struct {
	conn syncchan.Conn
	err  error
}

type ClientOption func(*Client)

func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

func WithRetryPolicy(p syncchan.RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

// WithEventBuffer sets the capacity of the Events channel. Events are
// dropped, and logged, while it is full.
func WithEventBuffer(n int) ClientOption {
	return func(c *Client) { c.events = make(chan session.Event, n) }
}

func NewClient(cfg Config, t syncchan.Transport, opts ...ClientOption) *Client {
	r := New(cfg)
	c := &Client{
		r:         r,
		transport: t,
		policy:    syncchan.DefaultRetryPolicy(),
		logger:    zap.NewNop(),
		reqs:      make(chan func()),
		incoming:  make(chan inbound),
		dialed:    make(chan dialResult),
		events:    make(chan session.Event, 1024),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.tick = min(r.cfg.GapTimeout/2, r.cfg.Presence.SweepInterval)
	if c.tick <= 0 {
		c.tick = time.Second
	}
	c.logger = c.logger.With(zap.String("room", cfg.RoomName), zap.String("user", cfg.UserID))
	return c
}

// Start connects and runs the session until Leave, ctx is done or the
// relay stays unreachable past the retry policy.
func (c *Client) Start(ctx context.Context) {
	go c.run(ctx)
}

// Events delivers status and collaboration events. It is closed when the
// session ends.
func (c *Client) Events() <-chan session.Event { return c.events }

// Done is closed when the session goroutine has exited.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Insert(pos int, text string) error {
	return c.do(func() error {
		out, err := c.r.Insert(pos, text)
		c.dispatch(out)
		return err
	})
}

func (c *Client) Delete(pos, length int) error {
	return c.do(func() error {
		out, err := c.r.Delete(pos, length)
		c.dispatch(out)
		return err
	})
}

func (c *Client) Undo() error {
	return c.do(func() error {
		out, err := c.r.Undo()
		c.dispatch(out)
		return err
	})
}

func (c *Client) UpdateCursor(pos int, selStart, selEnd *int) error {
	return c.do(func() error {
		c.dispatch(c.r.UpdateCursor(pos, selStart, selEnd))
		return nil
	})
}

func (c *Client) Text() (text string, err error) {
	err = c.do(func() error {
		text = c.r.Text()
		return nil
	})
	return text, err
}

func (c *Client) Status() (st session.Status, err error) {
	err = c.do(func() error {
		st = c.r.Status()
		return nil
	})
	return st, err
}

func (c *Client) Session() (s session.Session, err error) {
	err = c.do(func() error {
		s = c.r.Session()
		return nil
	})
	return s, err
}

func (c *Client) Users() (users []presence.RemoteUser, err error) {
	err = c.do(func() error {
		users = c.r.Users()
		return nil
	})
	return users, err
}

func (c *Client) Members() (members []session.CollaborationUser, err error) {
	err = c.do(func() error {
		members = c.r.Members()
		return nil
	})
	return members, err
}

// Leave ends the session and waits for the goroutine to exit.
func (c *Client) Leave(ctx context.Context) error {
	err := c.do(func() error {
		c.dispatch(c.r.Leave())
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn on the session goroutine.
func (c *Client) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.reqs <- func() { errc <- fn() }:
	case <-c.done:
		return session.ErrSessionClosed
	}
	return <-errc
}

func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.ctx = ctx
	defer func() {
		cancel()
		c.closeConn()
		close(c.done)
		close(c.events)
	}()

	ticker := c.r.cfg.Clock.NewTicker(c.tick)
	defer ticker.Stop()

	c.redial(ctx)
	for !c.r.Closed() {
		select {
		case <-ctx.Done():
			c.dispatch(c.r.Leave())
			return
		case fn := <-c.reqs:
			fn()
		case res := <-c.dialed:
			c.connected(ctx, res)
		case in := <-c.incoming:
			c.receive(ctx, in)
		case now := <-ticker.C:
			c.dispatch(c.r.Tick(now))
		}
	}
}

// redial prepares the handshake and dials in the background. Local edits
// keep being served while it runs.
func (c *Client) redial(ctx context.Context) {
	out, err := c.r.Connect()
	if err != nil {
		c.logger.Error("cannot connect", zap.Error(err))
		return
	}
	c.join = out.Messages
	out.Messages = nil
	c.dispatch(out)

	go func() {
		conn, err := syncchan.Connect(ctx, c.transport, c.policy, func(err error, wait time.Duration) {
			c.logger.Warn("dial failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		})
		select {
		case c.dialed <- dialResult{conn: conn, err: err}:
		case <-ctx.Done():
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

func (c *Client) connected(ctx context.Context, res dialResult) {
	if res.err != nil {
		c.logger.Error("giving up on relay", zap.Error(res.err))
		c.dispatch(c.r.TransportLost(res.err))
		c.dispatch(c.r.GiveUp(res.err))
		return
	}
	c.gen++
	c.conn = res.conn
	c.logger.Info("connected to relay")
	go c.read(ctx, res.conn, c.gen)
	join := c.join
	c.join = nil
	c.dispatch(Output{Messages: join})
}

func (c *Client) read(ctx context.Context, conn syncchan.Conn, gen int) {
	for {
		m, err := conn.Recv()
		if err != nil && errors.Is(err, wire.ErrBadMessage) {
			c.logger.Warn("dropping bad message", zap.Error(err))
			continue
		}
		select {
		case c.incoming <- inbound{gen: gen, msg: m, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) receive(ctx context.Context, in inbound) {
	if in.gen != c.gen {
		return
	}
	if in.err != nil {
		c.lost(ctx, in.err)
		return
	}
	c.logger.Debug("received", zap.String("type", string(in.msg.Type)))
	out, err := c.r.Receive(in.msg)
	if err != nil {
		c.logger.Warn("message not handled", zap.String("type", string(in.msg.Type)), zap.Error(err))
	}
	c.dispatch(out)
}

func (c *Client) lost(ctx context.Context, err error) {
	c.logger.Warn("lost relay connection", zap.Error(err))
	c.closeConn()
	c.dispatch(c.r.TransportLost(err))
	if !c.r.Closed() && ctx.Err() == nil {
		c.redial(ctx)
	}
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.gen++
	}
}

// dispatch delivers events and writes messages. A failed write counts as a
// lost connection.
func (c *Client) dispatch(out Output) {
	for _, e := range out.Events {
		select {
		case c.events <- e:
		default:
			c.logger.Warn("event buffer full, dropping event", zap.String("event", e.Type()))
		}
	}
	for _, m := range out.Messages {
		if c.conn == nil {
			c.logger.Debug("not connected, dropping message", zap.String("type", string(m.Type)))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := c.conn.Send(ctx, m)
		cancel()
		if err != nil {
			c.logger.Warn("send failed", zap.String("type", string(m.Type)), zap.Error(err))
			c.lost(c.ctx, err)
			return
		}
	}
}
