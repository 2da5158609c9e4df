package syncchan

import (
	"context"
	"errors"

	"collabtext/internal/wire"
)

var (
	// ErrTransportFailure wraps any error that means the connection is gone.
	ErrTransportFailure = errors.New("transport failure")
	ErrClosed           = errors.New("connection closed")
)

// Conn is one established connection to the relay.
type Conn interface {
	// Send writes m. It fails with ErrTransportFailure when the
	// connection is unusable.
	Send(ctx context.Context, m wire.Message) error
	// Recv blocks for the next message. A wire.ErrBadMessage error leaves
	// the connection usable; anything else means it is gone.
	Recv() (wire.Message, error)
	Close() error
}

// Transport opens connections. Implementations decide the topology; the
// replica only sees Conns.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context) (Conn, error)

func (f TransportFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}
