package syncchan

import (
	"context"
	"fmt"
	"sync"

	"collabtext/internal/wire"
)

// Pipe returns two connected in-memory Conns. Messages are passed by value
// with no encoding. Closing either end closes both.
func Pipe(buffer int) (Conn, Conn) {
	ab := make(chan wire.Message, buffer)
	ba := make(chan wire.Message, buffer)
	done := make(chan struct{})
	var once sync.Once
	closeBoth := func() { once.Do(func() { close(done) }) }
	a := &memConn{in: ba, out: ab, done: done, close: closeBoth}
	b := &memConn{in: ab, out: ba, done: done, close: closeBoth}
	return a, b
}

type memConn struct {
	in    <-chan wire.Message
	out   chan<- wire.Message
	done  chan struct{}
	close func()
}

func (c *memConn) Send(ctx context.Context, m wire.Message) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: %w", ErrTransportFailure, ErrClosed)
	default:
	}
	select {
	case c.out <- m:
		return nil
	case <-c.done:
		return fmt.Errorf("%w: %w", ErrTransportFailure, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrTransportFailure, ctx.Err())
	}
}

func (c *memConn) Recv() (wire.Message, error) {
	select {
	case m := <-c.in:
		return m, nil
	case <-c.done:
		return wire.Message{}, fmt.Errorf("%w: %w", ErrTransportFailure, ErrClosed)
	}
}

func (c *memConn) Close() error {
	c.close()
	return nil
}
