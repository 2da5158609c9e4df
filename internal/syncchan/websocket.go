package syncchan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"collabtext/internal/wire"
)

const defaultWriteTimeout = 10 * time.Second

// WebsocketTransport dials a relay websocket endpoint.
type WebsocketTransport struct {
	URL    string
	Codec  wire.Codec
	Header http.Header
	Dialer *websocket.Dialer
}

func (t *WebsocketTransport) Dial(ctx context.Context) (Conn, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, _, err := dialer.DialContext(ctx, t.URL, t.Header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransportFailure, t.URL, err)
	}
	return NewWebsocketConn(ws, t.Codec), nil
}

// WebsocketConn adapts a gorilla connection to Conn. The relay wraps its
// upgraded connections with it as well.
type WebsocketConn struct {
	ws    *websocket.Conn
	codec wire.Codec
	// gorilla allows one concurrent writer.
	writeMu sync.Mutex
	once    sync.Once
}

func NewWebsocketConn(ws *websocket.Conn, codec wire.Codec) *WebsocketConn {
	if codec == nil {
		codec = wire.JSON()
	}
	return &WebsocketConn{ws: ws, codec: codec}
}

func (c *WebsocketConn) Send(ctx context.Context, m wire.Message) error {
	data, err := c.codec.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	frame := websocket.TextMessage
	if c.codec.Binary() {
		frame = websocket.BinaryMessage
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", ErrTransportFailure, err)
	}
	if err := c.ws.WriteMessage(frame, data); err != nil {
		return fmt.Errorf("%w: write: %v", ErrTransportFailure, err)
	}
	return nil
}

func (c *WebsocketConn) Recv() (wire.Message, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) && (ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway) {
			return wire.Message{}, fmt.Errorf("%w: %w", ErrTransportFailure, ErrClosed)
		}
		return wire.Message{}, fmt.Errorf("%w: read: %v", ErrTransportFailure, err)
	}
	var m wire.Message
	if err := c.codec.Unmarshal(data, &m); err != nil {
		return wire.Message{}, err
	}
	return m, nil
}

// Close sends a close frame once and closes the socket.
func (c *WebsocketConn) Close() error {
	var err error
	c.once.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}
