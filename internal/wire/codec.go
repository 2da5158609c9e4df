package wire

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec turns messages into frames and back.
type Codec interface {
	Name() string
	// Binary reports whether frames should travel as binary websocket
	// messages rather than text.
	Binary() bool
	Marshal(m Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

// CodecByName returns the codec for "json" or "cbor".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON(), nil
	case "cbor":
		return CBOR(), nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type jsonCodec struct{}

// JSON returns the default text codec.
func JSON() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }
func (jsonCodec) Binary() bool { return false }

func (jsonCodec) Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (jsonCodec) Unmarshal(data []byte, m *Message) error {
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return m.Validate()
}

// cborCodec uses Core Deterministic Encoding so equal messages produce
// equal bytes. Field names come from the json tags.
type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var cborDefault = newCBOR()

// CBOR returns the binary codec.
func CBOR() Codec { return cborDefault }

func newCBOR() *cborCodec {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	enc, err := opts.EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
	return &cborCodec{enc: enc, dec: dec}
}

func (*cborCodec) Name() string { return "cbor" }
func (*cborCodec) Binary() bool { return true }

func (c *cborCodec) Marshal(m Message) ([]byte, error) {
	return c.enc.Marshal(m)
}

func (c *cborCodec) Unmarshal(data []byte, m *Message) error {
	if err := c.dec.Unmarshal(data, m); err != nil {
		return fmt.Errorf("%w: %v", ErrBadMessage, err)
	}
	return m.Validate()
}
