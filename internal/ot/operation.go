package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrMalformedOperation is returned for an operation whose kind and fields
// do not agree. Such operations are rejected, never applied.
var ErrMalformedOperation = errors.New("malformed operation")

// Kind is the type of an edit.
type Kind string

const (
	Insert Kind = "insert"
	Delete Kind = "delete"
)

// Operation is a single insert or delete against a plain text document.
// Positions and lengths count code points. Operations are values; the
// transform functions return new ones instead of mutating.
type Operation struct {
	ID         string `json:"id,omitempty"`
	Kind       Kind   `json:"kind"`
	Position   int    `json:"position"`
	Content    string `json:"content,omitempty"` // Insert only
	Length     int    `json:"length,omitempty"`  // Delete only
	OriginUser string `json:"originUser"`
	Timestamp  int64  `json:"timestamp"` // ms, tie-break only
	// Version is the sender's base version when the operation travels to
	// the relay, and is kept as-is in the log for causality tracking.
	Version int `json:"version"`
}

// NewInsert returns an insert of content at pos.
func NewInsert(user string, pos int, content string) Operation {
	return Operation{Kind: Insert, Position: pos, Content: content, OriginUser: user}
}

// NewDelete returns a delete of length code points starting at pos.
func NewDelete(user string, pos, length int) Operation {
	return Operation{Kind: Delete, Position: pos, Length: length, OriginUser: user}
}

// Validate checks the field combination of an operation received from
// outside. Zero-length deletes produced by Transform are not valid input.
func (op Operation) Validate() error {
	if op.Position < 0 {
		return fmt.Errorf("%w: negative position %d", ErrMalformedOperation, op.Position)
	}
	if op.OriginUser == "" {
		return fmt.Errorf("%w: missing origin user", ErrMalformedOperation)
	}
	switch op.Kind {
	case Insert:
		if op.Content == "" || op.Length != 0 {
			return fmt.Errorf("%w: insert needs content and no length", ErrMalformedOperation)
		}
		if !utf8.ValidString(op.Content) {
			return fmt.Errorf("%w: insert content is not valid UTF-8", ErrMalformedOperation)
		}
	case Delete:
		if op.Length <= 0 || op.Content != "" {
			return fmt.Errorf("%w: delete needs a positive length and no content", ErrMalformedOperation)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}
	return nil
}

// Len is the number of code points the operation inserts or removes.
func (op Operation) Len() int {
	if op.Kind == Insert {
		return utf8.RuneCountInString(op.Content)
	}
	return op.Length
}

// IsNoop reports whether applying op leaves any document unchanged.
func (op Operation) IsNoop() bool {
	return op.Len() == 0
}

func (op Operation) String() string {
	if op.Kind == Insert {
		return fmt.Sprintf("i,%d,%s", op.Position, op.Content)
	}
	return fmt.Sprintf("d,%d,%d", op.Position, op.Length)
}

func (op Operation) end() int {
	return op.Position + op.Len()
}

func (op Operation) shift(n int) Operation {
	op.Position += n
	return op
}
