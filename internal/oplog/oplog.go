package oplog

import (
	"errors"
	"fmt"
	"iter"
	"slices"

	"collabtext/internal/ot"
)

var (
	// ErrOutOfOrder is returned by Append when the entry does not directly
	// follow the last version. Callers transform before appending.
	ErrOutOfOrder = errors.New("operation out of order")

	// ErrTruncated is returned by Since when the requested history is older
	// than the retained window. The caller needs a snapshot instead.
	ErrTruncated = errors.New("history no longer retained")
)

// Entry is one applied operation.
type Entry struct {
	Version int `json:"version"`
	// Op is the operation as its origin sent it. Op.Version still holds
	// the sender's base version.
	Op ot.Operation `json:"op"`
	// Applied holds the transformed components in application order: one
	// normally, none or two after some transforms.
	Applied []ot.Operation `json:"applied"`
}

// Log is an append-only record of entries ordered by version. It is not
// safe for concurrent use; each session owns exactly one.
type Log struct {
	entries []Entry
	base    int // version preceding entries[0]
	retain  int
}

type Option func(*Log)

// WithRetention keeps only the newest n entries in memory.
func WithRetention(n int) Option {
	return func(l *Log) {
		l.retain = n
	}
}

// New returns an empty log whose first entry will be base+1.
func New(base int, opts ...Option) *Log {
	l := &Log{base: base}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LastVersion returns the version of the newest entry, or the base version
// when the log is empty.
func (l *Log) LastVersion() int {
	return l.base + len(l.entries)
}

// FirstRetained returns the oldest version Since can still serve from.
func (l *Log) FirstRetained() int {
	return l.base
}

// Append adds e to the log. e.Version must be LastVersion()+1.
func (l *Log) Append(e Entry) error {
	if want := l.LastVersion() + 1; e.Version != want {
		return fmt.Errorf("%w: got version %d, want %d", ErrOutOfOrder, e.Version, want)
	}
	e.Applied = slices.Clone(e.Applied)
	l.entries = append(l.entries, e)
	if l.retain > 0 && len(l.entries) > l.retain {
		drop := len(l.entries) - l.retain
		l.entries = slices.Clone(l.entries[drop:])
		l.base += drop
	}
	return nil
}

// Since returns the entries with a version strictly greater than version.
// The sequence is lazy and can be ranged over more than once; each pass
// sees the log as it is at that moment.
func (l *Log) Since(version int) (iter.Seq[Entry], error) {
	if version < l.base {
		return nil, fmt.Errorf("%w: version %d, oldest retained %d", ErrTruncated, version, l.base)
	}
	return func(yield func(Entry) bool) {
		for i := version - l.base; i < len(l.entries); i++ {
			if !yield(l.entries[i]) {
				return
			}
		}
	}, nil
}

// Reset discards every entry and restarts the log at base. It is used only
// when a replica replaces its document with a snapshot.
func (l *Log) Reset(base int) {
	l.entries = nil
	l.base = base
}
