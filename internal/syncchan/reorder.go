package syncchan

import (
	"slices"
	"time"

	"collabtext/internal/clock"
	"collabtext/internal/oplog"
)

// DefaultGapTimeout is how long a missing version may be outstanding
// before the replica gives up waiting and resyncs.
const DefaultGapTimeout = 5 * time.Second

// Reorderer releases committed entries strictly in version order. Entries
// at or below the last released version are duplicates and are dropped.
// Entries beyond the next expected version wait until the gap closes.
type Reorderer struct {
	clk        clock.Clock
	gapTimeout time.Duration
	last       int
	pending    map[int]oplog.Entry
	gapSince   time.Time
}

func NewReorderer(last int, gapTimeout time.Duration, clk clock.Clock) *Reorderer {
	if gapTimeout <= 0 {
		gapTimeout = DefaultGapTimeout
	}
	return &Reorderer{
		clk:        clk,
		gapTimeout: gapTimeout,
		last:       last,
		pending:    make(map[int]oplog.Entry),
	}
}

// Last returns the version of the newest released entry.
func (r *Reorderer) Last() int {
	return r.last
}

// Reset drops everything buffered and expects last+1 next.
func (r *Reorderer) Reset(last int) {
	r.last = last
	clear(r.pending)
	r.gapSince = time.Time{}
}

// Push accepts e and returns the entries that are now deliverable, in
// order. The result is empty while a gap is open.
func (r *Reorderer) Push(e oplog.Entry) []oplog.Entry {
	if e.Version <= r.last {
		return nil
	}
	if _, dup := r.pending[e.Version]; dup {
		return nil
	}
	r.pending[e.Version] = e

	var out []oplog.Entry
	for {
		next, ok := r.pending[r.last+1]
		if !ok {
			break
		}
		delete(r.pending, next.Version)
		out = append(out, next)
		r.last = next.Version
	}
	switch {
	case len(r.pending) == 0:
		r.gapSince = time.Time{}
	case r.gapSince.IsZero() || len(out) > 0:
		r.gapSince = r.clk.Now()
	}
	return out
}

// GapExpired reports whether a gap has been open longer than the timeout.
func (r *Reorderer) GapExpired() bool {
	if len(r.pending) == 0 {
		return false
	}
	return r.clk.Now().Sub(r.gapSince) >= r.gapTimeout
}

// Missing returns the first version the reorderer is waiting for, and the
// buffered versions after it.
func (r *Reorderer) Missing() (next int, buffered []int) {
	for v := range r.pending {
		buffered = append(buffered, v)
	}
	slices.Sort(buffered)
	return r.last + 1, buffered
}
