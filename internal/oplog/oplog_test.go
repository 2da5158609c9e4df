package oplog_test

import (
	"errors"
	"slices"
	"testing"

	"collabtext/internal/oplog"
	"collabtext/internal/ot"
)

func entry(version int) oplog.Entry {
	op := ot.NewInsert("u", 0, "x")
	return oplog.Entry{Version: version, Op: op, Applied: []ot.Operation{op}}
}

func versions(t *testing.T, l *oplog.Log, since int) []int {
	t.Helper()
	seq, err := l.Since(since)
	if err != nil {
		t.Fatalf("Since(%d): %v", since, err)
	}
	var got []int
	for e := range seq {
		got = append(got, e.Version)
	}
	return got
}

func TestAppendInOrder(t *testing.T) {
	l := oplog.New(0)
	for v := 1; v <= 3; v++ {
		if err := l.Append(entry(v)); err != nil {
			t.Fatalf("Append(%d): %v", v, err)
		}
	}
	if got := l.LastVersion(); got != 3 {
		t.Errorf("LastVersion = %d, want 3", got)
	}
}

func TestAppendOutOfOrder(t *testing.T) {
	l := oplog.New(4)
	for _, v := range []int{4, 6, 1} {
		err := l.Append(entry(v))
		if !errors.Is(err, oplog.ErrOutOfOrder) {
			t.Errorf("Append(%d) = %v, want ErrOutOfOrder", v, err)
		}
	}
	if got := l.LastVersion(); got != 4 {
		t.Errorf("failed appends moved LastVersion to %d", got)
	}
}

func TestSinceIsRestartable(t *testing.T) {
	l := oplog.New(7)
	for v := 8; v <= 10; v++ {
		if err := l.Append(entry(v)); err != nil {
			t.Fatal(err)
		}
	}
	seq, err := l.Since(7)
	if err != nil {
		t.Fatal(err)
	}
	first := slices.Collect(seq)
	second := slices.Collect(seq)
	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("got %d then %d entries, want 3 both times", len(first), len(second))
	}

	// A later append is visible to the same sequence.
	if err := l.Append(entry(11)); err != nil {
		t.Fatal(err)
	}
	if got := len(slices.Collect(seq)); got != 4 {
		t.Errorf("after append got %d entries, want 4", got)
	}

	if got := versions(t, l, 9); !slices.Equal(got, []int{10, 11}) {
		t.Errorf("Since(9) = %v, want [10 11]", got)
	}
	if got := versions(t, l, 11); len(got) != 0 {
		t.Errorf("Since(11) = %v, want none", got)
	}
}

func TestSinceStopsEarly(t *testing.T) {
	l := oplog.New(0)
	for v := 1; v <= 5; v++ {
		if err := l.Append(entry(v)); err != nil {
			t.Fatal(err)
		}
	}
	seq, _ := l.Since(0)
	n := 0
	for range seq {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("iterated %d entries, want 2", n)
	}
}

func TestRetention(t *testing.T) {
	l := oplog.New(0, oplog.WithRetention(3))
	for v := 1; v <= 5; v++ {
		if err := l.Append(entry(v)); err != nil {
			t.Fatal(err)
		}
	}
	if got := l.FirstRetained(); got != 2 {
		t.Errorf("FirstRetained = %d, want 2", got)
	}
	if got := versions(t, l, 2); !slices.Equal(got, []int{3, 4, 5}) {
		t.Errorf("Since(2) = %v, want [3 4 5]", got)
	}
	if _, err := l.Since(1); !errors.Is(err, oplog.ErrTruncated) {
		t.Errorf("Since(1) = %v, want ErrTruncated", err)
	}
}

func TestAppendCopiesApplied(t *testing.T) {
	l := oplog.New(0)
	e := entry(1)
	if err := l.Append(e); err != nil {
		t.Fatal(err)
	}
	e.Applied[0].Position = 99
	seq, _ := l.Since(0)
	for got := range seq {
		if got.Applied[0].Position != 0 {
			t.Errorf("log entry aliased caller slice")
		}
	}
}
