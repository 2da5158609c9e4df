package replica

import "collabtext/internal/ot"

const snapshotUser = "relay"

// diffText returns the operations that turn a into b: at most one delete
// and one insert at the first differing code point. [lo, hi) is the range
// of a that changed. Equal strings give no operations.
func diffText(a, b string) (ops []ot.Operation, lo, hi int) {
	ra, rb := []rune(a), []rune(b)
	p := 0
	for p < len(ra) && p < len(rb) && ra[p] == rb[p] {
		p++
	}
	s := 0
	for s < len(ra)-p && s < len(rb)-p && ra[len(ra)-1-s] == rb[len(rb)-1-s] {
		s++
	}
	lo, hi = p, len(ra)-s
	if n := hi - lo; n > 0 {
		ops = append(ops, ot.NewDelete(snapshotUser, p, n))
	}
	if ins := rb[p : len(rb)-s]; len(ins) > 0 {
		ops = append(ops, ot.NewInsert(snapshotUser, p, string(ins)))
	}
	return ops, lo, hi
}

// overlapping returns the local operations that touch [lo, hi), the range
// changed by diff. local is a sequence against the same base as diff; the
// range is carried through each operation in turn.
func overlapping(local, diff []ot.Operation, lo, hi int) []ot.Operation {
	if len(diff) == 0 {
		return nil
	}
	var out []ot.Operation
	for _, op := range local {
		n := op.Len()
		switch op.Kind {
		case ot.Insert:
			pos := op.Position
			if lo <= pos && pos <= hi {
				out = append(out, op)
			}
			switch {
			case pos < lo:
				lo, hi = lo+n, hi+n
			case pos <= hi:
				hi += n
			}
		case ot.Delete:
			start, end := op.Position, op.Position+n
			if n > 0 && ((start < hi && end > lo) || (lo == hi && start < lo && end > lo)) {
				out = append(out, op)
			}
			lo, hi = mapPos(lo, start, end), mapPos(hi, start, end)
		}
	}
	return out
}

// mapPos moves x past the deletion of [start, end).
func mapPos(x, start, end int) int {
	switch {
	case x <= start:
		return x
	case x < end:
		return start
	default:
		return x - (end - start)
	}
}
