package ot

import "slices"

// precedes reports whether a belongs to the left of b when both insert at
// the same position. Every replica compares the same keys, so the order
// does not depend on arrival order.
func precedes(a, b Operation) bool {
	if a.OriginUser != b.OriginUser {
		return a.OriginUser < b.OriginUser
	}
	return a.Timestamp < b.Timestamp
}

// Transform derives the bottom two sides of the OT diamond: applying a then
// bp yields the same document as applying b then ap. b is the side already
// committed and wins when a and b tie on every key.
//
// A delete transformed against an insert strictly inside its range splits
// in two, so each side comes back as a list.
func Transform(a, b Operation) (ap, bp []Operation) {
	switch {
	case a.Kind == Insert && b.Kind == Insert:
		if b.Position < a.Position || (b.Position == a.Position && !precedes(a, b)) {
			return []Operation{a.shift(b.Len())}, []Operation{b}
		}
		return []Operation{a}, []Operation{b.shift(a.Len())}
	case a.Kind == Insert && b.Kind == Delete:
		return transformInsertDelete(a, b)
	case a.Kind == Delete && b.Kind == Insert:
		insP, delP := transformInsertDelete(b, a)
		return delP, insP
	default:
		return transformDeleteDelete(a, b)
	}
}

func transformInsertDelete(ins, del Operation) (insP, delP []Operation) {
	switch {
	case ins.Position <= del.Position:
		// Insert before delete. Delete shifts forward.
		return []Operation{ins}, []Operation{del.shift(ins.Len())}
	case ins.Position >= del.end():
		// Insert after delete. Insert shifts backward.
		return []Operation{ins.shift(-del.Length)}, []Operation{del}
	default:
		// Insert inside the delete range. The insert survives at the start
		// of the range and the delete splits around it.
		moved := ins
		moved.Position = del.Position
		left := del
		left.Length = ins.Position - del.Position
		right := del
		right.Position = del.Position + ins.Len()
		right.Length = del.end() - ins.Position
		return []Operation{moved}, []Operation{left, right}
	}
}

func transformDeleteDelete(a, b Operation) (ap, bp []Operation) {
	aEnd, bEnd := a.end(), b.end()
	if aEnd <= b.Position {
		return []Operation{a}, []Operation{b.shift(-a.Length)}
	} else if bEnd <= a.Position {
		return []Operation{a.shift(-b.Length)}, []Operation{b}
	}
	// Deletions overlap. Whatever both removed is removed once; a delete
	// fully covered by the other shrinks to length 0.
	pos := min(a.Position, b.Position)
	overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
	a.Position, a.Length = pos, a.Length-overlap
	b.Position, b.Length = pos, b.Length-overlap
	return []Operation{a}, []Operation{b}
}

// TransformOps is Transform for sequences: a and b are each applied in
// order, both starting from the same document.
func TransformOps(a, b []Operation) (ap, bp []Operation) {
	switch {
	case len(a) == 0 || len(b) == 0:
		return slices.Clone(a), slices.Clone(b)
	case len(a) == 1 && len(b) == 1:
		return Transform(a[0], b[0])
	case len(a) > 1:
		head, b1 := TransformOps(a[:1], b)
		tail, b2 := TransformOps(a[1:], b1)
		return slices.Concat(head, tail), b2
	default:
		a1, head := TransformOps(a, b[:1])
		a2, tail := TransformOps(a1, b[1:])
		return a2, slices.Concat(head, tail)
	}
}
