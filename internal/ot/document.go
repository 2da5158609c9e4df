package ot

import "slices"

// Document is plain text that operations apply to.
type Document struct {
	runes []rune
}

func NewDocument(s string) *Document {
	return &Document{runes: []rune(s)}
}

func (d *Document) String() string {
	return string(d.runes)
}

// Len returns the document length in code points.
func (d *Document) Len() int {
	return len(d.runes)
}

func (d *Document) Clone() *Document {
	return &Document{runes: slices.Clone(d.runes)}
}

// Normalize clamps op to the document bounds. An insert past the end moves
// to the end. A delete that starts past the end becomes a zero-length
// delete; one that runs past the end is shortened.
func (d *Document) Normalize(op Operation) Operation {
	n := len(d.runes)
	switch op.Kind {
	case Insert:
		op.Position = min(op.Position, n)
	case Delete:
		if op.Position >= n {
			op.Position, op.Length = n, 0
		} else if op.Position+op.Length > n {
			op.Length = n - op.Position
		}
	}
	return op
}

// Apply normalizes op, applies it and returns the operation as applied.
func (d *Document) Apply(op Operation) Operation {
	op = d.Normalize(op)
	switch op.Kind {
	case Insert:
		d.runes = slices.Insert(d.runes, op.Position, []rune(op.Content)...)
	case Delete:
		if op.Length > 0 {
			d.runes = slices.Delete(d.runes, op.Position, op.Position+op.Length)
		}
	}
	return op
}

// ApplyAll applies ops in order and returns them as applied.
func (d *Document) ApplyAll(ops []Operation) []Operation {
	applied := make([]Operation, len(ops))
	for i, op := range ops {
		applied[i] = d.Apply(op)
	}
	return applied
}

// Invert returns the operation that undoes op. It must be called before op
// is applied, since an inverse delete needs the text it will remove.
func (d *Document) Invert(op Operation) Operation {
	op = d.Normalize(op)
	inv := op
	inv.ID = ""
	switch op.Kind {
	case Insert:
		inv.Kind, inv.Content, inv.Length = Delete, "", op.Len()
	case Delete:
		inv.Kind, inv.Length = Insert, 0
		inv.Content = string(d.runes[op.Position : op.Position+op.Length])
	}
	return inv
}
