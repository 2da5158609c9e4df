package syncchan

import (
	"slices"

	"collabtext/internal/ot"
)

// Outbox holds local operations that have not been sent yet, oldest
// first. It keeps its contents while the session is offline and is
// cleared on leave.
type Outbox struct {
	ops []ot.Operation
}

func (o *Outbox) Push(op ot.Operation) {
	o.ops = append(o.ops, op)
}

func (o *Outbox) Len() int {
	return len(o.ops)
}

// Pop removes and returns the oldest operation.
func (o *Outbox) Pop() (ot.Operation, bool) {
	if len(o.ops) == 0 {
		return ot.Operation{}, false
	}
	op := o.ops[0]
	o.ops = slices.Delete(o.ops, 0, 1)
	return op, true
}

// Ops returns a copy of the queued operations.
func (o *Outbox) Ops() []ot.Operation {
	return slices.Clone(o.ops)
}

// Replace swaps the queue for ops, typically the same operations after
// they were transformed against a remote change.
func (o *Outbox) Replace(ops []ot.Operation) {
	o.ops = slices.Clone(ops)
}

func (o *Outbox) Clear() {
	o.ops = nil
}
