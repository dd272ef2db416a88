package session

import "encoding/json"

// OpKind is the kind of a recorded attribute operation
type OpKind uint8

const (
	OpSet OpKind = iota + 1
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpSet:
		return "set"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Op is one attribute operation. Value is only meaningful for OpSet.
type Op struct {
	Kind  OpKind
	Name  string
	Value json.RawMessage
}

// Tracker accumulates the attribute mutations of one session since its last
// commit. Operations on the same name collapse into one entry that keeps the
// position of the first touch, so the tracker never holds more entries than
// distinct names touched.
//
// A Tracker is not safe for concurrent use.
type Tracker struct {
	ops   []Op
	index map[string]int
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{index: make(map[string]int)}
}

// Set records name=value, replacing any earlier operation on name
func (t *Tracker) Set(name string, value json.RawMessage) {
	t.record(Op{Kind: OpSet, Name: name, Value: value})
}

// Remove records the removal of name, replacing any earlier operation on name
func (t *Tracker) Remove(name string) {
	t.record(Op{Kind: OpRemove, Name: name})
}

func (t *Tracker) record(op Op) {
	if i, ok := t.index[op.Name]; ok {
		t.ops[i] = op
		return
	}
	t.index[op.Name] = len(t.ops)
	t.ops = append(t.ops, op)
}

// Ops returns a copy of the pending operations in order
func (t *Tracker) Ops() []Op {
	out := make([]Op, len(t.ops))
	copy(out, t.ops)
	return out
}

// Len returns the number of pending operations
func (t *Tracker) Len() int { return len(t.ops) }

// Empty reports whether nothing is pending
func (t *Tracker) Empty() bool { return len(t.ops) == 0 }

// Clear drops every pending operation; called only after a successful commit
func (t *Tracker) Clear() {
	t.ops = nil
	t.index = make(map[string]int)
}
