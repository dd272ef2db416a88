package session

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func TestTracker_Collapse(t *testing.T) {
	tests := []struct {
		name   string
		record func(tr *Tracker)
		want   []Op
	}{
		{
			name:   "later set overwrites earlier set",
			record: func(tr *Tracker) { tr.Set("a", raw("1")); tr.Set("a", raw("2")) },
			want:   []Op{{Kind: OpSet, Name: "a", Value: raw("2")}},
		},
		{
			name:   "remove after set keeps the remove",
			record: func(tr *Tracker) { tr.Set("a", raw("1")); tr.Remove("a") },
			want:   []Op{{Kind: OpRemove, Name: "a"}},
		},
		{
			name:   "set after remove keeps the set",
			record: func(tr *Tracker) { tr.Remove("a"); tr.Set("a", raw("3")) },
			want:   []Op{{Kind: OpSet, Name: "a", Value: raw("3")}},
		},
		{
			name: "position of the first touch is kept",
			record: func(tr *Tracker) {
				tr.Set("a", raw("1"))
				tr.Set("b", raw("1"))
				tr.Remove("c")
				tr.Set("a", raw("9"))
				tr.Set("c", raw("7"))
			},
			want: []Op{
				{Kind: OpSet, Name: "a", Value: raw("9")},
				{Kind: OpSet, Name: "b", Value: raw("1")},
				{Kind: OpSet, Name: "c", Value: raw("7")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker()
			tt.record(tr)
			assert.Equal(t, tt.want, tr.Ops())
			assert.Equal(t, len(tt.want), tr.Len())
		})
	}
}

func TestTracker_AtMostOneOpPerName(t *testing.T) {
	tr := NewTracker()
	net := map[string]json.RawMessage{}
	names := []string{"a", "b", "c", "d"}
	for i := 0; i < 200; i++ {
		name := names[(i*7)%len(names)]
		if i%3 == 0 {
			tr.Remove(name)
			net[name] = nil
			continue
		}
		v, _ := json.Marshal(i)
		tr.Set(name, v)
		net[name] = v
	}

	seen := map[string]bool{}
	for _, op := range tr.Ops() {
		assert.False(t, seen[op.Name], "duplicate op for %s", op.Name)
		seen[op.Name] = true
		if net[op.Name] == nil {
			assert.Equal(t, OpRemove, op.Kind)
		} else {
			assert.Equal(t, OpSet, op.Kind)
			assert.Equal(t, net[op.Name], op.Value)
		}
	}
	assert.Len(t, seen, len(net))
}

func TestTracker_Clear(t *testing.T) {
	tr := NewTracker()
	tr.Set("a", raw("1"))
	tr.Clear()
	assert.True(t, tr.Empty())

	tr.Set("b", raw("2"))
	assert.Equal(t, []Op{{Kind: OpSet, Name: "b", Value: raw("2")}}, tr.Ops())
}

func TestTracker_OpsIsACopy(t *testing.T) {
	tr := NewTracker()
	tr.Set("a", raw("1"))
	ops := tr.Ops()
	ops[0].Name = "mutated"
	assert.Equal(t, "a", tr.Ops()[0].Name)
}

func TestOpKind_String(t *testing.T) {
	assert.Equal(t, "set", OpSet.String())
	assert.Equal(t, "remove", OpRemove.String())
	assert.Equal(t, "unknown", OpKind(0).String())
}
