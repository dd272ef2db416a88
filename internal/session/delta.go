package session

// Delta is the ordered list of attribute operations committed on top of
// BaseVersion, producing Version.
type Delta struct {
	BaseVersion uint64
	Version     uint64
	Ops         []Op
}

// Empty reports whether the delta carries no operation
func (d *Delta) Empty() bool {
	return d == nil || len(d.Ops) == 0
}

// Names returns the attribute names touched by the delta in order
func (d *Delta) Names() []string {
	names := make([]string, 0, len(d.Ops))
	for _, op := range d.Ops {
		names = append(names, op.Name)
	}
	return names
}
