package cnst

// CommitPolicy decides when the session metadata is written at end of request
type CommitPolicy string

const (
	// CommitAlways commits metadata on every request
	CommitAlways CommitPolicy = "always"
	// CommitDirty commits only when attributes or metadata changed
	CommitDirty CommitPolicy = "dirty"
)

// Valid reports whether p is a known policy
func (p CommitPolicy) Valid() bool {
	return p == CommitAlways || p == CommitDirty
}
