package cnst

// InvalidationReason describes why a session left the cluster
type InvalidationReason string

const (
	// ReasonInvalidate represents an explicit invalidation, e.g. logout
	ReasonInvalidate InvalidationReason = "invalidate"
	// ReasonExpire represents an expiration by the sweeper
	ReasonExpire InvalidationReason = "expire"
	// ReasonCorrupt represents removal of an entry that could not be decoded
	ReasonCorrupt InvalidationReason = "corrupt"
	// ReasonStale represents dropping a local copy that another node keeps
	// alive; the cache entry stays
	ReasonStale InvalidationReason = "stale"
)

func (r InvalidationReason) String() string {
	return string(r)
}
