package cnst

// Tracer names used across the services
const (
	// TraceManager is the tracer name for session manager logic
	TraceManager = "deltasession/manager"
	// TraceCache is the tracer name for the cache bridge
	TraceCache = "deltasession/cache"
)

// Common span names
const (
	SpanCachePublish     = "cache.publish"
	SpanCacheCommitDelta = "cache.commit_delta"
	SpanCacheCommitFull  = "cache.commit_full"
	SpanCacheTouch       = "cache.touch"
	SpanCacheFetch       = "cache.fetch_full"
	SpanCacheFetchMeta   = "cache.fetch_meta"
	SpanCacheRemove      = "cache.remove"
	SpanManagerCommit    = "manager.commit"
)

// Common attribute keys
const (
	AttrSessionID   = "session.id"
	AttrBaseVersion = "session.base_version"
	AttrVersion     = "session.version"
	AttrDeltaOps    = "session.delta_ops"
	AttrStoreType   = "cache.store_type"
	AttrErrorReason = "error.reason"
)
