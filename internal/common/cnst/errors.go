package cnst

import "errors"

var (
	// ErrUnknownStoreType is returned when the cache store type is not supported
	ErrUnknownStoreType = errors.New("unknown cache store type")
	// ErrInvalidCommitPolicy is returned when the commit policy is not supported
	ErrInvalidCommitPolicy = errors.New("invalid commit policy")
)
