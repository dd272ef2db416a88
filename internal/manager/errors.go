package manager

import (
	"errors"

	"github.com/amoylab/deltasession/internal/cache"
)

var (
	// ErrCommitFailed wraps the cause of a commit that could not be completed
	ErrCommitFailed = errors.New("session commit failed")
	// ErrSessionInvalid is returned for sessions that were invalidated, expired or evicted
	ErrSessionInvalid = errors.New("session is no longer valid")
	// ErrTooManySessions is returned when the active session limit is reached
	ErrTooManySessions = errors.New("too many active sessions")
	// ErrNotFound is returned when a session exists neither locally nor in the cache
	ErrNotFound = cache.ErrNotFound

	// errStale reports a local copy dropped in favour of the cached session
	errStale = errors.New("stale local session")
)
