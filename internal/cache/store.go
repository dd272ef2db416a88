package cache

import (
	"context"
	"errors"
	"time"

	"github.com/amoylab/deltasession/internal/common/cnst"
)

var (
	// ErrNotFound is returned when no entry exists for the session id
	ErrNotFound = errors.New("session not found in cache")
	// ErrVersionConflict is returned when a compare-and-swap finds another version
	ErrVersionConflict = errors.New("session version conflict")
	// ErrUnreachable is returned when the cache did not answer in time or failed in transport
	ErrUnreachable = errors.New("session cache unreachable")
)

// Record is the stored form of one session: the last full snapshot, the
// deltas committed on top of it and the latest metadata.
type Record struct {
	ID          string
	Version     uint64
	Full        []byte
	Deltas      [][]byte
	Meta        []byte
	MetaVersion uint64
}

// Invalidation tells other nodes that a session left the cluster
type Invalidation struct {
	ID     string                  `json:"id"`
	Origin string                  `json:"origin"`
	Reason cnst.InvalidationReason `json:"reason"`
}

// Store is the distributed cache capability the bridge needs. Implementations
// must make Create, Append, Replace and Touch atomic per id. A ttl <= 0 keeps
// the entry until it is removed.
type Store interface {
	// Load returns the entry of id or ErrNotFound
	Load(ctx context.Context, id string) (*Record, error)

	// Create stores a new entry at version 0, ErrVersionConflict if id exists
	Create(ctx context.Context, id string, full, meta []byte, ttl time.Duration) error

	// Append adds a delta when the stored version equals base and returns base+1
	Append(ctx context.Context, id string, base uint64, delta []byte, ttl time.Duration) (uint64, error)

	// Replace swaps the snapshot when the stored version equals base, drops the
	// delta chain and returns base+1
	Replace(ctx context.Context, id string, base uint64, full []byte, ttl time.Duration) (uint64, error)

	// Touch overwrites the metadata and returns the new metadata version
	Touch(ctx context.Context, id string, meta []byte, ttl time.Duration) (uint64, error)

	// Remove deletes the entry, if any, and publishes inv to subscribers
	Remove(ctx context.Context, inv Invalidation) error

	// Subscribe delivers every published invalidation to fn until ctx is done.
	// It returns once the subscription is established.
	Subscribe(ctx context.Context, fn func(Invalidation)) error

	// Close releases the store's connections
	Close() error
}

// Pruner is implemented by stores without native key expiry
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}
