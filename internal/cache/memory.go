package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const subscriberQueueSize = 128

type memoryEntry struct {
	version     uint64
	full        []byte
	deltas      [][]byte
	meta        []byte
	metaVersion uint64
	expiresAt   time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type memorySubscriber struct {
	queue chan Invalidation
	done  <-chan struct{}
}

// MemoryStore implements Store in process. Several managers sharing one
// MemoryStore behave like nodes of one cluster.
type MemoryStore struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	subs    []*memorySubscriber
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger:  logger.Named("cache.store.memory"),
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

// lookup returns a live entry; the caller holds s.mu
func (s *MemoryStore) lookup(id string) (*memoryEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	if e.expired(s.now()) {
		delete(s.entries, id)
		return nil, false
	}
	return e, true
}

// Load implements Store.Load
func (s *MemoryStore) Load(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec := &Record{
		ID:          id,
		Version:     e.version,
		Full:        slices.Clone(e.full),
		Deltas:      make([][]byte, 0, len(e.deltas)),
		Meta:        slices.Clone(e.meta),
		MetaVersion: e.metaVersion,
	}
	for _, d := range e.deltas {
		rec.Deltas = append(rec.Deltas, slices.Clone(d))
	}
	return rec, nil
}

// Create implements Store.Create
func (s *MemoryStore) Create(ctx context.Context, id string, full, meta []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.lookup(id); ok {
		return ErrVersionConflict
	}
	s.entries[id] = &memoryEntry{
		full:      slices.Clone(full),
		meta:      slices.Clone(meta),
		expiresAt: s.deadline(ttl),
	}
	return nil
}

// Append implements Store.Append
func (s *MemoryStore) Append(ctx context.Context, id string, base uint64, delta []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(id)
	if !ok {
		return 0, ErrNotFound
	}
	if e.version != base {
		return 0, ErrVersionConflict
	}
	e.version++
	e.deltas = append(e.deltas, slices.Clone(delta))
	e.expiresAt = s.deadline(ttl)
	return e.version, nil
}

// Replace implements Store.Replace
func (s *MemoryStore) Replace(ctx context.Context, id string, base uint64, full []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(id)
	if !ok {
		return 0, ErrNotFound
	}
	if e.version != base {
		return 0, ErrVersionConflict
	}
	e.version++
	e.full = slices.Clone(full)
	e.deltas = nil
	e.expiresAt = s.deadline(ttl)
	return e.version, nil
}

// Touch implements Store.Touch
func (s *MemoryStore) Touch(ctx context.Context, id string, meta []byte, ttl time.Duration) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lookup(id)
	if !ok {
		return 0, ErrNotFound
	}
	e.metaVersion++
	e.meta = slices.Clone(meta)
	e.expiresAt = s.deadline(ttl)
	return e.metaVersion, nil
}

// Remove implements Store.Remove
func (s *MemoryStore) Remove(ctx context.Context, inv Invalidation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.entries, inv.ID)
	subs := slices.Clone(s.subs)
	s.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.queue <- inv:
		default:
			s.logger.Warn("subscriber queue is full, dropping invalidation",
				zap.String("id", inv.ID),
				zap.String("reason", inv.Reason.String()))
		}
	}
	return nil
}

// Subscribe implements Store.Subscribe
func (s *MemoryStore) Subscribe(ctx context.Context, fn func(Invalidation)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sub := &memorySubscriber{
		queue: make(chan Invalidation, subscriberQueueSize),
		done:  ctx.Done(),
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	go func() {
		defer s.unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case inv := <-sub.queue:
				fn(inv)
			}
		}
	}()
	return nil
}

func (s *MemoryStore) unsubscribe(sub *memorySubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = slices.DeleteFunc(s.subs, func(x *memorySubscriber) bool { return x == sub })
}

// Len returns the number of live entries
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := s.now()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close implements Store.Close
func (s *MemoryStore) Close() error {
	return nil
}
