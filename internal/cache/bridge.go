package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/session"
	"github.com/amoylab/deltasession/pkg/metrics"
	"github.com/amoylab/deltasession/pkg/trace"
)

// Options configures a Bridge
type Options struct {
	// NodeID identifies this node as origin of published invalidations
	NodeID string
	// Timeout bounds every store call
	Timeout time.Duration
	// ExpiryGrace is added to a session's max inactive interval to form the entry ttl
	ExpiryGrace time.Duration
	// StoreType labels spans
	StoreType string
	Codec     session.Codec
	Metrics   *metrics.Metrics
}

// Bridge is the only component talking to the distributed cache. It encodes
// sessions through the codec, bounds every call with a timeout and maps
// transport failures to ErrUnreachable.
type Bridge struct {
	logger    *zap.Logger
	store     Store
	codec     session.Codec
	nodeID    string
	timeout   time.Duration
	grace     time.Duration
	storeType string
	metrics   *metrics.Metrics
	tracer    *trace.Builder
	now       func() time.Time
}

// NewBridge creates a bridge over store
func NewBridge(logger *zap.Logger, store Store, opts Options) *Bridge {
	if opts.Codec == nil {
		opts.Codec = session.NewCodec()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	return &Bridge{
		logger:    logger.Named("cache.bridge"),
		store:     store,
		codec:     opts.Codec,
		nodeID:    opts.NodeID,
		timeout:   opts.Timeout,
		grace:     opts.ExpiryGrace,
		storeType: opts.StoreType,
		metrics:   opts.Metrics,
		tracer:    trace.Tracer(cnst.TraceCache),
		now:       time.Now,
	}
}

// NodeID returns the origin written into invalidations
func (b *Bridge) NodeID() string { return b.nodeID }

// Codec returns the codec used for every entry
func (b *Bridge) Codec() session.Codec { return b.codec }

func (b *Bridge) ttl(s *session.Session) time.Duration {
	if s.MaxInactiveInterval() <= 0 {
		return 0
	}
	return s.MaxInactiveInterval() + b.grace
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrVersionConflict), errors.Is(err, ErrUnreachable):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, ErrVersionConflict):
		return metrics.ResultConflict
	case errors.Is(err, ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, ErrUnreachable):
		return metrics.ResultUnreachable
	default:
		return metrics.ResultError
	}
}

// call runs fn against the store inside a span and under the bridge timeout
func (b *Bridge) call(ctx context.Context, op, id string, attrs []attribute.KeyValue, fn func(ctx context.Context) error) error {
	start := time.Now()
	scope := b.tracer.Start(ctx, op).WithAttrs(
		attribute.String(cnst.AttrSessionID, id),
		attribute.String(cnst.AttrStoreType, b.storeType),
	).WithAttrs(attrs...)
	defer scope.End()

	cctx, cancel := context.WithTimeout(scope.Ctx, b.timeout)
	defer cancel()

	err := classify(fn(cctx))
	b.metrics.CacheOpDone(op, resultOf(err), start)
	if err != nil {
		scope.WithAttrs(attribute.String(cnst.AttrErrorReason, resultOf(err)))
		if !errors.Is(err, ErrNotFound) {
			scope.Fail(err)
		}
	}
	return err
}

// Publish makes a local-only session visible in the cache at version 0
func (b *Bridge) Publish(ctx context.Context, s *session.Session) error {
	full, err := b.codec.EncodeFull(s)
	if err != nil {
		return err
	}
	meta, err := b.codec.EncodeMeta(s.Metadata())
	if err != nil {
		return err
	}
	return b.call(ctx, cnst.SpanCachePublish, s.ID(), nil, func(ctx context.Context) error {
		return b.store.Create(ctx, s.ID(), full, meta, b.ttl(s))
	})
}

// CommitDelta appends d on top of d.BaseVersion and returns the new version
func (b *Bridge) CommitDelta(ctx context.Context, s *session.Session, d *session.Delta) (uint64, error) {
	data, err := b.codec.EncodeDelta(d)
	if err != nil {
		return 0, err
	}
	var version uint64
	attrs := []attribute.KeyValue{
		attribute.Int64(cnst.AttrBaseVersion, int64(d.BaseVersion)),
		attribute.Int(cnst.AttrDeltaOps, len(d.Ops)),
	}
	err = b.call(ctx, cnst.SpanCacheCommitDelta, s.ID(), attrs, func(ctx context.Context) error {
		v, err := b.store.Append(ctx, s.ID(), d.BaseVersion, data, b.ttl(s))
		version = v
		return err
	})
	return version, err
}

// CommitFull replaces the cached snapshot with the current state of s at
// version+1 and drops the delta chain
func (b *Bridge) CommitFull(ctx context.Context, s *session.Session) (uint64, error) {
	base := s.Version()
	full, err := b.codec.EncodeFull(s.CloneAt(base + 1))
	if err != nil {
		return 0, err
	}
	var version uint64
	attrs := []attribute.KeyValue{attribute.Int64(cnst.AttrBaseVersion, int64(base))}
	err = b.call(ctx, cnst.SpanCacheCommitFull, s.ID(), attrs, func(ctx context.Context) error {
		v, err := b.store.Replace(ctx, s.ID(), base, full, b.ttl(s))
		version = v
		return err
	})
	return version, err
}

// Touch commits the metadata of s and returns the new metadata version
func (b *Bridge) Touch(ctx context.Context, s *session.Session) (uint64, error) {
	meta, err := b.codec.EncodeMeta(s.Metadata())
	if err != nil {
		return 0, err
	}
	var version uint64
	err = b.call(ctx, cnst.SpanCacheTouch, s.ID(), nil, func(ctx context.Context) error {
		v, err := b.store.Touch(ctx, s.ID(), meta, b.ttl(s))
		version = v
		return err
	})
	return version, err
}

// FetchFull rebuilds the authoritative session from the cache. An entry that
// cannot be decoded is removed and the decoding error returned.
func (b *Bridge) FetchFull(ctx context.Context, id string) (*session.Session, error) {
	var rec *Record
	err := b.call(ctx, cnst.SpanCacheFetch, id, nil, func(ctx context.Context) error {
		r, err := b.store.Load(ctx, id)
		rec = r
		return err
	})
	if err != nil {
		return nil, err
	}

	s, err := b.fold(rec)
	if err != nil {
		b.logger.Error("failed to decode cached session, removing entry",
			zap.String("id", id),
			zap.Uint64("version", rec.Version),
			zap.Error(err))
		if rmErr := b.Remove(ctx, id, cnst.ReasonCorrupt); rmErr != nil {
			b.logger.Warn("failed to remove corrupt session",
				zap.String("id", id),
				zap.Error(rmErr))
		}
		return nil, err
	}
	if !s.Valid() {
		return nil, ErrNotFound
	}
	return s, nil
}

// FetchMeta returns the metadata committed for id without folding its
// attributes
func (b *Bridge) FetchMeta(ctx context.Context, id string) (session.Metadata, error) {
	var rec *Record
	err := b.call(ctx, cnst.SpanCacheFetchMeta, id, nil, func(ctx context.Context) error {
		r, err := b.store.Load(ctx, id)
		rec = r
		return err
	})
	if err != nil {
		return session.Metadata{}, err
	}
	if len(rec.Meta) == 0 {
		s, err := b.fold(rec)
		if err != nil {
			return session.Metadata{}, err
		}
		return s.Metadata(), nil
	}
	m, err := b.codec.DecodeMeta(rec.Meta)
	if err != nil {
		return session.Metadata{}, fmt.Errorf("metadata: %w", err)
	}
	m.Version = rec.MetaVersion
	return m, nil
}

func (b *Bridge) fold(rec *Record) (*session.Session, error) {
	s, err := b.codec.DecodeFull(rec.Full)
	if err != nil {
		return nil, err
	}
	if s.ID() != rec.ID {
		return nil, fmt.Errorf("%w: snapshot of %q stored under %q", session.ErrDecoding, s.ID(), rec.ID)
	}
	for i, raw := range rec.Deltas {
		d, err := b.codec.DecodeDelta(raw)
		if err != nil {
			return nil, fmt.Errorf("delta %d: %w", i, err)
		}
		s, err = b.codec.ApplyDelta(s, d)
		if err != nil {
			return nil, fmt.Errorf("%w: delta %d: %v", session.ErrDecoding, i, err)
		}
	}
	if s.Version() != rec.Version {
		return nil, fmt.Errorf("%w: folded version %d, stored version %d", session.ErrDecoding, s.Version(), rec.Version)
	}
	if len(rec.Meta) > 0 {
		m, err := b.codec.DecodeMeta(rec.Meta)
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		m.Version = rec.MetaVersion
		s.ApplyMetadata(m)
	}
	s.MarkLoaded(b.now())
	return s, nil
}

// Remove deletes the entry of id and tells the other nodes why
func (b *Bridge) Remove(ctx context.Context, id string, reason cnst.InvalidationReason) error {
	inv := Invalidation{ID: id, Origin: b.nodeID, Reason: reason}
	return b.call(ctx, cnst.SpanCacheRemove, id, nil, func(ctx context.Context) error {
		return b.store.Remove(ctx, inv)
	})
}

// SubscribeInvalidations calls fn for every session removed or expired by
// another node until ctx is done
func (b *Bridge) SubscribeInvalidations(ctx context.Context, fn func(Invalidation)) error {
	return b.store.Subscribe(ctx, func(inv Invalidation) {
		if inv.Origin == b.nodeID {
			return
		}
		fn(inv)
	})
}

// Prune removes expired entries on stores without native expiry
func (b *Bridge) Prune(ctx context.Context) (int64, error) {
	p, ok := b.store.(Pruner)
	if !ok {
		return 0, nil
	}
	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	n, err := p.Prune(cctx)
	return n, classify(err)
}

// Close closes the underlying store
func (b *Bridge) Close() error {
	return b.store.Close()
}
