package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/cache"
	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/session"
	"github.com/amoylab/deltasession/pkg/metrics"
)

// Commit kinds used as metric labels
const (
	kindPublish = "publish"
	kindDelta   = "delta"
	kindFull    = "full"
	kindMeta    = "meta"
)

// Conflict outcomes used as metric labels
const (
	outcomeReconciled = "reconciled"
	outcomeFailed     = "failed"
)

// Commit propagates the pending changes of s to the cache. A version conflict
// reloads the authoritative state, reapplies the pending operations on top of
// it and retries; an unreachable cache is retried with backoff. When both are
// exhausted the error wraps ErrCommitFailed and s keeps its pending changes.
func (m *Manager) Commit(ctx context.Context, s *session.Session) error {
	e, err := m.lock(s)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return m.commitLocked(ctx, e.sess)
}

func (m *Manager) commitLocked(ctx context.Context, s *session.Session) (err error) {
	scope := m.tracer.Start(ctx, cnst.SpanManagerCommit).WithAttrs(
		attribute.String(cnst.AttrSessionID, s.ID()),
		attribute.Int64(cnst.AttrBaseVersion, int64(s.Version())),
		attribute.Int(cnst.AttrDeltaOps, s.Tracker().Len()),
	)
	defer func() { scope.Finish(err) }()

	publishing := s.State() == session.StateLocalOnly
	err = m.commitAttributes(scope.Ctx, s)
	if err == nil && !publishing {
		err = m.commitMetadata(scope.Ctx, s)
	}
	if err != nil {
		m.stats.commitFailures.Add(1)
		return err
	}
	scope.WithAttrs(attribute.Int64(cnst.AttrVersion, int64(s.Version())))
	return nil
}

func (m *Manager) commitAttributes(ctx context.Context, s *session.Session) error {
	if s.State() != session.StateLocalOnly && !s.Dirty() {
		return nil
	}

	conflicts := 0
	for {
		err := m.commitOnce(ctx, s)
		if err == nil {
			if conflicts > 0 {
				m.metrics.Conflict(outcomeReconciled)
			}
			return nil
		}
		if !errors.Is(err, cache.ErrVersionConflict) {
			return m.commitFailed(s, err)
		}

		s.MarkConflicted()
		m.stats.conflicts.Add(1)
		if conflicts >= m.cfg.ConflictRetries {
			m.metrics.Conflict(outcomeFailed)
			m.logger.Warn("giving up on conflicting session commit",
				zap.String("id", s.ID()),
				zap.Uint64("base_version", s.Version()),
				zap.Int("attempts", conflicts+1))
			return fmt.Errorf("%w: %w", ErrCommitFailed, err)
		}
		conflicts++

		if err := m.reconcile(ctx, s); err != nil {
			m.metrics.Conflict(outcomeFailed)
			return m.commitFailed(s, err)
		}
		if !s.Dirty() {
			return nil
		}
	}
}

// commitOnce writes s once: a publish for a local-only session, a full
// snapshot when a resync is due and a delta otherwise
func (m *Manager) commitOnce(ctx context.Context, s *session.Session) error {
	now := m.now()
	start := time.Now()

	var (
		kind    string
		version uint64
		err     error
	)
	switch {
	case s.State() == session.StateLocalOnly:
		kind = kindPublish
		_, err = retryUnreachable(ctx, m, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.bridge.Publish(ctx, s)
		})
	case s.NeedsFullResync(m.cfg.FullResyncEvery, m.cfg.FullResyncInterval, now):
		kind = kindFull
		version, err = retryUnreachable(ctx, m, func(ctx context.Context) (uint64, error) {
			return m.bridge.CommitFull(ctx, s)
		})
	default:
		kind = kindDelta
		d := s.BuildDelta()
		version, err = retryUnreachable(ctx, m, func(ctx context.Context) (uint64, error) {
			return m.bridge.CommitDelta(ctx, s, d)
		})
	}
	m.metrics.CommitDone(kind, resultOf(err), start)
	if err != nil {
		return err
	}

	s.MarkCommitted(version, kind != kindDelta, now)
	if kind == kindPublish {
		s.MarkMetaCommitted(0, now)
	}
	m.stats.commits.Add(1)
	return nil
}

// reconcile rebases s onto the state currently held by the cache
func (m *Manager) reconcile(ctx context.Context, s *session.Session) error {
	fresh, err := retryUnreachable(ctx, m, func(ctx context.Context) (*session.Session, error) {
		return m.bridge.FetchFull(ctx, s.ID())
	})
	if err != nil {
		return err
	}
	m.logger.Debug("rebasing conflicting session",
		zap.String("id", s.ID()),
		zap.Uint64("local_version", s.Version()),
		zap.Uint64("cache_version", fresh.Version()),
		zap.Int("pending_ops", s.Tracker().Len()))
	s.Rebase(fresh)
	return nil
}

// commitMetadata touches the cache entry according to the commit policy.
// Under the dirty policy an entry is also touched once half of its inactivity
// interval passed since the last touch so that its cache ttl keeps up with
// local accesses.
func (m *Manager) commitMetadata(ctx context.Context, s *session.Session) error {
	if s.State() == session.StateRemoved {
		return nil
	}
	now := m.now()
	if !m.needsTouch(s, now) {
		return nil
	}

	start := time.Now()
	metaVersion, err := retryUnreachable(ctx, m, func(ctx context.Context) (uint64, error) {
		return m.bridge.Touch(ctx, s)
	})
	m.metrics.CommitDone(kindMeta, resultOf(err), start)
	if err != nil {
		return m.commitFailed(s, err)
	}
	s.MarkMetaCommitted(metaVersion, now)
	return nil
}

func (m *Manager) needsTouch(s *session.Session, now time.Time) bool {
	if m.policy == cnst.CommitAlways || s.MetaDirty() {
		return true
	}
	interval := s.MaxInactiveInterval()
	return interval > 0 && now.Sub(s.MetaSyncedAt()) >= interval/2
}

// commitFailed maps a final commit error. A session whose entry disappeared
// from the cache was removed by another node and is dropped here as well.
func (m *Manager) commitFailed(s *session.Session, err error) error {
	switch {
	case errors.Is(err, cache.ErrNotFound), errors.Is(err, session.ErrDecoding):
		if e, ok := m.table.get(s.ID()); ok && e.sess == s {
			m.evictLocked(e, cnst.ReasonInvalidate)
		}
		return fmt.Errorf("%w: %w: %w", ErrCommitFailed, ErrSessionInvalid, err)
	case errors.Is(err, cache.ErrUnreachable):
		m.logger.Warn("session cache unreachable, keeping changes pending",
			zap.String("id", s.ID()),
			zap.Int("pending_ops", s.Tracker().Len()),
			zap.Error(err))
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
}

// retryUnreachable runs op until it succeeds, fails with anything other than
// ErrUnreachable or runs out of attempts
func retryUnreachable[T any](ctx context.Context, m *Manager, op func(ctx context.Context) (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryBackoff
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && !errors.Is(err, cache.ErrUnreachable) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(m.cfg.UnreachableRetries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Debug("retrying unreachable session cache",
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case errors.Is(err, cache.ErrVersionConflict):
		return metrics.ResultConflict
	case errors.Is(err, cache.ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, cache.ErrUnreachable):
		return metrics.ResultUnreachable
	default:
		return metrics.ResultError
	}
}
