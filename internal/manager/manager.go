package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/cache"
	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/common/config"
	"github.com/amoylab/deltasession/internal/session"
	"github.com/amoylab/deltasession/pkg/metrics"
	"github.com/amoylab/deltasession/pkg/trace"
)

// Stats is a point-in-time view of the manager counters
type Stats struct {
	Active         int   `json:"active"`
	Created        int64 `json:"created"`
	Loaded         int64 `json:"loaded"`
	Rejected       int64 `json:"rejected"`
	Expired        int64 `json:"expired"`
	Invalidated    int64 `json:"invalidated"`
	Evicted        int64 `json:"evicted"`
	Commits        int64 `json:"commits"`
	CommitFailures int64 `json:"commit_failures"`
	Conflicts      int64 `json:"conflicts"`
}

type counters struct {
	created, loaded, rejected          atomic.Int64
	expired, invalidated, evicted      atomic.Int64
	commits, commitFailures, conflicts atomic.Int64
}

// Manager owns the local session table of one node and keeps it consistent
// with the distributed cache through the bridge.
type Manager struct {
	logger  *zap.Logger
	cfg     config.ManagerConfig
	policy  cnst.CommitPolicy
	bridge  *cache.Bridge
	table   *table
	metrics *metrics.Metrics
	tracer  *trace.Builder
	stats   counters
	history *history
	now     func() time.Time

	lmu       sync.RWMutex
	listeners []Listener

	subMu     sync.Mutex
	cancelSub context.CancelFunc
}

// New creates a manager on top of bridge
func New(logger *zap.Logger, cfg config.ManagerConfig, bridge *cache.Bridge, m *metrics.Metrics) *Manager {
	cfg.SetDefaults()
	policy := cnst.CommitPolicy(cfg.CommitPolicy)
	if !policy.Valid() {
		policy = cnst.CommitDirty
	}
	return &Manager{
		logger:  logger.Named("manager"),
		cfg:     cfg,
		policy:  policy,
		bridge:  bridge,
		table:   newTable(),
		metrics: m,
		tracer:  trace.Tracer(cnst.TraceManager),
		history: newHistory(defaultMaxHistory),
		now:     time.Now,
	}
}

// Start subscribes to invalidations published by other nodes
func (m *Manager) Start(ctx context.Context) error {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.cancelSub != nil {
		return nil
	}
	subCtx, cancel := context.WithCancel(ctx)
	if err := m.bridge.SubscribeInvalidations(subCtx, m.handleInvalidation); err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}
	m.cancelSub = cancel
	m.logger.Info("Session manager started",
		zap.String("node_id", m.bridge.NodeID()),
		zap.String("commit_policy", string(m.policy)),
		zap.Duration("max_inactive_interval", m.cfg.MaxInactiveInterval))
	return nil
}

// Close stops the invalidation subscription
func (m *Manager) Close() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	if m.cancelSub != nil {
		m.cancelSub()
		m.cancelSub = nil
	}
}

func (m *Manager) handleInvalidation(inv cache.Invalidation) {
	e, ok := m.table.get(inv.ID)
	if !ok {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sess.State() == session.StateRemoved {
		return
	}
	m.logger.Debug("evicting session invalidated by another node",
		zap.String("id", inv.ID),
		zap.String("origin", inv.Origin),
		zap.String("reason", inv.Reason.String()))
	m.evictLocked(e, inv.Reason)
	m.history.add(InvalidationEvent{
		Timestamp: m.now(),
		SessionID: inv.ID,
		Source:    SourceRemote,
		Origin:    inv.Origin,
		Reason:    inv.Reason,
		Success:   true,
	})
}

// lock returns the locked entry of s, or ErrSessionInvalid when s is no
// longer the registered session for its id
func (m *Manager) lock(s *session.Session) (*entry, error) {
	if s == nil {
		return nil, ErrSessionInvalid
	}
	e, ok := m.table.get(s.ID())
	if !ok {
		return nil, ErrSessionInvalid
	}
	e.mu.Lock()
	if e.sess != s || !s.Valid() {
		e.mu.Unlock()
		return nil, ErrSessionInvalid
	}
	return e, nil
}

func (m *Manager) withSession(s *session.Session, fn func(s *session.Session) error) error {
	e, err := m.lock(s)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return fn(e.sess)
}

// FindSession returns the session of id, loading it from the cache when this
// node does not hold it. A session idle beyond its interval is expired and
// reported as not found.
func (m *Manager) FindSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	now := m.now()
	s, err := m.find(ctx, id, now)
	if errors.Is(err, errStale) {
		// a concurrent load registered a stale copy first
		s, err = m.find(ctx, id, now)
	}
	if errors.Is(err, errStale) {
		return nil, ErrNotFound
	}
	return s, err
}

func (m *Manager) find(ctx context.Context, id string, now time.Time) (*session.Session, error) {
	if e, ok := m.table.get(id); ok {
		e.mu.Lock()
		s, err := m.accessLocked(ctx, e, now)
		e.mu.Unlock()
		if !errors.Is(err, errStale) {
			return s, err
		}
	}

	s, err := m.bridge.FetchFull(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Expired(now) {
		if err := m.bridge.Remove(ctx, id, cnst.ReasonExpire); err != nil {
			m.logger.Warn("failed to remove expired session from cache",
				zap.String("id", id),
				zap.Error(err))
		}
		return nil, ErrNotFound
	}

	e, inserted := m.table.putIfAbsent(s)
	e.mu.Lock()
	defer e.mu.Unlock()
	if inserted {
		m.stats.loaded.Add(1)
		m.metrics.SessionLoaded()
		m.logger.Debug("loaded session from cache",
			zap.String("id", id),
			zap.Uint64("version", s.Version()))
	}
	return m.accessLocked(ctx, e, now)
}

func (m *Manager) accessLocked(ctx context.Context, e *entry, now time.Time) (*session.Session, error) {
	s := e.sess
	if !s.Valid() {
		return nil, ErrNotFound
	}
	if s.Expired(now) {
		expired, err := m.expireLocked(ctx, e, now)
		if err != nil {
			m.logger.Warn("failed to remove expired session from cache",
				zap.String("id", s.ID()),
				zap.Error(err))
		}
		if !expired {
			return nil, errStale
		}
		return nil, ErrNotFound
	}
	s.Touch(now)
	return s, nil
}

// CreateSession registers a new empty session. It stays invisible to other
// nodes until its first commit.
func (m *Manager) CreateSession(_ context.Context) (*session.Session, error) {
	s := session.New(uuid.NewString(), m.now(), m.cfg.MaxInactiveInterval)
	if !m.table.putWithin(s, m.cfg.MaxActiveSessions) {
		m.stats.rejected.Add(1)
		m.metrics.SessionRejected()
		return nil, ErrTooManySessions
	}
	m.stats.created.Add(1)
	m.metrics.SessionCreated()
	m.fire(Event{Type: EventCreated, SessionID: s.ID()})
	return s, nil
}

// GetAttribute returns the encoded value of name
func (m *Manager) GetAttribute(s *session.Session, name string) (json.RawMessage, bool, error) {
	var (
		value json.RawMessage
		found bool
	)
	err := m.withSession(s, func(s *session.Session) error {
		value, found = s.Attribute(name)
		return nil
	})
	return value, found, err
}

// DecodeAttribute decodes the value of name into out and reports whether it exists
func (m *Manager) DecodeAttribute(s *session.Session, name string, out any) (bool, error) {
	value, found, err := m.GetAttribute(s, name)
	if err != nil || !found {
		return false, err
	}
	return true, session.DecodeValue(value, out)
}

// LookupAttribute evaluates a gjson path inside the value of name
func (m *Manager) LookupAttribute(s *session.Session, name, path string) (gjson.Result, error) {
	value, found, err := m.GetAttribute(s, name)
	if err != nil || !found {
		return gjson.Result{}, err
	}
	if path == "" {
		return gjson.ParseBytes(value), nil
	}
	return gjson.GetBytes(value, path), nil
}

// AttributeNames returns the attribute names of s in sorted order
func (m *Manager) AttributeNames(s *session.Session) ([]string, error) {
	var names []string
	err := m.withSession(s, func(s *session.Session) error {
		names = s.AttributeNames()
		return nil
	})
	return names, err
}

// SessionInfo is a consistent view of one session
type SessionInfo struct {
	ID                  string    `json:"id"`
	Version             uint64    `json:"version"`
	State               string    `json:"state"`
	CreatedAt           time.Time `json:"created_at"`
	LastAccessedAt      time.Time `json:"last_accessed_at"`
	MaxInactiveInterval string    `json:"max_inactive_interval"`
	PendingOps          int       `json:"pending_ops"`
	Attributes          []string  `json:"attributes"`
}

// Describe returns a view of s taken under its lock
func (m *Manager) Describe(s *session.Session) (SessionInfo, error) {
	var info SessionInfo
	err := m.withSession(s, func(s *session.Session) error {
		info = SessionInfo{
			ID:                  s.ID(),
			Version:             s.Version(),
			State:               s.State().String(),
			CreatedAt:           s.CreatedAt(),
			LastAccessedAt:      s.LastAccessedAt(),
			MaxInactiveInterval: s.MaxInactiveInterval().String(),
			PendingOps:          s.Tracker().Len(),
			Attributes:          s.AttributeNames(),
		}
		return nil
	})
	return info, err
}

// SetAttribute stores value under name. A nil value removes the attribute.
// Nothing reaches the cache before Commit.
func (m *Manager) SetAttribute(s *session.Session, name string, value any) error {
	if name == "" {
		return errors.New("attribute name must not be empty")
	}
	if value == nil {
		return m.RemoveAttribute(s, name)
	}
	raw, err := session.EncodeValue(value)
	if err != nil {
		return err
	}
	if string(raw) == "null" {
		return m.RemoveAttribute(s, name)
	}
	return m.withSession(s, func(s *session.Session) error {
		prev, existed := s.Set(name, raw)
		ev := Event{Type: EventAttributeAdded, SessionID: s.ID(), Name: name, Value: raw}
		if existed {
			ev.Type = EventAttributeReplaced
			ev.OldValue = prev
		}
		m.fire(ev)
		return nil
	})
}

// RemoveAttribute deletes name. Nothing reaches the cache before Commit.
func (m *Manager) RemoveAttribute(s *session.Session, name string) error {
	return m.withSession(s, func(s *session.Session) error {
		prev, existed := s.Remove(name)
		if existed {
			m.fire(Event{Type: EventAttributeRemoved, SessionID: s.ID(), Name: name, OldValue: prev})
		}
		return nil
	})
}

// SetMaxInactiveInterval changes the inactivity bound of s; d <= 0 never expires
func (m *Manager) SetMaxInactiveInterval(s *session.Session, d time.Duration) error {
	return m.withSession(s, func(s *session.Session) error {
		s.SetMaxInactiveInterval(d)
		return nil
	})
}

// Invalidate removes s from this node and from the cache, telling the other
// nodes to drop it
func (m *Manager) Invalidate(ctx context.Context, s *session.Session) error {
	e, err := m.lock(s)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return m.destroyLocked(ctx, e, cnst.ReasonInvalidate)
}

// Expire removes s as expired regardless of its last access
func (m *Manager) Expire(ctx context.Context, s *session.Session) error {
	e, err := m.lock(s)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()
	return m.destroyLocked(ctx, e, cnst.ReasonExpire)
}

// ExpireIfIdle expires id when it is still idle at now. It reports whether the
// session expired; the error concerns the cache only. A local copy that is
// idle while another node keeps the session alive is dropped from this node
// and not reported.
func (m *Manager) ExpireIfIdle(ctx context.Context, id string, now time.Time) (bool, error) {
	e, ok := m.table.get(id)
	if !ok {
		return false, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.sess.Valid() || !e.sess.Expired(now) {
		return false, nil
	}
	return m.expireLocked(ctx, e, now)
}

// expireLocked drops the idle local copy of e. The cache entry is removed
// only when the metadata committed there is idle as well.
func (m *Manager) expireLocked(ctx context.Context, e *entry, now time.Time) (bool, error) {
	s := e.sess
	if s.State() == session.StateLocalOnly {
		return true, m.destroyLocked(ctx, e, cnst.ReasonExpire)
	}

	meta, err := m.bridge.FetchMeta(ctx, s.ID())
	switch {
	case errors.Is(err, cache.ErrNotFound):
		m.evictLocked(e, cnst.ReasonExpire)
		return true, nil
	case err != nil:
		// the entry ttl still bounds the cached copy
		m.evictLocked(e, cnst.ReasonExpire)
		return true, fmt.Errorf("failed to read cached metadata of %s: %w", s.ID(), err)
	case meta.Valid && !meta.Expired(now):
		m.logger.Debug("dropping stale local copy of a session alive in the cache",
			zap.String("id", s.ID()),
			zap.Time("local_last_access", s.LastAccessedAt()),
			zap.Time("cache_last_access", meta.LastAccessedAt))
		m.evictLocked(e, cnst.ReasonStale)
		return false, nil
	default:
		return true, m.destroyLocked(ctx, e, cnst.ReasonExpire)
	}
}

// Idle returns the ids of local sessions idle beyond their interval at now
func (m *Manager) Idle(now time.Time) []string {
	var ids []string
	for _, e := range m.table.snapshot() {
		e.mu.Lock()
		if e.sess.Valid() && e.sess.Expired(now) {
			ids = append(ids, e.sess.ID())
		}
		e.mu.Unlock()
	}
	return ids
}

// ExpireCached removes id from the cache when its committed metadata is idle
// at now. It retries expirations whose cache part failed after the session
// was already dropped locally.
func (m *Manager) ExpireCached(ctx context.Context, id string, now time.Time) error {
	meta, err := m.bridge.FetchMeta(ctx, id)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		return nil
	case err != nil:
		return err
	case meta.Valid && !meta.Expired(now):
		return nil
	}
	return m.bridge.Remove(ctx, id, cnst.ReasonExpire)
}

// Prune asks the cache to drop expired entries on stores without native expiry
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	return m.bridge.Prune(ctx)
}

// destroyLocked drops the session of e locally and, once it was published,
// from the cache
func (m *Manager) destroyLocked(ctx context.Context, e *entry, reason cnst.InvalidationReason) error {
	s := e.sess
	published := s.State() != session.StateLocalOnly
	m.evictLocked(e, reason)

	ev := InvalidationEvent{
		Timestamp: m.now(),
		SessionID: s.ID(),
		Source:    SourceLocal,
		Origin:    m.bridge.NodeID(),
		Reason:    reason,
		Success:   true,
	}
	var err error
	if published {
		start := time.Now()
		err = m.bridge.Remove(ctx, s.ID(), reason)
		ev.Duration = time.Since(start)
	}
	if err != nil {
		ev.Success = false
		ev.Error = err.Error()
		err = fmt.Errorf("failed to remove session %s from cache: %w", s.ID(), err)
	}
	m.history.add(ev)
	return err
}

// evictLocked drops the session of e from this node only
func (m *Manager) evictLocked(e *entry, reason cnst.InvalidationReason) {
	s := e.sess
	s.Invalidate()
	if !m.table.remove(s.ID(), e) {
		return
	}
	switch reason {
	case cnst.ReasonExpire:
		m.stats.expired.Add(1)
	case cnst.ReasonInvalidate:
		m.stats.invalidated.Add(1)
	default:
		m.stats.evicted.Add(1)
	}
	m.metrics.SessionDestroyed(reason.String())
	m.fire(Event{Type: EventDestroyed, SessionID: s.ID(), Reason: reason})
}

// Flush commits every local session with pending changes
func (m *Manager) Flush(ctx context.Context) error {
	var errs []error
	for _, e := range m.table.snapshot() {
		e.mu.Lock()
		s := e.sess
		if s.Valid() && (s.Dirty() || s.MetaDirty() || s.State() == session.StateLocalOnly) {
			if err := m.commitLocked(ctx, s); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
			}
		}
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Sessions returns the sessions held by this node
func (m *Manager) Sessions() []*session.Session {
	entries := m.table.snapshot()
	out := make([]*session.Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.sess)
		e.mu.Unlock()
	}
	return out
}

// Count returns the number of sessions held by this node
func (m *Manager) Count() int {
	return m.table.len()
}

// Stats returns the manager counters
func (m *Manager) Stats() Stats {
	return Stats{
		Active:         m.table.len(),
		Created:        m.stats.created.Load(),
		Loaded:         m.stats.loaded.Load(),
		Rejected:       m.stats.rejected.Load(),
		Expired:        m.stats.expired.Load(),
		Invalidated:    m.stats.invalidated.Load(),
		Evicted:        m.stats.evicted.Load(),
		Commits:        m.stats.commits.Load(),
		CommitFailures: m.stats.commitFailures.Load(),
		Conflicts:      m.stats.conflicts.Load(),
	}
}
