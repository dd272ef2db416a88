package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ifuryst/lol"
	"go.uber.org/zap"
)

// Sweeper periodically expires idle sessions of one manager and retries cache
// removals that failed on an earlier pass
type Sweeper struct {
	manager  *Manager
	logger   *zap.Logger
	interval time.Duration
	running  *atomic.Bool

	lifeMu   sync.Mutex
	stopChan chan struct{}

	mu      sync.Mutex
	pending []string
}

// NewSweeper creates a sweeper running at the manager's sweep interval
func NewSweeper(m *Manager, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		manager:  m,
		logger:   logger.Named("sweeper"),
		interval: m.cfg.SweepInterval,
		running:  &atomic.Bool{},
	}
}

// Start begins the periodic sweep. A stopped sweeper can be started again.
func (s *Sweeper) Start(ctx context.Context) {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running.Load() {
		return
	}
	s.stopChan = make(chan struct{})
	s.running.Store(true)
	go s.loop(ctx, s.stopChan)
	s.logger.Info("Started session sweeper", zap.Duration("interval", s.interval))
}

// Stop halts the periodic sweep
func (s *Sweeper) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	close(s.stopChan)
	s.logger.Info("Stopped session sweeper")
}

// IsRunning returns whether the sweep loop is active
func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// Pending returns the ids whose cache removal still has to be retried
func (s *Sweeper) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pending...)
}

func (s *Sweeper) loop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.lifeMu.Lock()
			if s.stopChan == stop {
				s.running.Store(false)
			}
			s.lifeMu.Unlock()
			s.logger.Info("Session sweeper stopped due to context cancellation")
			return
		case <-stop:
			return
		case <-ticker.C:
			s.SweepNow(ctx)
		}
	}
}

// SweepNow expires every idle local session and returns how many were removed
func (s *Sweeper) SweepNow(ctx context.Context) int {
	now := s.manager.now()
	removed := 0
	var failed []string

	for _, id := range s.manager.Idle(now) {
		ok, err := s.manager.ExpireIfIdle(ctx, id, now)
		if ok {
			removed++
		}
		if err != nil {
			s.logger.Warn("failed to remove expired session from cache, will retry",
				zap.String("id", id),
				zap.Error(err))
			failed = append(failed, id)
		}
	}

	s.retryPending(ctx, failed, now)

	if n, err := s.manager.Prune(ctx); err != nil {
		s.logger.Warn("failed to prune session cache", zap.Error(err))
	} else if n > 0 {
		s.logger.Debug("pruned expired cache entries", zap.Int64("count", n))
	}

	if removed > 0 {
		s.logger.Info("Expired idle sessions",
			zap.Int("removed", removed),
			zap.Int("active", s.manager.Count()))
	}
	return removed
}

// retryPending retries removals from earlier passes; failures from this pass
// are only queued
func (s *Sweeper) retryPending(ctx context.Context, failed []string, now time.Time) {
	s.mu.Lock()
	previous := s.pending
	s.pending = nil
	s.mu.Unlock()

	var still []string
	for _, id := range lol.UniqSlice(previous) {
		if err := s.manager.ExpireCached(ctx, id, now); err != nil {
			still = append(still, id)
		}
	}

	s.mu.Lock()
	s.pending = lol.UniqSlice(append(append(s.pending, still...), failed...))
	s.mu.Unlock()
}
