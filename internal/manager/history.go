package manager

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amoylab/deltasession/internal/common/cnst"
)

const defaultMaxHistory = 1000

// Invalidation sources
const (
	SourceLocal  = "local"
	SourceRemote = "remote"
)

// InvalidationEvent records one session removal seen by this node
type InvalidationEvent struct {
	ID        string                  `json:"id"`
	Timestamp time.Time               `json:"timestamp"`
	SessionID string                  `json:"session_id"`
	Source    string                  `json:"source"`
	Origin    string                  `json:"origin"`
	Reason    cnst.InvalidationReason `json:"reason"`
	Success   bool                    `json:"success"`
	Error     string                  `json:"error,omitempty"`
	Duration  time.Duration           `json:"duration"`
}

// Report summarizes the replication health of this node
type Report struct {
	Timestamp    time.Time           `json:"timestamp"`
	NodeID       string              `json:"node_id"`
	Stats        Stats               `json:"stats"`
	RecentEvents []InvalidationEvent `json:"recent_events"`
	HealthStatus string              `json:"health_status"`
}

type history struct {
	mu     sync.RWMutex
	events []InvalidationEvent
	max    int
}

func newHistory(max int) *history {
	if max <= 0 {
		max = defaultMaxHistory
	}
	return &history{max: max}
}

func (h *history) add(ev InvalidationEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.events = append(h.events, ev)
	if len(h.events) > h.max {
		h.events = h.events[len(h.events)-h.max:]
	}
}

// recent returns up to count of the latest events, oldest first
func (h *history) recent(count int) []InvalidationEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if count > 0 && len(h.events) > count {
		start = len(h.events) - count
	}
	events := make([]InvalidationEvent, len(h.events)-start)
	copy(events, h.events[start:])
	return events
}

// InvalidationHistory returns up to count of the latest removals, all of them
// when count <= 0
func (m *Manager) InvalidationHistory(count int) []InvalidationEvent {
	return m.history.recent(count)
}

// Report returns the counters, the latest removals and a health verdict
func (m *Manager) Report() Report {
	stats := m.Stats()
	return Report{
		Timestamp:    m.now(),
		NodeID:       m.bridge.NodeID(),
		Stats:        stats,
		RecentEvents: m.history.recent(10),
		HealthStatus: assessHealth(stats),
	}
}

// assessHealth grades the node by the share of failed commits
func assessHealth(s Stats) string {
	attempts := s.Commits + s.CommitFailures
	if attempts == 0 {
		return "healthy"
	}
	failed := float64(s.CommitFailures) / float64(attempts)
	switch {
	case failed <= 0.05:
		return "healthy"
	case failed <= 0.5:
		return "degraded"
	default:
		return "unhealthy"
	}
}
