package manager

import (
	"sync"

	"github.com/amoylab/deltasession/internal/session"
)

// entry guards one session; its lock is held for the duration of every
// operation on the session, including commits
type entry struct {
	mu   sync.Mutex
	sess *session.Session
}

// table maps session ids to entries. Its own lock is only held for map
// access, so work on unrelated sessions never contends.
type table struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newTable() *table {
	return &table{entries: make(map[string]*entry)}
}

func (t *table) get(id string) (*entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// putIfAbsent registers s unless id is taken and returns the entry in place
func (t *table) putIfAbsent(s *session.Session) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[s.ID()]; ok {
		return e, false
	}
	e := &entry{sess: s}
	t.entries[s.ID()] = e
	return e, true
}

// putWithin registers s while the table holds fewer than limit entries;
// limit <= 0 means no limit
func (t *table) putWithin(s *session.Session, limit int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit > 0 && len(t.entries) >= limit {
		return false
	}
	if _, ok := t.entries[s.ID()]; ok {
		return false
	}
	t.entries[s.ID()] = &entry{sess: s}
	return true
}

// remove deletes id only while it still maps to e
func (t *table) remove(id string, e *entry) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.entries[id]; !ok || cur != e {
		return false
	}
	delete(t.entries, id)
	return true
}

func (t *table) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *table) snapshot() []*entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}
