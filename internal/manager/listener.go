package manager

import (
	"encoding/json"

	"github.com/amoylab/deltasession/internal/common/cnst"
)

// EventType identifies a session lifecycle event
type EventType int

const (
	EventCreated EventType = iota + 1
	EventAttributeAdded
	EventAttributeReplaced
	EventAttributeRemoved
	EventDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventAttributeAdded:
		return "attribute_added"
	case EventAttributeReplaced:
		return "attribute_replaced"
	case EventAttributeRemoved:
		return "attribute_removed"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event describes a change of one session. Name, Value and OldValue are set
// for attribute events, Reason for EventDestroyed.
type Event struct {
	Type      EventType
	SessionID string
	Name      string
	Value     json.RawMessage
	OldValue  json.RawMessage
	Reason    cnst.InvalidationReason
}

// Listener observes session events. Listeners run synchronously while the
// session is locked and must not call back into the manager for that session.
type Listener interface {
	OnSessionEvent(Event)
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(Event)

func (f ListenerFunc) OnSessionEvent(ev Event) { f(ev) }

// AddListener registers l for every subsequent event
func (m *Manager) AddListener(l Listener) {
	m.lmu.Lock()
	defer m.lmu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) fire(ev Event) {
	m.lmu.RLock()
	listeners := m.listeners
	m.lmu.RUnlock()
	for _, l := range listeners {
		l.OnSessionEvent(ev)
	}
}
