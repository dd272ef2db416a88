package session

import (
	"bytes"
	"encoding/json"
	"slices"
	"time"
)

// State is the replication status of a session
type State int

const (
	// StateLocalOnly means created and never committed
	StateLocalOnly State = iota
	// StateSynced means the local version matches the cache
	StateSynced
	// StateDirty means local mutations are pending
	StateDirty
	// StateConflicted means the last commit lost a compare-and-swap
	StateConflicted
	// StateRemoved is terminal
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateLocalOnly:
		return "local-only"
	case StateSynced:
		return "synced"
	case StateDirty:
		return "dirty"
	case StateConflicted:
		return "conflicted"
	case StateRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Metadata changes on every request and is committed apart from attributes
type Metadata struct {
	LastAccessedAt      time.Time
	MaxInactiveInterval time.Duration // <= 0 never expires
	Valid               bool
	Version             uint64
}

// Expired reports whether the last access is more than the inactivity
// interval before now
func (m Metadata) Expired(now time.Time) bool {
	if m.MaxInactiveInterval <= 0 {
		return false
	}
	return now.Sub(m.LastAccessedAt) > m.MaxInactiveInterval
}

// Session is the in-memory representation of one session. It is owned by the
// manager's table, which serializes access to it; Session itself is not safe
// for concurrent use.
type Session struct {
	id        string
	createdAt time.Time
	meta      Metadata
	attrs     map[string]json.RawMessage
	version   uint64
	state     State
	tracker   *Tracker
	metaDirty bool

	lastFullSync    time.Time
	deltasSinceFull int
	metaSyncedAt    time.Time
}

// New creates an empty, valid, local-only session at version 0
func New(id string, now time.Time, maxInactive time.Duration) *Session {
	return &Session{
		id:        id,
		createdAt: now,
		meta: Metadata{
			LastAccessedAt:      now,
			MaxInactiveInterval: maxInactive,
			Valid:               true,
		},
		attrs:     make(map[string]json.RawMessage),
		state:     StateLocalOnly,
		tracker:   NewTracker(),
		metaDirty: true,
	}
}

func (s *Session) ID() string                         { return s.id }
func (s *Session) CreatedAt() time.Time               { return s.createdAt }
func (s *Session) LastAccessedAt() time.Time          { return s.meta.LastAccessedAt }
func (s *Session) MaxInactiveInterval() time.Duration { return s.meta.MaxInactiveInterval }
func (s *Session) Valid() bool                        { return s.meta.Valid }
func (s *Session) Version() uint64                    { return s.version }
func (s *Session) State() State                       { return s.state }
func (s *Session) Metadata() Metadata                 { return s.meta }
func (s *Session) Tracker() *Tracker                  { return s.tracker }

// Dirty reports whether attribute operations are waiting for a commit
func (s *Session) Dirty() bool { return !s.tracker.Empty() }

// MetaDirty reports whether metadata changed beyond the last-accessed time
func (s *Session) MetaDirty() bool { return s.metaDirty }

// Attribute returns the encoded value of name
func (s *Session) Attribute(name string) (json.RawMessage, bool) {
	v, ok := s.attrs[name]
	return v, ok
}

// AttributeNames returns the attribute names in sorted order
func (s *Session) AttributeNames() []string {
	names := make([]string, 0, len(s.attrs))
	for name := range s.attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of attributes
func (s *Session) Len() int { return len(s.attrs) }

// Set stores name=value and records it for the next commit. It returns the
// previous value, if any.
func (s *Session) Set(name string, value json.RawMessage) (json.RawMessage, bool) {
	prev, existed := s.attrs[name]
	s.attrs[name] = value
	s.tracker.Set(name, value)
	s.markDirty()
	return prev, existed
}

// Remove deletes name and records it for the next commit. It returns the
// removed value, if any.
func (s *Session) Remove(name string) (json.RawMessage, bool) {
	prev, existed := s.attrs[name]
	delete(s.attrs, name)
	s.tracker.Remove(name)
	s.markDirty()
	return prev, existed
}

func (s *Session) markDirty() {
	if s.state == StateSynced {
		s.state = StateDirty
	}
}

// Touch records an access at now
func (s *Session) Touch(now time.Time) {
	s.meta.LastAccessedAt = now
}

// SetMaxInactiveInterval changes the inactivity bound of the session
func (s *Session) SetMaxInactiveInterval(d time.Duration) {
	if s.meta.MaxInactiveInterval != d {
		s.meta.MaxInactiveInterval = d
		s.metaDirty = true
	}
}

// Expired reports whether the session has been idle longer than its interval
func (s *Session) Expired(now time.Time) bool {
	return s.meta.Expired(now)
}

// Invalidate marks the session invalid and removed; nothing may be committed afterwards
func (s *Session) Invalidate() {
	s.meta.Valid = false
	s.state = StateRemoved
}

// BuildDelta turns the pending operations into a delta on top of the current version
func (s *Session) BuildDelta() *Delta {
	return &Delta{
		BaseVersion: s.version,
		Version:     s.version + 1,
		Ops:         s.tracker.Ops(),
	}
}

// MarkCommitted records a successful attribute commit at version. full tells
// whether a full snapshot rather than a delta was written.
func (s *Session) MarkCommitted(version uint64, full bool, now time.Time) {
	s.version = version
	s.tracker.Clear()
	s.state = StateSynced
	if full {
		s.lastFullSync = now
		s.deltasSinceFull = 0
	} else {
		s.deltasSinceFull++
	}
}

// MarkMetaCommitted records a successful metadata commit at now
func (s *Session) MarkMetaCommitted(metaVersion uint64, now time.Time) {
	s.meta.Version = metaVersion
	s.metaDirty = false
	s.metaSyncedAt = now
}

// MetaSyncedAt returns when the metadata was last committed, zero if unknown
func (s *Session) MetaSyncedAt() time.Time { return s.metaSyncedAt }

// ApplyMetadata overlays metadata committed by any node. The last access
// only moves forward.
func (s *Session) ApplyMetadata(m Metadata) {
	if m.LastAccessedAt.After(s.meta.LastAccessedAt) {
		s.meta.LastAccessedAt = m.LastAccessedAt
	}
	s.meta.MaxInactiveInterval = m.MaxInactiveInterval
	s.meta.Valid = m.Valid
	s.meta.Version = m.Version
}

// MarkLoaded marks a session rebuilt from the cache as synchronized at now
func (s *Session) MarkLoaded(now time.Time) {
	s.state = StateSynced
	s.metaDirty = false
	s.metaSyncedAt = now
	if s.lastFullSync.IsZero() {
		s.lastFullSync = now
	}
}

// MarkConflicted records that the last commit lost against another node
func (s *Session) MarkConflicted() {
	s.state = StateConflicted
}

// NeedsFullResync reports whether the next commit should replace the delta chain
func (s *Session) NeedsFullResync(every int, interval time.Duration, now time.Time) bool {
	if every > 0 && s.deltasSinceFull >= every {
		return true
	}
	return interval > 0 && !s.lastFullSync.IsZero() && now.Sub(s.lastFullSync) >= interval
}

// Rebase replaces the committed state with authoritative and reapplies the
// pending operations on top of it. The tracker is kept so that the reapplied
// operations are committed against the new version.
func (s *Session) Rebase(authoritative *Session) {
	s.attrs = make(map[string]json.RawMessage, len(authoritative.attrs))
	for k, v := range authoritative.attrs {
		s.attrs[k] = v
	}
	s.version = authoritative.version
	s.createdAt = authoritative.createdAt
	s.meta.Version = authoritative.meta.Version
	if authoritative.meta.LastAccessedAt.After(s.meta.LastAccessedAt) {
		s.meta.LastAccessedAt = authoritative.meta.LastAccessedAt
	}
	s.lastFullSync = authoritative.lastFullSync
	s.deltasSinceFull = authoritative.deltasSinceFull

	for _, op := range s.tracker.ops {
		switch op.Kind {
		case OpSet:
			s.attrs[op.Name] = op.Value
		case OpRemove:
			delete(s.attrs, op.Name)
		}
	}
	if s.tracker.Empty() {
		s.state = StateSynced
	} else {
		s.state = StateDirty
	}
}

// Clone returns a deep copy without pending operations
func (s *Session) Clone() *Session {
	c := &Session{
		id:              s.id,
		createdAt:       s.createdAt,
		meta:            s.meta,
		attrs:           make(map[string]json.RawMessage, len(s.attrs)),
		version:         s.version,
		state:           s.state,
		tracker:         NewTracker(),
		metaDirty:       s.metaDirty,
		lastFullSync:    s.lastFullSync,
		deltasSinceFull: s.deltasSinceFull,
		metaSyncedAt:    s.metaSyncedAt,
	}
	for k, v := range s.attrs {
		c.attrs[k] = slices.Clone(v)
	}
	return c
}

// CloneAt returns a deep copy labelled with version, used to snapshot the
// state a full resync will commit
func (s *Session) CloneAt(version uint64) *Session {
	c := s.Clone()
	c.version = version
	return c
}

// Equal reports logical equality: identity, attributes, version and metadata
func (s *Session) Equal(o *Session) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.id != o.id || s.version != o.version || !s.createdAt.Equal(o.createdAt) {
		return false
	}
	if !s.meta.LastAccessedAt.Equal(o.meta.LastAccessedAt) ||
		s.meta.MaxInactiveInterval != o.meta.MaxInactiveInterval ||
		s.meta.Valid != o.meta.Valid ||
		s.meta.Version != o.meta.Version {
		return false
	}
	if len(s.attrs) != len(o.attrs) {
		return false
	}
	for k, v := range s.attrs {
		ov, ok := o.attrs[k]
		if !ok || !bytes.Equal(v, ov) {
			return false
		}
	}
	return true
}
