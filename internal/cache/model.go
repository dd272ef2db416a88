package cache

import "time"

// SessionEntry is the database row of one session
type SessionEntry struct {
	ID          string `gorm:"primaryKey;size:128"`
	Version     uint64 `gorm:"not null;default:0"`
	Full        []byte
	Meta        []byte
	MetaVersion uint64     `gorm:"not null;default:0"`
	ExpiresAt   *time.Time `gorm:"index"` // nil never expires
	UpdatedAt   time.Time
}

// TableName overrides the table name
func (SessionEntry) TableName() string { return "session_entries" }

func (e *SessionEntry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// SessionDelta is one delta of the chain committed on top of the snapshot
type SessionDelta struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID string `gorm:"index;size:128;not null"`
	Version   uint64 `gorm:"not null"`
	Data      []byte
}

// TableName overrides the table name
func (SessionDelta) TableName() string { return "session_deltas" }

// SessionInvalidation is an append-only log of removals polled by subscribers
type SessionInvalidation struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"size:128;not null"`
	Origin    string    `gorm:"size:64"`
	Reason    string    `gorm:"size:32"`
	CreatedAt time.Time `gorm:"index"`
}

// TableName overrides the table name
func (SessionInvalidation) TableName() string { return "session_invalidations" }
