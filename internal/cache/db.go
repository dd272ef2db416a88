package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/common/config"
)

// DatabaseType represents the supported database types
type DatabaseType string

const (
	PostgreSQL DatabaseType = "postgres"
	MySQL      DatabaseType = "mysql"
	SQLite     DatabaseType = "sqlite"
)

const (
	invalidationBatch     = 256
	invalidationRetention = time.Hour
	// ids skipped by the poller are waited for this long before they are
	// taken for rolled back
	invalidationGapTimeout = time.Minute
	invalidationMaxGaps    = 1024
)

// DBStore implements Store on a SQL database. Compare-and-swap is an
// UPDATE guarded by the expected version; invalidations are rows polled by
// every subscriber.
type DBStore struct {
	logger       *zap.Logger
	db           *gorm.DB
	pollInterval time.Duration
	now          func() time.Time
}

var _ Store = (*DBStore)(nil)

// NewDBStore creates a new database-based store
func NewDBStore(ctx context.Context, logger *zap.Logger, cfg config.DatabaseConfig) (*DBStore, error) {
	logger = logger.Named("cache.store.db")

	var dialector gorm.Dialector
	switch DatabaseType(cfg.Type) {
	case PostgreSQL:
		dialector = postgres.Open(cfg.DSN)
	case MySQL:
		dialector = mysql.Open(cfg.DSN)
	case SQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: database %s", cnst.ErrUnknownStoreType, cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Type, err)
	}
	if DatabaseType(cfg.Type) == SQLite {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.WithContext(ctx).AutoMigrate(&SessionEntry{}, &SessionDelta{}, &SessionInvalidation{}); err != nil {
		return nil, fmt.Errorf("failed to migrate session tables: %w", err)
	}

	interval := cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &DBStore{
		logger:       logger,
		db:           db,
		pollInterval: interval,
		now:          time.Now,
	}, nil
}

func (s *DBStore) deadline(ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	t := s.now().Add(ttl)
	return &t
}

// find returns the live entry of id inside tx
func (s *DBStore) find(tx *gorm.DB, id string) (*SessionEntry, error) {
	var e SessionEntry
	if err := tx.Where("id = ?", id).Take(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if e.expired(s.now()) {
		return nil, ErrNotFound
	}
	return &e, nil
}

// Load implements Store.Load
func (s *DBStore) Load(ctx context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := s.find(tx, id)
		if err != nil {
			return err
		}
		var deltas []SessionDelta
		if err := tx.Where("session_id = ?", id).Order("version").Find(&deltas).Error; err != nil {
			return err
		}
		rec = &Record{
			ID:          id,
			Version:     e.Version,
			Full:        e.Full,
			Meta:        e.Meta,
			MetaVersion: e.MetaVersion,
		}
		for _, d := range deltas {
			rec.Deltas = append(rec.Deltas, d.Data)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Create implements Store.Create
func (s *DBStore) Create(ctx context.Context, id string, full, meta []byte, ttl time.Duration) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.find(tx, id)
		switch {
		case err == nil:
			return ErrVersionConflict
		case !errors.Is(err, ErrNotFound):
			return err
		}
		// clear an expired leftover
		if err := s.purge(tx, id); err != nil {
			return err
		}
		return tx.Create(&SessionEntry{
			ID:        id,
			Full:      full,
			Meta:      meta,
			ExpiresAt: s.deadline(ttl),
		}).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrVersionConflict
	}
	return err
}

// casUpdate applies updates when the live entry of id is at base
func (s *DBStore) casUpdate(tx *gorm.DB, id string, base uint64, updates map[string]any) error {
	res := tx.Model(&SessionEntry{}).
		Where("id = ? AND version = ?", id, base).
		Where("(expires_at IS NULL OR expires_at > ?)", s.now()).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	if _, err := s.find(tx, id); err != nil {
		return err
	}
	return ErrVersionConflict
}

// Append implements Store.Append
func (s *DBStore) Append(ctx context.Context, id string, base uint64, delta []byte, ttl time.Duration) (uint64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.casUpdate(tx, id, base, map[string]any{
			"version":    base + 1,
			"expires_at": s.deadline(ttl),
		}); err != nil {
			return err
		}
		return tx.Create(&SessionDelta{SessionID: id, Version: base + 1, Data: delta}).Error
	})
	if err != nil {
		return 0, err
	}
	return base + 1, nil
}

// Replace implements Store.Replace
func (s *DBStore) Replace(ctx context.Context, id string, base uint64, full []byte, ttl time.Duration) (uint64, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.casUpdate(tx, id, base, map[string]any{
			"version":    base + 1,
			"full":       full,
			"expires_at": s.deadline(ttl),
		}); err != nil {
			return err
		}
		return tx.Where("session_id = ?", id).Delete(&SessionDelta{}).Error
	})
	if err != nil {
		return 0, err
	}
	return base + 1, nil
}

// Touch implements Store.Touch
func (s *DBStore) Touch(ctx context.Context, id string, meta []byte, ttl time.Duration) (uint64, error) {
	var metaVersion uint64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := s.find(tx, id)
		if err != nil {
			return err
		}
		res := tx.Model(&SessionEntry{}).Where("id = ?", id).Updates(map[string]any{
			"meta":         meta,
			"meta_version": gorm.Expr("meta_version + 1"),
			"expires_at":   s.deadline(ttl),
		})
		if res.Error != nil {
			return res.Error
		}
		metaVersion = e.MetaVersion + 1
		return nil
	})
	if err != nil {
		return 0, err
	}
	return metaVersion, nil
}

func (s *DBStore) purge(tx *gorm.DB, id string) error {
	if err := tx.Where("session_id = ?", id).Delete(&SessionDelta{}).Error; err != nil {
		return err
	}
	return tx.Where("id = ?", id).Delete(&SessionEntry{}).Error
}

// Remove implements Store.Remove
func (s *DBStore) Remove(ctx context.Context, inv Invalidation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.purge(tx, inv.ID); err != nil {
			return err
		}
		return tx.Create(&SessionInvalidation{
			SessionID: inv.ID,
			Origin:    inv.Origin,
			Reason:    inv.Reason.String(),
		}).Error
	})
}

// Subscribe implements Store.Subscribe. Only invalidations written after the
// call are delivered.
func (s *DBStore) Subscribe(ctx context.Context, fn func(Invalidation)) error {
	var last uint64
	err := s.db.WithContext(ctx).Model(&SessionInvalidation{}).
		Select("COALESCE(MAX(id), 0)").
		Scan(&last).Error
	if err != nil {
		return fmt.Errorf("failed to read invalidation log position: %w", err)
	}

	cur := newInvalidationCursor(last)
	go func() {
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.poll(ctx, cur, fn); err != nil && ctx.Err() == nil {
					s.logger.Warn("failed to poll invalidations", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (s *DBStore) poll(ctx context.Context, cur *invalidationCursor, fn func(Invalidation)) error {
	now := s.now()
	cur.expire(now)

	q := s.db.WithContext(ctx)
	if gaps := cur.pending(); len(gaps) > 0 {
		q = q.Where("id > ? OR id IN ?", cur.last, gaps)
	} else {
		q = q.Where("id > ?", cur.last)
	}
	var rows []SessionInvalidation
	if err := q.Order("id").Limit(invalidationBatch).Find(&rows).Error; err != nil {
		return err
	}
	for _, r := range rows {
		if !cur.advance(r.ID, now) {
			continue
		}
		fn(Invalidation{ID: r.SessionID, Origin: r.Origin, Reason: cnst.InvalidationReason(r.Reason)})
	}
	return nil
}

// invalidationCursor tracks which invalidation rows were delivered.
// Auto-increment ids become visible in commit order, not id order, so ids
// skipped below the highest delivered one are polled again until they show
// up or time out.
type invalidationCursor struct {
	last uint64
	gaps map[uint64]time.Time
}

func newInvalidationCursor(last uint64) *invalidationCursor {
	return &invalidationCursor{last: last, gaps: make(map[uint64]time.Time)}
}

// advance records id and reports whether it was not delivered before
func (c *invalidationCursor) advance(id uint64, now time.Time) bool {
	if id <= c.last {
		if _, ok := c.gaps[id]; !ok {
			return false
		}
		delete(c.gaps, id)
		return true
	}
	from := c.last + 1
	if id-from > invalidationMaxGaps {
		from = id - invalidationMaxGaps
	}
	for g := from; g < id; g++ {
		c.gaps[g] = now
	}
	c.last = id
	return true
}

func (c *invalidationCursor) pending() []uint64 {
	if len(c.gaps) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(c.gaps))
	for id := range c.gaps {
		ids = append(ids, id)
	}
	return ids
}

func (c *invalidationCursor) expire(now time.Time) {
	for id, since := range c.gaps {
		if now.Sub(since) > invalidationGapTimeout {
			delete(c.gaps, id)
		}
	}
	for len(c.gaps) > invalidationMaxGaps {
		oldest := c.last
		for id := range c.gaps {
			oldest = min(oldest, id)
		}
		delete(c.gaps, oldest)
	}
}

// Prune deletes expired entries and invalidations older than the retention
// window. It returns the number of expired entries removed.
func (s *DBStore) Prune(ctx context.Context) (int64, error) {
	now := s.now()
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&SessionEntry{}).
			Where("expires_at IS NOT NULL AND expires_at <= ?", now).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := tx.Where("session_id IN ?", ids).Delete(&SessionDelta{}).Error; err != nil {
				return err
			}
			res := tx.Where("id IN ?", ids).Delete(&SessionEntry{})
			if res.Error != nil {
				return res.Error
			}
			removed = res.RowsAffected
		}
		return tx.Where("created_at < ?", now.Add(-invalidationRetention)).
			Delete(&SessionInvalidation{}).Error
	})
	return removed, err
}

// Close implements Store.Close
func (s *DBStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
