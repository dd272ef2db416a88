package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/common/config"
)

// Type represents the type of cache store
type Type string

const (
	// TypeMemory represents the in-process store
	TypeMemory Type = "memory"
	// TypeRedis represents the Redis store
	TypeRedis Type = "redis"
	// TypeDB represents the SQL store
	TypeDB Type = "db"
)

// NewStore creates a new cache store based on configuration
func NewStore(ctx context.Context, logger *zap.Logger, cfg *config.CacheConfig) (Store, error) {
	logger.Info("Initializing session cache store", zap.String("type", cfg.Type))
	switch Type(cfg.Type) {
	case TypeMemory:
		return NewMemoryStore(logger), nil
	case TypeRedis:
		return NewRedisStore(ctx, logger, cfg.Redis)
	case TypeDB:
		return NewDBStore(ctx, logger, cfg.Database)
	default:
		return nil, fmt.Errorf("%w: %s", cnst.ErrUnknownStoreType, cfg.Type)
	}
}
