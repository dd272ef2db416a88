package config

import (
	"fmt"
	"strings"

	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/pkg/trace"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one configuration
type ValidationErrors []*ValidationError

func (e ValidationErrors) Error() string {
	var sb strings.Builder
	for i, err := range e {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("--> ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Validate validates the configuration, reporting every problem at once
func (c *DeltaSessionConfig) Validate() error {
	var errs ValidationErrors

	if !cnst.CommitPolicy(c.Manager.CommitPolicy).Valid() {
		errs = append(errs, &ValidationError{
			Field:   "manager.commit_policy",
			Message: fmt.Sprintf("%v %q, expected always or dirty", cnst.ErrInvalidCommitPolicy, c.Manager.CommitPolicy),
		})
	}
	if c.Manager.ConflictRetries < 0 {
		errs = append(errs, &ValidationError{Field: "manager.conflict_retries", Message: "must not be negative"})
	}
	if c.Manager.UnreachableRetries < 0 {
		errs = append(errs, &ValidationError{Field: "manager.unreachable_retries", Message: "must not be negative"})
	}
	if c.Manager.FullResyncEvery < 0 {
		errs = append(errs, &ValidationError{Field: "manager.full_resync_every", Message: "must not be negative"})
	}
	if c.Manager.MaxActiveSessions < 0 {
		errs = append(errs, &ValidationError{Field: "manager.max_active_sessions", Message: "must not be negative"})
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			errs = append(errs, &ValidationError{Field: "cache.redis.addr", Message: "is required for redis cache"})
		}
		switch c.Cache.Redis.ClusterType {
		case cnst.RedisClusterTypeSingle, cnst.RedisClusterTypeCluster:
		case cnst.RedisClusterTypeSentinel:
			if c.Cache.Redis.MasterName == "" {
				errs = append(errs, &ValidationError{Field: "cache.redis.master_name", Message: "is required for sentinel"})
			}
		default:
			errs = append(errs, &ValidationError{
				Field:   "cache.redis.cluster_type",
				Message: fmt.Sprintf("unsupported cluster type %q", c.Cache.Redis.ClusterType),
			})
		}
	case "db":
		switch c.Cache.Database.Type {
		case "sqlite", "mysql", "postgres":
		default:
			errs = append(errs, &ValidationError{
				Field:   "cache.database.type",
				Message: fmt.Sprintf("unsupported database type %q", c.Cache.Database.Type),
			})
		}
		if c.Cache.Database.DSN == "" {
			errs = append(errs, &ValidationError{Field: "cache.database.dsn", Message: "is required for db cache"})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "cache.type",
			Message: fmt.Sprintf("%v %q", cnst.ErrUnknownStoreType, c.Cache.Type),
		})
	}

	switch c.Logger.Output {
	case "", "stdout", "stderr":
	case "file", "both":
		if c.Logger.FilePath == "" {
			errs = append(errs, &ValidationError{Field: "logger.file_path", Message: "is required when output is " + c.Logger.Output})
		}
	default:
		errs = append(errs, &ValidationError{
			Field:   "logger.output",
			Message: fmt.Sprintf("must be stdout, stderr, file or both, got %q", c.Logger.Output),
		})
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Protocol {
		case "", trace.ProtocolGRPC, trace.ProtocolHTTP:
		default:
			errs = append(errs, &ValidationError{
				Field:   "tracing.protocol",
				Message: fmt.Sprintf("must be grpc or http, got %q", c.Tracing.Protocol),
			})
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
