package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/internal/common/config"
	"github.com/amoylab/deltasession/pkg/utils"
)

// Script results below zero are outcomes, not versions
const (
	scriptConflict = -1
	scriptNotFound = -2
)

var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return -1
end
redis.call('DEL', KEYS[2])
redis.call('HSET', KEYS[1], 'version', 0, 'full', ARGV[1], 'meta', ARGV[2], 'meta_version', 0)
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 0
`)

	appendScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -2
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return -1
end
local nv = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'version', nv)
redis.call('RPUSH', KEYS[2], ARGV[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
return nv
`)

	replaceScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'version')
if not v then
  return -2
end
if tonumber(v) ~= tonumber(ARGV[1]) then
  return -1
end
local nv = tonumber(v) + 1
redis.call('HSET', KEYS[1], 'version', nv, 'full', ARGV[2])
redis.call('DEL', KEYS[2])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return nv
`)

	touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -2
end
local mv = redis.call('HINCRBY', KEYS[1], 'meta_version', 1)
redis.call('HSET', KEYS[1], 'meta', ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return mv
`)
)

// RedisStore implements Store on Redis. Each session is a hash holding the
// version, snapshot and metadata plus a list holding the delta chain; both
// keys share a hash tag so scripts work in cluster mode.
type RedisStore struct {
	logger *zap.Logger
	client redis.UniversalClient
	prefix string
	topic  string

	mu      sync.Mutex
	pubsubs []*redis.PubSub
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new Redis-based store
func NewRedisStore(ctx context.Context, logger *zap.Logger, cfg config.CacheRedisConfig) (*RedisStore, error) {
	addrs := utils.SplitByMultipleDelimiters(cfg.Addr, ";", ",")
	opts := &redis.UniversalOptions{
		Addrs:    addrs,
		Username: cfg.Username,
		Password: cfg.Password,
	}
	if cfg.ClusterType == cnst.RedisClusterTypeSentinel {
		opts.MasterName = cfg.MasterName
	}
	if cfg.ClusterType != cnst.RedisClusterTypeCluster {
		// can not set db in cluster mode
		opts.DB = cfg.DB
	}
	client := redis.NewUniversalClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		logger: logger.Named("cache.store.redis"),
		client: client,
		prefix: cfg.Prefix,
		topic:  cfg.Topic,
	}, nil
}

func (s *RedisStore) keys(id string) []string {
	key := s.prefix + ":{" + id + "}"
	return []string{key, key + ":deltas"}
}

func ttlMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return ttl.Milliseconds()
}

func scriptResult(n int64) (uint64, error) {
	switch n {
	case scriptConflict:
		return 0, ErrVersionConflict
	case scriptNotFound:
		return 0, ErrNotFound
	}
	return uint64(n), nil
}

// Load implements Store.Load
func (s *RedisStore) Load(ctx context.Context, id string) (*Record, error) {
	keys := s.keys(id)
	var (
		hash   *redis.MapStringStringCmd
		deltas *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		hash = p.HGetAll(ctx, keys[0])
		deltas = p.LRange(ctx, keys[1], 0, -1)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session from Redis: %w", err)
	}

	fields := hash.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	version, err := strconv.ParseUint(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid version field %q: %w", fields["version"], err)
	}
	metaVersion, err := strconv.ParseUint(fields["meta_version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid meta_version field %q: %w", fields["meta_version"], err)
	}

	rec := &Record{
		ID:          id,
		Version:     version,
		Full:        []byte(fields["full"]),
		Meta:        []byte(fields["meta"]),
		MetaVersion: metaVersion,
	}
	for _, d := range deltas.Val() {
		rec.Deltas = append(rec.Deltas, []byte(d))
	}
	return rec, nil
}

// Create implements Store.Create
func (s *RedisStore) Create(ctx context.Context, id string, full, meta []byte, ttl time.Duration) error {
	n, err := createScript.Run(ctx, s.client, s.keys(id), full, meta, ttlMillis(ttl)).Int64()
	if err != nil {
		return fmt.Errorf("failed to create session in Redis: %w", err)
	}
	_, err = scriptResult(n)
	return err
}

// Append implements Store.Append
func (s *RedisStore) Append(ctx context.Context, id string, base uint64, delta []byte, ttl time.Duration) (uint64, error) {
	n, err := appendScript.Run(ctx, s.client, s.keys(id), base, delta, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to append session delta in Redis: %w", err)
	}
	return scriptResult(n)
}

// Replace implements Store.Replace
func (s *RedisStore) Replace(ctx context.Context, id string, base uint64, full []byte, ttl time.Duration) (uint64, error) {
	n, err := replaceScript.Run(ctx, s.client, s.keys(id), base, full, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to replace session in Redis: %w", err)
	}
	return scriptResult(n)
}

// Touch implements Store.Touch
func (s *RedisStore) Touch(ctx context.Context, id string, meta []byte, ttl time.Duration) (uint64, error) {
	n, err := touchScript.Run(ctx, s.client, s.keys(id), meta, ttlMillis(ttl)).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to touch session in Redis: %w", err)
	}
	return scriptResult(n)
}

// Remove implements Store.Remove
func (s *RedisStore) Remove(ctx context.Context, inv Invalidation) error {
	if err := s.client.Del(ctx, s.keys(inv.ID)...).Err(); err != nil {
		return fmt.Errorf("failed to delete session from Redis: %w", err)
	}

	data, err := json.Marshal(inv)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := s.client.Publish(ctx, s.topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscribe implements Store.Subscribe
func (s *RedisStore) Subscribe(ctx context.Context, fn func(Invalidation)) error {
	pubsub := s.client.Subscribe(ctx, s.topic)
	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", s.topic, err)
	}

	s.mu.Lock()
	s.pubsubs = append(s.pubsubs, pubsub)
	s.mu.Unlock()

	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var inv Invalidation
				if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
					s.logger.Error("failed to unmarshal invalidation",
						zap.Error(err),
						zap.String("payload", msg.Payload))
					continue
				}
				fn(inv)
			}
		}
	}()
	return nil
}

// Close implements Store.Close
func (s *RedisStore) Close() error {
	s.mu.Lock()
	pubsubs := s.pubsubs
	s.pubsubs = nil
	s.mu.Unlock()

	var errs []error
	for _, p := range pubsubs {
		if err := p.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close pubsub: %w", err))
		}
	}
	if err := s.client.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
