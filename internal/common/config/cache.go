package config

import (
	"time"

	"github.com/amoylab/deltasession/internal/common/cnst"
)

type (
	// CacheConfig represents the distributed cache the bridge talks to
	CacheConfig struct {
		Type        string           `yaml:"type" toml:"type"`                 // memory, redis or db
		Timeout     time.Duration    `yaml:"timeout" toml:"timeout"`           // bound for every cache call
		ExpiryGrace time.Duration    `yaml:"expiry_grace" toml:"expiry_grace"` // added to the max inactive interval for entry ttl
		Redis       CacheRedisConfig `yaml:"redis" toml:"redis"`
		Database    DatabaseConfig   `yaml:"database" toml:"database"`
	}

	// CacheRedisConfig represents the Redis configuration for the session cache
	CacheRedisConfig struct {
		ClusterType string `yaml:"cluster_type" toml:"cluster_type"` // single, sentinel, cluster
		Addr        string `yaml:"addr" toml:"addr"`                 // multiple addresses separated by ; or ,
		MasterName  string `yaml:"master_name" toml:"master_name"`
		Username    string `yaml:"username" toml:"username"`
		Password    string `yaml:"password" toml:"password"`
		DB          int    `yaml:"db" toml:"db"`
		Prefix      string `yaml:"prefix" toml:"prefix"`
		Topic       string `yaml:"topic" toml:"topic"` // pub/sub channel for invalidations
	}

	// DatabaseConfig represents the SQL backed session cache
	DatabaseConfig struct {
		Type         string        `yaml:"type" toml:"type"` // sqlite, mysql, postgres
		DSN          string        `yaml:"dsn" toml:"dsn"`
		PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"` // invalidation polling
	}
)

// SetDefaults fills zero cache values
func (c *CacheConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "memory"
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.ExpiryGrace <= 0 {
		c.ExpiryGrace = 5 * time.Minute
	}
	if c.Redis.ClusterType == "" {
		c.Redis.ClusterType = cnst.RedisClusterTypeSingle
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "deltasession"
	}
	if c.Redis.Topic == "" {
		c.Redis.Topic = "deltasession:invalidations"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	if c.Database.PollInterval <= 0 {
		c.Database.PollInterval = time.Second
	}
}
