package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amoylab/deltasession/internal/common/cnst"
	"github.com/amoylab/deltasession/pkg/helper"
	"github.com/amoylab/deltasession/pkg/trace"
)

type (
	// DeltaSessionConfig represents the configuration of a session node
	DeltaSessionConfig struct {
		PID     string        `yaml:"pid" toml:"pid"`
		HTTP    HTTPConfig    `yaml:"http" toml:"http"`
		Manager ManagerConfig `yaml:"manager" toml:"manager"`
		Cache   CacheConfig   `yaml:"cache" toml:"cache"`
		Adapter AdapterConfig `yaml:"adapter" toml:"adapter"`
		Logger  LoggerConfig  `yaml:"logger" toml:"logger"`
		Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
		Tracing trace.Config  `yaml:"tracing" toml:"tracing"`
	}

	// HTTPConfig represents the demo HTTP server configuration
	HTTPConfig struct {
		Addr            string        `yaml:"addr" toml:"addr"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	}

	// ManagerConfig holds the settings the container adapter supplies to the session manager
	ManagerConfig struct {
		NodeID              string        `yaml:"node_id" toml:"node_id"`                             // defaults to a random id
		MaxInactiveInterval time.Duration `yaml:"max_inactive_interval" toml:"max_inactive_interval"` // <= 0 never expires
		CommitPolicy        string        `yaml:"commit_policy" toml:"commit_policy"`                 // always, dirty
		FullResyncInterval  time.Duration `yaml:"full_resync_interval" toml:"full_resync_interval"`
		FullResyncEvery     int           `yaml:"full_resync_every" toml:"full_resync_every"` // deltas between full snapshots
		ConflictRetries     int           `yaml:"conflict_retries" toml:"conflict_retries"`
		UnreachableRetries  int           `yaml:"unreachable_retries" toml:"unreachable_retries"`
		RetryBackoff        time.Duration `yaml:"retry_backoff" toml:"retry_backoff"`
		MaxActiveSessions   int           `yaml:"max_active_sessions" toml:"max_active_sessions"` // 0 means unlimited
		SweepInterval       time.Duration `yaml:"sweep_interval" toml:"sweep_interval"`
	}

	// AdapterConfig represents the HTTP container adapter configuration
	AdapterConfig struct {
		CookieName        string `yaml:"cookie_name" toml:"cookie_name"`
		CookiePath        string `yaml:"cookie_path" toml:"cookie_path"`
		CookieSecure      bool   `yaml:"cookie_secure" toml:"cookie_secure"`
		FailOnCommitError bool   `yaml:"fail_on_commit_error" toml:"fail_on_commit_error"`
	}

	// MetricsConfig represents the prometheus configuration
	MetricsConfig struct {
		Enabled   bool      `yaml:"enabled" toml:"enabled"`
		Namespace string    `yaml:"namespace" toml:"namespace"`
		Path      string    `yaml:"path" toml:"path"`
		Buckets   []float64 `yaml:"buckets" toml:"buckets"`
	}

	// LoggerConfig represents the logger configuration
	LoggerConfig struct {
		Level      string `yaml:"level" toml:"level"`             // debug, info, warn, error
		Format     string `yaml:"format" toml:"format"`           // json, console
		Output     string `yaml:"output" toml:"output"`           // stdout, file
		FilePath   string `yaml:"file_path" toml:"file_path"`     // path to log file when output is file
		MaxSize    int    `yaml:"max_size" toml:"max_size"`       // max size of log file in MB
		MaxBackups int    `yaml:"max_backups" toml:"max_backups"` // max number of backup files
		MaxAge     int    `yaml:"max_age" toml:"max_age"`         // max age of backup files in days
		Compress   bool   `yaml:"compress" toml:"compress"`       // whether to compress backup files
		Color      bool   `yaml:"color" toml:"color"`             // whether to use color in console output
		Stacktrace bool   `yaml:"stacktrace" toml:"stacktrace"`   // whether to include stacktrace in error logs
		TimeZone   string `yaml:"time_zone" toml:"time_zone"`     // time zone for log timestamps, e.g., "UTC", default is local
		TimeFormat string `yaml:"time_format" toml:"time_format"` // time format for log timestamps, default is "2006-01-02 15:04:05"
	}
)

// LoadConfig loads configuration from a YAML or TOML file with environment variable support
func LoadConfig(filename string) (*DeltaSessionConfig, string, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	cfgPath := helper.GetCfgPath(filename)
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, cfgPath, err
	}

	// Resolve environment variables
	data = resolveEnv(data)
	var cfg DeltaSessionConfig
	switch strings.ToLower(filepath.Ext(cfgPath)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, cfgPath, fmt.Errorf("failed to decode toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, cfgPath, fmt.Errorf("failed to decode yaml config: %w", err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, err
	}
	return &cfg, cfgPath, nil
}

// SetDefaults fills zero values with the defaults of a single node deployment
func (c *DeltaSessionConfig) SetDefaults() {
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		c.HTTP.ShutdownTimeout = 5 * time.Second
	}
	c.Manager.SetDefaults()
	c.Cache.SetDefaults()

	if c.Adapter.CookieName == "" {
		c.Adapter.CookieName = "DSESSIONID"
	}
	if c.Adapter.CookiePath == "" {
		c.Adapter.CookiePath = "/"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = cnst.AppName
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = cnst.AppName
	}
}

// SetDefaults fills zero manager values
func (c *ManagerConfig) SetDefaults() {
	if c.MaxInactiveInterval == 0 {
		c.MaxInactiveInterval = 30 * time.Minute
	}
	if c.CommitPolicy == "" {
		c.CommitPolicy = string(cnst.CommitDirty)
	}
	if c.FullResyncInterval == 0 {
		c.FullResyncInterval = 10 * time.Minute
	}
	if c.FullResyncEvery == 0 {
		c.FullResyncEvery = 50
	}
	if c.ConflictRetries == 0 {
		c.ConflictRetries = 1
	}
	if c.UnreachableRetries == 0 {
		c.UnreachableRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// resolveEnv replaces environment variable placeholders in configuration content
func resolveEnv(content []byte) []byte {
	regex := regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

	return regex.ReplaceAllFunc(content, func(match []byte) []byte {
		matches := regex.FindSubmatch(match)
		envKey := string(matches[1])
		var defaultValue string

		if len(matches) > 2 {
			defaultValue = string(matches[2])
		}

		if value, exists := os.LookupEnv(envKey); exists {
			return []byte(value)
		}
		return []byte(defaultValue)
	})
}
