package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *DeltaSessionConfig {
	cfg := &DeltaSessionConfig{}
	cfg.SetDefaults()
	return cfg
}

func TestValidationErrors_Format(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "oops"},
		{Field: "b", Message: "again"},
	}
	s := errs.Error()
	assert.Contains(t, s, "--> a: oops")
	assert.Contains(t, s, "--> b: again")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *DeltaSessionConfig)
		fields []string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *DeltaSessionConfig) {},
		},
		{
			name:   "bad commit policy",
			mutate: func(c *DeltaSessionConfig) { c.Manager.CommitPolicy = "never" },
			fields: []string{"manager.commit_policy"},
		},
		{
			name: "negative retries",
			mutate: func(c *DeltaSessionConfig) {
				c.Manager.ConflictRetries = -1
				c.Manager.UnreachableRetries = -1
			},
			fields: []string{"manager.conflict_retries", "manager.unreachable_retries"},
		},
		{
			name:   "redis without addr",
			mutate: func(c *DeltaSessionConfig) { c.Cache.Type = "redis" },
			fields: []string{"cache.redis.addr"},
		},
		{
			name: "sentinel without master",
			mutate: func(c *DeltaSessionConfig) {
				c.Cache.Type = "redis"
				c.Cache.Redis.Addr = "a:1,b:2"
				c.Cache.Redis.ClusterType = "sentinel"
			},
			fields: []string{"cache.redis.master_name"},
		},
		{
			name: "db without dsn and bad driver",
			mutate: func(c *DeltaSessionConfig) {
				c.Cache.Type = "db"
				c.Cache.Database.Type = "oracle"
			},
			fields: []string{"cache.database.type", "cache.database.dsn"},
		},
		{
			name:   "file logger without path",
			mutate: func(c *DeltaSessionConfig) { c.Logger.Output = "file" },
			fields: []string{"logger.file_path"},
		},
		{
			name:   "tee logger without path",
			mutate: func(c *DeltaSessionConfig) { c.Logger.Output = "both" },
			fields: []string{"logger.file_path"},
		},
		{
			name:   "unknown logger output",
			mutate: func(c *DeltaSessionConfig) { c.Logger.Output = "syslog" },
			fields: []string{"logger.output"},
		},
		{
			name: "unknown tracing protocol",
			mutate: func(c *DeltaSessionConfig) {
				c.Tracing.Enabled = true
				c.Tracing.Protocol = "zipkin"
			},
			fields: []string{"tracing.protocol"},
		},
		{
			name:   "tracing protocol ignored when disabled",
			mutate: func(c *DeltaSessionConfig) { c.Tracing.Protocol = "zipkin" },
		},
		{
			name:   "stderr logger",
			mutate: func(c *DeltaSessionConfig) { c.Logger.Output = "stderr" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if len(tt.fields) == 0 {
				assert.NoError(t, err)
				return
			}
			var errs ValidationErrors
			require.ErrorAs(t, err, &errs)
			got := make([]string, 0, len(errs))
			for _, e := range errs {
				got = append(got, e.Field)
			}
			assert.ElementsMatch(t, tt.fields, got)
		})
	}
}
