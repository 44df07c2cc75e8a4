package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.MinConns)
	assert.Equal(t, 10, cfg.MaxConns)
	assert.Equal(t, 30*time.Second, cfg.AcquireTimeout)
	assert.Equal(t, 5*time.Second, cfg.ValidationTimeout)
	assert.Equal(t, 5*time.Minute, cfg.HealthCheckInterval)
	assert.Equal(t, time.Hour, cfg.MaxConnAge)
	assert.Equal(t, 30*time.Minute, cfg.MaxIdleTime)
	assert.Equal(t, 3, cfg.CreateAttempts)

	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:   "zero_min_conns_is_valid",
			mutate: func(c *Config) { c.MinConns = 0 },
		},
		{
			name:   "disabled_age_and_idle_limits_are_valid",
			mutate: func(c *Config) { c.MaxConnAge = 0; c.MaxIdleTime = 0 },
		},
		{
			name:    "negative_min_conns",
			mutate:  func(c *Config) { c.MinConns = -1 },
			wantErr: "min_conns",
		},
		{
			name:    "zero_max_conns",
			mutate:  func(c *Config) { c.MaxConns = 0 },
			wantErr: "max_conns",
		},
		{
			name:    "max_below_min",
			mutate:  func(c *Config) { c.MinConns = 8; c.MaxConns = 4 },
			wantErr: "must not be below min_conns",
		},
		{
			name:    "zero_acquire_timeout",
			mutate:  func(c *Config) { c.AcquireTimeout = 0 },
			wantErr: "acquire_timeout",
		},
		{
			name:    "zero_validation_timeout",
			mutate:  func(c *Config) { c.ValidationTimeout = 0 },
			wantErr: "validation_timeout",
		},
		{
			name:    "zero_health_check_interval",
			mutate:  func(c *Config) { c.HealthCheckInterval = 0 },
			wantErr: "health_check_interval",
		},
		{
			name:    "negative_max_conn_age",
			mutate:  func(c *Config) { c.MaxConnAge = -time.Minute },
			wantErr: "max_conn_age",
		},
		{
			name:    "zero_create_attempts",
			mutate:  func(c *Config) { c.CreateAttempts = 0 },
			wantErr: "create_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigValidate_CollectsAllViolations(t *testing.T) {
	cfg := Config{
		MinConns:       -2,
		MaxConns:       0,
		CreateAttempts: 0,
	}

	err := cfg.Validate()
	require.Error(t, err)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, err.Error(), "min_conns")
	assert.Contains(t, err.Error(), "max_conns")
	assert.Contains(t, err.Error(), "acquire_timeout")
	assert.Contains(t, err.Error(), "create_attempts")
}
