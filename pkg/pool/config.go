package pool

import (
	"fmt"
	"time"
)

// Config contains configuration for the connection pool. It is validated once
// by Validate and never mutated afterwards.
type Config struct {
	// MinConns is the number of connections kept warm at all times.
	MinConns int `json:"min_conns" yaml:"min_conns" mapstructure:"min_conns"`

	// MaxConns is the hard capacity ceiling.
	MaxConns int `json:"max_conns" yaml:"max_conns" mapstructure:"max_conns"`

	// AcquireTimeout is the default deadline applied when the caller's
	// context carries none.
	AcquireTimeout time.Duration `json:"acquire_timeout" yaml:"acquire_timeout" mapstructure:"acquire_timeout"`

	// ValidationTimeout bounds a single factory Validate call.
	ValidationTimeout time.Duration `json:"validation_timeout" yaml:"validation_timeout" mapstructure:"validation_timeout"`

	// HealthCheckInterval is the idle sweep period.
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval" mapstructure:"health_check_interval"`

	// MaxConnAge evicts connections older than this; 0 disables.
	MaxConnAge time.Duration `json:"max_conn_age" yaml:"max_conn_age" mapstructure:"max_conn_age"`

	// MaxIdleTime prunes idle connections beyond MinConns after this; 0 disables.
	MaxIdleTime time.Duration `json:"max_idle_time" yaml:"max_idle_time" mapstructure:"max_idle_time"`

	// CreateAttempts bounds background creation retries.
	CreateAttempts int `json:"create_attempts" yaml:"create_attempts" mapstructure:"create_attempts"`

	// CreateBaseDelay is the first backoff delay for creation retries.
	CreateBaseDelay time.Duration `json:"create_base_delay" yaml:"create_base_delay" mapstructure:"create_base_delay"`

	// CreateMaxDelay is the backoff ceiling for creation retries.
	CreateMaxDelay time.Duration `json:"create_max_delay" yaml:"create_max_delay" mapstructure:"create_max_delay"`
}

// DefaultConfig returns a configuration suitable for a small web workload.
func DefaultConfig() Config {
	return Config{
		MinConns:            3,
		MaxConns:            10,
		AcquireTimeout:      30 * time.Second,
		ValidationTimeout:   5 * time.Second,
		HealthCheckInterval: 5 * time.Minute,
		MaxConnAge:          time.Hour,
		MaxIdleTime:         30 * time.Minute,
		CreateAttempts:      3,
		CreateBaseDelay:     100 * time.Millisecond,
		CreateMaxDelay:      5 * time.Second,
	}
}

// Validate checks every constraint and reports all violations together.
func (c Config) Validate() error {
	var violations []string

	if c.MinConns < 0 {
		violations = append(violations, fmt.Sprintf("min_conns must not be negative, got %d", c.MinConns))
	}
	if c.MaxConns < 1 {
		violations = append(violations, fmt.Sprintf("max_conns must be at least 1, got %d", c.MaxConns))
	}
	if c.MaxConns < c.MinConns {
		violations = append(violations, fmt.Sprintf("max_conns (%d) must not be below min_conns (%d)", c.MaxConns, c.MinConns))
	}
	if c.AcquireTimeout <= 0 {
		violations = append(violations, "acquire_timeout must be positive")
	}
	if c.ValidationTimeout <= 0 {
		violations = append(violations, "validation_timeout must be positive")
	}
	if c.HealthCheckInterval <= 0 {
		violations = append(violations, "health_check_interval must be positive")
	}
	if c.MaxConnAge < 0 {
		violations = append(violations, "max_conn_age must not be negative (0 disables age eviction)")
	}
	if c.MaxIdleTime < 0 {
		violations = append(violations, "max_idle_time must not be negative (0 disables idle pruning)")
	}
	if c.CreateAttempts < 1 {
		violations = append(violations, fmt.Sprintf("create_attempts must be at least 1, got %d", c.CreateAttempts))
	}
	if c.CreateBaseDelay < 0 {
		violations = append(violations, "create_base_delay must not be negative")
	}
	if c.CreateMaxDelay < 0 {
		violations = append(violations, "create_max_delay must not be negative")
	}

	if len(violations) > 0 {
		return &ConfigError{Violations: violations}
	}
	return nil
}
