package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the pool manager core.
type Config struct {
	Pools     map[string]PoolConfig `yaml:"pools" json:"pools"`
	Scheduler SchedulerConfig       `yaml:"scheduler" json:"scheduler"`
	Quotas    []TenantQuotaConfig   `yaml:"quotas" json:"quotas"`
	Health    HealthCheckConfig     `yaml:"health_check" json:"health_check"`
	Scaling   ScalingConfig         `yaml:"scaling" json:"scaling"`
	Query     QueryConfig           `yaml:"query" json:"query"`
	Log       LogConfig             `yaml:"log" json:"log"`
	Metrics   MetricsConfig         `yaml:"metrics" json:"metrics"`
}

// PoolConfig describes one named physical connection pool. It is immutable
// once the pool has been created; resizing goes through ScalePool.
type PoolConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"password"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MinConns        int           `yaml:"min_conns" json:"min_conns"`
	MaxConns        int           `yaml:"max_conns" json:"max_conns"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" json:"max_conn_lifetime"`
	MaxUses         int64         `yaml:"max_uses" json:"max_uses"`
	DefaultPriority string        `yaml:"default_priority" json:"default_priority"`
	// HealthCheckInterval overrides the global probe interval for this pool.
	// Zero inherits health_check.interval.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	AppName             string        `yaml:"app_name" json:"app_name"`
	Mandatory           bool          `yaml:"mandatory" json:"mandatory"`
}

// SchedulerConfig holds the per-priority-class acquisition timeouts.
type SchedulerConfig struct {
	HighTimeout   time.Duration `yaml:"high_timeout" json:"high_timeout"`
	MediumTimeout time.Duration `yaml:"medium_timeout" json:"medium_timeout"`
	LowTimeout    time.Duration `yaml:"low_timeout" json:"low_timeout"`
}

// TenantQuotaConfig seeds a per-tenant connection ceiling at startup.
// Tenants without an entry are unmetered.
type TenantQuotaConfig struct {
	TenantID           string `yaml:"tenant_id" json:"tenant_id"`
	MaxConnections     int    `yaml:"max_connections" json:"max_connections"`
	PriorityLevel      string `yaml:"priority_level" json:"priority_level"`
	RateLimitPerSecond int    `yaml:"rate_limit_per_second" json:"rate_limit_per_second"`
}

// HealthCheckConfig controls the background liveness probes.
type HealthCheckConfig struct {
	Enabled          bool          `yaml:"enabled" json:"enabled"`
	Interval         time.Duration `yaml:"interval" json:"interval"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
}

// ScalingConfig controls incremental pool resizing.
type ScalingConfig struct {
	StepDelay time.Duration `yaml:"step_delay" json:"step_delay"`
}

// QueryConfig holds defaults for resilient query execution.
type QueryConfig struct {
	StatementTimeout time.Duration `yaml:"statement_timeout" json:"statement_timeout"`
	MaxRetries       int           `yaml:"max_retries" json:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay" json:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay" json:"retry_max_delay"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `yaml:"level" json:"level"`
}

// MetricsConfig configures the Prometheus endpoint exposed by the daemon and
// the gauge refresh cadence.
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled"`
	Addr            string        `yaml:"addr" json:"addr"`
	Path            string        `yaml:"path" json:"path"`
	CollectInterval time.Duration `yaml:"collect_interval" json:"collect_interval"`
}

// DSN builds a pgx-compatible connection string for the pool.
func (pc PoolConfig) DSN() string {
	sslMode := pc.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s sslmode=%s",
		pc.Host, pc.Port, pc.Database, pc.Username, sslMode)
	if pc.Password != "" {
		dsn += fmt.Sprintf(" password=%s", pc.Password)
	}
	if pc.ConnectTimeout > 0 {
		dsn += fmt.Sprintf(" connect_timeout=%d", int(pc.ConnectTimeout.Seconds()))
	}
	if pc.AppName != "" {
		dsn += fmt.Sprintf(" application_name=%s", pc.AppName)
	}
	return dsn
}

// Validate checks a single pool configuration.
func (pc PoolConfig) Validate() error {
	if pc.Host == "" {
		return fmt.Errorf("host is required")
	}
	if pc.Database == "" {
		return fmt.Errorf("database is required")
	}
	if pc.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive, got %d", pc.MaxConns)
	}
	if pc.MinConns < 0 || pc.MinConns > pc.MaxConns {
		return fmt.Errorf("min_conns %d must be within [0, max_conns=%d]", pc.MinConns, pc.MaxConns)
	}
	return nil
}

// Validate checks the whole configuration tree.
func (c *Config) Validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	for name, pc := range c.Pools {
		if name == "" {
			return fmt.Errorf("pool name must not be empty")
		}
		if err := pc.Validate(); err != nil {
			return fmt.Errorf("pool %q: %w", name, err)
		}
	}
	for _, q := range c.Quotas {
		if q.TenantID == "" {
			return fmt.Errorf("quota entry is missing tenant_id")
		}
		if q.MaxConnections <= 0 {
			return fmt.Errorf("quota for tenant %q: max_connections must be positive", q.TenantID)
		}
	}
	return nil
}

// DefaultPoolConfig returns production-ready defaults for a single pool.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Host:            "localhost",
		Port:            5432,
		SSLMode:         "prefer",
		MinConns:        2,
		MaxConns:        20,
		IdleTimeout:     30 * time.Second,
		ConnectTimeout:  2 * time.Second,
		MaxConnLifetime: 30 * time.Minute,
		MaxUses:         7500,
		DefaultPriority: "medium",
		AppName:         "poolcore",
	}
}

// DefaultConfig returns a production-ready default configuration.
func DefaultConfig() *Config {
	return &Config{
		Pools: map[string]PoolConfig{},
		Scheduler: SchedulerConfig{
			HighTimeout:   2 * time.Second,
			MediumTimeout: 10 * time.Second,
			LowTimeout:    30 * time.Second,
		},
		Health: HealthCheckConfig{
			Enabled:          true,
			Interval:         30 * time.Second,
			Timeout:          5 * time.Second,
			FailureThreshold: 3,
		},
		Scaling: ScalingConfig{
			StepDelay: 500 * time.Millisecond,
		},
		Query: QueryConfig{
			StatementTimeout: 30 * time.Second,
			MaxRetries:       3,
			RetryBaseDelay:   1 * time.Second,
			RetryMaxDelay:    30 * time.Second,
		},
		Log: LogConfig{Level: "info"},
		Metrics: MetricsConfig{
			Enabled:         true,
			Addr:            ":9187",
			Path:            "/metrics",
			CollectInterval: 15 * time.Second,
		},
	}
}
