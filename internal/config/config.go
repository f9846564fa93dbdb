// Package config handles loading and validating service and pool configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joao-brasil/dblease/pkg/datasource"
)

// ServiceConfig holds the process-level settings.
type ServiceConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	MetricsPort     int           `yaml:"metrics_port"`
	HealthCheckPort int           `yaml:"health_check_port"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LeaseConfig holds the connection lease thresholds shared by all pools.
type LeaseConfig struct {
	QueryTimeout       time.Duration `yaml:"query_timeout"`
	CancelTimeout      time.Duration `yaml:"cancel_timeout"`
	LongLeaseThreshold time.Duration `yaml:"long_lease_threshold"`
	CapacityWarnRatio  float64       `yaml:"capacity_warn_ratio"`
	HistorySize        int           `yaml:"history_size"`
}

// TransactionConfig holds the transaction thresholds shared by all pools.
type TransactionConfig struct {
	LongRunningThreshold time.Duration `yaml:"long_running_threshold"`
	HistorySize          int           `yaml:"history_size"`
	DurationWindow       int           `yaml:"duration_window"`
}

// LoggingConfig selects the log level and encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Addr              string        `yaml:"addr"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	PoolSize          int           `yaml:"pool_size"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `yaml:"heartbeat_ttl"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`
}

// FallbackConfig holds configuration for fallback mode when Redis is unavailable.
type FallbackConfig struct {
	Enabled           bool `yaml:"enabled"`
	LocalLimitDivisor int  `yaml:"local_limit_divisor"`
}

// Config is the root configuration structure.
type Config struct {
	Service      ServiceConfig     `yaml:"service"`
	Leases       LeaseConfig       `yaml:"leases"`
	Transactions TransactionConfig `yaml:"transactions"`
	Logging      LoggingConfig     `yaml:"logging"`
	Redis        RedisConfig       `yaml:"redis"`
	Fallback     FallbackConfig    `yaml:"fallback"`
	Pools        []datasource.Source
}

// serviceFileConfig mirrors the YAML structure for the service config file.
type serviceFileConfig struct {
	Service      ServiceConfig     `yaml:"service"`
	Leases       LeaseConfig       `yaml:"leases"`
	Transactions TransactionConfig `yaml:"transactions"`
	Logging      LoggingConfig     `yaml:"logging"`
	Redis        RedisConfig       `yaml:"redis"`
	Fallback     FallbackConfig    `yaml:"fallback"`
}

// poolsFileConfig mirrors the YAML structure for the pools config file.
type poolsFileConfig struct {
	Pools []datasource.Source `yaml:"pools"`
}

// Load reads and parses both service and pools configuration files.
func Load(serviceConfigPath, poolsConfigPath string) (*Config, error) {
	serviceData, err := os.ReadFile(serviceConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading service config %s: %w", serviceConfigPath, err)
	}

	poolsData, err := os.ReadFile(poolsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading pools config %s: %w", poolsConfigPath, err)
	}

	return Parse(serviceData, poolsData)
}

// Parse builds a validated Config from the two YAML documents.
func Parse(serviceData, poolsData []byte) (*Config, error) {
	var serviceFile serviceFileConfig
	if err := yaml.Unmarshal(serviceData, &serviceFile); err != nil {
		return nil, fmt.Errorf("parsing service config: %w", err)
	}

	var poolsFile poolsFileConfig
	if err := yaml.Unmarshal(poolsData, &poolsFile); err != nil {
		return nil, fmt.Errorf("parsing pools config: %w", err)
	}

	cfg := &Config{
		Service:      serviceFile.Service,
		Leases:       serviceFile.Leases,
		Transactions: serviceFile.Transactions,
		Logging:      serviceFile.Logging,
		Redis:        serviceFile.Redis,
		Fallback:     serviceFile.Fallback,
		Pools:        poolsFile.Pools,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if len(c.Pools) == 0 {
		return fmt.Errorf("at least one pool must be configured")
	}
	if r := c.Leases.CapacityWarnRatio; r < 0 || r > 1 {
		return fmt.Errorf("leases.capacity_warn_ratio must be within [0, 1], got %v", r)
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	seen := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		if p.ID == "" {
			return fmt.Errorf("pool[%d].id is required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("pool[%d].id %q is duplicated", i, p.ID)
		}
		seen[p.ID] = true
		if p.Host == "" {
			return fmt.Errorf("pool[%d].host is required", i)
		}
		if p.Port == 0 {
			return fmt.Errorf("pool[%d].port is required", i)
		}
		if p.MaxConnections <= 0 {
			return fmt.Errorf("pool[%d].max_connections is required", i)
		}
		if p.MinIdle > p.MaxConnections {
			return fmt.Errorf("pool[%d].min_idle (%d) exceeds max_connections (%d)", i, p.MinIdle, p.MaxConnections)
		}
		if _, err := datasource.BackendFor(p.Driver); err != nil {
			return fmt.Errorf("pool[%d]: %w", i, err)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Service.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Service.InstanceID = hostname
	}
	if c.Service.MetricsPort == 0 {
		c.Service.MetricsPort = 9090
	}
	if c.Service.HealthCheckPort == 0 {
		c.Service.HealthCheckPort = 8080
	}
	if c.Service.MonitorInterval == 0 {
		c.Service.MonitorInterval = 60 * time.Second
	}
	if c.Service.ShutdownTimeout == 0 {
		c.Service.ShutdownTimeout = 15 * time.Second
	}

	if c.Leases.QueryTimeout == 0 {
		c.Leases.QueryTimeout = 10 * time.Second
	}
	if c.Leases.CancelTimeout == 0 {
		c.Leases.CancelTimeout = 5 * time.Second
	}
	if c.Leases.LongLeaseThreshold == 0 {
		c.Leases.LongLeaseThreshold = 30 * time.Minute
	}
	if c.Leases.CapacityWarnRatio == 0 {
		c.Leases.CapacityWarnRatio = 0.9
	}
	if c.Leases.HistorySize == 0 {
		c.Leases.HistorySize = 200
	}

	if c.Transactions.LongRunningThreshold == 0 {
		c.Transactions.LongRunningThreshold = 5 * time.Minute
	}
	if c.Transactions.HistorySize == 0 {
		c.Transactions.HistorySize = 100
	}
	if c.Transactions.DurationWindow == 0 {
		c.Transactions.DurationWindow = 100
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.HeartbeatInterval == 0 {
		c.Redis.HeartbeatInterval = 10 * time.Second
	}
	if c.Redis.HeartbeatTTL == 0 {
		c.Redis.HeartbeatTTL = 30 * time.Second
	}
	if c.Redis.AcquireTimeout == 0 {
		c.Redis.AcquireTimeout = 30 * time.Second
	}
	if c.Fallback.LocalLimitDivisor == 0 {
		c.Fallback.LocalLimitDivisor = 3
	}

	for i := range c.Pools {
		p := &c.Pools[i]
		if p.Driver == "" {
			p.Driver = datasource.PostgresName
		}
		if p.IdleTimeout == 0 {
			p.IdleTimeout = 5 * time.Minute
		}
		if p.AcquisitionTimeout == 0 {
			p.AcquisitionTimeout = 30 * time.Second
		}
		if p.ConnectTimeout == 0 {
			p.ConnectTimeout = 10 * time.Second
		}
	}
}

// PoolByID returns the source configuration for a given pool ID.
func (c *Config) PoolByID(id string) (*datasource.Source, bool) {
	for i := range c.Pools {
		if c.Pools[i].ID == id {
			return &c.Pools[i], true
		}
	}
	return nil, false
}

// PoolByDatabase returns the first source configured for a database name.
func (c *Config) PoolByDatabase(database string) (*datasource.Source, bool) {
	for i := range c.Pools {
		if c.Pools[i].Database == database {
			return &c.Pools[i], true
		}
	}
	return nil, false
}
