// Package config holds the coordinator's settings: defaults, loading from
// file and environment, and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (RESEARCH_STORE_FAST_URL, ...)
const EnvPrefix = "RESEARCH"

// Research modes a tier may be allowed to use
var knownModes = map[string]bool{"quick": true, "comprehensive": true, "continuous": true}

// Config is the complete coordinator configuration
type Config struct {
	// InstanceID names this process in the fleet (default: hostname plus random suffix)
	InstanceID string `mapstructure:"instance_id"`

	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Session SessionConfig `mapstructure:"session"`
	Task    TaskConfig    `mapstructure:"task"`
	Bus     BusConfig     `mapstructure:"bus"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Logging LoggingConfig `mapstructure:"logging"`

	// DefaultTier is applied to users whose tier is missing or unknown
	DefaultTier string `mapstructure:"default_tier"`

	// Tiers maps tier name to its policy
	Tiers map[string]TierConfig `mapstructure:"tiers"`

	// RateLimits maps operation -> tier -> rule
	RateLimits map[string]map[string]RateLimitRule `mapstructure:"rate_limits"`
}

// ServerConfig holds listener and socket settings
type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	BaseURL         string        `mapstructure:"base_url"`
	MaxMessageBytes int           `mapstructure:"max_message_bytes"`
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects and tunes the fast and durable stores
type StoreConfig struct {
	FastURL        string        `mapstructure:"fast_url"`
	DurableDSN     string        `mapstructure:"durable_dsn"`
	Project        string        `mapstructure:"project"`
	DefaultTTL     time.Duration `mapstructure:"default_ttl"`
	SyncDurable    bool          `mapstructure:"sync_durable"`
	WriteQueueSize int           `mapstructure:"write_queue_size"`
	DurableTimeout time.Duration `mapstructure:"durable_timeout"`
}

// SessionConfig holds session lifetime settings
type SessionConfig struct {
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	CounterTTL   time.Duration `mapstructure:"counter_ttl"`
	ReapSchedule string        `mapstructure:"reap_schedule"`
}

// TaskConfig holds task lifetime and locking settings
type TaskConfig struct {
	Retention        time.Duration `mapstructure:"retention"`
	FinishedCacheTTL time.Duration `mapstructure:"finished_cache_ttl"` // 0 disables
	GCSchedule       string        `mapstructure:"gc_schedule"`
	LockTTL          time.Duration `mapstructure:"lock_ttl"`
	LockAttempts     int           `mapstructure:"lock_attempts"`
	LockBackoff      time.Duration `mapstructure:"lock_backoff"`
}

// BusConfig holds event-bus reconnect settings
type BusConfig struct {
	ReconnectInitial    time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax        time.Duration `mapstructure:"reconnect_max"`
	ReconnectMultiplier float64       `mapstructure:"reconnect_multiplier"`
}

// RuntimeConfig selects the agent runtime
type RuntimeConfig struct {
	Kind      string        `mapstructure:"kind"`
	StepDelay time.Duration `mapstructure:"step_delay"`
}

// LoggingConfig configures the process logger
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or console
}

// TierConfig is the policy attached to a subscription tier
type TierConfig struct {
	MaxConnections     int      `mapstructure:"max_connections"`
	MaxConcurrentTasks int      `mapstructure:"max_concurrent_tasks"`
	Modes              []string `mapstructure:"modes"`
	Export             bool     `mapstructure:"export"`
}

// AllowsMode reports whether the tier may run mode
func (t TierConfig) AllowsMode(mode string) bool {
	for _, m := range t.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// RateLimitRule is one sliding-window rule
type RateLimitRule struct {
	Limit       int64         `mapstructure:"limit"`
	Window      time.Duration `mapstructure:"window"`
	Burst       int64         `mapstructure:"burst"`
	BurstWindow time.Duration `mapstructure:"burst_window"`
}

// Default returns the built-in configuration
func Default() *Config {
	allModes := []string{"quick", "comprehensive", "continuous"}
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        ":8081",
			BaseURL:         "http://localhost:8080",
			MaxMessageBytes: DefaultMaxMessageBytes,
			PingInterval:    DefaultPingInterval,
			PongWait:        DefaultPongWait,
			WriteWait:       DefaultWriteWait,
			ShutdownTimeout: DefaultShutdownTimeout,
		},
		Store: StoreConfig{
			FastURL:        "memory://",
			DurableDSN:     "sqlite://./data/coordinator.db",
			Project:        "research",
			DefaultTTL:     DefaultCacheTTL,
			WriteQueueSize: DefaultWriteQueueSize,
			DurableTimeout: DefaultDurableTimeout,
		},
		Session: SessionConfig{
			IdleTimeout:  DefaultIdleTimeout,
			CounterTTL:   DefaultCounterTTL,
			ReapSchedule: DefaultReapSchedule,
		},
		Task: TaskConfig{
			Retention:        DefaultTaskRetention,
			FinishedCacheTTL: DefaultFinishedCacheTTL,
			GCSchedule:       DefaultGCSchedule,
			LockTTL:          DefaultLockTTL,
			LockAttempts:     DefaultLockAttempts,
			LockBackoff:      DefaultLockBackoff,
		},
		Bus: BusConfig{
			ReconnectInitial:    DefaultBusReconnectInitial,
			ReconnectMax:        DefaultBusReconnectMax,
			ReconnectMultiplier: 2.0,
		},
		Runtime: RuntimeConfig{
			Kind:      "mock",
			StepDelay: DefaultRuntimeStepDelay,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		DefaultTier: "free",
		Tiers: map[string]TierConfig{
			"free":       {MaxConnections: 2, MaxConcurrentTasks: 1, Modes: []string{"quick"}},
			"basic":      {MaxConnections: 5, MaxConcurrentTasks: 2, Modes: []string{"quick", "comprehensive"}, Export: true},
			"pro":        {MaxConnections: 10, MaxConcurrentTasks: 5, Modes: allModes, Export: true},
			"enterprise": {MaxConnections: 50, MaxConcurrentTasks: 20, Modes: allModes, Export: true},
		},
		RateLimits: map[string]map[string]RateLimitRule{
			"research_query": {
				"free":       {Limit: 10, Window: time.Hour, Burst: 3, BurstWindow: time.Second},
				"basic":      {Limit: 50, Window: time.Hour, Burst: 5, BurstWindow: time.Second},
				"pro":        {Limit: 200, Window: time.Hour, Burst: 10, BurstWindow: time.Second},
				"enterprise": {Limit: 1000, Window: time.Hour, Burst: 20, BurstWindow: time.Second},
			},
			"export": {
				"free":       {Limit: 5, Window: 24 * time.Hour},
				"basic":      {Limit: 20, Window: 24 * time.Hour},
				"pro":        {Limit: 100, Window: 24 * time.Hour},
				"enterprise": {Limit: 500, Window: 24 * time.Hour},
			},
			"connect": {
				"free":       {Limit: 10, Window: time.Minute},
				"basic":      {Limit: 30, Window: time.Minute},
				"pro":        {Limit: 60, Window: time.Minute},
				"enterprise": {Limit: 300, Window: time.Minute},
			},
		},
	}
}

// setDefaults registers every leaf of Default() so env overrides resolve
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("instance_id", "")
	v.SetDefault("default_tier", d.DefaultTier)

	v.SetDefault("server.http_addr", d.Server.HTTPAddr)
	v.SetDefault("server.grpc_addr", d.Server.GRPCAddr)
	v.SetDefault("server.base_url", d.Server.BaseURL)
	v.SetDefault("server.max_message_bytes", d.Server.MaxMessageBytes)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("server.pong_wait", d.Server.PongWait)
	v.SetDefault("server.write_wait", d.Server.WriteWait)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("store.fast_url", d.Store.FastURL)
	v.SetDefault("store.durable_dsn", d.Store.DurableDSN)
	v.SetDefault("store.project", d.Store.Project)
	v.SetDefault("store.default_ttl", d.Store.DefaultTTL)
	v.SetDefault("store.sync_durable", d.Store.SyncDurable)
	v.SetDefault("store.write_queue_size", d.Store.WriteQueueSize)
	v.SetDefault("store.durable_timeout", d.Store.DurableTimeout)

	v.SetDefault("session.idle_timeout", d.Session.IdleTimeout)
	v.SetDefault("session.counter_ttl", d.Session.CounterTTL)
	v.SetDefault("session.reap_schedule", d.Session.ReapSchedule)

	v.SetDefault("task.retention", d.Task.Retention)
	v.SetDefault("task.finished_cache_ttl", d.Task.FinishedCacheTTL)
	v.SetDefault("task.gc_schedule", d.Task.GCSchedule)
	v.SetDefault("task.lock_ttl", d.Task.LockTTL)
	v.SetDefault("task.lock_attempts", d.Task.LockAttempts)
	v.SetDefault("task.lock_backoff", d.Task.LockBackoff)

	v.SetDefault("bus.reconnect_initial", d.Bus.ReconnectInitial)
	v.SetDefault("bus.reconnect_max", d.Bus.ReconnectMax)
	v.SetDefault("bus.reconnect_multiplier", d.Bus.ReconnectMultiplier)

	v.SetDefault("runtime.kind", d.Runtime.Kind)
	v.SetDefault("runtime.step_delay", d.Runtime.StepDelay)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)

	for name, tier := range d.Tiers {
		prefix := "tiers." + name + "."
		v.SetDefault(prefix+"max_connections", tier.MaxConnections)
		v.SetDefault(prefix+"max_concurrent_tasks", tier.MaxConcurrentTasks)
		v.SetDefault(prefix+"modes", tier.Modes)
		v.SetDefault(prefix+"export", tier.Export)
	}
	for op, tiers := range d.RateLimits {
		for name, rule := range tiers {
			prefix := "rate_limits." + op + "." + name + "."
			v.SetDefault(prefix+"limit", rule.Limit)
			v.SetDefault(prefix+"window", rule.Window)
			v.SetDefault(prefix+"burst", rule.Burst)
			v.SetDefault(prefix+"burst_window", rule.BurstWindow)
		}
	}
}

// Load reads configuration with the following priority:
// 1. Environment variables (RESEARCH_*)
// 2. Config file (path, or coordinator.yaml in . or /etc/research-coordinator/)
// 3. Defaults
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/research-coordinator/")
		v.SetConfigName("coordinator")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file %s: %w", v.ConfigFileUsed(), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = defaultInstanceID()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "coordinator"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Tier resolves a tier name, falling back to the default tier
func (c *Config) Tier(name string) (string, TierConfig) {
	if t, ok := c.Tiers[strings.ToLower(name)]; ok {
		return strings.ToLower(name), t
	}
	return c.DefaultTier, c.Tiers[c.DefaultTier]
}

// Validate rejects configurations the coordinator cannot run with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.HTTPAddr != "", "server.http_addr is required")
	check(c.Server.MaxMessageBytes > 0, "server.max_message_bytes must be positive")
	check(c.Server.PingInterval > 0, "server.ping_interval must be positive")
	check(c.Server.PongWait > c.Server.PingInterval, "server.pong_wait must exceed server.ping_interval")
	check(c.Server.WriteWait > 0, "server.write_wait must be positive")

	check(c.Store.FastURL != "", "store.fast_url is required")
	check(c.Store.DurableDSN != "", "store.durable_dsn is required")
	check(c.Store.DefaultTTL > 0, "store.default_ttl must be positive")

	check(c.Session.IdleTimeout > 0, "session.idle_timeout must be positive")
	check(c.Session.CounterTTL > 0, "session.counter_ttl must be positive")
	check(c.Task.Retention > 0, "task.retention must be positive")
	check(c.Task.FinishedCacheTTL >= 0, "task.finished_cache_ttl must not be negative")
	check(c.Task.LockTTL > 0, "task.lock_ttl must be positive")
	check(c.Task.LockAttempts > 0, "task.lock_attempts must be positive")
	for key, spec := range map[string]string{
		"session.reap_schedule": c.Session.ReapSchedule,
		"task.gc_schedule":      c.Task.GCSchedule,
	} {
		_, err := cron.ParseStandard(spec)
		check(err == nil, "%s: invalid schedule %q", key, spec)
	}
	check(c.Bus.ReconnectInitial > 0 && c.Bus.ReconnectMax >= c.Bus.ReconnectInitial,
		"bus reconnect delays must be positive with reconnect_max >= reconnect_initial")

	check(c.Logging.Format == "json" || c.Logging.Format == "console",
		"logging.format must be json or console, got %q", c.Logging.Format)

	_, ok := c.Tiers[c.DefaultTier]
	check(ok, "default_tier %q is not a configured tier", c.DefaultTier)
	for name, t := range c.Tiers {
		check(t.MaxConnections > 0, "tiers.%s.max_connections must be positive", name)
		check(t.MaxConcurrentTasks > 0, "tiers.%s.max_concurrent_tasks must be positive", name)
		check(len(t.Modes) > 0, "tiers.%s.modes must not be empty", name)
		for _, m := range t.Modes {
			check(knownModes[m], "tiers.%s.modes: unknown mode %q", name, m)
		}
	}
	for op, tiers := range c.RateLimits {
		for name, r := range tiers {
			check(r.Limit > 0 && r.Window > 0, "rate_limits.%s.%s needs a positive limit and window", op, name)
			check(r.Burst >= 0, "rate_limits.%s.%s.burst must not be negative", op, name)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
