// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Runtime configuration: typed sections, defaults, validation and YAML loading,
// plus a thread-safe store that propagates reloads to registered listeners.

package control

import (
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// SchedulerConfig configures the N:M executor.
type SchedulerConfig struct {
	Name      string `yaml:"name"`
	Threads   int    `yaml:"threads"`
	UseCaller bool   `yaml:"use_caller"`
	PinCPUs   bool   `yaml:"pin_cpus"`
	// IdlePoll bounds how long the base idle loop sleeps between stop checks.
	IdlePoll time.Duration `yaml:"idle_poll"`
}

// PoolConfig configures the per-worker fiber pool.
type PoolConfig struct {
	InitialSize  int     `yaml:"initial_size"`
	GrowthFactor float64 `yaml:"growth_factor"`
}

// IOConfig configures the reactor side of the IOManager.
type IOConfig struct {
	MaxTimeout      time.Duration `yaml:"max_timeout"`
	MaxEvents       int           `yaml:"max_events"`
	InitialContexts int           `yaml:"initial_contexts"`
}

// FDConfig configures the fd metadata registry.
type FDConfig struct {
	InitialCapacity int     `yaml:"initial_capacity"`
	GrowthFactor    float64 `yaml:"growth_factor"`
}

// HookConfig configures the hooked syscall layer.
type HookConfig struct {
	Enabled bool `yaml:"enabled"`
	// ConnectTimeout of zero or less means connect waits without a deadline.
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	MaxEINTRRetries int           `yaml:"max_eintr_retries"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// MetricsConfig configures prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config holds every tunable of the runtime.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pool      PoolConfig      `yaml:"pool"`
	IO        IOConfig        `yaml:"io"`
	FD        FDConfig        `yaml:"fd"`
	Hook      HookConfig      `yaml:"hook"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DefaultConfig returns default configuration values.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Name:     "fiber",
			Threads:  4,
			IdlePoll: 100 * time.Millisecond,
		},
		Pool: PoolConfig{
			InitialSize:  256,
			GrowthFactor: 1.5,
		},
		IO: IOConfig{
			MaxTimeout:      5000 * time.Millisecond,
			MaxEvents:       256,
			InitialContexts: 32,
		},
		FD: FDConfig{
			InitialCapacity: 64,
			GrowthFactor:    1.5,
		},
		Hook: HookConfig{
			Enabled:         true,
			ConnectTimeout:  -1,
			MaxEINTRRetries: 64,
		},
		Log: LogConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "hioload_fiber",
		},
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.Threads <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.threads must be positive, got %d", c.Scheduler.Threads))
	}
	if c.Scheduler.IdlePoll <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.idle_poll must be positive, got %s", c.Scheduler.IdlePoll))
	}
	if c.Pool.InitialSize < 0 {
		errs = append(errs, fmt.Errorf("pool.initial_size must not be negative, got %d", c.Pool.InitialSize))
	}
	if c.Pool.GrowthFactor <= 1 {
		errs = append(errs, fmt.Errorf("pool.growth_factor must be greater than 1, got %v", c.Pool.GrowthFactor))
	}
	if c.IO.MaxTimeout <= 0 {
		errs = append(errs, fmt.Errorf("io.max_timeout must be positive, got %s", c.IO.MaxTimeout))
	}
	if c.IO.MaxEvents <= 0 {
		errs = append(errs, fmt.Errorf("io.max_events must be positive, got %d", c.IO.MaxEvents))
	}
	if c.IO.InitialContexts <= 0 {
		errs = append(errs, fmt.Errorf("io.initial_contexts must be positive, got %d", c.IO.InitialContexts))
	}
	if c.FD.InitialCapacity <= 0 {
		errs = append(errs, fmt.Errorf("fd.initial_capacity must be positive, got %d", c.FD.InitialCapacity))
	}
	if c.FD.GrowthFactor <= 1 {
		errs = append(errs, fmt.Errorf("fd.growth_factor must be greater than 1, got %v", c.FD.GrowthFactor))
	}
	if c.Hook.MaxEINTRRetries <= 0 {
		errs = append(errs, fmt.Errorf("hook.max_eintr_retries must be positive, got %d", c.Hook.MaxEINTRRetries))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return multierr.Combine(errs...)
}

// Clone returns a deep copy; Config holds no reference types.
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}

// Parse decodes YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("control: decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("control: invalid config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads and parses a YAML config file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("control: read config: %w", err)
	}
	return Parse(data)
}

// Store holds the active configuration snapshot with reload listener support.
type Store struct {
	current   atomic.Pointer[Config]
	mu        sync.Mutex
	listeners []func(*Config)
}

// NewStore initializes a store with cfg, or the defaults when cfg is nil.
func NewStore(cfg *Config) *Store {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Store{}
	s.current.Store(cfg.Clone())
	return s
}

// Snapshot returns a copy of the active config.
func (s *Store) Snapshot() *Config {
	return s.current.Load().Clone()
}

// Update applies fn to a copy of the active config, validates it, publishes it
// and notifies listeners synchronously. The active config is unchanged on error.
func (s *Store) Update(fn func(*Config)) error {
	s.mu.Lock()
	next := s.current.Load().Clone()
	fn(next)
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.current.Store(next)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l(next.Clone())
	}
	return nil
}

// OnReload registers a listener called after every successful Update.
func (s *Store) OnReload(fn func(*Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}
