// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration, YAML loading and a thread-safe store with reload
// propagation.

package control

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Accept limiter resume orders.
const (
	LimiterLIFO = "lifo"
	LimiterFIFO = "fifo"
)

// ResolverConfig configures the name resolver.
type ResolverConfig struct {
	Nameservers []string      `yaml:"nameservers"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheSize   int           `yaml:"cache_size"`
	PositiveTTL time.Duration `yaml:"positive_ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"`
}

// Config holds the engine tunables.
type Config struct {
	// MaxFD is the descriptor budget. Zero derives it from RLIMIT_NOFILE.
	MaxFD int `yaml:"max_fd"`
	// ReservedFD is the headroom kept free for the process. Zero means min(100, MaxFD/4).
	ReservedFD int `yaml:"reserved_fd"`

	AcceptCheckDelay time.Duration `yaml:"accept_check_delay"`
	MaxAcceptPerLoop int           `yaml:"max_accept_per_loop"`

	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectMaxTries int           `yaml:"connect_max_tries"`

	TCPRcvBuf int  `yaml:"tcp_rcvbuf"`
	ReuseAddr bool `yaml:"reuse_addr"`

	AcceptLimiterOrder string `yaml:"accept_limiter_order"`

	HalfClosedCheckInterval time.Duration `yaml:"half_closed_check_interval"`
	TimeoutSweepInterval    time.Duration `yaml:"timeout_sweep_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Resolver ResolverConfig `yaml:"resolver"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		AcceptCheckDelay:        250 * time.Millisecond,
		MaxAcceptPerLoop:        10,
		ConnectTimeout:          time.Minute,
		ConnectMaxTries:         3,
		ReuseAddr:               true,
		AcceptLimiterOrder:      LimiterLIFO,
		HalfClosedCheckInterval: time.Second,
		LogLevel:                "info",
		LogFormat:               "logfmt",
		Resolver: ResolverConfig{
			Timeout:     5 * time.Second,
			CacheSize:   1024,
			PositiveTTL: 5 * time.Minute,
			NegativeTTL: 30 * time.Second,
		},
	}
}

// LoadConfig reads path as YAML over the defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(raw []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges and fills derived values.
func (c *Config) Validate() error {
	if c.MaxFD < 0 {
		return errors.Errorf("max_fd must not be negative, got %d", c.MaxFD)
	}
	if c.MaxFD == 0 {
		c.MaxFD = DetectMaxFD()
	}
	if c.ReservedFD == 0 {
		c.ReservedFD = DefaultReserved(c.MaxFD)
	}
	if c.ReservedFD < 0 || c.ReservedFD >= c.MaxFD {
		return errors.Errorf("reserved_fd must be in [0, max_fd), got %d with max_fd %d", c.ReservedFD, c.MaxFD)
	}
	if c.AcceptCheckDelay <= 0 {
		return errors.New("accept_check_delay must be positive")
	}
	if c.MaxAcceptPerLoop <= 0 {
		return errors.New("max_accept_per_loop must be positive")
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("connect_timeout must be positive")
	}
	if c.ConnectMaxTries <= 0 {
		return errors.New("connect_max_tries must be positive")
	}
	if c.TCPRcvBuf < 0 {
		return errors.New("tcp_rcvbuf must not be negative")
	}
	switch c.AcceptLimiterOrder {
	case LimiterLIFO, LimiterFIFO:
	case "":
		c.AcceptLimiterOrder = LimiterLIFO
	default:
		return errors.Errorf("unknown accept_limiter_order %q", c.AcceptLimiterOrder)
	}
	if c.HalfClosedCheckInterval <= 0 {
		return errors.New("half_closed_check_interval must be positive")
	}
	if c.TimeoutSweepInterval < 0 {
		return errors.New("timeout_sweep_interval must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "logfmt", "json":
	default:
		return errors.Errorf("unknown log_format %q", c.LogFormat)
	}
	if c.Resolver.Timeout <= 0 {
		return errors.New("resolver.timeout must be positive")
	}
	if c.Resolver.CacheSize <= 0 {
		return errors.New("resolver.cache_size must be positive")
	}
	if c.Resolver.PositiveTTL < 0 || c.Resolver.NegativeTTL < 0 {
		return errors.New("resolver ttls must not be negative")
	}
	return nil
}

// DefaultReserved is the headroom used when reserved_fd is unset.
func DefaultReserved(maxFD int) int {
	r := maxFD / 4
	if r > 100 {
		r = 100
	}
	return r
}

// ConfigStore holds the active configuration and notifies listeners on change.
type ConfigStore struct {
	mu        sync.RWMutex
	config    *Config
	listeners []func(*Config)
}

// NewConfigStore initializes a store with cfg.
func NewConfigStore(cfg *Config) *ConfigStore {
	return &ConfigStore{config: cfg}
}

// Snapshot returns a copy of the active configuration.
func (cs *ConfigStore) Snapshot() *Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	cp := *cs.config
	cp.Resolver.Nameservers = append([]string(nil), cs.config.Resolver.Nameservers...)
	return &cp
}

// SetConfig replaces the configuration and runs the listeners synchronously.
func (cs *ConfigStore) SetConfig(cfg *Config) {
	cs.mu.Lock()
	cs.config = cfg
	listeners := append([]func(*Config){}, cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Reload loads path and, if valid, makes it the active configuration.
func (cs *ConfigStore) Reload(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	cs.SetConfig(cfg)
	return nil
}

// OnReload registers a listener called after every SetConfig.
func (cs *ConfigStore) OnReload(fn func(*Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
