// Package config loads the TOML configuration for the mail pool service
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/IshanDwivedii/smtp-pool/internal/delivery"
	"github.com/IshanDwivedii/smtp-pool/internal/pool"
	"github.com/IshanDwivedii/smtp-pool/internal/registry"
)

// DefaultServerName names the server built from the [mail] section when no
// [[servers]] are configured
const DefaultServerName = "default"

// ErrNoConfigFile is returned by FindConfigFile when nothing was found
var ErrNoConfigFile = errors.New("no config file found")

// Duration is a time.Duration written as a Go duration string ("30s")
type Duration struct {
	time.Duration
}

// D wraps d
func D(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config represents the application configuration
type Config struct {
	// Mail is the single default server, used when Servers is empty
	Mail     MailConfig     `toml:"mail"`
	Pool     PoolConfig     `toml:"pool"`
	Servers  []ServerConfig `toml:"servers"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Breaker  BreakerConfig  `toml:"breaker"`
	Health   HealthConfig   `toml:"health"`
	API      APIConfig      `toml:"api"`
	Logging  LoggingConfig  `toml:"logging"`
	Dedup    DedupConfig    `toml:"dedup"`
	SendLog  SendLogConfig  `toml:"sendlog"`
	Stats    StatsConfig    `toml:"stats"`
}

type MailConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	TLSMode        string   `toml:"tls_mode"`
	HeloName       string   `toml:"helo_name"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	ReadTimeout    Duration `toml:"read_timeout"`
}

type PoolConfig struct {
	MaxTotal             int      `toml:"max_total"`
	MaxIdle              int      `toml:"max_idle"`
	MinIdle              int      `toml:"min_idle"`
	MaxWait              Duration `toml:"max_wait"`
	EvictionInterval     Duration `toml:"eviction_interval"`
	MinEvictableIdleTime Duration `toml:"min_evictable_idle_time"`
	TestOnBorrow         bool     `toml:"test_on_borrow"`
	TestOnReturn         bool     `toml:"test_on_return"`
	TestWhileIdle        bool     `toml:"test_while_idle"`
}

// ServerConfig is one named entry of [[servers]]. Enabled defaults to true
// when omitted.
type ServerConfig struct {
	Name           string   `toml:"name"`
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	Username       string   `toml:"username"`
	Password       string   `toml:"password"`
	TLSMode        string   `toml:"tls_mode"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	ReadTimeout    Duration `toml:"read_timeout"`
	Enabled        *bool    `toml:"enabled"`
	Weight         int      `toml:"weight"`
}

type DispatchConfig struct {
	Workers         int      `toml:"workers"`
	QueueSize       int      `toml:"queue_size"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type BreakerConfig struct {
	MaxRequests  uint32   `toml:"max_requests"`
	Interval     Duration `toml:"interval"`
	Timeout      Duration `toml:"timeout"`
	MinRequests  uint32   `toml:"min_requests"`
	FailureRatio float64  `toml:"failure_ratio"`
}

type HealthConfig struct {
	Interval Duration `toml:"interval"`
}

type APIConfig struct {
	Enabled      bool            `toml:"enabled"`
	ListenAddr   string          `toml:"listen_addr"`
	AuthEnabled  bool            `toml:"auth_enabled"`
	APIKeys      []string        `toml:"api_keys"` // bcrypt hashes
	ReadTimeout  Duration        `toml:"read_timeout"`
	WriteTimeout Duration        `toml:"write_timeout"`
	RateLimit    RateLimitConfig `toml:"rate_limit"`
}

// RateLimitConfig throttles the send endpoints per client IP
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies"`
}

type LoggingConfig struct {
	Level     string `toml:"level"`
	Format    string `toml:"format"` // "text" or "json"
	File      string `toml:"file"`
	MaxSizeMB int    `toml:"max_size_mb"`
	MaxFiles  int    `toml:"max_files"`
}

// DedupConfig enables idempotency keys when Type is set
type DedupConfig struct {
	Type     string   `toml:"type"` // "", "memory", "redis", "memcached"
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	Database int      `toml:"database"`
	TTL      Duration `toml:"ttl"`
}

// SendLogConfig enables the SQL send log when Driver is set
type SendLogConfig struct {
	Driver string `toml:"driver"` // "", "sqlite3", "postgres", "mysql"
	DSN    string `toml:"dsn"`
}

// StatsConfig enables the Valkey delivery counters when ValkeyAddr is set
type StatsConfig struct {
	ValkeyAddr string `toml:"valkey_addr"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	p := pool.DefaultConfig()
	b := delivery.DefaultBreakerConfig()

	return &Config{
		Mail: MailConfig{
			Host:           "localhost",
			Port:           587,
			TLSMode:        string(registry.TLSStartTLS),
			ConnectTimeout: D(10 * time.Second),
			ReadTimeout:    D(30 * time.Second),
		},
		Pool: PoolConfig{
			MaxTotal:             p.MaxTotal,
			MaxIdle:              p.MaxIdle,
			MinIdle:              p.MinIdle,
			MaxWait:              D(p.MaxWait),
			EvictionInterval:     D(p.EvictionInterval),
			MinEvictableIdleTime: D(p.MinEvictableIdleTime),
			TestOnBorrow:         p.TestOnBorrow,
			TestOnReturn:         p.TestOnReturn,
			TestWhileIdle:        p.TestWhileIdle,
		},
		Dispatch: DispatchConfig{
			Workers:         delivery.DefaultWorkers,
			QueueSize:       delivery.DefaultQueueSize,
			ShutdownTimeout: D(30 * time.Second),
		},
		Breaker: BreakerConfig{
			MaxRequests:  b.MaxRequests,
			Interval:     D(b.Interval),
			Timeout:      D(b.Timeout),
			MinRequests:  b.MinRequests,
			FailureRatio: b.FailureRatio,
		},
		Health: HealthConfig{
			Interval: D(30 * time.Second),
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   "127.0.0.1:8080",
			ReadTimeout:  D(15 * time.Second),
			WriteTimeout: D(60 * time.Second),
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             20,
			},
		},
		Logging: LoggingConfig{
			Level:     "info",
			Format:    "text",
			MaxSizeMB: 10,
			MaxFiles:  10,
		},
		Dedup: DedupConfig{
			TTL: D(24 * time.Hour),
		},
	}
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./smtp-pool.toml",
		"./config/smtp-pool.toml",
		os.ExpandEnv("$HOME/.smtp-pool.toml"),
		"/etc/smtp-pool/smtp-pool.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}
	return "", ErrNoConfigFile
}

// LoadConfig reads and validates the configuration. With an empty path the
// common locations are searched and defaults are used when none exists. The
// returned result carries any warnings.
func LoadConfig(configPath string) (*Config, *ValidationResult, error) {
	cfg := DefaultConfig()
	sv := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath == "" && errors.Is(err, ErrNoConfigFile) {
			return cfg, cfg.Validate(), nil
		}
		return nil, nil, err
	}

	if err := sv.ValidateConfigFileSize(configFile); err != nil {
		return nil, nil, fmt.Errorf("config file security validation failed: %w", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	result := cfg.Validate()
	if insecure, err := ExposesSecrets(configFile); err == nil && insecure {
		result.AddWarning("file", configFile, "file contains credentials and is readable by other users")
	}
	if !result.Valid {
		return nil, result, result.Err()
	}
	return cfg, result, nil
}

// SaveConfig writes the configuration as TOML. The file is created owner
// read/write only since it may hold credentials.
func (c *Config) SaveConfig(configPath string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Marshal renders the configuration as TOML with a short header
func (c *Config) Marshal() ([]byte, error) {
	body, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	header := "# smtp-pool configuration\n# Add [[servers]] entries to rotate across several relays.\n\n"
	return append([]byte(header), body...), nil
}

// ServerList returns the configured server descriptors. When no [[servers]]
// are listed a single server named "default" is built from [mail].
func (c *Config) ServerList() ([]registry.Server, error) {
	if len(c.Servers) == 0 {
		mode, err := registry.ParseTLSMode(c.Mail.TLSMode)
		if err != nil {
			return nil, err
		}
		return []registry.Server{{
			Name:           DefaultServerName,
			Host:           c.Mail.Host,
			Port:           c.Mail.Port,
			Username:       c.Mail.Username,
			Password:       c.Mail.Password,
			TLSMode:        mode,
			ConnectTimeout: c.Mail.ConnectTimeout.Duration,
			ReadTimeout:    c.Mail.ReadTimeout.Duration,
			Enabled:        true,
			Weight:         1,
		}}, nil
	}

	out := make([]registry.Server, 0, len(c.Servers))
	for _, s := range c.Servers {
		mode, err := registry.ParseTLSMode(s.TLSMode)
		if err != nil {
			return nil, fmt.Errorf("server %q: %w", s.Name, err)
		}
		enabled := true
		if s.Enabled != nil {
			enabled = *s.Enabled
		}
		out = append(out, registry.Server{
			Name:           s.Name,
			Host:           s.Host,
			Port:           s.Port,
			Username:       s.Username,
			Password:       s.Password,
			TLSMode:        mode,
			ConnectTimeout: s.ConnectTimeout.Duration,
			ReadTimeout:    s.ReadTimeout.Duration,
			Enabled:        enabled,
			Weight:         s.Weight,
		})
	}
	return out, nil
}

// PoolSettings converts the [pool] section
func (c *Config) PoolSettings() pool.Config {
	return pool.Config{
		MaxTotal:             c.Pool.MaxTotal,
		MaxIdle:              c.Pool.MaxIdle,
		MinIdle:              c.Pool.MinIdle,
		MaxWait:              c.Pool.MaxWait.Duration,
		EvictionInterval:     c.Pool.EvictionInterval.Duration,
		MinEvictableIdleTime: c.Pool.MinEvictableIdleTime.Duration,
		TestOnBorrow:         c.Pool.TestOnBorrow,
		TestOnReturn:         c.Pool.TestOnReturn,
		TestWhileIdle:        c.Pool.TestWhileIdle,
	}
}

// BreakerSettings converts the [breaker] section
func (c *Config) BreakerSettings() delivery.BreakerConfig {
	return delivery.BreakerConfig{
		MaxRequests:  c.Breaker.MaxRequests,
		Interval:     c.Breaker.Interval.Duration,
		Timeout:      c.Breaker.Timeout.Duration,
		MinRequests:  c.Breaker.MinRequests,
		FailureRatio: c.Breaker.FailureRatio,
	}
}
