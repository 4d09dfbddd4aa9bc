package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IshanDwivedii/smtp-pool/internal/registry"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Err joins every error, or returns nil when valid
func (vr *ValidationResult) Err() error {
	if vr.Valid {
		return nil
	}
	msgs := make([]string, 0, len(vr.Errors))
	for _, e := range vr.Errors {
		msgs = append(msgs, e.Error())
	}
	return errors.New("configuration validation failed: " + strings.Join(msgs, "; "))
}

// Validate checks every section. Credentials are never echoed back in
// validation messages.
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateServers(result, sv)
	c.validatePool(result)
	c.validateDispatch(result, sv)
	c.validateAPI(result, sv)
	c.validateLogging(result)
	c.validateDedup(result)
	c.validateSendLog(result)

	return result
}

func (c *Config) validateServers(result *ValidationResult, sv *SecurityValidator) {
	if len(c.Servers) == 0 {
		c.Mail.Host = sv.SanitizeString(strings.TrimSpace(c.Mail.Host))
		validateEndpoint(result, sv, "mail", c.Mail.Host, c.Mail.Port, c.Mail.TLSMode)
		validateTimeouts(result, "mail", c.Mail.ConnectTimeout, c.Mail.ReadTimeout)
		return
	}

	seen := make(map[string]bool, len(c.Servers))
	enabled := 0
	for i := range c.Servers {
		s := &c.Servers[i]
		field := fmt.Sprintf("servers[%d]", i)

		s.Name = sv.SanitizeString(strings.TrimSpace(s.Name))
		s.Host = sv.SanitizeString(strings.TrimSpace(s.Host))
		if s.Name == "" {
			result.AddError(field+".name", s.Name, "server name is required")
		} else if seen[s.Name] {
			result.AddError(field+".name", s.Name, "server name must be unique")
		}
		seen[s.Name] = true

		validateEndpoint(result, sv, field, s.Host, s.Port, s.TLSMode)
		validateTimeouts(result, field, s.ConnectTimeout, s.ReadTimeout)
		if s.Weight < 0 {
			result.AddError(field+".weight", s.Weight, "weight must be >= 1")
		}
		if s.Enabled == nil || *s.Enabled {
			enabled++
		}
	}
	if enabled == 0 {
		result.AddWarning("servers", len(c.Servers), "every server is disabled; sends will fail")
	}
}

func validateEndpoint(result *ValidationResult, sv *SecurityValidator, field, host string, port int, tlsMode string) {
	if err := sv.ValidateHostname(host, field+".host"); err != nil {
		result.AddError(field+".host", host, err.Error())
	}
	if err := sv.ValidatePort(port, field+".port"); err != nil {
		result.AddError(field+".port", port, err.Error())
	}
	mode, err := registry.ParseTLSMode(tlsMode)
	if err != nil {
		result.AddError(field+".tls_mode", tlsMode, err.Error())
		return
	}
	if mode == registry.TLSNone && port != 25 {
		result.AddWarning(field+".tls_mode", tlsMode, "credentials will be sent without TLS")
	}
}

func validateTimeouts(result *ValidationResult, field string, connect, read Duration) {
	if connect.Duration < 0 {
		result.AddError(field+".connect_timeout", connect, "timeout cannot be negative")
	}
	if read.Duration < 0 {
		result.AddError(field+".read_timeout", read, "timeout cannot be negative")
	}
}

func (c *Config) validatePool(result *ValidationResult) {
	if err := c.PoolSettings().Validate(); err != nil {
		result.AddError("pool", fmt.Sprintf("max_total=%d max_idle=%d min_idle=%d",
			c.Pool.MaxTotal, c.Pool.MaxIdle, c.Pool.MinIdle), err.Error())
	}
	if c.Pool.EvictionInterval.Duration > 0 && c.Pool.EvictionInterval.Duration < time.Second {
		result.AddWarning("pool.eviction_interval", c.Pool.EvictionInterval, "sweeps more often than once a second")
	}
	if c.Pool.MaxWait.Duration <= 0 {
		result.AddWarning("pool.max_wait", c.Pool.MaxWait, "borrowers wait until their request is cancelled")
	}
	if !c.Pool.TestOnBorrow {
		result.AddWarning("pool.test_on_borrow", false, "broken connections are only detected when a send fails")
	}
}

func (c *Config) validateDispatch(result *ValidationResult, sv *SecurityValidator) {
	if err := sv.ValidateNumericBounds(int64(c.Dispatch.Workers), "dispatch.workers", 1, 1000); err != nil {
		result.AddError("dispatch.workers", c.Dispatch.Workers, err.Error())
	} else if c.Dispatch.Workers > c.Pool.MaxTotal {
		result.AddWarning("dispatch.workers", c.Dispatch.Workers, "more workers than pool connections; extra workers wait for a connection")
	}
	if c.Dispatch.QueueSize < 0 {
		result.AddError("dispatch.queue_size", c.Dispatch.QueueSize, "queue size cannot be negative")
	}
	if c.Breaker.FailureRatio < 0 || c.Breaker.FailureRatio > 1 {
		result.AddError("breaker.failure_ratio", c.Breaker.FailureRatio, "must be between 0 and 1")
	}
}

func (c *Config) validateAPI(result *ValidationResult, sv *SecurityValidator) {
	if !c.API.Enabled {
		return
	}
	if err := sv.ValidateNetworkAddress(c.API.ListenAddr, "api.listen_addr"); err != nil {
		result.AddError("api.listen_addr", c.API.ListenAddr, err.Error())
	}
	if c.API.AuthEnabled && len(c.API.APIKeys) == 0 {
		result.AddError("api.api_keys", len(c.API.APIKeys), "auth is enabled but no API keys are configured")
	}
	for i, key := range c.API.APIKeys {
		if !strings.HasPrefix(key, "$2") {
			result.AddError(fmt.Sprintf("api.api_keys[%d]", i), "[REDACTED]", "API keys must be bcrypt hashes")
		}
	}
	if c.API.RateLimit.Enabled && (c.API.RateLimit.RequestsPerSecond <= 0 || c.API.RateLimit.Burst <= 0) {
		result.AddError("api.rate_limit", fmt.Sprintf("rps=%v burst=%d", c.API.RateLimit.RequestsPerSecond, c.API.RateLimit.Burst),
			"requests_per_second and burst must be positive")
	}
	if !c.API.AuthEnabled && !strings.HasPrefix(c.API.ListenAddr, "127.0.0.1:") && !strings.HasPrefix(c.API.ListenAddr, "localhost:") {
		result.AddWarning("api.auth_enabled", false, "API is reachable from the network without authentication")
	}
}

func (c *Config) validateLogging(result *ValidationResult) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		result.AddError("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
	if c.Logging.MaxSizeMB < 0 {
		result.AddError("logging.max_size_mb", c.Logging.MaxSizeMB, "cannot be negative")
	}
	if c.Logging.MaxFiles < 0 {
		result.AddError("logging.max_files", c.Logging.MaxFiles, "cannot be negative")
	}
}

func (c *Config) validateDedup(result *ValidationResult) {
	switch c.Dedup.Type {
	case "", "memory":
	case "redis", "memcached":
		if c.Dedup.Addr == "" {
			result.AddError("dedup.addr", c.Dedup.Addr, "address is required for "+c.Dedup.Type)
		}
	default:
		result.AddError("dedup.type", c.Dedup.Type, "must be memory, redis or memcached")
	}
	if c.Dedup.Type != "" && c.Dedup.TTL.Duration <= 0 {
		result.AddError("dedup.ttl", c.Dedup.TTL, "ttl must be positive")
	}
}

func (c *Config) validateSendLog(result *ValidationResult) {
	switch c.SendLog.Driver {
	case "":
	case "sqlite3", "postgres", "mysql":
		if c.SendLog.DSN == "" {
			result.AddError("sendlog.dsn", "", "dsn is required when a driver is set")
		}
	default:
		result.AddError("sendlog.driver", c.SendLog.Driver, "must be sqlite3, postgres or mysql")
	}
}
