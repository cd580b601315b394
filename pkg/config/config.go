// Package config loads the relay configuration: an optional YAML file as the
// base layer, phase defaults for anything it leaves unset, then environment
// variables on top.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"ig-notification/api/pkg/clients/email"
	"ig-notification/api/pkg/db"
)

const (
	PhaseLocal = "local"
	PhaseAlpha = "alpha"
)

var (
	ErrMissingDatabaseURL = errors.New("config: DATABASE_URL is required")
	ErrInvalidPort        = errors.New("config: port out of range")
	ErrNoAllowedOrigins   = errors.New("config: ALLOWED_ORIGINS must name at least one origin")
	ErrInvalidPool        = errors.New("config: invalid database pool settings")
)

// Config holds the complete application configuration.
type Config struct {
	Phase              string     `yaml:"phase"`
	Host               string     `yaml:"host"`
	APIPort            int        `yaml:"api_port"`
	MCPPort            int        `yaml:"mcp_port"`
	DatabaseURL        string     `yaml:"database_url"`
	APIKey             string     `yaml:"api_key"`
	AllowedOrigins     []string   `yaml:"allowed_origins"`
	LogLevel           string     `yaml:"log_level"`
	SentryDSN          string     `yaml:"sentry_dsn"`
	AutoMigrate        bool       `yaml:"auto_migrate"`
	RateLimitPerMinute int        `yaml:"rate_limit_per_minute"`
	TrustProxy         bool       `yaml:"trust_proxy"`
	SMTP               SMTPConfig `yaml:"smtp"`
	Database           DBConfig   `yaml:"database"`
}

// DBConfig sizes the send-log connection pool.
type DBConfig struct {
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	ConnectAttempts int           `yaml:"connect_attempts"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
}

// Pool converts the database section into pool settings for url.
func (d DBConfig) Pool(url string) db.PoolConfig {
	return db.PoolConfig{
		URL:             url,
		MaxConns:        d.MaxConns,
		MinConns:        d.MinConns,
		MaxConnLifetime: d.MaxConnLifetime,
		MaxConnIdleTime: d.MaxConnIdleTime,
		ConnectAttempts: d.ConnectAttempts,
		RetryInterval:   d.RetryInterval,
	}
}

// SMTPConfig holds the process-wide SMTP limits. Host, port and credentials
// always come from the individual send request.
type SMTPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Timeout        time.Duration `yaml:"timeout"`
	HeloName       string        `yaml:"helo_name"`
	CABundle       string        `yaml:"ca_bundle"`
	AllowedHosts   []string      `yaml:"allowed_hosts"` // empty allows any host
}

// Settings converts the SMTP section into transport settings.
func (s SMTPConfig) Settings() email.Settings {
	return email.Settings{
		ConnectTimeout: s.ConnectTimeout,
		Timeout:        s.Timeout,
		HeloName:       s.HeloName,
		CABundle:       s.CABundle,
	}
}

// PhaseDefaults returns the built-in settings for a deployment phase.
// Unknown phases fall back to local.
func PhaseDefaults(phase string) Config {
	base := Config{
		APIPort:            8101,
		MCPPort:            8102,
		RateLimitPerMinute: 10,
		SMTP: SMTPConfig{
			ConnectTimeout: email.DefaultConnectTimeout,
			Timeout:        email.DefaultTimeout,
			HeloName:       "localhost",
		},
	}
	pool := db.DefaultPoolConfig("")
	base.Database = DBConfig{
		MaxConns:        pool.MaxConns,
		MinConns:        pool.MinConns,
		MaxConnLifetime: pool.MaxConnLifetime,
		MaxConnIdleTime: pool.MaxConnIdleTime,
		ConnectAttempts: pool.ConnectAttempts,
		RetryInterval:   pool.RetryInterval,
	}

	switch strings.ToLower(phase) {
	case PhaseAlpha:
		base.Phase = PhaseAlpha
		base.Host = "alpha.ig-notification.ig-pilot.com"
		base.LogLevel = "info"
		base.AllowedOrigins = []string{
			"https://alpha.ig-notification.ig-pilot.com",
			"http://alpha.ig-notification.ig-pilot.com",
		}
		base.SMTP.HeloName = base.Host
	default:
		base.Phase = PhaseLocal
		base.Host = "localhost"
		base.LogLevel = "debug"
		base.AllowedOrigins = []string{
			"http://localhost:8100",
			"http://127.0.0.1:8100",
			"http://localhost:8101",
			"http://127.0.0.1:8101",
		}
	}
	return base
}

// Load builds the configuration. path may be empty. getenv is usually
// os.Getenv; tests pass a map lookup.
func Load(path string, getenv func(string) string) (*Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	phase := cfg.Phase
	if v := getenv("PHASE"); v != "" {
		phase = v
	}
	defaults := PhaseDefaults(phase)
	cfg.Phase = defaults.Phase
	if err := mergo.Merge(&cfg, defaults); err != nil {
		return nil, fmt.Errorf("failed to apply %s defaults: %w", defaults.Phase, err)
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	for name, port := range map[string]int{"API_PORT": c.APIPort, "MCP_PORT": c.MCPPort} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s=%d", ErrInvalidPort, name, port)
		}
	}
	if c.APIPort == c.MCPPort {
		return fmt.Errorf("config: API_PORT and MCP_PORT must differ (both %d)", c.APIPort)
	}
	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("config: RATE_LIMIT_PER_MINUTE must be positive, got %d", c.RateLimitPerMinute)
	}
	if len(c.AllowedOrigins) == 0 {
		return ErrNoAllowedOrigins
	}
	if d := c.Database; d.MaxConns < 1 || d.MinConns < 0 || d.MinConns > d.MaxConns || d.ConnectAttempts < 1 {
		return fmt.Errorf("%w: max=%d min=%d attempts=%d", ErrInvalidPool, d.MaxConns, d.MinConns, d.ConnectAttempts)
	}
	return nil
}

// applyEnv overrides fields with non-empty environment variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	setList := func(dst *[]string, key string) {
		if v := getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	setString(&c.Host, "HOST")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.APIKey, "API_KEY")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.SentryDSN, "SENTRY_DSN")
	setString(&c.SMTP.HeloName, "SMTP_HELO_NAME")
	setString(&c.SMTP.CABundle, "SMTP_CA_BUNDLE")
	setList(&c.AllowedOrigins, "ALLOWED_ORIGINS")
	setList(&c.SMTP.AllowedHosts, "SMTP_ALLOWED_HOSTS")

	ints := []struct {
		dst *int
		key string
	}{
		{&c.APIPort, "API_PORT"},
		{&c.MCPPort, "MCP_PORT"},
		{&c.RateLimitPerMinute, "RATE_LIMIT_PER_MINUTE"},
		{&c.Database.ConnectAttempts, "DB_CONNECT_ATTEMPTS"},
	}
	for _, f := range ints {
		if v := getenv(f.key); v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", f.key, err)
			}
			*f.dst = n
		}
	}

	conns := []struct {
		dst *int32
		key string
	}{
		{&c.Database.MaxConns, "DB_MAX_CONNS"},
		{&c.Database.MinConns, "DB_MIN_CONNS"},
	}
	for _, f := range conns {
		if v := getenv(f.key); v != "" {
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 32)
			if err != nil {
				return fmt.Errorf("config: %s: %w", f.key, err)
			}
			*f.dst = int32(n)
		}
	}

	durations := []struct {
		dst *time.Duration
		key string
	}{
		{&c.SMTP.ConnectTimeout, "SMTP_CONNECT_TIMEOUT"},
		{&c.SMTP.Timeout, "SMTP_TIMEOUT"},
		{&c.Database.MaxConnLifetime, "DB_MAX_CONN_LIFETIME"},
		{&c.Database.MaxConnIdleTime, "DB_MAX_CONN_IDLE_TIME"},
		{&c.Database.RetryInterval, "DB_RETRY_INTERVAL"},
	}
	for _, f := range durations {
		if v := getenv(f.key); v != "" {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", f.key, err)
			}
			*f.dst = d
		}
	}

	bools := []struct {
		dst *bool
		key string
	}{
		{&c.AutoMigrate, "AUTO_MIGRATE"},
		{&c.TrustProxy, "TRUST_PROXY"},
	}
	for _, f := range bools {
		if v := getenv(f.key); v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return fmt.Errorf("config: %s: %w", f.key, err)
			}
			*f.dst = b
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
