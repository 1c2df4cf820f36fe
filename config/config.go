// Package config loads and validates gigrelay configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/funagig/gigrelay/ratelimit"
)

// Session backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendPostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// RelayAddr is where the websocket relay listens (e.g. :3001).
	RelayAddr string `mapstructure:"RELAY_ADDR"`
	// GatewayAddr is where the REST gateway listens (e.g. :8080).
	GatewayAddr string `mapstructure:"GATEWAY_ADDR"`
	// DatabaseURL is the Postgres DSN. Required for the postgres session
	// backend and for the gateway's repository.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// SessionBackend is one of memory, bbolt or postgres. The standalone
	// relay and gateway commands accept only postgres.
	SessionBackend string `mapstructure:"SESSION_BACKEND"`
	// DataDir holds the bbolt file when SessionBackend is bbolt.
	DataDir    string        `mapstructure:"DATA_DIR"`
	SessionTTL time.Duration `mapstructure:"SESSION_TTL"`

	AuthTimeout           time.Duration `mapstructure:"AUTH_TIMEOUT"`
	MaxAuthAttempts       int           `mapstructure:"MAX_AUTH_ATTEMPTS"`
	MaxConnectionsPerAddr int           `mapstructure:"MAX_CONNECTIONS_PER_ADDR"`
	SweepInterval         time.Duration `mapstructure:"SWEEP_INTERVAL"`

	// BridgeURL is the relay's /emit endpoint as seen from the gateway.
	BridgeURL     string        `mapstructure:"BRIDGE_URL"`
	BridgeTimeout time.Duration `mapstructure:"BRIDGE_TIMEOUT"`
	// BridgeSecret signs bridge requests. Empty disables token checks and
	// leaves only the peer allow-list.
	BridgeSecret       string `mapstructure:"BRIDGE_SECRET"`
	BridgeAllowedCIDRs string `mapstructure:"BRIDGE_ALLOWED_CIDRS"`

	// TrustedProxies is a comma-separated list of CIDRs allowed to set
	// X-Forwarded-For. Empty trusts every peer.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	// AllowedOrigins is a comma-separated websocket Origin allow-list. Empty
	// allows any origin.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	// AuditWebhookURL receives audit events and alerts when set.
	AuditWebhookURL string `mapstructure:"AUDIT_WEBHOOK_URL"`
	// AuditWebhookAuthHeader is a "Header: Value" pair sent with each delivery.
	AuditWebhookAuthHeader string `mapstructure:"AUDIT_WEBHOOK_AUTH_HEADER"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`

	// OTLPEndpoint enables metric export when set (e.g. http://otel:4317).
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads envFile (".env" when empty) if present, then builds and
// validates Config from the environment. A missing file is ignored and
// environment variables override it.
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	v := viper.New()

	v.SetConfigFile(envFile)
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore missing file

	v.AutomaticEnv()

	v.SetDefault("RELAY_ADDR", ":3001")
	v.SetDefault("GATEWAY_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SESSION_BACKEND", BackendMemory)
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("SESSION_TTL", "24h")
	v.SetDefault("AUTH_TIMEOUT", "30s")
	v.SetDefault("MAX_AUTH_ATTEMPTS", 3)
	v.SetDefault("MAX_CONNECTIONS_PER_ADDR", 10)
	v.SetDefault("SWEEP_INTERVAL", "60s")
	v.SetDefault("BRIDGE_URL", "http://127.0.0.1:3001/emit")
	v.SetDefault("BRIDGE_TIMEOUT", "1s")
	v.SetDefault("BRIDGE_SECRET", "")
	v.SetDefault("BRIDGE_ALLOWED_CIDRS", "127.0.0.0/8,::1/128")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("AUDIT_WEBHOOK_URL", "")
	v.SetDefault("AUDIT_WEBHOOK_AUTH_HEADER", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_SERVICE_NAME", "gigrelay")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.SessionBackend {
	case BackendMemory, BackendBolt:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for the postgres session backend")
		}
	default:
		return fmt.Errorf("config: unknown SESSION_BACKEND %q", c.SessionBackend)
	}
	if c.SessionTTL <= 0 {
		return errors.New("config: SESSION_TTL must be positive")
	}
	if c.AuthTimeout <= 0 || c.SweepInterval <= 0 || c.BridgeTimeout <= 0 {
		return errors.New("config: AUTH_TIMEOUT, SWEEP_INTERVAL and BRIDGE_TIMEOUT must be positive")
	}
	if c.MaxAuthAttempts < 1 {
		return errors.New("config: MAX_AUTH_ATTEMPTS must be at least 1")
	}
	if c.MaxConnectionsPerAddr < 1 {
		return errors.New("config: MAX_CONNECTIONS_PER_ADDR must be at least 1")
	}
	if _, err := c.BridgeAllowedPrefixes(); err != nil {
		return fmt.Errorf("config: BRIDGE_ALLOWED_CIDRS: %w", err)
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return fmt.Errorf("config: TRUSTED_PROXIES: %w", err)
	}
	return nil
}

// RequireSharedSessions fails unless sessions live in a store that separate
// relay and gateway processes can both reach. The memory store is private
// to one process and a bbolt file is locked by its first opener.
func (c *Config) RequireSharedSessions() error {
	if c.SessionBackend != BackendPostgres {
		return fmt.Errorf("config: SESSION_BACKEND %q cannot be shared between separate relay and gateway processes; use %q or the serve command",
			c.SessionBackend, BackendPostgres)
	}
	return nil
}

// BridgeAllowedPrefixes parses BridgeAllowedCIDRs.
func (c *Config) BridgeAllowedPrefixes() ([]netip.Prefix, error) {
	return ratelimit.ParsePrefixes(splitList(c.BridgeAllowedCIDRs))
}

// TrustedProxyPrefixes parses TrustedProxies. An empty list means every
// peer may set forwarding headers.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	return ratelimit.ParsePrefixes(splitList(c.TrustedProxies))
}

// AllowedOriginList returns the websocket Origin allow-list.
func (c *Config) AllowedOriginList() []string {
	return splitList(c.AllowedOrigins)
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
