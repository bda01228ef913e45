// Package config loads and validates tracker config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API and WebSocket endpoint listen on (e.g. :5555).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC peer stream; empty disables the gRPC listener.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`

	// CABaseURL is the base URL of the certificate authority API (e.g. http://127.0.0.1:8000).
	CABaseURL string `mapstructure:"CA_BASE_URL"`
	// CACertPEM is an optional PEM CA certificate or path to file. When set the CA key is never fetched.
	CACertPEM string `mapstructure:"CA_CERT_PEM"`
	// CATimeout bounds every call to the CA (e.g. "3s").
	CATimeout string `mapstructure:"CA_TIMEOUT"`
	// CAVerifyChain when true requires fetched user certificates to be signed by the CA certificate.
	CAVerifyChain bool `mapstructure:"CA_VERIFY_CHAIN"`

	// SessionTokenIssuer is the expected iss claim of session tokens; empty skips the check.
	SessionTokenIssuer string `mapstructure:"SESSION_TOKEN_ISSUER"`
	// SessionTokenAudience is the expected aud claim of session tokens; empty skips the check.
	SessionTokenAudience string `mapstructure:"SESSION_TOKEN_AUDIENCE"`

	// PeerLivenessWindow is how recently a peer must have been seen to be listed as active (e.g. "30s").
	PeerLivenessWindow string `mapstructure:"PEER_LIVENESS_WINDOW"`
	// SessionReaperInterval enables the idle-session reaper when > 0 (e.g. "15s"). Default disabled.
	SessionReaperInterval string `mapstructure:"SESSION_REAPER_INTERVAL"`
	// OutboxSize is the per-connection queue length for pushed messages.
	OutboxSize int `mapstructure:"OUTBOX_SIZE"`

	// StoreBackend selects leader/resolution persistence: "file" or "postgres".
	StoreBackend string `mapstructure:"STORE_BACKEND"`
	// DataDir holds auction_leaders.json and pseudonym_map.json for the file backend.
	DataDir string `mapstructure:"DATA_DIR"`
	// DatabaseURL is the Postgres DSN; required when StoreBackend is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// LeaderPolicy is "ledger" (last write wins), "monotonic", or a path to a Rego file.
	LeaderPolicy string `mapstructure:"LEADER_POLICY"`

	// RateLimitRPS is the sustained publish/direct rate per identity; 0 disables limiting.
	RateLimitRPS float64 `mapstructure:"RATE_LIMIT_RPS"`
	// RateLimitBurst is the token bucket size per identity.
	RateLimitBurst int `mapstructure:"RATE_LIMIT_BURST"`

	// NATSURL enables mirroring accepted public events to NATS when set.
	NATSURL string `mapstructure:"NATS_URL"`
	// NATSSubjectPrefix is prepended to the event type (e.g. auction.events.NEW_BID).
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`

	// AdminTokenHash is the bcrypt hash of the admin bearer secret; empty disables admin routes.
	AdminTokenHash string `mapstructure:"ADMIN_TOKEN_HASH"`
	// RequireAssociateAuth when true requires a session token naming peer_id on /associate_pseudonym.
	RequireAssociateAuth bool `mapstructure:"REQUIRE_ASSOCIATE_AUTH"`
	// CORSAllowedOrigins is a comma-separated list of origins for browser clients.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// OTLPEndpoint is the OpenTelemetry collector endpoint; empty installs no-op providers.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext OTLP connection.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// LokiURL, when set, also pushes broker events to Grafana Loki.
	LokiURL string `mapstructure:"LOKI_URL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":5555")
	v.SetDefault("GRPC_ADDR", "")
	v.SetDefault("CA_BASE_URL", "http://127.0.0.1:8000")
	v.SetDefault("CA_CERT_PEM", "")
	v.SetDefault("CA_TIMEOUT", "3s")
	v.SetDefault("CA_VERIFY_CHAIN", true)
	v.SetDefault("SESSION_TOKEN_ISSUER", "")
	v.SetDefault("SESSION_TOKEN_AUDIENCE", "")
	v.SetDefault("PEER_LIVENESS_WINDOW", "30s")
	v.SetDefault("SESSION_REAPER_INTERVAL", "0s")
	v.SetDefault("OUTBOX_SIZE", 64)
	v.SetDefault("STORE_BACKEND", StoreBackendFile)
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("LEADER_POLICY", "ledger")
	v.SetDefault("RATE_LIMIT_RPS", 5.0)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("NATS_URL", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "auction.events")
	v.SetDefault("ADMIN_TOKEN_HASH", "")
	v.SetDefault("REQUIRE_ASSOCIATE_AUTH", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.CABaseURL == "" && cfg.CACertPEM == "" {
		return nil, errors.New("config: CA_BASE_URL or CA_CERT_PEM must be set")
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	switch cfg.StoreBackend {
	case StoreBackendFile:
		if cfg.DataDir == "" {
			return nil, errors.New("config: DATA_DIR must be set for the file store backend")
		}
	case StoreBackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, errors.New("config: DATABASE_URL must be set when STORE_BACKEND=postgres")
		}
	default:
		return nil, errors.New("config: STORE_BACKEND must be file or postgres")
	}

	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}
	if cfg.RateLimitRPS < 0 {
		return nil, errors.New("config: RATE_LIMIT_RPS must not be negative")
	}
	if cfg.RateLimitRPS > 0 && cfg.RateLimitBurst <= 0 {
		return nil, errors.New("config: RATE_LIMIT_BURST must be positive when rate limiting is enabled")
	}

	return &cfg, nil
}

// CACallTimeout parses CATimeout. Returns 3s if unset or invalid.
func (c *Config) CACallTimeout() time.Duration {
	return parseDuration(c.CATimeout, 3*time.Second)
}

// LivenessWindow parses PeerLivenessWindow. Returns 30s if unset or invalid.
func (c *Config) LivenessWindow() time.Duration {
	return parseDuration(c.PeerLivenessWindow, 30*time.Second)
}

// ReaperInterval parses SessionReaperInterval. Returns 0 (disabled) if unset or invalid.
func (c *Config) ReaperInterval() time.Duration {
	return parseDuration(c.SessionReaperInterval, 0)
}

// CORSOrigins returns the allowed origins from the comma-separated config.
func (c *Config) CORSOrigins() []string {
	if c == nil || c.CORSAllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.CORSAllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
