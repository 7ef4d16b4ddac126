// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Session policies accepted by SESSION_POLICY.
const (
	SessionPolicyMulti  = "multi"
	SessionPolicySingle = "single"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// Env is the application environment (e.g. "development", "production"). Selects the logger preset.
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the minimum zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// HTTPAddr is the address the HTTP API listens on (e.g. :8000).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the gRPC health server. Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file used to sign access tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim of access tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim of access tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// AccessTokenTTL is the access token lifetime (e.g. "30m").
	AccessTokenTTL string `mapstructure:"ACCESS_TOKEN_TTL"`
	// RefreshTokenTTL is the refresh token lifetime (e.g. "720h" for 30 days).
	RefreshTokenTTL string `mapstructure:"REFRESH_TOKEN_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// DefaultDeviceName is used when a request omits device_name.
	DefaultDeviceName string `mapstructure:"DEFAULT_DEVICE_NAME"`
	// SessionPolicy is "multi" (several active refresh tokens per device) or "single" (login revokes the device's prior tokens).
	SessionPolicy string `mapstructure:"SESSION_POLICY"`
	// SessionPolicyFile optionally points at a Rego module replacing the built-in session policy.
	SessionPolicyFile string `mapstructure:"SESSION_POLICY_FILE"`

	// RateLimitMax is the number of admitted login/refresh requests per key per window.
	RateLimitMax int `mapstructure:"RATE_LIMIT_MAX"`
	// RateLimitWindow is the rolling window length (e.g. "1m").
	RateLimitWindow string `mapstructure:"RATE_LIMIT_WINDOW"`
	// RedisURL selects the Redis limiter backend when set (redis://host:6379/0). Empty uses the in-process limiter.
	RedisURL string `mapstructure:"REDIS_URL"`

	// DBLockTimeout is applied with SET LOCAL lock_timeout at the start of every write transaction.
	DBLockTimeout string `mapstructure:"DB_LOCK_TIMEOUT"`
	// DBStatementTimeout is applied with SET LOCAL statement_timeout at the start of every write transaction.
	DBStatementTimeout string `mapstructure:"DB_STATEMENT_TIMEOUT"`
	// TxMaxAttempts bounds how many times a transaction failing with a retriable error is attempted.
	TxMaxAttempts int `mapstructure:"TX_MAX_ATTEMPTS"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is the OTel service.name resource attribute.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// KafkaBrokers is a comma-separated list of Kafka brokers. When set, auth events are also written to Kafka.
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// AuthEventsTopic is the Kafka topic for auth events.
	AuthEventsTopic string `mapstructure:"AUTH_EVENTS_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the auth-event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	// LokiURL is where the worker pushes auth events (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`

	// CORSAllowedOrigins is a comma-separated list of allowed origins; "*" allows any.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	// TrustedProxies is a comma-separated list of proxy IPs or CIDRs whose X-Forwarded-For is honored.
	// Empty means forwarding headers are ignored and the peer address is the client IP.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8000")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "memocrm-api")
	v.SetDefault("JWT_AUDIENCE", "memocrm-mobile")
	v.SetDefault("ACCESS_TOKEN_TTL", "30m")
	v.SetDefault("REFRESH_TOKEN_TTL", "720h") // 30d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("DEFAULT_DEVICE_NAME", "mobile")
	v.SetDefault("SESSION_POLICY", SessionPolicyMulti)
	v.SetDefault("SESSION_POLICY_FILE", "")
	v.SetDefault("RATE_LIMIT_MAX", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "1m")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("DB_LOCK_TIMEOUT", "5s")
	v.SetDefault("DB_STATEMENT_TIMEOUT", "10s")
	v.SetDefault("TX_MAX_ATTEMPTS", 3)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "memocrm-auth")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("AUTH_EVENTS_KAFKA_TOPIC", "memocrm-auth-events")
	v.SetDefault("KAFKA_GROUP_ID", "memocrm-auth-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	v.SetDefault("TRUSTED_PROXIES", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	cfg.SessionPolicy = strings.ToLower(strings.TrimSpace(cfg.SessionPolicy))
	if cfg.SessionPolicy == "" {
		cfg.SessionPolicy = SessionPolicyMulti
	}
	if cfg.SessionPolicy != SessionPolicyMulti && cfg.SessionPolicy != SessionPolicySingle {
		return nil, errors.New("config: SESSION_POLICY must be multi or single")
	}

	if cfg.RateLimitMax <= 0 {
		return nil, errors.New("config: RATE_LIMIT_MAX must be positive")
	}
	if cfg.TxMaxAttempts <= 0 {
		cfg.TxMaxAttempts = 1
	}
	for _, p := range cfg.TrustedProxiesList() {
		if net.ParseIP(p) == nil {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return nil, fmt.Errorf("config: TRUSTED_PROXIES entry %q is not an IP or CIDR", p)
			}
		}
	}
	if strings.TrimSpace(cfg.DefaultDeviceName) == "" {
		cfg.DefaultDeviceName = "mobile"
	}

	return &cfg, nil
}

// AccessTTL parses AccessTokenTTL as a time.Duration. Returns 30m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return parseDuration(c.AccessTokenTTL, 30*time.Minute)
}

// RefreshTTL parses RefreshTokenTTL as a time.Duration. Returns 30 days if unset or invalid.
func (c *Config) RefreshTTL() time.Duration {
	return parseDuration(c.RefreshTokenTTL, 30*24*time.Hour)
}

// RateWindow parses RateLimitWindow. Returns 1m if unset or invalid.
func (c *Config) RateWindow() time.Duration {
	return parseDuration(c.RateLimitWindow, time.Minute)
}

// LockTimeout parses DBLockTimeout. Returns 5s if unset or invalid.
func (c *Config) LockTimeout() time.Duration {
	return parseDuration(c.DBLockTimeout, 5*time.Second)
}

// StatementTimeout parses DBStatementTimeout. Returns 10s if unset or invalid.
func (c *Config) StatementTimeout() time.Duration {
	return parseDuration(c.DBStatementTimeout, 10*time.Second)
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool {
	return c != nil && strings.EqualFold(c.Env, "production")
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list means the Kafka auth-event sink is disabled.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// CORSOrigins returns the allowed CORS origins.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

// TrustedProxiesList returns the proxies allowed to set X-Forwarded-For. Nil trusts none.
func (c *Config) TrustedProxiesList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.TrustedProxies)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
