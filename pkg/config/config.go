package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tollgate/pkg/auth"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// ConfigFileEnv names the optional YAML file applied before env overrides
const ConfigFileEnv = "TOLLGATE_CONFIG_FILE"

// Config holds all application configuration
type Config struct {
	Server        ServerConfig           `yaml:"server"`
	Database      storage.PostgresConfig `yaml:"database"`
	Redis         storage.RedisConfig    `yaml:"redis"`
	Auth          AuthConfig             `yaml:"auth"`
	Cache         CacheConfig            `yaml:"cache"`
	RateLimit     RateLimitConfig        `yaml:"rate_limit"`
	Audit         AuditConfig            `yaml:"audit"`
	Janitor       JanitorConfig          `yaml:"janitor"`
	Observability ObservabilityConfig    `yaml:"observability"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Health/metrics server (separate port for k8s probes)
	HealthPort string `yaml:"health_port"`
}

// AuthConfig holds token signing and session settings
type AuthConfig struct {
	SecretKey                string `yaml:"secret_key"`
	AccessTokenExpiryMinutes int    `yaml:"access_token_expiry_minutes"`
	RefreshTokenExpiryDays   int    `yaml:"refresh_token_expiry_days"`
	Issuer                   string `yaml:"issuer"`
	Audience                 string `yaml:"audience"`
	MaxTokensPerUser         int    `yaml:"max_tokens_per_user"`

	// ReplayPolicy is "family" or "all"
	ReplayPolicy string `yaml:"replay_policy"`
}

func (a AuthConfig) AccessTTL() time.Duration {
	return time.Duration(a.AccessTokenExpiryMinutes) * time.Minute
}

func (a AuthConfig) RefreshTTL() time.Duration {
	return time.Duration(a.RefreshTokenExpiryDays) * 24 * time.Hour
}

// TokenConfig converts the section for auth.NewTokenCodec
func (a AuthConfig) TokenConfig() auth.TokenConfig {
	return auth.TokenConfig{
		SecretKey:  a.SecretKey,
		AccessTTL:  a.AccessTTL(),
		RefreshTTL: a.RefreshTTL(),
		Issuer:     a.Issuer,
		Audience:   a.Audience,
	}
}

// CacheConfig holds membership and permission matrix cache settings
type CacheConfig struct {
	MembershipCacheTTLSeconds int           `yaml:"membership_cache_ttl_seconds"`
	PruneInterval             time.Duration `yaml:"prune_interval"`
	MatrixCacheSize           int           `yaml:"matrix_cache_size"`
	MatrixCacheTTLSeconds     int           `yaml:"matrix_cache_ttl_seconds"`

	// BroadcastInvalidations fans membership invalidations out over Redis pub/sub
	BroadcastInvalidations bool `yaml:"broadcast_invalidations"`
}

func (c CacheConfig) MembershipTTL() time.Duration {
	return time.Duration(c.MembershipCacheTTLSeconds) * time.Second
}

func (c CacheConfig) MatrixTTL() time.Duration {
	return time.Duration(c.MatrixCacheTTLSeconds) * time.Second
}

// RateLimitConfig holds request rate limiting settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Backend is "memory" or "redis"
	Backend           string        `yaml:"backend"`
	RequestsPerWindow int           `yaml:"requests_per_window"`
	Window            time.Duration `yaml:"window"`
	BurstSize         int           `yaml:"burst_size"`
	MaxKeys           int           `yaml:"max_keys"`
	FailClosed        bool          `yaml:"fail_closed"`
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	// Database writes events to audit_events in addition to the log
	Database   bool `yaml:"database"`
	BufferSize int  `yaml:"buffer_size"`
}

// JanitorConfig holds the refresh token cleanup schedule
type JanitorConfig struct {
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel string `yaml:"log_level"`

	// Metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`

	// OpenTelemetry
	OTelEnabled        bool    `yaml:"otel_enabled"`
	OTelEndpoint       string  `yaml:"otel_endpoint"`
	OTelServiceName    string  `yaml:"otel_service_name"`
	OTelServiceVersion string  `yaml:"otel_service_version"`
	OTelInsecure       bool    `yaml:"otel_insecure"` // Use insecure gRPC connection
	OTelSampleRatio    float64 `yaml:"otel_sample_ratio"`
}

// Level parses LogLevel, defaulting to info
func (o ObservabilityConfig) Level() observability.LogLevel {
	return observability.ParseLogLevel(o.LogLevel)
}

// TracingConfig converts the section for observability.InitTracing
func (o ObservabilityConfig) TracingConfig() observability.TracingConfig {
	return observability.TracingConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Default returns the configuration used when nothing is overridden.
// SecretKey is empty and must be provided.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            "8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			HealthPort:      "9090",
		},
		Database: storage.DefaultPostgresConfig(),
		Redis:    storage.DefaultRedisConfig(),
		Auth: AuthConfig{
			AccessTokenExpiryMinutes: 15,
			RefreshTokenExpiryDays:   7,
			Issuer:                   "tollgate",
			Audience:                 "tollgate-api",
			MaxTokensPerUser:         auth.DefaultMaxTokensPerUser,
			ReplayPolicy:             "family",
		},
		Cache: CacheConfig{
			MembershipCacheTTLSeconds: 300,
			PruneInterval:             time.Minute,
			MatrixCacheSize:           1024,
			MatrixCacheTTLSeconds:     60,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			Backend:           "memory",
			RequestsPerWindow: 100,
			Window:            time.Minute,
			BurstSize:         10,
			MaxKeys:           100_000,
		},
		Audit: AuditConfig{
			BufferSize: 1024,
		},
		Janitor: JanitorConfig{
			Schedule:      "@hourly",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			LogLevel:           "info",
			MetricsEnabled:     true,
			OTelEndpoint:       "localhost:4317",
			OTelServiceName:    "tollgate",
			OTelServiceVersion: "1.0.0",
			OTelInsecure:       true,
			OTelSampleRatio:    1.0,
		},
	}
}

// LoadConfig builds the configuration from defaults, the optional
// TOLLGATE_CONFIG_FILE and TOLLGATE_* environment variables, in that order
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(ConfigFileEnv); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnv overrides fields whose variable is set; the current value is the default
func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = getEnv("TOLLGATE_HOST", s.Host)
	s.Port = getEnv("TOLLGATE_PORT", s.Port)
	s.ReadTimeout = getEnvDuration("TOLLGATE_READ_TIMEOUT", s.ReadTimeout)
	s.WriteTimeout = getEnvDuration("TOLLGATE_WRITE_TIMEOUT", s.WriteTimeout)
	s.IdleTimeout = getEnvDuration("TOLLGATE_IDLE_TIMEOUT", s.IdleTimeout)
	s.ShutdownTimeout = getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", s.ShutdownTimeout)
	s.HealthPort = getEnv("TOLLGATE_HEALTH_PORT", s.HealthPort)

	d := &c.Database
	d.URL = getEnv("TOLLGATE_POSTGRES_URL", d.URL)
	d.MaxConns = getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", d.MaxConns)
	d.MinConns = getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", d.MinConns)
	d.ConnectTimeout = getEnvDuration("TOLLGATE_POSTGRES_TIMEOUT", d.ConnectTimeout)

	r := &c.Redis
	r.URL = getEnv("TOLLGATE_REDIS_URL", r.URL)
	r.Password = getEnv("TOLLGATE_REDIS_PASSWORD", r.Password)
	r.DB = getEnvInt("TOLLGATE_REDIS_DB", r.DB)
	r.MaxRetries = getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", r.MaxRetries)
	r.PoolSize = getEnvInt("TOLLGATE_REDIS_POOL_SIZE", r.PoolSize)

	a := &c.Auth
	a.SecretKey = getEnv("TOLLGATE_SECRET_KEY", a.SecretKey)
	a.AccessTokenExpiryMinutes = getEnvInt("TOLLGATE_ACCESS_TOKEN_EXPIRY_MINUTES", a.AccessTokenExpiryMinutes)
	a.RefreshTokenExpiryDays = getEnvInt("TOLLGATE_REFRESH_TOKEN_EXPIRY_DAYS", a.RefreshTokenExpiryDays)
	a.Issuer = getEnv("TOLLGATE_ISSUER", a.Issuer)
	a.Audience = getEnv("TOLLGATE_AUDIENCE", a.Audience)
	a.MaxTokensPerUser = getEnvInt("TOLLGATE_MAX_TOKENS_PER_USER", a.MaxTokensPerUser)
	a.ReplayPolicy = getEnv("TOLLGATE_REPLAY_POLICY", a.ReplayPolicy)

	ca := &c.Cache
	ca.MembershipCacheTTLSeconds = getEnvInt("TOLLGATE_MEMBERSHIP_CACHE_TTL_SECONDS", ca.MembershipCacheTTLSeconds)
	ca.PruneInterval = getEnvDuration("TOLLGATE_CACHE_PRUNE_INTERVAL", ca.PruneInterval)
	ca.MatrixCacheSize = getEnvInt("TOLLGATE_MATRIX_CACHE_SIZE", ca.MatrixCacheSize)
	ca.MatrixCacheTTLSeconds = getEnvInt("TOLLGATE_MATRIX_CACHE_TTL_SECONDS", ca.MatrixCacheTTLSeconds)
	ca.BroadcastInvalidations = getEnvBool("TOLLGATE_BROADCAST_INVALIDATIONS", ca.BroadcastInvalidations)

	rl := &c.RateLimit
	rl.Enabled = getEnvBool("TOLLGATE_RATE_LIMIT_ENABLED", rl.Enabled)
	rl.Backend = getEnv("TOLLGATE_RATE_LIMIT_BACKEND", rl.Backend)
	rl.RequestsPerWindow = getEnvInt("TOLLGATE_RATE_LIMIT_REQUESTS", rl.RequestsPerWindow)
	rl.Window = getEnvDuration("TOLLGATE_RATE_LIMIT_WINDOW", rl.Window)
	rl.BurstSize = getEnvInt("TOLLGATE_RATE_LIMIT_BURST", rl.BurstSize)
	rl.MaxKeys = getEnvInt("TOLLGATE_RATE_LIMIT_MAX_KEYS", rl.MaxKeys)
	rl.FailClosed = getEnvBool("TOLLGATE_RATE_LIMIT_FAIL_CLOSED", rl.FailClosed)

	c.Audit.Database = getEnvBool("TOLLGATE_AUDIT_DATABASE", c.Audit.Database)
	c.Audit.BufferSize = getEnvInt("TOLLGATE_AUDIT_BUFFER_SIZE", c.Audit.BufferSize)

	c.Janitor.Schedule = getEnv("TOLLGATE_JANITOR_SCHEDULE", c.Janitor.Schedule)
	c.Janitor.RetentionDays = getEnvInt("TOLLGATE_JANITOR_RETENTION_DAYS", c.Janitor.RetentionDays)

	o := &c.Observability
	o.LogLevel = getEnv("TOLLGATE_LOG_LEVEL", o.LogLevel)
	o.MetricsEnabled = getEnvBool("TOLLGATE_METRICS_ENABLED", o.MetricsEnabled)
	o.OTelEnabled = getEnvBool("TOLLGATE_OTEL_ENABLED", o.OTelEnabled)
	o.OTelEndpoint = getEnv("TOLLGATE_OTEL_ENDPOINT", o.OTelEndpoint)
	o.OTelServiceName = getEnv("TOLLGATE_OTEL_SERVICE_NAME", o.OTelServiceName)
	o.OTelServiceVersion = getEnv("TOLLGATE_OTEL_SERVICE_VERSION", o.OTelServiceVersion)
	o.OTelInsecure = getEnvBool("TOLLGATE_OTEL_INSECURE", o.OTelInsecure)
	o.OTelSampleRatio = getEnvFloat("TOLLGATE_OTEL_SAMPLE_RATIO", o.OTelSampleRatio)
}

// Validate checks if the configuration is valid. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Server.HealthPort == "" {
		errs = append(errs, errors.New("health port is required"))
	}
	if c.Server.Port != "" && c.Server.Port == c.Server.HealthPort {
		errs = append(errs, errors.New("server port and health port must be different"))
	}

	if c.Database.URL == "" {
		errs = append(errs, errors.New("postgres URL is required"))
	}

	if len(c.Auth.SecretKey) < auth.MinSecretLength {
		errs = append(errs, auth.ErrWeakSecret)
	}
	if c.Auth.AccessTokenExpiryMinutes <= 0 {
		errs = append(errs, errors.New("access token expiry must be positive"))
	}
	if c.Auth.RefreshTTL() <= c.Auth.AccessTTL() {
		errs = append(errs, auth.ErrInvalidTTL)
	}
	if c.Auth.MaxTokensPerUser <= 0 {
		errs = append(errs, errors.New("max tokens per user must be positive"))
	}
	if _, err := auth.ParseReplayPolicy(c.Auth.ReplayPolicy); err != nil {
		errs = append(errs, err)
	}

	if c.Cache.MembershipCacheTTLSeconds <= 0 {
		errs = append(errs, errors.New("membership cache TTL must be positive"))
	}
	if c.Cache.BroadcastInvalidations && !c.Redis.Enabled() {
		errs = append(errs, errors.New("redis URL is required to broadcast invalidations"))
	}

	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "memory":
		case "redis":
			if !c.Redis.Enabled() {
				errs = append(errs, errors.New("redis URL is required for the redis rate limit backend"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid rate limit backend: %s (must be memory or redis)", c.RateLimit.Backend))
		}
		if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.Window <= 0 {
			errs = append(errs, errors.New("rate limit requests and window must be positive"))
		}
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			errs = append(errs, errors.New("OpenTelemetry endpoint is required when OTel is enabled"))
		}
		if c.Observability.OTelServiceName == "" {
			errs = append(errs, errors.New("OpenTelemetry service name is required when OTel is enabled"))
		}
	}

	return errors.Join(errs...)
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
