// Package config loads tollgate configuration.
//
// Values are resolved in three layers: Default(), then the YAML file named by
// TOLLGATE_CONFIG_FILE (if set), then TOLLGATE_* environment variables.
// Validate runs last and reports every problem at once.
//
// # Environment
//
// Server:
//
//	TOLLGATE_HOST="0.0.0.0"
//	TOLLGATE_PORT="8080"
//	TOLLGATE_HEALTH_PORT="9090"
//
// Tokens:
//
//	TOLLGATE_SECRET_KEY="..."                 # required, at least 32 bytes
//	TOLLGATE_ACCESS_TOKEN_EXPIRY_MINUTES="15"
//	TOLLGATE_REFRESH_TOKEN_EXPIRY_DAYS="7"
//	TOLLGATE_MAX_TOKENS_PER_USER="5"
//	TOLLGATE_REPLAY_POLICY="family"           # family, all
//
// Stores:
//
//	TOLLGATE_POSTGRES_URL="postgres://localhost/tollgate"
//	TOLLGATE_REDIS_URL="redis://localhost:6379/0"
//
// Caching and rate limiting:
//
//	TOLLGATE_MEMBERSHIP_CACHE_TTL_SECONDS="300"
//	TOLLGATE_BROADCAST_INVALIDATIONS="false"
//	TOLLGATE_RATE_LIMIT_BACKEND="memory"      # memory, redis
//	TOLLGATE_RATE_LIMIT_FAIL_CLOSED="false"
//
// Observability:
//
//	TOLLGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TOLLGATE_OTEL_ENABLED="true"
//	TOLLGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # YAML
//
// The file uses the yaml tags of Config, for example:
//
//	auth:
//	  issuer: tollgate
//	  access_token_expiry_minutes: 15
//	rate_limit:
//	  backend: redis
//
// # Related Packages
//
//   - pkg/storage: Database and Redis sections
//   - pkg/observability: Logging and tracing sections
package config
