// Package config provides centralized configuration management for the portal.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Columnar ColumnarConfig
	Pipeline PipelineConfig
	PHI      PHIConfig
	Rate     RateLimitConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP / X-Forwarded-For headers are honored (default: none)
	TrustedProxies string `env:"SERVER_TRUSTED_PROXIES"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. When empty the server runs
	// on in-memory stores, losing state on restart.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// RedisConfig holds the task queue backend settings.
// When Addr is empty the in-process queue is used instead.
type RedisConfig struct {
	// Addr is the Redis address, e.g. localhost:6379 (empty: in-process queue)
	Addr string `env:"REDIS_ADDR"`

	// Password for the Redis instance, if any
	Password string `env:"REDIS_PASSWORD"`

	// DB is the Redis database number (default: 0)
	DB int `env:"REDIS_DB" default:"0"`
}

// StorageConfig holds file storage settings.
type StorageConfig struct {
	// Root is the base directory for uploaded files (default: ./data/uploads)
	Root string `env:"STORAGE_ROOT" default:"./data/uploads"`

	// MaxFileSize is the maximum accepted upload size in bytes (default: 4GB)
	MaxFileSize int64 `env:"STORAGE_MAX_FILE_SIZE" default:"4294967296"`
}

// ColumnarConfig holds analytical store settings.
type ColumnarConfig struct {
	// Dir is where columnar store files are written (default: ./data/columnar)
	Dir string `env:"COLUMNAR_DIR" default:"./data/columnar"`

	// MemoryLimitMB is the per-conversion memory ceiling (default: 512)
	MemoryLimitMB int `env:"COLUMNAR_MEMORY_LIMIT_MB" default:"512"`

	// SpillDir is where out-of-core operations spill (default: ./data/spill)
	SpillDir string `env:"COLUMNAR_SPILL_DIR" default:"./data/spill"`
}

// PipelineConfig holds orchestration settings.
type PipelineConfig struct {
	// Workers is the number of parallel task workers (default: 4)
	Workers int `env:"PIPELINE_WORKERS" default:"4"`

	// MaxRetries is the retry budget for transient stage failures (default: 3)
	MaxRetries int `env:"PIPELINE_MAX_RETRIES" default:"3"`

	// RetryBackoff is the base backoff between retries, doubled per attempt (default: 60s)
	RetryBackoff time.Duration `env:"PIPELINE_RETRY_BACKOFF" default:"60s"`

	// VariableWorkers caps concurrent per-variable validation tasks (default: 8)
	VariableWorkers int `env:"PIPELINE_VARIABLE_WORKERS" default:"8"`

	// DiagnosticsCheckpointRows is how often diagnostics reports progress (default: 50000)
	DiagnosticsCheckpointRows int `env:"PIPELINE_DIAGNOSTICS_CHECKPOINT_ROWS" default:"50000"`
}

// PHIConfig holds PHI lifecycle tracking settings.
type PHIConfig struct {
	// CleanupDeadline is how long transient PHI copies may live (default: 24h)
	CleanupDeadline time.Duration `env:"PHI_CLEANUP_DEADLINE" default:"24h"`

	// SweepInterval is how often the reconciliation sweep runs (default: 1h)
	SweepInterval time.Duration `env:"PHI_SWEEP_INTERVAL" default:"1h"`

	// ForceCleanup controls whether the sweep deletes overdue copies itself
	// or only reports them (default: true)
	ForceCleanup bool `env:"PHI_FORCE_CLEANUP" default:"true"`
}

// RateLimitConfig holds API rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// UploadLimit is requests per minute for upload endpoints (default: 10)
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" default:"10"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
