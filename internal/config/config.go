// Package config provides centralized configuration management for the job engine.
// It loads configuration from environment variables (and optionally a config file)
// with sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Jobs     JobsConfig
	Import   ImportConfig
	Export   ExportConfig
	Write    WriteConfig
	Artifact ArtifactConfig
	Redis    RedisConfig
	Rate     RateLimitConfig
	Logging  LoggingConfig
	Tracing  TracingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// PublicBaseURL is the externally reachable base URL, used for local artifact links
	PublicBaseURL string `env:"PUBLIC_BASE_URL" default:"http://localhost:8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0, downloads can be large)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP / X-Forwarded-For headers are honored
	TrustedProxies []string `env:"TRUSTED_PROXIES"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility.
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

// JobsConfig holds settings shared by all job kinds.
type JobsConfig struct {
	// Store selects the job record backend: memory or postgres (default: postgres)
	Store string `env:"JOB_STORE" default:"postgres"`

	// MaxConcurrent is the number of jobs allowed in Running at once (default: 4)
	MaxConcurrent int `env:"JOBS_MAX_CONCURRENT" default:"4"`

	// ErrorPreview is how many row errors a job read surfaces (default: 20)
	ErrorPreview int `env:"JOB_ERROR_PREVIEW" default:"20"`

	// SweepInterval is how often expired export artifacts are removed (default: 15m)
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" default:"15m"`

	// ReconcileOnStart fails jobs left pending or running by a previous process (default: true)
	ReconcileOnStart bool `env:"JOBS_RECONCILE_ON_START" default:"true"`
}

// ImportConfig holds upload handling settings.
type ImportConfig struct {
	// MaxFileSize is the maximum accepted upload in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" default:"104857600"`

	// UploadDir is where uploads are spooled until their job finishes (default: os temp dir)
	UploadDir string `env:"IMPORT_UPLOAD_DIR"`
}

// ExportConfig holds export settings.
type ExportConfig struct {
	// Retention is how long a generated artifact stays downloadable (default: 48h)
	Retention time.Duration `env:"EXPORT_RETENTION" default:"48h"`

	// ProgressInterval is how many rows are serialized between progress saves (default: 500)
	ProgressInterval int `env:"EXPORT_PROGRESS_INTERVAL" default:"500"`
}

// WriteConfig tunes how import rows are written to storage.
type WriteConfig struct {
	// MaxAttempts is the number of tries for a transient storage failure (default: 3)
	MaxAttempts int `env:"WRITE_MAX_ATTEMPTS" default:"3"`

	// RetryMin is the first backoff delay (default: 100ms)
	RetryMin time.Duration `env:"WRITE_RETRY_MIN" default:"100ms"`

	// RetryMax caps the backoff delay (default: 2s)
	RetryMax time.Duration `env:"WRITE_RETRY_MAX" default:"2s"`

	// TripAfter is the number of consecutive transient failures that marks the store unreachable (default: 5)
	TripAfter int `env:"STORE_TRIP_AFTER" default:"5"`

	// EscalateAfter is the number of consecutive identical storage errors that flags a job (default: 25)
	EscalateAfter int `env:"ESCALATE_AFTER" default:"25"`
}

// ArtifactConfig holds export artifact storage settings.
type ArtifactConfig struct {
	// Backend is local or s3 (default: local)
	Backend string `env:"ARTIFACT_BACKEND" default:"local"`

	// Dir is the local artifact root (default: ./artifacts)
	Dir string `env:"ARTIFACT_DIR" default:"./artifacts"`

	// SigningKey signs local download links
	SigningKey string `env:"ARTIFACT_SIGNING_KEY"`

	// URLTTL bounds the lifetime of a download link (default: 15m)
	URLTTL time.Duration `env:"ARTIFACT_URL_TTL" default:"15m"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3UseSSL    bool   `env:"S3_USE_SSL" default:"true"`
}

// RedisConfig holds the optional cancellation broker settings.
type RedisConfig struct {
	// Addr enables the Redis broker when set
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" default:"0"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// TracingConfig holds OpenTelemetry settings for job spans.
type TracingConfig struct {
	// Exporter is none, stdout or otlp (default: none)
	Exporter string `env:"TRACING_EXPORTER" default:"none"`

	// Endpoint is the OTLP gRPC collector address (default: localhost:4317)
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`

	// Insecure disables TLS to the collector (default: true)
	Insecure bool `env:"TRACING_INSECURE" default:"true"`

	// ServiceName is reported as service.name (default: parasto-jobs)
	ServiceName string `env:"TRACING_SERVICE_NAME" default:"parasto-jobs"`

	// SampleRate is the fraction of root spans kept, 0 to 1 (default: 1)
	SampleRate float64 `env:"TRACING_SAMPLE_RATE" default:"1"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}
