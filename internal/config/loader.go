package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// lookupFunc resolves a configuration key to its raw string value.
type lookupFunc func(key string) string

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads configuration from environment variables with an optional
// JSON/YAML/TOML config file as a fallback source. Keys in the file use the
// same names as the environment variables (case-insensitive). Process
// environment always wins over the file.
func LoadFile(path string) (*Config, error) {
	lookup := os.Getenv

	if path != "" {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		lookup = func(key string) string {
			if value := os.Getenv(key); value != "" {
				return value
			}
			if !v.IsSet(key) {
				return ""
			}
			return v.GetString(key)
		}
	}

	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem(), lookup); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields using lookup.
func loadStruct(v reflect.Value, lookup lookupFunc) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal, lookup); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		envAlt := field.Tag.Get("envAlt")
		defaultVal := field.Tag.Get("default")
		required := field.Tag.Get("required") == "true"

		if envName == "" {
			continue
		}

		// Try primary key, then alternate
		value := lookup(envName)
		if value == "" && envAlt != "" {
			value = lookup(envAlt)
		}

		if value == "" {
			if required {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = defaultVal
		}

		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer: %w", err)
			}
			field.SetInt(i)
		}

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		// Comma-separated, whitespace trimmed, empty items dropped
		var items []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		field.Set(reflect.ValueOf(items))

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	switch c.Jobs.Store {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required when JOB_STORE=postgres")
		}
	case "memory":
	default:
		errs = append(errs, fmt.Sprintf("JOB_STORE (%q) must be one of: memory, postgres", c.Jobs.Store))
	}

	// Database
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Jobs
	if c.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, "JOBS_MAX_CONCURRENT must be positive")
	}
	if c.Jobs.ErrorPreview < 0 {
		errs = append(errs, "JOB_ERROR_PREVIEW must be non-negative")
	}
	if c.Jobs.SweepInterval <= 0 {
		errs = append(errs, "SWEEP_INTERVAL must be positive")
	}
	if c.Import.MaxFileSize <= 0 {
		errs = append(errs, "IMPORT_MAX_FILE_SIZE must be positive")
	}
	if c.Export.Retention < time.Hour || c.Export.Retention > 168*time.Hour {
		errs = append(errs, fmt.Sprintf("EXPORT_RETENTION (%s) must be between 1h and 168h", c.Export.Retention))
	}
	if c.Export.ProgressInterval <= 0 {
		errs = append(errs, "EXPORT_PROGRESS_INTERVAL must be positive")
	}

	// Writes
	if c.Write.MaxAttempts <= 0 {
		errs = append(errs, "WRITE_MAX_ATTEMPTS must be positive")
	}
	if c.Write.RetryMin <= 0 || c.Write.RetryMax < c.Write.RetryMin {
		errs = append(errs, "WRITE_RETRY_MIN must be positive and <= WRITE_RETRY_MAX")
	}
	if c.Write.TripAfter <= 0 {
		errs = append(errs, "STORE_TRIP_AFTER must be positive")
	}
	if c.Write.EscalateAfter <= 0 {
		errs = append(errs, "ESCALATE_AFTER must be positive")
	}

	// Artifacts
	switch c.Artifact.Backend {
	case "local":
		if c.Artifact.Dir == "" {
			errs = append(errs, "ARTIFACT_DIR is required when ARTIFACT_BACKEND=local")
		}
		if len(c.Artifact.SigningKey) < 16 {
			errs = append(errs, "ARTIFACT_SIGNING_KEY must be at least 16 characters when ARTIFACT_BACKEND=local")
		}
	case "s3":
		if c.Artifact.S3Bucket == "" {
			errs = append(errs, "S3_BUCKET is required when ARTIFACT_BACKEND=s3")
		}
	default:
		errs = append(errs, fmt.Sprintf("ARTIFACT_BACKEND (%q) must be one of: local, s3", c.Artifact.Backend))
	}
	if c.Artifact.URLTTL <= 0 {
		errs = append(errs, "ARTIFACT_URL_TTL must be positive")
	}

	// Rate limit
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	// Tracing
	switch c.Tracing.Exporter {
	case "", "none", "stdout":
	case "otlp":
		if c.Tracing.Endpoint == "" {
			errs = append(errs, "OTEL_EXPORTER_OTLP_ENDPOINT is required when TRACING_EXPORTER=otlp")
		}
	default:
		errs = append(errs, fmt.Sprintf("TRACING_EXPORTER (%q) must be one of: none, stdout, otlp", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("TRACING_SAMPLE_RATE (%g) must be between 0 and 1", c.Tracing.SampleRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// Sensitive values like database URLs and keys are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Database: {URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Jobs: {Store: %q, MaxConcurrent: %d, Retention: %s}, ",
		c.Jobs.Store, c.Jobs.MaxConcurrent, c.Export.Retention))
	b.WriteString(fmt.Sprintf("Artifact: {Backend: %q, Bucket: %q, Keys: [MASKED]}, ",
		c.Artifact.Backend, c.Artifact.S3Bucket))
	b.WriteString(fmt.Sprintf("Redis: {Enabled: %v}, ", c.Redis.Addr != ""))
	b.WriteString(fmt.Sprintf("Rate: {Enabled: %v, RequestsPerMinute: %d}, ",
		c.Rate.Enabled, c.Rate.RequestsPerMinute))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}, ",
		c.Logging.Level, c.Logging.Format))
	b.WriteString(fmt.Sprintf("Tracing: {Exporter: %q, SampleRate: %g}",
		c.Tracing.Exporter, c.Tracing.SampleRate))
	b.WriteString("}")
	return b.String()
}
