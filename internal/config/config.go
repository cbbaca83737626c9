// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	ShutdownTimeout     time.Duration
	MaxRequestBodyBytes int64         // Maximum request body size in bytes.
	WorkTimeout         time.Duration // Deadline for the simulated work routes.

	// Database settings.
	DatabaseURL string // postgres://... or sqlite://<path>

	// Logging settings.
	LogLevel         string // debug, info, warn, error
	LogFormat        string // json or text
	LogExport        bool   // mirror log records to the OTLP logs endpoint
	LogBufferSize    int
	LogFlushInterval time.Duration

	// OTEL settings.
	ServiceName          string
	OTELEndpoint         string
	OTELHeaders          map[string]string
	OTELLogsEndpoint     string
	MetricExportInterval time.Duration
	OTELDisabled         bool
}

// Load reads configuration from environment variables with sensible defaults.
// Every invalid variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	port, err := envInt("KANSOKU_PORT", 3000)
	collect(err)
	readTimeout, err := envDuration("KANSOKU_READ_TIMEOUT", 30*time.Second)
	collect(err)
	writeTimeout, err := envDuration("KANSOKU_WRITE_TIMEOUT", 30*time.Second)
	collect(err)
	shutdownTimeout, err := envDuration("KANSOKU_SHUTDOWN_TIMEOUT", 10*time.Second)
	collect(err)
	maxBody, err := envInt("KANSOKU_MAX_REQUEST_BODY_BYTES", 1*1024*1024) // 1 MB default
	collect(err)
	workTimeout, err := envDuration("KANSOKU_WORK_TIMEOUT", 5*time.Second)
	collect(err)
	logExport, err := envBool("KANSOKU_LOG_EXPORT", true)
	collect(err)
	logBufferSize, err := envInt("KANSOKU_LOG_BUFFER_SIZE", 1000)
	collect(err)
	logFlushInterval, err := envDuration("KANSOKU_LOG_FLUSH_INTERVAL", time.Second)
	collect(err)
	metricIntervalMS, err := envInt("OTEL_METRIC_EXPORT_INTERVAL", 10_000)
	collect(err)
	otelDisabled, err := envBool("OTEL_SDK_DISABLED", false)
	collect(err)

	headers, err := telemetry.ParseHeaders(envStr("OTEL_EXPORTER_OTLP_HEADERS", ""))
	if err != nil {
		collect(fmt.Errorf("OTEL_EXPORTER_OTLP_HEADERS: %w", err))
	}

	cfg := Config{
		Port:                 port,
		ReadTimeout:          readTimeout,
		WriteTimeout:         writeTimeout,
		ShutdownTimeout:      shutdownTimeout,
		MaxRequestBodyBytes:  int64(maxBody),
		WorkTimeout:          workTimeout,
		DatabaseURL:          envStr("DATABASE_URL", "sqlite://kansoku.db"),
		LogLevel:             strings.ToLower(envStr("KANSOKU_LOG_LEVEL", "info")),
		LogFormat:            strings.ToLower(envStr("KANSOKU_LOG_FORMAT", "json")),
		LogExport:            logExport,
		LogBufferSize:        logBufferSize,
		LogFlushInterval:     logFlushInterval,
		ServiceName:          envStr("OTEL_SERVICE_NAME", "kansoku"),
		OTELEndpoint:         strings.TrimRight(envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318"), "/"),
		OTELHeaders:          headers,
		OTELLogsEndpoint:     envStr("OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", ""),
		MetricExportInterval: time.Duration(metricIntervalMS) * time.Millisecond,
		OTELDisabled:         otelDisabled,
	}
	if cfg.OTELLogsEndpoint == "" && cfg.OTELEndpoint != "" {
		cfg.OTELLogsEndpoint = cfg.OTELEndpoint + "/v1/logs"
	}

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and in range.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("KANSOKU_PORT=%d is out of range", c.Port))
	}
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, errors.New("KANSOKU_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.WorkTimeout <= 0 {
		errs = append(errs, errors.New("KANSOKU_WORK_TIMEOUT must be positive"))
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, c.LogLevel) {
		errs = append(errs, fmt.Errorf("KANSOKU_LOG_LEVEL=%q must be one of debug, info, warn, error", c.LogLevel))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("KANSOKU_LOG_FORMAT=%q must be json or text", c.LogFormat))
	}
	if c.LogBufferSize <= 0 {
		errs = append(errs, errors.New("KANSOKU_LOG_BUFFER_SIZE must be positive"))
	}
	if c.LogFlushInterval <= 0 {
		errs = append(errs, errors.New("KANSOKU_LOG_FLUSH_INTERVAL must be positive"))
	}
	if c.MetricExportInterval <= 0 {
		errs = append(errs, errors.New("OTEL_METRIC_EXPORT_INTERVAL must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
