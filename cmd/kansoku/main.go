package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kansoku/api"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/logging"
	"github.com/ashita-ai/kansoku/internal/server"
	"github.com/ashita-ai/kansoku/internal/service/simulate"
	"github.com/ashita-ai/kansoku/internal/storage"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	// Bootstrap logger until the configured one exists. Exporter errors are
	// also reported here, so they never loop back into the OTLP log sink.
	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(bootLogger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, bootLogger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, bootLogger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize OpenTelemetry.
	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		Endpoint:       cfg.OTELEndpoint,
		Headers:        cfg.OTELHeaders,
		MetricInterval: cfg.MetricExportInterval,
		Disabled:       cfg.OTELDisabled,
	}, bootLogger)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	// Mirror logs to the collector through a bounded buffer.
	var logBuffer *logging.BufferedSink
	var sinks []logging.Sink
	if cfg.LogExport && provider.Enabled() && cfg.OTELLogsEndpoint != "" {
		otlpSink, err := logging.NewOTLPSink(ctx, cfg.OTELLogsEndpoint, cfg.OTELHeaders, provider.Resource())
		if err != nil {
			return err
		}
		logBuffer = logging.NewBufferedSink(otlpSink, logging.BufferOptions{
			Capacity:      cfg.LogBufferSize,
			FlushInterval: cfg.LogFlushInterval,
			Meter:         provider.Meter("kansoku/logging"),
		})
		logBuffer.Start(ctx)
		sinks = append(sinks, logBuffer)
	}

	logger := logging.NewLogger(logging.Options{
		Level:  level,
		Format: cfg.LogFormat,
		Sinks:  sinks,
	})
	slog.SetDefault(logger.Slog())

	logger.Info(ctx, "kansoku starting", map[string]any{
		"version":         version,
		"port":            cfg.Port,
		"otel_enabled":    provider.Enabled(),
		"log_export":      logBuffer != nil,
		"otel_endpoint":   cfg.OTELEndpoint,
		"metric_interval": cfg.MetricExportInterval.String(),
	})

	// Connect to the user store and apply migrations.
	store, err := storage.Open(ctx, cfg.DatabaseURL, logger.Slog())
	if err != nil {
		return err
	}
	logger.Info(ctx, "storage: connected", map[string]any{"system": store.System()})

	tracer := provider.Tracer("kansoku")
	srv, err := server.New(server.ServerConfig{
		Store:               store,
		Logger:              logger,
		Tracer:              tracer,
		Metrics:             telemetry.NewRegistry(provider.Meter("kansoku")),
		Simulator:           simulate.New(tracer),
		LogBuffer:           logBuffer,
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		WorkTimeout:         cfg.WorkTimeout,
	})
	if err != nil {
		_ = store.Close(context.Background())
		return err
	}

	// Start HTTP server in background.
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or server error.
	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting requests and drain in-flight ones, (2) flush
	// buffered log records, (3) flush spans and metrics, (4) close the store.
	logger.Info(context.Background(), "kansoku shutting down", nil)

	httpCtx, httpCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := srv.Shutdown(httpCtx); err != nil {
		logger.Error(httpCtx, "http shutdown error", map[string]any{"error": err.Error()})
	}
	httpCancel()

	if logBuffer != nil {
		bufCtx, bufCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := logBuffer.Close(bufCtx); err != nil {
			bootLogger.Error("log buffer shutdown error", "error", err)
		}
		bufCancel()
	}
	// Records logged from here on only reach the console.
	slog.SetDefault(bootLogger)

	otelCtx, otelCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	if err := provider.Shutdown(otelCtx); err != nil {
		bootLogger.Error("telemetry shutdown error", "error", err)
	}
	otelCancel()

	if err := store.Close(context.Background()); err != nil {
		bootLogger.Error("storage close error", "error", err)
	}

	bootLogger.Info("kansoku stopped")
	return serveErr
}
