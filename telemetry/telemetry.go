// Package telemetry wires OpenTelemetry tracing and log export for hosts of
// the state machine. Spans emitted by the statemachine package go through the
// global tracer provider installed here; slog records reach the OTLP log
// exporter through the handler returned by LogHandler.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/amp-labs/amp-fsm/logger"
	"github.com/caarlos0/env/v11"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

const (
	gkeCollectorEndpoint = "http://opentelemetry-collector.opentelemetry.svc.cluster.local:4318"
	instrumentationName  = "github.com/amp-labs/amp-fsm"
)

var (
	mut            sync.Mutex               //nolint:gochecknoglobals
	tracerProvider *sdktrace.TracerProvider //nolint:gochecknoglobals
	loggerProvider *sdklog.LoggerProvider   //nolint:gochecknoglobals
	logHandler     slog.Handler             //nolint:gochecknoglobals
)

// Config holds the OpenTelemetry configuration.
type Config struct {
	ServiceName    string        `env:"OTEL_SERVICE_NAME"`
	ServiceVersion string        `env:"OTEL_SERVICE_VERSION"       envDefault:"1.0.0"`
	Environment    string
	Endpoint       string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Enabled        bool          `env:"OTEL_ENABLED"               envDefault:"false"`
	LogsEnabled    bool          `env:"OTEL_LOGS_ENABLED"          envDefault:"true"`
	Timeout        time.Duration `env:"OTEL_EXPORTER_OTLP_TIMEOUT" envDefault:"5s"`
}

// LoadConfigFromEnv loads OpenTelemetry configuration from environment variables.
// The service name defaults to the logging subsystem. Inside Kubernetes the
// endpoint defaults to the cluster's collector service.
func LoadConfigFromEnv(runningEnv string) (*Config, error) {
	config, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse telemetry environment: %w", err)
	}

	if config.ServiceName == "" {
		config.ServiceName = logger.GetSubsystem(context.Background())
	}

	if config.Endpoint == "" && os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		config.Endpoint = gkeCollectorEndpoint
	}

	config.Environment = runningEnv

	return &config, nil
}

// Initialize sets up OpenTelemetry tracing, and log export when enabled, with
// the given configuration. It does nothing when telemetry is disabled or no
// endpoint is configured.
func Initialize(ctx context.Context, config *Config) error {
	if !config.Enabled {
		slog.Info("OpenTelemetry is disabled")

		return nil
	}

	if config.Endpoint == "" {
		slog.Warn("OpenTelemetry endpoint not configured, telemetry will be disabled")

		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(config.Environment),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	traceExporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(signalURL(config.Endpoint, "traces")),
		otlptracehttp.WithTimeout(config.Timeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	var (
		lp      *sdklog.LoggerProvider
		handler slog.Handler
	)

	if config.LogsEnabled {
		logExporter, err := otlploghttp.New(ctx,
			otlploghttp.WithEndpointURL(signalURL(config.Endpoint, "logs")),
			otlploghttp.WithTimeout(config.Timeout),
		)
		if err != nil {
			return errors.Join(
				fmt.Errorf("failed to create OTLP log exporter: %w", err),
				tp.Shutdown(ctx),
			)
		}

		lp = sdklog.NewLoggerProvider(
			sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
			sdklog.WithResource(res),
		)

		handler = otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(lp))
	}

	install(tp, lp, handler)

	slog.Info("OpenTelemetry initialized",
		"service", config.ServiceName,
		"version", config.ServiceVersion,
		"environment", config.Environment,
		"endpoint", config.Endpoint,
		"logs", config.LogsEnabled,
	)

	return nil
}

func install(tp *sdktrace.TracerProvider, lp *sdklog.LoggerProvider, handler slog.Handler) {
	mut.Lock()
	defer mut.Unlock()

	tracerProvider = tp
	loggerProvider = lp
	logHandler = handler

	otel.SetTracerProvider(tp)

	// Set the global propagator to support trace context propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if lp != nil {
		global.SetLoggerProvider(lp)
	}
}

// LogHandler returns the slog handler exporting records over OTLP, or nil when
// log export is not initialized. Pass it to logger.WithExtraHandler.
func LogHandler() slog.Handler { //nolint:ireturn
	mut.Lock()
	defer mut.Unlock()

	return logHandler
}

// Shutdown flushes and shuts down the providers installed by Initialize.
func Shutdown(ctx context.Context) error {
	mut.Lock()
	tp, lp := tracerProvider, loggerProvider
	tracerProvider, loggerProvider, logHandler = nil, nil, nil
	mut.Unlock()

	var errs []error

	if tp != nil {
		slog.Info("Shutting down OpenTelemetry tracer provider")

		errs = append(errs, tp.Shutdown(ctx))
	}

	if lp != nil {
		errs = append(errs, lp.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

// signalURL appends the OTLP/HTTP signal path to a collector base URL.
func signalURL(endpoint, signal string) string {
	return strings.TrimRight(endpoint, "/") + "/v1/" + signal
}
