package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

const metricsNamespace = "narrator"

// telemetry owns the global tracer and meter providers used by the pipeline
// spans and the narration gauges.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
}

// setupTelemetry installs the narrator tracer and meter providers. Generation
// spans go to OTLP when an endpoint is configured, to stdout at debug level,
// and nowhere otherwise. Metrics live in a registry private to this runtime
// and are served by the returned handler.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry resource: %w", err)
	}

	tel := &telemetry{}
	exporter, err := newSpanExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, nil, fmt.Errorf("span exporter: %w", err)
	}
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tel.tracer = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tel.tracer)

	if err := tel.setupMetrics(res, logger); err != nil {
		_ = tel.tracer.Shutdown(ctx)
		return nil, nil, err
	}
	otel.SetMeterProvider(tel.meter)

	logger.Info("telemetry ready",
		slog.String("spans", spanDestination(cfg.Telemetry)),
		slog.Bool("metrics", tel.metrics != nil))
	return tel.shutdown, tel.metrics, nil
}

// newSpanExporter returns nil when spans should only be sampled in process.
func newSpanExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch spanDestination(cfg) {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, nil
	}
}

func spanDestination(cfg config.TelemetryConfig) string {
	switch {
	case strings.TrimSpace(cfg.OTLPEndpoint) != "":
		return "otlp"
	case strings.EqualFold(cfg.LogLevel, "debug"):
		return "stdout"
	default:
		return "none"
	}
}

func (t *telemetry) setupMetrics(res *resource.Resource, logger *slog.Logger) error {
	registry := promclient.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	reader, err := otelprom.New(otelprom.WithRegisterer(registry), otelprom.WithNamespace(metricsNamespace))
	if err != nil {
		// generation still works without /metrics
		logger.Warn("prometheus reader unavailable", slog.String("error", err.Error()))
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		return nil
	}
	t.meter = sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
	t.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return nil
}

func (t *telemetry) shutdown(ctx context.Context) error {
	return errors.Join(t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
}
