// Package telemetry wires the OpenTelemetry SDK to the exporters selected
// through standard OTEL_* environment variables and owns the engine's fixed
// metric set.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/xylex-group/xbp-monitoring/pkg/version"
)

const (
	envOTLPEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envOTLPProtocol   = "OTEL_EXPORTER_OTLP_PROTOCOL"
	envOTLPTimeout    = "OTEL_EXPORTER_OTLP_TIMEOUT"
	envMetricsExport  = "OTEL_METRICS_EXPORTER"
	envTracesExport   = "OTEL_TRACES_EXPORTER"
	envPrometheusHost = "OTEL_EXPORTER_PROMETHEUS_HOST"
	envPrometheusPort = "OTEL_EXPORTER_PROMETHEUS_PORT"

	defaultOTLPEndpoint   = "http://localhost:4317"
	defaultOTLPTimeout    = 10 * time.Second
	defaultPrometheusHost = "localhost"
	defaultPrometheusPort = "9464"
)

// Telemetry holds the configured providers and their shutdown hooks.
type Telemetry struct {
	// PrometheusActive reports whether the Prometheus exporter is serving;
	// the control plane mounts /metrics only in that case.
	PrometheusActive bool

	promServer *http.Server
	shutdowns  []func(context.Context) error
}

// Setup reads the OTEL_* environment, installs global tracer and meter
// providers, and starts the Prometheus listener when selected. Exporters
// are off unless their environment variable selects one.
func Setup(ctx context.Context) (*Telemetry, error) {
	t := &Telemetry{}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(version.ServiceName),
			semconv.ServiceVersion(version.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build telemetry resource: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if err := t.setupTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := t.setupMetrics(ctx, res); err != nil {
		_ = t.Shutdown(ctx)
		return nil, err
	}
	return t, nil
}

func (t *Telemetry) setupTraces(ctx context.Context, res *resource.Resource) error {
	var exporter sdktrace.SpanExporter
	var err error

	switch mode := os.Getenv(envTracesExport); mode {
	case "":
		return nil
	case "otlp":
		exporter, err = newOTLPTraceExporter(ctx)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return fmt.Errorf("unsupported %s value %q", envTracesExport, mode)
	}
	if err != nil {
		return fmt.Errorf("failed to create trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	t.shutdowns = append(t.shutdowns, provider.Shutdown)
	return nil
}

func (t *Telemetry) setupMetrics(ctx context.Context, res *resource.Resource) error {
	var reader sdkmetric.Reader

	switch mode := os.Getenv(envMetricsExport); mode {
	case "":
		return nil
	case "otlp":
		exporter, err := newOTLPMetricExporter(ctx)
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "stdout":
		exporter, err := stdoutmetric.New()
		if err != nil {
			return fmt.Errorf("failed to create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	case "prometheus":
		exporter, err := otelprom.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}
		reader = exporter
		t.PrometheusActive = true
	default:
		return fmt.Errorf("unsupported %s value %q", envMetricsExport, mode)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(provider)
	t.shutdowns = append(t.shutdowns, provider.Shutdown)

	if t.PrometheusActive {
		t.startPrometheusServer()
	}
	return nil
}

func newOTLPTraceExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	endpoint := otlpEndpoint()
	timeout := otlpTimeout()

	switch proto := otlpProtocol(); proto {
	case "grpc":
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpointURL(endpoint),
			otlptracegrpc.WithTimeout(timeout),
		)
	case "http/protobuf", "http/json":
		if proto == "http/json" {
			slog.Warn("OTLP http/json is served as http/protobuf by the collector client", "protocol", proto)
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpointURL(endpoint),
			otlptracehttp.WithTimeout(timeout),
		)
	default:
		return nil, fmt.Errorf("unsupported %s value %q", envOTLPProtocol, proto)
	}
}

func newOTLPMetricExporter(ctx context.Context) (sdkmetric.Exporter, error) {
	endpoint := otlpEndpoint()
	timeout := otlpTimeout()

	switch proto := otlpProtocol(); proto {
	case "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpointURL(endpoint),
			otlpmetricgrpc.WithTimeout(timeout),
		)
	case "http/protobuf", "http/json":
		if proto == "http/json" {
			slog.Warn("OTLP http/json is served as http/protobuf by the collector client", "protocol", proto)
		}
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpointURL(endpoint),
			otlpmetrichttp.WithTimeout(timeout),
		)
	default:
		return nil, fmt.Errorf("unsupported %s value %q", envOTLPProtocol, proto)
	}
}

func (t *Telemetry) startPrometheusServer() {
	host := os.Getenv(envPrometheusHost)
	if host == "" {
		host = defaultPrometheusHost
	}
	port := os.Getenv(envPrometheusPort)
	if port == "" {
		port = defaultPrometheusPort
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.promServer = &http.Server{
		Addr:    net.JoinHostPort(host, port),
		Handler: mux,
	}
	go func() {
		if err := t.promServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("prometheus endpoint failed", "addr", t.promServer.Addr, "error", err)
		}
	}()
	t.shutdowns = append(t.shutdowns, t.promServer.Shutdown)
}

// Shutdown flushes and stops every configured provider and listener.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var firstErr error
	for i := len(t.shutdowns) - 1; i >= 0; i-- {
		if err := t.shutdowns[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func otlpEndpoint() string {
	if v := os.Getenv(envOTLPEndpoint); v != "" {
		return v
	}
	return defaultOTLPEndpoint
}

func otlpProtocol() string {
	if v := os.Getenv(envOTLPProtocol); v != "" {
		return v
	}
	return "grpc"
}

func otlpTimeout() time.Duration {
	if v := os.Getenv(envOTLPTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultOTLPTimeout
}
