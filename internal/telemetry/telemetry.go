// Package telemetry configures OpenTelemetry tracing for the server. With no
// collector endpoint the global no-op tracer stays in place.
package telemetry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/dmitrijs2005/doccatalog/internal/logging"
)

const serviceName = "doccatalog"

const exportTimeout = 10 * time.Second

// ShutdownFunc flushes pending spans and stops the exporter.
type ShutdownFunc func(context.Context) error

// target is a parsed collector endpoint.
type target struct {
	protocol string // "grpc" or "http"
	endpoint string // host:port
	path     string
	insecure bool
}

// parseEndpoint accepts "host[:port]" (OTLP/gRPC, plaintext) or a URL with
// scheme grpc, grpcs, http or https. Missing ports default to 4317 for gRPC
// and 4318 for HTTP.
func parseEndpoint(raw string) (target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return target{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		return target{protocol: "grpc", endpoint: withPort(raw, "4317"), insecure: true}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return target{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	if u.Host == "" {
		return target{}, fmt.Errorf("telemetry: missing endpoint host in %q", raw)
	}

	t := target{endpoint: u.Host, path: strings.TrimSuffix(u.Path, "/")}
	switch strings.ToLower(u.Scheme) {
	case "grpc", "grpcs":
		t.protocol = "grpc"
		t.insecure = u.Scheme == "grpc"
		t.endpoint = withPort(t.endpoint, "4317")
	case "http", "https":
		t.protocol = "http"
		t.insecure = u.Scheme == "http"
		t.endpoint = withPort(t.endpoint, "4318")
	default:
		return target{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	return t, nil
}

func withPort(hostport, port string) string {
	if _, _, err := net.SplitHostPort(hostport); err == nil {
		return hostport
	}
	return net.JoinHostPort(hostport, port)
}

func newExporter(ctx context.Context, t target) (sdktrace.SpanExporter, error) {
	switch t.protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(t.endpoint),
			otlptracegrpc.WithTimeout(exportTimeout),
		}
		if t.insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	default:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(t.endpoint),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if t.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if t.path != "" {
			opts = append(opts, otlptracehttp.WithURLPath(t.path))
		}
		return otlptracehttp.New(ctx, opts...)
	}
}

type errorHandler struct {
	logger logging.Logger
}

func (h errorHandler) Handle(err error) {
	h.logger.Warn(context.Background(), "telemetry export failed", "error", err)
}

// Setup installs a global tracer provider exporting to endpoint. An empty
// endpoint disables tracing and returns a no-op ShutdownFunc.
func Setup(ctx context.Context, endpoint string, logger logging.Logger) (ShutdownFunc, error) {
	if strings.TrimSpace(endpoint) == "" {
		return func(context.Context) error { return nil }, nil
	}
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.With("module", "telemetry")

	t, err := parseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := newExporter(ctx, t)
	if err != nil {
		return nil, fmt.Errorf("telemetry: start %s exporter: %w", t.protocol, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	otel.SetErrorHandler(errorHandler{logger: logger})

	logger.Info(ctx, "tracing enabled", "protocol", t.protocol, "endpoint", t.endpoint, "insecure", t.insecure)

	return tp.Shutdown, nil
}
