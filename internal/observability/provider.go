package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

// Resource attribute keys that tie spans to the node that produced them.
const (
	AttrDevice         = attribute.Key("clan.device")
	AttrStoreBackend   = attribute.Key("clan.store.backend")
	AttrArchiveBackend = attribute.Key("clan.archive.backend")
)

// TracerConfig holds tracing configuration. Device is the node's actor
// identity; it doubles as the service instance id.
type TracerConfig struct {
	Endpoint       string
	Protocol       string
	ServiceName    string
	ServiceVersion string
	Device         string
	StoreBackend   string
	ArchiveBackend string
}

// InitTracer sets up the OpenTelemetry TracerProvider and installs it as the
// global provider. Protocol is "grpc" or "http" (the default).
func InitTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, *sdktrace.TracerProvider, error) {
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	res, err := tracerResource(cfg)
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, tp, nil
}

func newExporter(ctx context.Context, cfg TracerConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Protocol {
	case "grpc":
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "", "http":
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unknown otlp protocol %q (want grpc or http)", cfg.Protocol)
	}
}

func tracerResource(cfg TracerConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Device != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.Device), AttrDevice.String(cfg.Device))
	}
	if cfg.StoreBackend != "" {
		attrs = append(attrs, AttrStoreBackend.String(cfg.StoreBackend))
	}
	if cfg.ArchiveBackend != "" {
		attrs = append(attrs, AttrArchiveBackend.String(cfg.ArchiveBackend))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
}
