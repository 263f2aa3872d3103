// Package telemetry wires OpenTelemetry tracing around the protocol's
// controllers, the way the teacher corpus's pkg/plugin observability
// manager wires a tracer provider around a backend driver.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how tracing is enabled for a controller.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Enabled        bool
}

// Manager owns a tracer provider for one controller instance.
type Manager struct {
	config   Config
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewManager builds a Manager. When cfg.Enabled is false, Manager still
// hands out a valid no-op tracer so callers never need to nil-check it.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	m := &Manager{config: cfg}

	if !cfg.Enabled {
		m.tracer = otel.Tracer(cfg.ServiceName)
		return m, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("telemetry: build stdout exporter: %w", err)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	m.tracer = m.provider.Tracer(cfg.ServiceName)
	return m, nil
}

// Tracer returns the tracer callers should wrap send/deliver/resend/rebind
// operations with.
func (m *Manager) Tracer() trace.Tracer { return m.tracer }

// Shutdown flushes and stops the tracer provider, if one was started.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// StartSpan starts a span named name with the given key/value attribute
// pairs (flattened string pairs, the way the teacher logs with slog).
func (m *Manager) StartSpan(ctx context.Context, name string, kv ...string) (context.Context, trace.Span) {
	attrs := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		attrs = append(attrs, attribute.String(kv[i], kv[i+1]))
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
