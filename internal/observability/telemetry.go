package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds the tracer provider and its configuration.
type Telemetry struct {
	config         *Config
	tracerProvider trace.TracerProvider
	shutdownOnce   sync.Once
}

// Init initializes OpenTelemetry tracing and installs the provider globally,
// so packages tracing through otel.Tracer pick it up. Returns the Telemetry
// manager and a cleanup function.
func Init(ctx context.Context, cfg *Config) (*Telemetry, func(), error) {
	if !cfg.ShouldEnable() {
		return &Telemetry{config: cfg}, func() {}, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tp, err := initTracerProvider(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	tel := &Telemetry{config: cfg, tracerProvider: tp}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tel, tel.Cleanup, nil
}

// NewWithProvider wraps an existing provider without touching the globals.
func NewWithProvider(tp trace.TracerProvider) *Telemetry {
	return &Telemetry{config: NewConfig(), tracerProvider: tp}
}

// TracerProvider returns the tracer provider (or noop if disabled).
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	if t != nil && t.tracerProvider != nil {
		return t.tracerProvider
	}
	return noop.NewTracerProvider()
}

// Enabled reports whether spans are exported.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.tracerProvider != nil
}

// Shutdown flushes and closes the provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var err error
	t.shutdownOnce.Do(func() {
		if tp, ok := t.tracerProvider.(*sdktrace.TracerProvider); ok {
			err = tp.Shutdown(ctx)
		}
	})
	return err
}

// Cleanup is a convenience function for defer cleanup.
func (t *Telemetry) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = t.Shutdown(ctx)
}

// Config returns the telemetry configuration.
func (t *Telemetry) Config() *Config {
	return t.config
}

// shutdownTimeout is the maximum time to wait for shutdown.
const shutdownTimeout = 5 * time.Second
