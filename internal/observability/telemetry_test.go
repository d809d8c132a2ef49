package observability

import (
	"context"
	"testing"
	"time"
)

func TestConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	if cfg.Exporter != "none" {
		t.Errorf("expected default exporter 'none', got %q", cfg.Exporter)
	}
	if cfg.ServiceName != "livesync" {
		t.Errorf("expected default service name 'livesync', got %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 0.1 {
		t.Errorf("expected default sample rate 0.1, got %f", cfg.SampleRate)
	}
	if cfg.ShouldEnable() {
		t.Error("expected tracing disabled by default")
	}
}

func TestConfigWithExporter(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"

	if !cfg.ShouldEnable() {
		t.Error("expected ShouldEnable to return true with exporter")
	}
	var nilCfg *Config
	if nilCfg.ShouldEnable() {
		t.Error("nil config must be disabled")
	}
}

func TestTelemetryInitDisabled(t *testing.T) {
	tel, cleanup, err := Init(context.Background(), NewConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected cleanup function to be returned")
	}
	defer cleanup()

	if tel.Enabled() {
		t.Error("expected disabled telemetry")
	}
	if tel.TracerProvider() == nil {
		t.Error("expected a noop tracer provider")
	}
}

func TestTelemetryInitUnknownExporter(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "zipkin"

	if _, _, err := Init(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestTelemetryInitStdout(t *testing.T) {
	cfg := NewConfig()
	cfg.Exporter = "stdout"

	tel, cleanup, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !tel.Enabled() {
		t.Error("expected enabled telemetry")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	// A second shutdown is a no-op.
	cleanup()
}

func TestNilTelemetry(t *testing.T) {
	var tel *Telemetry
	if tel.Enabled() {
		t.Error("nil telemetry must be disabled")
	}
	if tel.TracerProvider() == nil {
		t.Error("expected a noop tracer provider")
	}
}
