package otel

import (
	"context"
	"testing"
)

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, endpoint, "test-service", false)
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if providers.TracerProvider == nil || providers.MeterProvider == nil || providers.LoggerProvider == nil {
			t.Fatal("providers should be non-nil")
		}
		if providers.Meter() == nil {
			t.Error("Meter should not be nil")
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown should be a no-op, got %v", err)
		}
	}
}

func TestNewProviders_InvalidEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"http://[invalid", "http://"} {
		if _, err := NewProviders(ctx, endpoint, "test-service", false); err == nil {
			t.Errorf("NewProviders(%q) should fail", endpoint)
		}
	}
}

func TestNewProviders_ValidEndpoint(t *testing.T) {
	ctx := context.Background()
	// Exporters connect lazily, so an unreachable collector does not fail construction.
	providers, err := NewProviders(ctx, "localhost:4317", "test-service", true)
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	providers.SetGlobal()
	shutdownCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = providers.Shutdown(shutdownCtx)
}

func TestGRPCTarget(t *testing.T) {
	testCases := []struct {
		in       string
		target   string
		insecure bool
	}{
		{"localhost:4317", "localhost:4317", true},
		{"http://collector:4317/v1/traces", "collector:4317", true},
		{"https://collector.example.com:4317", "collector.example.com:4317", false},
	}
	for _, tc := range testCases {
		target, insecure, err := grpcTarget(tc.in)
		if err != nil {
			t.Fatalf("grpcTarget(%q): %v", tc.in, err)
		}
		if target != tc.target || insecure != tc.insecure {
			t.Errorf("grpcTarget(%q) = %q, %v; want %q, %v", tc.in, target, insecure, tc.target, tc.insecure)
		}
	}
}
