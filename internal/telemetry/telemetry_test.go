package telemetry_test

import (
	"context"
	"testing"

	"gameforge/internal/telemetry"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	t.Setenv("GAMEFORGE_OTEL_ENDPOINT", "")
	t.Setenv("GAMEFORGE_OTEL_ENABLED", "")

	shutdown, err := telemetry.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupNoopWhenDisabled(t *testing.T) {
	t.Setenv("GAMEFORGE_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("GAMEFORGE_OTEL_ENABLED", "false")

	shutdown, err := telemetry.Setup(context.Background(), "test-service")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("noop shutdown should not error: %v", err)
	}
}

func TestSetupRejectsBadFlag(t *testing.T) {
	t.Setenv("GAMEFORGE_OTEL_ENABLED", "sometimes")
	if _, err := telemetry.Setup(context.Background(), "test-service"); err == nil {
		t.Fatalf("expected env parse error")
	}
}
