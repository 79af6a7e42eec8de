package observability

import (
	"context"
	"testing"
)

func TestSetupDefaultEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{
		Environment: "test",
		ServiceName: "dialect-test",
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("Setup() returned nil shutdown")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestSetupCustomEndpoint(t *testing.T) {
	// The collector does not need to be reachable for setup to succeed.
	// Export failures surface later and are dropped by the batch processor.
	shutdown, err := Setup(context.Background(), Config{
		Endpoint:    "collector.internal:4318",
		Environment: "staging",
		ServiceName: "dialect",
	})
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestDefaultEndpointValue(t *testing.T) {
	if DefaultEndpoint != "localhost:4318" {
		t.Errorf("DefaultEndpoint = %q, want %q", DefaultEndpoint, "localhost:4318")
	}
}
