package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("KERNEL_DISPATCH_MAX_CASCADE_DEPTH")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Dispatch.MaxCascadeDepth != 10 {
		t.Fatalf("expected default max cascade depth 10, got %d", cfg.Dispatch.MaxCascadeDepth)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Dispatch.MaxCascadeDepth = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for dispatch.max_cascade_depth == 0")
	}

	cfg = defaultConfig()
	cfg.Dispatch.FanoutSemaphore = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for dispatch.fanout_semaphore <= 0")
	}

	cfg = defaultConfig()
	cfg.Evolution.MinInteractions = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for evolution.min_interactions == 0")
	}

	cfg = defaultConfig()
	cfg.Evolution.WeightCognitive = 0.9
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for fitness weights not summing to ~1.0")
	}

	cfg = defaultConfig()
	cfg.Observability.MetricsPort = 70000
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for metrics_port out of range")
	}
}
