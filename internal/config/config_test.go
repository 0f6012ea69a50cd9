package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_NetsyncYAML(t *testing.T) {
	cfg, err := Load("../../configs/netsync.yaml")
	if err != nil {
		t.Fatalf("load netsync.yaml: %v", err)
	}
	if cfg.Server.TickRateHz != 20 || cfg.TickInterval() != 50*time.Millisecond {
		t.Fatalf("tick rate: got %d (%v)", cfg.Server.TickRateHz, cfg.TickInterval())
	}
	if cfg.Delta.SignificanceThreshold != 0.001 {
		t.Fatalf("significance threshold: got %v want 0.001", cfg.Delta.SignificanceThreshold)
	}
	if cfg.Prediction.ReconcileThreshold != 0.1 {
		t.Fatalf("reconcile threshold: got %v want 0.1", cfg.Prediction.ReconcileThreshold)
	}
	if r := cfg.MovementRule(); r.Speed != 5 || r.StepSeconds != 1 {
		t.Fatalf("movement rule: got %+v", r)
	}
	if cfg.SyncInterval() != time.Second {
		t.Fatalf("sync interval: got %v want 1s", cfg.SyncInterval())
	}
}

func TestLoad_EmptyPathIsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("empty path: got %+v want defaults", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_PartialFileKeepsDefaultsAndClamps(t *testing.T) {
	p := filepath.Join(t.TempDir(), "netsync.yaml")
	body := "interpolation:\n  factor: 7\n  max_history: 1\nworld_sync:\n  interval_ms: 20000\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Interpolation.Factor != 1 || cfg.Interpolation.MaxHistory != 2 {
		t.Fatalf("interpolation clamp: got %+v", cfg.Interpolation)
	}
	if cfg.WorldSync.IntervalMs != 5000 {
		t.Fatalf("interval clamp: got %d want 5000", cfg.WorldSync.IntervalMs)
	}
	if cfg.Interest.DefaultRadius != 50 {
		t.Fatalf("untouched default: got %v want 50", cfg.Interest.DefaultRadius)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	p := filepath.Join(t.TempDir(), "netsync.yaml")
	body := "server:\n  tick_rate_hz: 0\ninterest:\n  default_radius: -1\n"
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := Load(p)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "netsync.yaml: ") || !strings.Contains(msg, "tick_rate_hz") || !strings.Contains(msg, "default_radius") {
		t.Fatalf("error: got %q", msg)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	p := filepath.Join(t.TempDir(), "netsync.yaml")
	if err := os.WriteFile(p, []byte("server: [1,2"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(p); err == nil || !strings.HasPrefix(err.Error(), "netsync.yaml: ") {
		t.Fatalf("malformed: got %v", err)
	}
}
