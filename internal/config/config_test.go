package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Realtime.PollInterval != 500*time.Millisecond {
		t.Fatalf("expected 500ms poll interval, got %s", cfg.Realtime.PollInterval)
	}
	if cfg.Realtime.MaxPending != 0 || cfg.Telemetry.Enabled || cfg.Telemetry.ExportInterval != 30*time.Second {
		t.Fatalf("unexpected realtime/telemetry defaults %+v %+v", cfg.Realtime, cfg.Telemetry)
	}
	if len(cfg.Realtime.Sources) != 4 {
		t.Fatalf("expected 4 default sources, got %d", len(cfg.Realtime.Sources))
	}
}

func TestFromYAMLKeepsDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("server:\n  addr: 0.0.0.0:9100\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9100" {
		t.Fatalf("addr not applied: %s", cfg.Server.Addr)
	}
	if cfg.Server.BasePath != "/v0" || cfg.Realtime.Path != "/ws/activity" {
		t.Fatalf("defaults lost: %+v", cfg.Server)
	}
	if len(cfg.Realtime.Sources) != 4 {
		t.Fatalf("default sources lost")
	}
}

func TestFromYAMLReplacesSources(t *testing.T) {
	cfg, err := FromYAML([]byte("realtime:\n  sources:\n    - table: anomalies\n      event: new_anomaly\n      ops: [INSERT]\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cfg.Realtime.Sources) != 1 || cfg.Realtime.Sources[0].Table != "anomalies" {
		t.Fatalf("expected sources to be replaced, got %+v", cfg.Realtime.Sources)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"listen on sqlite": "realtime:\n  feed: listen\n",
		"bad feed":         "realtime:\n  feed: kafka\n",
		"bad table":        "realtime:\n  sources:\n    - table: \"drop table\"\n      event: x\n      ops: [INSERT]\n",
		"bad op":           "realtime:\n  sources:\n    - table: tasks\n      event: task_update\n      ops: [DELETE]\n",
		"bad driver":       "database:\n  driver: mysql\n",
		"bad base path":    "server:\n  base_path: v0\n",
		"negative pending": "realtime:\n  max_pending: -1\n",
		"negative export":  "telemetry:\n  export_interval: -5s\n",
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadOptionalAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil || cfg == nil {
		t.Fatalf("load optional: %v", err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "arc config init") {
		t.Fatalf("expected hint about config init, got %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "arc.yml"), []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err != nil {
		t.Fatalf("load generated default: %v", err)
	}
}
