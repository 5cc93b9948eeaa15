package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/featgo/agency/internal/config"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := config.Default()
	if cfg != want {
		t.Fatalf("Load with missing file = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != config.Default() {
		t.Fatalf("Load(\"\") = %+v, want defaults", cfg)
	}
}

func TestLoadParsesYAMLOverridingDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.yaml")
	const doc = `
data_dir: /var/lib/agency
snapshot_threshold: 1200
messaging:
  host: broker.internal
  port: "5672"
database:
  host: docs.internal
  name: agency
agency:
  journal: /var/log/agency/journal
  daemonize: true
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DataDir != "/var/lib/agency" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.SnapshotThreshold != 1200 {
		t.Errorf("SnapshotThreshold = %d, want 1200", cfg.SnapshotThreshold)
	}
	if cfg.Messaging.Host != "broker.internal" || cfg.Messaging.Port != "5672" {
		t.Errorf("Messaging = %+v", cfg.Messaging)
	}
	if cfg.Database.Host != "docs.internal" || cfg.Database.Name != "agency" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if !cfg.Agency.Daemonize {
		t.Errorf("Agency.Daemonize = false, want true")
	}
	// A field the YAML doesn't mention keeps its Default() value.
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default %q", cfg.LogLevel, "info")
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agency.yaml")
	if err := os.WriteFile(path, []byte("data_dir: [unterminated"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}
