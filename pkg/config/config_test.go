package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "luminode.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Transport.Mode != "nats" {
		t.Fatalf("expected nats mode, got %q", cfg.Transport.Mode)
	}
	if cfg.Runtime.MaxProgramSize != 1<<20 {
		t.Fatalf("unexpected program size ceiling %d", cfg.Runtime.MaxProgramSize)
	}
	if cfg.Runtime.DefaultDeadline != 5*time.Minute {
		t.Fatalf("unexpected default deadline %s", cfg.Runtime.DefaultDeadline)
	}
	if cfg.Shadow.Debounce != 2*time.Second {
		t.Fatalf("unexpected debounce %s", cfg.Shadow.Debounce)
	}
	if cfg.Store.Path != "luminode.db" {
		t.Fatalf("unexpected store path %q", cfg.Store.Path)
	}
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
device:
  id: sensor-042
  name: Greenhouse sensor
  environment: production
  firmware_version: 1.4.0
transport:
  mode: nats
  nats:
    url: nats://broker:4222
runtime:
  max_program_size: 65536
  default_deadline: 30s
shadow:
  debounce: 500ms
store:
  path: /data/luminode.db
  passphrase: secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Device.ID != "sensor-042" {
		t.Fatalf("unexpected device id %q", cfg.Device.ID)
	}
	if cfg.Transport.NATS.URL != "nats://broker:4222" {
		t.Fatalf("unexpected nats url %q", cfg.Transport.NATS.URL)
	}
	if cfg.Runtime.MaxProgramSize != 65536 {
		t.Fatalf("override lost: %d", cfg.Runtime.MaxProgramSize)
	}
	if cfg.Runtime.DefaultDeadline != 30*time.Second {
		t.Fatalf("unexpected deadline %s", cfg.Runtime.DefaultDeadline)
	}
	if cfg.Shadow.Debounce != 500*time.Millisecond {
		t.Fatalf("unexpected debounce %s", cfg.Shadow.Debounce)
	}
	// Untouched sections keep their defaults.
	if cfg.Shadow.FlushTimeout != 10*time.Second {
		t.Fatalf("default lost: %s", cfg.Shadow.FlushTimeout)
	}

	// Device identity flows into telemetry.
	if cfg.Telemetry.DeviceID != "sensor-042" {
		t.Fatalf("telemetry device id not backfilled: %q", cfg.Telemetry.DeviceID)
	}
	if cfg.Telemetry.ServiceVersion != "1.4.0" {
		t.Fatalf("telemetry version not backfilled: %q", cfg.Telemetry.ServiceVersion)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRequiresDeviceID(t *testing.T) {
	path := writeConfig(t, `
transport:
  mode: loopback
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing device id")
	}
}

func TestValidateRequiresNATSURLInNATSMode(t *testing.T) {
	path := writeConfig(t, `
device:
  id: dev-1
transport:
  mode: nats
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing nats url")
	}
}

func TestLoopbackModeNeedsNoURL(t *testing.T) {
	path := writeConfig(t, `
device:
  id: dev-1
transport:
  mode: loopback
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Transport.Mode != "loopback" {
		t.Fatalf("unexpected mode %q", cfg.Transport.Mode)
	}
}

func TestValidateRejectsUnknownTransportMode(t *testing.T) {
	path := writeConfig(t, `
device:
  id: dev-1
transport:
  mode: carrier-pigeon
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
