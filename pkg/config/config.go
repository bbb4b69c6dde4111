package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/luminode/luminode/pkg/telemetry"
	"github.com/luminode/luminode/pkg/transport/natsbus"
)

// Config is the full device configuration.
type Config struct {
	// Device identifies this device.
	Device DeviceConfig `yaml:"device" validate:"required"`

	// Transport selects and configures the message bus.
	Transport TransportConfig `yaml:"transport"`

	// Runtime configures the program engine.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Shadow configures state synchronization.
	Shadow ShadowConfig `yaml:"shadow"`

	// Store configures the encrypted secure store.
	Store StoreConfig `yaml:"store"`

	// Policy configures program admission.
	Policy PolicyConfig `yaml:"policy"`

	// Firmware configures the update manager.
	Firmware FirmwareConfig `yaml:"firmware"`

	// Telemetry configures logging, metrics, and events.
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// DeviceConfig identifies the device.
type DeviceConfig struct {
	// ID is the unique device identifier used in bus topics.
	ID string `yaml:"id" validate:"required,max=128"`

	// Name is a human-readable label.
	Name string `yaml:"name"`

	// Environment tags the deployment (e.g. "production").
	Environment string `yaml:"environment"`

	// FirmwareVersion is the running firmware build.
	FirmwareVersion string `yaml:"firmware_version"`
}

// TransportConfig selects the bus implementation.
type TransportConfig struct {
	// Mode is "nats" or "loopback".
	Mode string `yaml:"mode" validate:"omitempty,oneof=nats loopback"`

	// NATS configures the NATS connection when Mode is "nats".
	NATS natsbus.Config `yaml:"nats"`
}

// RuntimeConfig configures the program engine.
type RuntimeConfig struct {
	// MaxProgramSize is the source size ceiling in bytes.
	MaxProgramSize int `yaml:"max_program_size" validate:"omitempty,gt=0"`

	// DefaultDeadline bounds program execution.
	DefaultDeadline time.Duration `yaml:"default_deadline"`

	// MaxSteps is the interpreter step budget per execution.
	MaxSteps uint64 `yaml:"max_steps"`

	// CapabilityTimeout bounds each capability call. Zero disables it.
	CapabilityTimeout time.Duration `yaml:"capability_timeout"`
}

// ShadowConfig configures state synchronization.
type ShadowConfig struct {
	// Debounce is the reported-state coalescing window.
	Debounce time.Duration `yaml:"debounce"`

	// FlushTimeout bounds each reported publish.
	FlushTimeout time.Duration `yaml:"flush_timeout"`
}

// StoreConfig configures the encrypted secure store.
type StoreConfig struct {
	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// Passphrase derives the encryption key.
	Passphrase string `yaml:"passphrase"`
}

// PolicyConfig configures program admission.
type PolicyConfig struct {
	// Paths lists extra policy files or directories.
	Paths []string `yaml:"paths"`
}

// FirmwareConfig configures the update manager.
type FirmwareConfig struct {
	// DownloadTimeout bounds one firmware download.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

// Default returns a configuration with every section defaulted. The device
// id and transport still need filling in.
func Default() Config {
	return Config{
		Transport: TransportConfig{Mode: "nats"},
		Runtime: RuntimeConfig{
			MaxProgramSize:  1 << 20,
			DefaultDeadline: 5 * time.Minute,
			MaxSteps:        50_000_000,
		},
		Shadow: ShadowConfig{
			Debounce:     2 * time.Second,
			FlushTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Path: "luminode.db",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Transport.Mode == "nats" && c.Transport.NATS.URL == "" {
		return fmt.Errorf("invalid config: transport.nats.url is required in nats mode")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	// Device identity flows into telemetry so log lines carry it.
	if c.Telemetry.DeviceID == "" {
		c.Telemetry.DeviceID = c.Device.ID
	}
	if c.Telemetry.ServiceVersion == "" || c.Telemetry.ServiceVersion == "dev" {
		if c.Device.FirmwareVersion != "" {
			c.Telemetry.ServiceVersion = c.Device.FirmwareVersion
		}
	}
	return nil
}
