// Package hal defines the hardware abstraction consumed by host
// capabilities. Firmware builds provide a board-specific implementation; the
// simulated one backs tests and the developer sandbox.
package hal

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// DeviceInfo identifies the device and its firmware build.
type DeviceInfo struct {
	DeviceID        string `json:"device_id"`
	Platform        string `json:"platform"`
	FirmwareVersion string `json:"firmware_version"`
}

// MemoryInfo reports heap usage in bytes.
type MemoryInfo struct {
	FreeBytes  uint64 `json:"free_bytes"`
	TotalBytes uint64 `json:"total_bytes"`
}

// Hardware is the host-side view of the board. Implementations must be safe
// for concurrent use; the capability registry serializes program-driven
// calls, but telemetry and the delivery handler read hardware state
// concurrently.
type Hardware interface {
	// SetLED drives the status LED.
	SetLED(on bool) error

	// LEDState reports the current LED level.
	LEDState() (bool, error)

	// ReadSensor samples the named sensor. Unknown sensors fail.
	ReadSensor(name string) (float64, error)

	// DeviceInfo returns static device identity.
	DeviceInfo() DeviceInfo

	// MemoryInfo samples heap usage.
	MemoryInfo() MemoryInfo

	// Uptime reports time since boot.
	Uptime() time.Duration
}

// Simulated is an in-memory Hardware used by tests and `luminode dev`.
// Sensor readings follow a slow sine wave around a configurable baseline so
// repeated reads look like a live device.
type Simulated struct {
	mu   sync.Mutex
	led  bool
	boot time.Time

	info      DeviceInfo
	baselines map[string]float64
	reads     int
}

// NewSimulated creates a simulated board with temperature and humidity
// sensors.
func NewSimulated(info DeviceInfo) *Simulated {
	if info.Platform == "" {
		info.Platform = "simulated"
	}
	return &Simulated{
		boot: time.Now(),
		info: info,
		baselines: map[string]float64{
			"temperature": 21.5,
			"humidity":    48.0,
		},
	}
}

// AddSensor registers a sensor with a fixed baseline value.
func (s *Simulated) AddSensor(name string, baseline float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselines[name] = baseline
}

// SetLED implements Hardware.
func (s *Simulated) SetLED(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.led = on
	return nil
}

// LEDState implements Hardware.
func (s *Simulated) LEDState() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.led, nil
}

// ReadSensor implements Hardware.
func (s *Simulated) ReadSensor(name string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	baseline, ok := s.baselines[name]
	if !ok {
		return 0, fmt.Errorf("unknown sensor %q", name)
	}
	s.reads++
	return baseline + math.Sin(float64(s.reads)/10), nil
}

// DeviceInfo implements Hardware.
func (s *Simulated) DeviceInfo() DeviceInfo {
	return s.info
}

// MemoryInfo implements Hardware.
func (s *Simulated) MemoryInfo() MemoryInfo {
	return MemoryInfo{FreeBytes: 192 << 10, TotalBytes: 512 << 10}
}

// Uptime implements Hardware.
func (s *Simulated) Uptime() time.Duration {
	return time.Since(s.boot)
}
