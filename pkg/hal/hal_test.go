package hal

import (
	"math"
	"testing"
)

func TestSimulatedLED(t *testing.T) {
	s := NewSimulated(DeviceInfo{DeviceID: "dev-1"})

	on, err := s.LEDState()
	if err != nil {
		t.Fatalf("led state: %v", err)
	}
	if on {
		t.Fatal("led must start off")
	}

	if err := s.SetLED(true); err != nil {
		t.Fatalf("set led: %v", err)
	}
	on, err = s.LEDState()
	if err != nil {
		t.Fatalf("led state: %v", err)
	}
	if !on {
		t.Fatal("led must be on")
	}
}

func TestSimulatedSensors(t *testing.T) {
	s := NewSimulated(DeviceInfo{})

	value, err := s.ReadSensor("temperature")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if math.Abs(value-21.5) > 1.5 {
		t.Fatalf("temperature %f too far from baseline", value)
	}

	if _, err := s.ReadSensor("pressure"); err == nil {
		t.Fatal("expected unknown sensor error")
	}

	s.AddSensor("pressure", 1013.0)
	value, err = s.ReadSensor("pressure")
	if err != nil {
		t.Fatalf("read after add: %v", err)
	}
	if math.Abs(value-1013.0) > 1.5 {
		t.Fatalf("pressure %f too far from baseline", value)
	}
}

func TestSimulatedReadingsDrift(t *testing.T) {
	s := NewSimulated(DeviceInfo{})

	a, _ := s.ReadSensor("humidity")
	b, _ := s.ReadSensor("humidity")
	if a == b {
		t.Fatal("repeated reads must not be identical")
	}
}

func TestSimulatedIdentity(t *testing.T) {
	s := NewSimulated(DeviceInfo{DeviceID: "dev-1", FirmwareVersion: "1.0.0"})

	info := s.DeviceInfo()
	if info.DeviceID != "dev-1" || info.Platform != "simulated" {
		t.Fatalf("unexpected info: %+v", info)
	}

	mem := s.MemoryInfo()
	if mem.FreeBytes == 0 || mem.FreeBytes > mem.TotalBytes {
		t.Fatalf("implausible memory info: %+v", mem)
	}
	if s.Uptime() < 0 {
		t.Fatal("uptime must be non-negative")
	}
}
