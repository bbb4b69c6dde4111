package capability

import (
	"context"
	"testing"
	"time"

	"go.starlark.net/starlark"

	"github.com/luminode/luminode/pkg/hal"
	"github.com/luminode/luminode/pkg/runtime"
)

type memorySecureStore struct {
	values map[string]string
}

func newMemorySecureStore() *memorySecureStore {
	return &memorySecureStore{values: make(map[string]string)}
}

func (s *memorySecureStore) Store(_ context.Context, key, value string) error {
	s.values[key] = value
	return nil
}

func (s *memorySecureStore) Load(_ context.Context, key string) (string, error) {
	value, ok := s.values[key]
	if !ok {
		return "", runtime.NewResourceError("not found", nil)
	}
	return value, nil
}

func (s *memorySecureStore) Delete(_ context.Context, key string) error {
	delete(s.values, key)
	return nil
}

func (s *memorySecureStore) Keys(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	return keys, nil
}

type capturingPublisher struct {
	topic   string
	payload []byte
}

func (p *capturingPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	p.topic = topic
	p.payload = payload
	return nil
}

type capturingReporter struct {
	path  string
	value interface{}
}

func (r *capturingReporter) ApplyLocalChange(path string, value interface{}) error {
	r.path = path
	r.value = value
	return nil
}

func execProgram(t *testing.T, r *Registry, source string) starlark.StringDict {
	t.Helper()
	thread := &starlark.Thread{Name: "test"}
	globals, err := starlark.ExecFile(thread, "test.star", source, r.Predeclared())
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	return globals
}

func TestHardwareCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	hw := hal.NewSimulated(hal.DeviceInfo{DeviceID: "dev-1", FirmwareVersion: "1.0.0"})
	if err := RegisterHardware(r, hw); err != nil {
		t.Fatalf("register: %v", err)
	}

	globals := execProgram(t, r, `
set_led(True)
led = led_state()
temp = read_sensor("temperature")
info = device_info()
device = info["device_id"]
mem = memory_info()
up = uptime()
`)

	if globals["led"] != starlark.Bool(true) {
		t.Fatalf("expected led on, got %v", globals["led"])
	}
	if _, ok := globals["temp"].(starlark.Float); !ok {
		t.Fatalf("expected float reading, got %v", globals["temp"])
	}
	if globals["device"].(starlark.String) != "dev-1" {
		t.Fatalf("unexpected device id %v", globals["device"])
	}

	on, _ := hw.LEDState()
	if !on {
		t.Fatal("set_led did not reach the hardware")
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	r := newTestRegistry(t)
	hw := hal.NewSimulated(hal.DeviceInfo{})
	if err := RegisterHardware(r, hw); err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := r.Invoke(ctx, "sleep", map[string]interface{}{"seconds": 30.0})
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("sleep ignored cancellation for %s", elapsed)
	}
}

func TestSleepRejectsNegativeDuration(t *testing.T) {
	r := newTestRegistry(t)
	if err := RegisterHardware(r, hal.NewSimulated(hal.DeviceInfo{})); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.Invoke(context.Background(), "sleep", map[string]interface{}{"seconds": -1.0}); err == nil {
		t.Fatal("expected error")
	}
}

func TestSecureStoreCapabilities(t *testing.T) {
	r := newTestRegistry(t)
	store := newMemorySecureStore()
	if err := RegisterSecureStore(r, store); err != nil {
		t.Fatalf("register: %v", err)
	}

	globals := execProgram(t, r, `
store_secure("token", "abc123")
value = load_secure("token")
keys = list_secure()
delete_secure("token")
remaining = list_secure()
`)

	if globals["value"].(starlark.String) != "abc123" {
		t.Fatalf("unexpected value %v", globals["value"])
	}
	if globals["keys"].(*starlark.List).Len() != 1 {
		t.Fatalf("expected 1 key, got %v", globals["keys"])
	}
	if globals["remaining"].(*starlark.List).Len() != 0 {
		t.Fatalf("expected no keys after delete, got %v", globals["remaining"])
	}
}

func TestMessagingCapability(t *testing.T) {
	r := newTestRegistry(t)
	pub := &capturingPublisher{}
	if err := RegisterMessaging(r, pub); err != nil {
		t.Fatalf("register: %v", err)
	}

	execProgram(t, r, `publish("luminode/dev-1/telemetry", "21.5")`)

	if pub.topic != "luminode/dev-1/telemetry" || string(pub.payload) != "21.5" {
		t.Fatalf("unexpected publish: %q %q", pub.topic, pub.payload)
	}

	if _, err := r.Invoke(context.Background(), "publish", map[string]interface{}{"topic": "", "payload": "x"}); err == nil {
		t.Fatal("expected empty topic rejection")
	}
}

func TestReportingCapability(t *testing.T) {
	r := newTestRegistry(t)
	reporter := &capturingReporter{}
	if err := RegisterReporting(r, reporter); err != nil {
		t.Fatalf("register: %v", err)
	}

	execProgram(t, r, `report_state("sensors.temperature", 21.5)`)

	if reporter.path != "sensors.temperature" {
		t.Fatalf("unexpected path %q", reporter.path)
	}
	if reporter.value != 21.5 {
		t.Fatalf("unexpected value %v", reporter.value)
	}
}
