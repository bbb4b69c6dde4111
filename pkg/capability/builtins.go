package capability

import (
	"context"
	"fmt"
	"time"

	"github.com/luminode/luminode/pkg/hal"
	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/telemetry"
)

// SecureStore is the persistence surface exposed to programs. The stores
// package provides the encrypted implementation.
type SecureStore interface {
	Store(ctx context.Context, key, value string) error
	Load(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Publisher publishes raw payloads to the device message bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// StateReporter accepts reported-state changes from programs.
type StateReporter interface {
	ApplyLocalChange(path string, value interface{}) error
}

// RegisterHardware adds the board capabilities: LED control, sensor reads,
// device identity, memory, uptime, and sleep.
func RegisterHardware(r *Registry, hw hal.Hardware) error {
	caps := []Capability{
		{
			Name:   "sleep",
			Schema: Schema{{Name: "seconds", Type: TypeFloat, Required: true}},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				seconds, err := floatArg(args, "seconds")
				if err != nil {
					return nil, err
				}
				if seconds < 0 {
					return nil, fmt.Errorf("seconds must be non-negative")
				}
				timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
				defer timer.Stop()
				select {
				case <-timer.C:
					return nil, nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		},
		{
			Name:       "set_led",
			Schema:     Schema{{Name: "on", Type: TypeBool, Required: true}},
			SideEffect: true,
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				on, _ := args["on"].(bool)
				return nil, hw.SetLED(on)
			},
		},
		{
			Name: "led_state",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return hw.LEDState()
			},
		},
		{
			Name:   "read_sensor",
			Schema: Schema{{Name: "name", Type: TypeString, Required: true}},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				name, _ := args["name"].(string)
				return hw.ReadSensor(name)
			},
		},
		{
			Name: "device_info",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				info := hw.DeviceInfo()
				return map[string]interface{}{
					"device_id":        info.DeviceID,
					"platform":         info.Platform,
					"firmware_version": info.FirmwareVersion,
				}, nil
			},
		},
		{
			Name: "memory_info",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				mem := hw.MemoryInfo()
				return map[string]interface{}{
					"free_bytes":  int64(mem.FreeBytes),
					"total_bytes": int64(mem.TotalBytes),
				}, nil
			},
		},
		{
			Name: "uptime",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				return hw.Uptime().Seconds(), nil
			},
		},
	}
	return registerAll(r, caps)
}

// RegisterSecureStore adds the encrypted key/value capabilities.
func RegisterSecureStore(r *Registry, store SecureStore) error {
	caps := []Capability{
		{
			Name: "store_secure",
			Schema: Schema{
				{Name: "key", Type: TypeString, Required: true},
				{Name: "value", Type: TypeString, Required: true},
			},
			SideEffect: true,
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				key, _ := args["key"].(string)
				value, _ := args["value"].(string)
				return nil, store.Store(ctx, key, value)
			},
		},
		{
			Name:   "load_secure",
			Schema: Schema{{Name: "key", Type: TypeString, Required: true}},
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				key, _ := args["key"].(string)
				return store.Load(ctx, key)
			},
		},
		{
			Name:       "delete_secure",
			Schema:     Schema{{Name: "key", Type: TypeString, Required: true}},
			SideEffect: true,
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				key, _ := args["key"].(string)
				return nil, store.Delete(ctx, key)
			},
		},
		{
			Name: "list_secure",
			Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
				keys, err := store.Keys(ctx)
				if err != nil {
					return nil, err
				}
				return keys, nil
			},
		},
	}
	return registerAll(r, caps)
}

// RegisterMessaging adds the bus publish capability.
func RegisterMessaging(r *Registry, pub Publisher) error {
	return r.Register(Capability{
		Name: "publish",
		Schema: Schema{
			{Name: "topic", Type: TypeString, Required: true},
			{Name: "payload", Type: TypeString, Required: true},
		},
		SideEffect: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			topic, _ := args["topic"].(string)
			payload, _ := args["payload"].(string)
			if topic == "" {
				return nil, fmt.Errorf("topic must not be empty")
			}
			return nil, pub.Publish(ctx, topic, []byte(payload))
		},
	})
}

// RegisterReporting adds the reported-state write capability.
func RegisterReporting(r *Registry, reporter StateReporter) error {
	return r.Register(Capability{
		Name: "report_state",
		Schema: Schema{
			{Name: "path", Type: TypeString, Required: true},
			{Name: "value", Type: TypeAny},
		},
		SideEffect: true,
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			path, _ := args["path"].(string)
			if path == "" {
				return nil, fmt.Errorf("path must not be empty")
			}
			return nil, reporter.ApplyLocalChange(path, args["value"])
		},
	})
}

// RegisterLogging adds the structured log capability. Program log lines are
// tagged with the calling program where the manager installed one.
func RegisterLogging(r *Registry, logger *telemetry.Logger) error {
	programLog := logger.NewComponentLogger("program")
	return r.Register(Capability{
		Name: "log",
		Schema: Schema{
			{Name: "message", Type: TypeString, Required: true},
			{Name: "level", Type: TypeString},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			message, _ := args["message"].(string)
			level, _ := args["level"].(string)
			entry := programLog
			if id, ok := ctx.Value(runtime.ProgramIDContextKey).(string); ok {
				entry = entry.WithProgramID(id)
			}
			switch level {
			case "debug":
				entry.Debug(message)
			case "warn", "warning":
				entry.Warn(message)
			case "error":
				entry.Error(message)
			default:
				entry.Info(message)
			}
			return nil, nil
		},
	})
}

// registerAll registers capabilities, failing on the first duplicate.
func registerAll(r *Registry, caps []Capability) error {
	for _, cap := range caps {
		if err := r.Register(cap); err != nil {
			return err
		}
	}
	return nil
}

// floatArg reads a numeric argument, widening integers.
func floatArg(args map[string]interface{}, name string) (float64, error) {
	switch v := args[name].(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("argument %q must be a number", name)
	}
}
