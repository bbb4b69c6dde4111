package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/luminode/luminode/pkg/runtime"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(RegistryOptions{})
}

func echoCapability(name string) Capability {
	return Capability{
		Name: name,
		Schema: Schema{
			{Name: "value", Type: TypeAny, Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return args["value"], nil
		},
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(echoCapability("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := r.Register(echoCapability("echo"))
	if err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	var rerr *runtime.Error
	if !errors.As(err, &rerr) || rerr.Code != runtime.ErrCodeDuplicateCapability {
		t.Fatalf("expected %s, got %v", runtime.ErrCodeDuplicateCapability, err)
	}
}

func TestRegisterRequiresNameAndHandler(t *testing.T) {
	r := newTestRegistry(t)

	if err := r.Register(Capability{Handler: func(context.Context, map[string]interface{}) (interface{}, error) { return nil, nil }}); err == nil {
		t.Fatal("expected missing name to fail")
	}
	if err := r.Register(Capability{Name: "nop"}); err == nil {
		t.Fatal("expected missing handler to fail")
	}
}

func TestInvokeUnknownCapability(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Invoke(context.Background(), "missing", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !runtime.IsResource(err) {
		t.Fatalf("expected resource class, got %v", runtime.ClassOf(err))
	}
}

func TestInvokeValidatesSchema(t *testing.T) {
	r := newTestRegistry(t)
	cap := Capability{
		Name: "set_speed",
		Schema: Schema{
			{Name: "rpm", Type: TypeInt, Required: true},
			{Name: "label", Type: TypeString},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return args["rpm"], nil
		},
	}
	if err := r.Register(cap); err != nil {
		t.Fatalf("register: %v", err)
	}

	tests := []struct {
		name string
		args map[string]interface{}
		ok   bool
	}{
		{"valid", map[string]interface{}{"rpm": int64(900)}, true},
		{"missing required", map[string]interface{}{"label": "fast"}, false},
		{"wrong type", map[string]interface{}{"rpm": "fast"}, false},
		{"unexpected argument", map[string]interface{}{"rpm": int64(1), "extra": true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Invoke(context.Background(), "set_speed", tt.args)
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected schema rejection")
				}
				var rerr *runtime.Error
				if !errors.As(err, &rerr) || rerr.Code != runtime.ErrCodeInvalidArgument {
					t.Fatalf("expected %s, got %v", runtime.ErrCodeInvalidArgument, err)
				}
			}
		})
	}
}

func TestInvokeWidensIntForFloat(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(Capability{
		Name:   "scale",
		Schema: Schema{{Name: "factor", Type: TypeFloat, Required: true}},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			return args["factor"], nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := r.Invoke(context.Background(), "scale", map[string]interface{}{"factor": int64(3)}); err != nil {
		t.Fatalf("integer should widen to float: %v", err)
	}
	if _, err := r.Invoke(context.Background(), "scale", map[string]interface{}{"factor": 2.5}); err != nil {
		t.Fatalf("float rejected: %v", err)
	}
}

func TestInvokeWrapsHandlerErrors(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(Capability{
		Name:   "flaky",
		Schema: Schema{},
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, errors.New("sensor bus stalled")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = r.Invoke(context.Background(), "flaky", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var rerr *runtime.Error
	if !errors.As(err, &rerr) || rerr.Code != runtime.ErrCodeHostError {
		t.Fatalf("expected %s wrap, got %v", runtime.ErrCodeHostError, err)
	}
}

func TestInvokePreservesRuntimeErrors(t *testing.T) {
	r := newTestRegistry(t)
	denied := runtime.NewStateError("store unavailable", nil).WithCode(runtime.ErrCodeProgramBusy)
	err := r.Register(Capability{
		Name:   "guarded",
		Schema: Schema{},
		Handler: func(context.Context, map[string]interface{}) (interface{}, error) {
			return nil, denied
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	_, err = r.Invoke(context.Background(), "guarded", nil)
	var rerr *runtime.Error
	if !errors.As(err, &rerr) || rerr.Code != runtime.ErrCodeProgramBusy {
		t.Fatalf("expected original code to survive, got %v", err)
	}
}

func TestListHidesHandlers(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(echoCapability("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	caps := r.List()
	if len(caps) != 1 {
		t.Fatalf("expected 1 capability, got %d", len(caps))
	}
	if caps[0].Name != "echo" {
		t.Fatalf("unexpected name %q", caps[0].Name)
	}
	if caps[0].Handler != nil {
		t.Fatal("List must not expose handlers")
	}
}
