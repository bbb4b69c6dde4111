package capability

import (
	"context"
	"reflect"
	"testing"

	"go.starlark.net/starlark"
)

func TestConversionRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
	}{
		{"nil", nil},
		{"bool", true},
		{"int", int64(42)},
		{"float", 3.5},
		{"string", "hello"},
		{"list", []interface{}{int64(1), "two", false}},
		{"dict", map[string]interface{}{"k": "v", "n": int64(7)}},
		{"nested", map[string]interface{}{"readings": []interface{}{21.5, 21.6}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sv, err := ToStarlark(tt.in)
			if err != nil {
				t.Fatalf("to starlark: %v", err)
			}
			out, err := FromStarlark(sv)
			if err != nil {
				t.Fatalf("from starlark: %v", err)
			}
			if !reflect.DeepEqual(out, tt.in) {
				t.Fatalf("round trip mismatch: in %#v, out %#v", tt.in, out)
			}
		})
	}
}

func TestToStarlarkStringSlice(t *testing.T) {
	sv, err := ToStarlark([]string{"a", "b"})
	if err != nil {
		t.Fatalf("to starlark: %v", err)
	}
	list, ok := sv.(*starlark.List)
	if !ok || list.Len() != 2 {
		t.Fatalf("expected 2-element list, got %v", sv)
	}
}

func TestToStarlarkRejectsUnknownTypes(t *testing.T) {
	if _, err := ToStarlark(struct{ X int }{1}); err == nil {
		t.Fatal("expected unsupported type error")
	}
}

func TestFromStarlarkTuple(t *testing.T) {
	out, err := FromStarlark(starlark.Tuple{starlark.MakeInt(1), starlark.String("x")})
	if err != nil {
		t.Fatalf("from starlark: %v", err)
	}
	want := []interface{}{int64(1), "x"}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("expected %#v, got %#v", want, out)
	}
}

func TestPredeclaredBindsArguments(t *testing.T) {
	r := newTestRegistry(t)
	var got map[string]interface{}
	err := r.Register(Capability{
		Name: "set_led",
		Schema: Schema{
			{Name: "name", Type: TypeString, Required: true},
			{Name: "on", Type: TypeBool, Required: true},
		},
		Handler: func(_ context.Context, args map[string]interface{}) (interface{}, error) {
			got = args
			return nil, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	thread := &starlark.Thread{Name: "test"}
	source := "set_led(\"status\", on=True)\n"
	if _, err := starlark.ExecFile(thread, "test.star", source, r.Predeclared()); err != nil {
		t.Fatalf("exec: %v", err)
	}

	want := map[string]interface{}{"name": "status", "on": true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected args %#v, got %#v", want, got)
	}
}

func TestPredeclaredRejectsDuplicateArgument(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register(echoCapability("echo")); err != nil {
		t.Fatalf("register: %v", err)
	}

	thread := &starlark.Thread{Name: "test"}
	_, err := starlark.ExecFile(thread, "test.star", "echo(1, value=2)\n", r.Predeclared())
	if err == nil {
		t.Fatal("expected duplicate argument error")
	}
}

func TestPredeclaredReturnsHandlerResult(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(Capability{
		Name:   "read_sensor",
		Schema: Schema{{Name: "name", Type: TypeString, Required: true}},
		Handler: func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return 21.5, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	thread := &starlark.Thread{Name: "test"}
	globals, err := starlark.ExecFile(thread, "test.star", "value = read_sensor(\"temperature\")\n", r.Predeclared())
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := globals["value"].String(); got != "21.5" {
		t.Fatalf("expected 21.5, got %s", got)
	}
}

func TestPredeclaredIncludesStruct(t *testing.T) {
	r := newTestRegistry(t)

	thread := &starlark.Thread{Name: "test"}
	globals, err := starlark.ExecFile(thread, "test.star", "s = struct(x=1)\nvalue = s.x\n", r.Predeclared())
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if got := globals["value"].String(); got != "1" {
		t.Fatalf("expected 1, got %s", got)
	}
}
