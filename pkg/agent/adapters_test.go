package agent

import (
	"context"
	"strings"
	"testing"

	"go.starlark.net/starlark"

	"github.com/luminode/luminode/pkg/delivery"
	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/shadow"
	"github.com/luminode/luminode/pkg/telemetry"
	"github.com/luminode/luminode/pkg/transport"
)

func newTestAdapter(t *testing.T) (*lifecycleAdapter, *runtime.Manager) {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	manager := runtime.NewManager(starlark.StringDict{}, runtime.Options{Logger: logger})
	bus := transport.NewLoopback()
	t.Cleanup(func() { _ = bus.Close() })
	handler := delivery.NewHandler("dev-1", bus, manager, nil, delivery.HandlerOptions{Logger: logger})

	return &lifecycleAdapter{
		manager: manager,
		handler: handler,
		logger:  logger,
	}, manager
}

func TestLifecycleAdapterLoad(t *testing.T) {
	adapter, manager := newTestAdapter(t)

	source := "x = 1\n"
	err := adapter.LoadProgram(context.Background(), shadow.DesiredProgram{
		ID:       "blink",
		Source:   source,
		Checksum: runtime.Checksum(source),
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	info, err := manager.Get("blink")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if info.Status != runtime.StatusValidated {
		t.Fatalf("expected validated, got %s", info.Status)
	}
}

func TestLifecycleAdapterChecksumMismatch(t *testing.T) {
	adapter, manager := newTestAdapter(t)

	err := adapter.LoadProgram(context.Background(), shadow.DesiredProgram{
		ID:       "blink",
		Source:   "x = 1\n",
		Checksum: strings.Repeat("0", 64),
	})
	if err == nil {
		t.Fatal("expected checksum rejection")
	}
	if _, err := manager.Get("blink"); err == nil {
		t.Fatal("rejected program must not be loaded")
	}
}

func TestLifecycleAdapterStopRequiresRunning(t *testing.T) {
	adapter, _ := newTestAdapter(t)

	if err := adapter.StopProgram(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error for unknown program")
	}
}

func TestLifecycleAdapterRemove(t *testing.T) {
	adapter, manager := newTestAdapter(t)

	if err := adapter.LoadProgram(context.Background(), shadow.DesiredProgram{ID: "gone", Source: "x = 1\n"}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := adapter.RemoveProgram(context.Background(), "gone"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := manager.Get("gone"); err == nil {
		t.Fatal("expected program to be removed")
	}
}
