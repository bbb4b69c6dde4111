package delivery

import (
	"context"
	"encoding/json"
	"iter"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/transport"
)

type fakeEngine struct {
	mu       sync.Mutex
	programs map[string]runtime.Info
	loadErr  error
	execErr  error
	stopped  []string
	removed  []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{programs: make(map[string]runtime.Info)}
}

func (e *fakeEngine) Load(_ context.Context, spec runtime.Spec) (runtime.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loadErr != nil {
		return runtime.Info{}, e.loadErr
	}
	info := runtime.Info{
		ID:      spec.ID,
		Name:    spec.Name,
		Version: spec.Version,
		Status:  runtime.StatusValidated,
	}
	e.programs[spec.ID] = info
	return info, nil
}

func (e *fakeEngine) Execute(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.programs[id]
	if !ok {
		return runtime.NewStateError("program not found", nil).WithCode(runtime.ErrCodeProgramNotFound)
	}
	if e.execErr != nil {
		info.Status = runtime.StatusFailed
		info.Error = e.execErr.Error()
		e.programs[id] = info
		return e.execErr
	}
	info.Status = runtime.StatusCompleted
	e.programs[id] = info
	return nil
}

func (e *fakeEngine) Stop(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.programs[id]; !ok {
		return runtime.NewStateError("program not found", nil).WithCode(runtime.ErrCodeProgramNotFound)
	}
	e.stopped = append(e.stopped, id)
	return nil
}

func (e *fakeEngine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.programs[id]; !ok {
		return runtime.NewStateError("program not found", nil).WithCode(runtime.ErrCodeProgramNotFound)
	}
	delete(e.programs, id)
	e.removed = append(e.removed, id)
	return nil
}

func (e *fakeEngine) Get(id string) (runtime.Info, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.programs[id]
	if !ok {
		return runtime.Info{}, runtime.NewStateError("program not found", nil).WithCode(runtime.ErrCodeProgramNotFound)
	}
	return info, nil
}

func (e *fakeEngine) List() iter.Seq[runtime.Info] {
	e.mu.Lock()
	ids := make([]string, 0, len(e.programs))
	for id := range e.programs {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return func(yield func(runtime.Info) bool) {
		for _, id := range ids {
			e.mu.Lock()
			info := e.programs[id]
			e.mu.Unlock()
			if !yield(info) {
				return
			}
		}
	}
}

func (e *fakeEngine) Eval(_ context.Context, source string, _ time.Duration) (map[string]string, error) {
	return map[string]string{"source_len": "42"}, nil
}

type fakeSync struct {
	mu      sync.Mutex
	deltas  []int64
	resyncs []int64
	err     error
}

func (s *fakeSync) ApplyRemoteDelta(_ context.Context, version int64, _ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.deltas = append(s.deltas, version)
	return nil
}

func (s *fakeSync) Resync(_ context.Context, version int64, _ map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resyncs = append(s.resyncs, version)
	return nil
}

type testHarness struct {
	bus    *transport.Loopback
	engine *fakeEngine
	sync   *fakeSync
	h      *Handler
	topics Topics
	status <-chan transport.Message
	cancel context.CancelFunc
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	bus := transport.NewLoopback()
	engine := newFakeEngine()
	shadow := &fakeSync{}
	h := NewHandler("dev-1", bus, engine, shadow, HandlerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	topics := Topics{DeviceID: "dev-1"}

	status, err := bus.Subscribe(ctx, topics.Status())
	if err != nil {
		t.Fatalf("subscribe status: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("handler did not shut down")
		}
		bus.Close()
	})

	// Give the dispatch goroutines a moment to subscribe.
	time.Sleep(10 * time.Millisecond)

	return &testHarness{bus: bus, engine: engine, sync: shadow, h: h, topics: topics, status: status, cancel: cancel}
}

func (th *testHarness) publish(t *testing.T, topic string, v interface{}) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := th.bus.Publish(context.Background(), topic, payload); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func (th *testHarness) nextStatus(t *testing.T) StatusMessage {
	t.Helper()
	select {
	case msg, ok := <-th.status:
		if !ok {
			t.Fatal("status channel closed")
		}
		var status StatusMessage
		if err := json.Unmarshal(msg.Payload, &status); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		return status
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return StatusMessage{}
}

func (th *testHarness) expectNoStatus(t *testing.T) {
	t.Helper()
	select {
	case msg := <-th.status:
		t.Fatalf("unexpected status: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func programMessage(id, version string) ProgramMessage {
	source := "x = 1\n"
	return ProgramMessage{
		ProgramID:    id,
		Name:         id,
		ScriptSource: source,
		Version:      version,
		Checksum:     runtime.Checksum(source),
	}
}

func TestLoadPublishesLoadedStatus(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.Load(), programMessage("blink", "1"))

	status := th.nextStatus(t)
	if status.ProgramID != "blink" || status.Status != StatusLoaded {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.Error != "" {
		t.Fatalf("unexpected error: %q", status.Error)
	}
	th.expectNoStatus(t)
}

func TestLoadViaBroadcastTopic(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.LoadBroadcast(), programMessage("fleet-prog", "1"))

	status := th.nextStatus(t)
	if status.ProgramID != "fleet-prog" || status.Status != StatusLoaded {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestDuplicateDeliveryIsSilent(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.Load(), programMessage("blink", "1"))
	if status := th.nextStatus(t); status.Status != StatusLoaded {
		t.Fatalf("unexpected first status: %+v", status)
	}

	// Simulate terminal state so a reload would otherwise be accepted.
	th.engine.mu.Lock()
	delete(th.engine.programs, "blink")
	th.engine.mu.Unlock()

	th.publish(t, th.topics.Load(), programMessage("blink", "1"))
	th.expectNoStatus(t)

	// A new version is not a duplicate.
	th.publish(t, th.topics.Load(), programMessage("blink", "2"))
	if status := th.nextStatus(t); status.Status != StatusLoaded {
		t.Fatalf("unexpected status for new version: %+v", status)
	}
}

func TestChecksumMismatchPublishesError(t *testing.T) {
	th := newHarness(t)

	msg := programMessage("blink", "1")
	msg.Checksum = strings.Repeat("0", 64)
	th.publish(t, th.topics.Load(), msg)

	status := th.nextStatus(t)
	if status.Status != StatusError {
		t.Fatalf("expected error status, got %+v", status)
	}
	if !strings.Contains(status.Error, runtime.ErrCodeChecksumMismatch) {
		t.Fatalf("expected checksum mismatch detail, got %q", status.Error)
	}

	// A rejected delivery is not marked processed; a corrected redelivery
	// succeeds.
	th.publish(t, th.topics.Load(), programMessage("blink", "1"))
	if status := th.nextStatus(t); status.Status != StatusLoaded {
		t.Fatalf("expected corrected redelivery to load, got %+v", status)
	}
}

func TestLoadWithoutChecksumSkipsVerification(t *testing.T) {
	th := newHarness(t)

	msg := programMessage("blink", "1")
	msg.Checksum = ""
	th.publish(t, th.topics.Load(), msg)

	if status := th.nextStatus(t); status.Status != StatusLoaded {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestInvalidProgramMessagePublishesError(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.Load(), ProgramMessage{ProgramID: "blink", Version: "1"})

	status := th.nextStatus(t)
	if status.ProgramID != "blink" || status.Status != StatusError {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestAutoStartPublishesRunningThenTerminal(t *testing.T) {
	th := newHarness(t)

	msg := programMessage("blink", "1")
	msg.AutoStart = true
	th.publish(t, th.topics.Load(), msg)

	first := th.nextStatus(t)
	if first.Status != StatusRunning {
		t.Fatalf("expected running first, got %+v", first)
	}
	second := th.nextStatus(t)
	if second.Status != string(runtime.StatusCompleted) {
		t.Fatalf("expected completed, got %+v", second)
	}
	th.expectNoStatus(t)
}

func TestStartCommand(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.Load(), programMessage("blink", "1"))
	if status := th.nextStatus(t); status.Status != StatusLoaded {
		t.Fatalf("unexpected status: %+v", status)
	}

	th.publish(t, th.topics.Start(), CommandMessage{ProgramID: "blink"})
	if status := th.nextStatus(t); status.Status != StatusRunning {
		t.Fatalf("expected running, got %+v", status)
	}
	if status := th.nextStatus(t); status.Status != string(runtime.StatusCompleted) {
		t.Fatalf("expected completed, got %+v", status)
	}
}

func TestStartUnknownProgramPublishesError(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.Start(), CommandMessage{ProgramID: "ghost"})

	status := th.nextStatus(t)
	if status.ProgramID != "ghost" || status.Status != StatusError {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestRemoveCommand(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.Load(), programMessage("blink", "1"))
	if status := th.nextStatus(t); status.Status != StatusLoaded {
		t.Fatalf("unexpected status: %+v", status)
	}

	th.publish(t, th.topics.Remove(), CommandMessage{ProgramID: "blink"})
	status := th.nextStatus(t)
	if status.Status != "removed" {
		t.Fatalf("expected removed, got %+v", status)
	}
}

func TestEvalAnswersOnResultTopic(t *testing.T) {
	th := newHarness(t)

	results, err := th.bus.Subscribe(context.Background(), th.topics.EvalResult())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	th.publish(t, th.topics.Eval(), EvalRequest{RequestID: "req-1", Source: "x = 1\n"})

	select {
	case msg := <-results:
		var resp EvalResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.RequestID != "req-1" || resp.Error != "" {
			t.Fatalf("unexpected response: %+v", resp)
		}
		if resp.Globals["source_len"] != "42" {
			t.Fatalf("unexpected globals: %v", resp.Globals)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for eval result")
	}
}

func TestListAnswersOnResultTopic(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.Load(), programMessage("bravo", "1"))
	th.nextStatus(t)
	th.publish(t, th.topics.Load(), programMessage("alpha", "1"))
	th.nextStatus(t)

	results, err := th.bus.Subscribe(context.Background(), th.topics.ListResult())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	th.publish(t, th.topics.List(), struct{}{})

	select {
	case msg := <-results:
		var resp ListResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if len(resp.Programs) != 2 {
			t.Fatalf("expected 2 programs, got %+v", resp.Programs)
		}
		if resp.Programs[0].ProgramID != "alpha" || resp.Programs[1].ProgramID != "bravo" {
			t.Fatalf("expected id order, got %+v", resp.Programs)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for list result")
	}
}

func TestShadowDeltaForwarded(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.ShadowDelta(), ShadowDelta{
		Version: 3,
		State:   map[string]interface{}{"programs": map[string]interface{}{}},
	})

	waitForCondition(t, func() bool {
		th.sync.mu.Lock()
		defer th.sync.mu.Unlock()
		return len(th.sync.deltas) == 1 && th.sync.deltas[0] == 3
	}, "delta never reached the synchronizer")
}

func TestShadowDeltaValidation(t *testing.T) {
	th := newHarness(t)

	// Version 0 fails validation before the synchronizer sees it.
	th.publish(t, th.topics.ShadowDelta(), ShadowDelta{
		Version: 0,
		State:   map[string]interface{}{},
	})

	time.Sleep(50 * time.Millisecond)
	th.sync.mu.Lock()
	defer th.sync.mu.Unlock()
	if len(th.sync.deltas) != 0 {
		t.Fatalf("invalid delta must not be forwarded: %v", th.sync.deltas)
	}
}

func TestShadowDocumentTriggersResync(t *testing.T) {
	th := newHarness(t)

	th.publish(t, th.topics.ShadowDocument(), ShadowDocument{
		Version: 9,
		State:   map[string]interface{}{},
	})

	waitForCondition(t, func() bool {
		th.sync.mu.Lock()
		defer th.sync.mu.Unlock()
		return len(th.sync.resyncs) == 1 && th.sync.resyncs[0] == 9
	}, "document never reached the synchronizer")
}

func TestRequestSync(t *testing.T) {
	th := newHarness(t)

	gets, err := th.bus.Subscribe(context.Background(), th.topics.ShadowGet())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := th.h.RequestSync(context.Background()); err != nil {
		t.Fatalf("request sync: %v", err)
	}

	select {
	case msg := <-gets:
		if string(msg.Payload) != "{}" {
			t.Fatalf("unexpected payload %s", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shadow get")
	}
}

func TestPublishReported(t *testing.T) {
	th := newHarness(t)

	updates, err := th.bus.Subscribe(context.Background(), th.topics.ShadowUpdate())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	reported := map[string]interface{}{"device": map[string]interface{}{"id": "dev-1"}}
	if err := th.h.PublishReported(context.Background(), reported); err != nil {
		t.Fatalf("publish reported: %v", err)
	}

	select {
	case msg := <-updates:
		var update ShadowUpdate
		if err := json.Unmarshal(msg.Payload, &update); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if update.DeviceID != "dev-1" {
			t.Fatalf("unexpected device id %q", update.DeviceID)
		}
		if update.Timestamp.IsZero() {
			t.Fatal("expected timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shadow update")
	}
}

func waitForCondition(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
