package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/telemetry"
	"github.com/luminode/luminode/pkg/transport"
)

// evalDeadline bounds transient snippet execution.
const evalDeadline = 30 * time.Second

// dedupeTTL is how long processed program versions are remembered.
// Brokers redeliver on reconnect well inside this window.
const dedupeTTL = time.Hour

// Engine is the program manager surface the handler drives.
type Engine interface {
	Load(ctx context.Context, spec runtime.Spec) (runtime.Info, error)
	Execute(ctx context.Context, id string) error
	Stop(id string) error
	Remove(id string) error
	Get(id string) (runtime.Info, error)
	List() iter.Seq[runtime.Info]
	Eval(ctx context.Context, source string, deadline time.Duration) (map[string]string, error)
}

// ShadowSync is the shadow surface the handler drives.
type ShadowSync interface {
	ApplyRemoteDelta(ctx context.Context, version int64, delta map[string]interface{}) error
	Resync(ctx context.Context, version int64, doc map[string]interface{}) error
}

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventBus
}

// Handler runs the delivery protocol for one device. It subscribes to the
// device and broadcast topics, dispatches inbound messages, and publishes
// status, eval, list, and shadow traffic back on the bus.
//
// Delivery guarantees: a program version already processed is acknowledged
// silently (idempotent redelivery), and every accepted load or command
// yields exactly one status publish.
type Handler struct {
	deviceID string
	topics   Topics
	bus      transport.Transport
	engine   Engine
	sync     ShadowSync

	validate *validator.Validate

	mu   sync.Mutex
	seen map[string]time.Time

	wg sync.WaitGroup

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
}

// NewHandler creates a delivery handler.
func NewHandler(deviceID string, bus transport.Transport, engine Engine, shadowSync ShadowSync, opts HandlerOptions) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info"})
	}
	return &Handler{
		deviceID: deviceID,
		topics:   Topics{DeviceID: deviceID},
		bus:      bus,
		engine:   engine,
		sync:     shadowSync,
		validate: validator.New(),
		seen:     make(map[string]time.Time),
		logger:   logger.NewComponentLogger("delivery").WithDeviceID(deviceID),
		metrics:  opts.Metrics,
		events:   opts.Events,
	}
}

// Run subscribes to all inbound topics and dispatches until the context is
// cancelled. It blocks; run it in its own goroutine.
func (h *Handler) Run(ctx context.Context) error {
	subscriptions := []struct {
		topic   string
		channel string
		handle  func(context.Context, []byte)
	}{
		{h.topics.Load(), "load", h.handleLoad},
		{h.topics.LoadBroadcast(), "load_broadcast", h.handleLoad},
		{h.topics.Start(), "start", h.handleStart},
		{h.topics.Stop(), "stop", h.handleStop},
		{h.topics.Remove(), "remove", h.handleRemove},
		{h.topics.Eval(), "eval", h.handleEval},
		{h.topics.List(), "list", h.handleList},
		{h.topics.ShadowDelta(), "shadow_delta", h.handleShadowDelta},
		{h.topics.ShadowDocument(), "shadow_document", h.handleShadowDocument},
	}

	for _, sub := range subscriptions {
		messages, err := h.bus.Subscribe(ctx, sub.topic)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", sub.topic, err)
		}

		channel := sub.channel
		handle := sub.handle
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for msg := range messages {
				h.metrics.MessageReceived(channel)
				handle(ctx, msg.Payload)
			}
		}()
	}

	h.logger.Info("delivery handler started")
	<-ctx.Done()
	h.wg.Wait()
	return nil
}

// SetShadowSync installs the shadow surface. The handler and the
// synchronizer reference each other (the handler publishes the reported
// tree the synchronizer assembles), so one side is wired after construction.
// Must be called before Run.
func (h *Handler) SetShadowSync(s ShadowSync) {
	h.sync = s
}

// RequestSync asks the backend for the full desired document. Called after
// connect so deltas missed while offline are recovered.
func (h *Handler) RequestSync(ctx context.Context) error {
	return h.bus.Publish(ctx, h.topics.ShadowGet(), []byte("{}"))
}

// PublishReported sends the reported tree upstream. Satisfies the shadow
// synchronizer's publisher.
func (h *Handler) PublishReported(ctx context.Context, reported map[string]interface{}) error {
	payload, err := json.Marshal(ShadowUpdate{
		DeviceID:  h.deviceID,
		State:     reported,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal shadow update: %w", err)
	}
	return h.bus.Publish(ctx, h.topics.ShadowUpdate(), payload)
}

// handleLoad processes a pushed program.
func (h *Handler) handleLoad(ctx context.Context, payload []byte) {
	var msg ProgramMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.logger.WithError(err).Warn("malformed program message")
		return
	}
	if err := h.validate.Struct(&msg); err != nil {
		h.logger.WithError(err).WithProgramID(msg.ProgramID).Warn("invalid program message")
		if msg.ProgramID != "" {
			h.publishStatus(ctx, msg.ProgramID, StatusError, fmt.Sprintf("invalid message: %s", err))
		}
		return
	}

	if h.alreadyProcessed(msg.ProgramID, msg.Version) {
		h.metrics.DuplicateMessage()
		h.logger.WithProgramID(msg.ProgramID).
			WithField("version", msg.Version).
			Debug("duplicate program delivery ignored")
		return
	}

	if msg.Checksum != "" {
		if actual := runtime.Checksum(msg.ScriptSource); !strings.EqualFold(actual, msg.Checksum) {
			h.metrics.ProgramLoaded("checksum_mismatch")
			h.publishStatus(ctx, msg.ProgramID, StatusError,
				fmt.Sprintf("%s: expected %s, got %s", runtime.ErrCodeChecksumMismatch, msg.Checksum, actual))
			return
		}
	}

	info, err := h.engine.Load(ctx, runtime.Spec{
		ID:       msg.ProgramID,
		Name:     msg.Name,
		Version:  msg.Version,
		Source:   msg.ScriptSource,
		Checksum: msg.Checksum,
	})
	if err != nil {
		h.publishStatus(ctx, msg.ProgramID, StatusError, err.Error())
		return
	}

	h.markProcessed(msg.ProgramID, msg.Version)
	h.logger.WithProgramID(info.ID).WithField("version", msg.Version).Info("program loaded")

	if msg.AutoStart {
		h.executeAsync(ctx, msg.ProgramID)
		return
	}
	h.publishStatus(ctx, msg.ProgramID, StatusLoaded, "")
}

// handleStart processes an execution request.
func (h *Handler) handleStart(ctx context.Context, payload []byte) {
	msg, ok := h.command(ctx, payload)
	if !ok {
		return
	}
	if err := h.StartProgram(ctx, msg.ProgramID); err != nil {
		h.publishStatus(ctx, msg.ProgramID, StatusError, err.Error())
	}
}

// StartProgram begins executing a loaded program. The running status is
// published when execution begins and the terminal status when it ends.
func (h *Handler) StartProgram(ctx context.Context, id string) error {
	if _, err := h.engine.Get(id); err != nil {
		return err
	}
	h.executeAsync(ctx, id)
	return nil
}

// executeAsync runs a program without blocking the dispatch loop. A running
// status is published when execution begins and the terminal status when it
// ends.
func (h *Handler) executeAsync(ctx context.Context, id string) {
	h.publishStatus(ctx, id, StatusRunning, "")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		execErr := h.engine.Execute(ctx, id)

		info, err := h.engine.Get(id)
		if err != nil {
			// Removed while running; nothing left to report against.
			h.logger.WithError(err).WithProgramID(id).Warn("program gone after execution")
			return
		}

		errMsg := info.Error
		if errMsg == "" && execErr != nil {
			errMsg = execErr.Error()
		}
		h.publishStatus(ctx, id, string(info.Status), errMsg)
	}()
}

// handleStop processes a stop request.
func (h *Handler) handleStop(ctx context.Context, payload []byte) {
	msg, ok := h.command(ctx, payload)
	if !ok {
		return
	}
	if err := h.engine.Stop(msg.ProgramID); err != nil {
		h.publishStatus(ctx, msg.ProgramID, StatusError, err.Error())
		return
	}
	// Terminal status arrives from the execution goroutine once the
	// interpreter unwinds; stopping is acknowledged immediately.
	h.logger.WithProgramID(msg.ProgramID).Info("stop requested")
}

// handleRemove processes an unload request.
func (h *Handler) handleRemove(ctx context.Context, payload []byte) {
	msg, ok := h.command(ctx, payload)
	if !ok {
		return
	}
	if err := h.engine.Remove(msg.ProgramID); err != nil {
		h.publishStatus(ctx, msg.ProgramID, StatusError, err.Error())
		return
	}
	h.publishStatus(ctx, msg.ProgramID, "removed", "")
}

// handleEval runs a transient snippet and answers on the result topic.
func (h *Handler) handleEval(ctx context.Context, payload []byte) {
	var req EvalRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.logger.WithError(err).Warn("malformed eval request")
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		h.logger.WithError(err).Warn("invalid eval request")
		return
	}

	resp := EvalResponse{RequestID: req.RequestID, Timestamp: time.Now().UTC()}
	globals, err := h.engine.Eval(ctx, req.Source, evalDeadline)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Globals = globals
	}
	h.publishJSON(ctx, h.topics.EvalResult(), resp)
}

// handleList answers with the program inventory.
func (h *Handler) handleList(ctx context.Context, _ []byte) {
	resp := ListResponse{Programs: []ProgramListing{}, Timestamp: time.Now().UTC()}
	for info := range h.engine.List() {
		resp.Programs = append(resp.Programs, ProgramListing{
			ProgramID: info.ID,
			Name:      info.Name,
			Version:   info.Version,
			Status:    string(info.Status),
			Error:     info.Error,
		})
	}
	h.publishJSON(ctx, h.topics.ListResult(), resp)
}

// handleShadowDelta forwards a desired delta to the synchronizer.
func (h *Handler) handleShadowDelta(ctx context.Context, payload []byte) {
	var delta ShadowDelta
	if err := json.Unmarshal(payload, &delta); err != nil {
		h.logger.WithError(err).Warn("malformed shadow delta")
		return
	}
	if err := h.validate.Struct(&delta); err != nil {
		h.logger.WithError(err).Warn("invalid shadow delta")
		return
	}

	if err := h.sync.ApplyRemoteDelta(ctx, delta.Version, delta.State); err != nil {
		h.logger.WithError(err).WithField("version", delta.Version).Warn("shadow delta rejected")
	}
}

// handleShadowDocument resyncs from a full desired document.
func (h *Handler) handleShadowDocument(ctx context.Context, payload []byte) {
	var doc ShadowDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		h.logger.WithError(err).Warn("malformed shadow document")
		return
	}

	if err := h.sync.Resync(ctx, doc.Version, doc.State); err != nil {
		h.logger.WithError(err).WithField("version", doc.Version).Warn("shadow resync failed")
	}
}

// command parses and validates a CommandMessage.
func (h *Handler) command(ctx context.Context, payload []byte) (CommandMessage, bool) {
	var msg CommandMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.logger.WithError(err).Warn("malformed command message")
		return msg, false
	}
	if err := h.validate.Struct(&msg); err != nil {
		h.logger.WithError(err).Warn("invalid command message")
		return msg, false
	}
	return msg, true
}

// publishStatus emits one StatusMessage on the status topic.
func (h *Handler) publishStatus(ctx context.Context, id, status, errMsg string) {
	h.metrics.StatusPublished(status)
	h.publishJSON(ctx, h.topics.Status(), StatusMessage{
		ProgramID: id,
		Status:    status,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) publishJSON(ctx context.Context, topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).WithTopic(topic).Error("failed to marshal message")
		return
	}
	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		h.logger.WithError(err).WithTopic(topic).Error("failed to publish message")
	}
}

// alreadyProcessed reports whether this program version was handled before.
func (h *Handler) alreadyProcessed(id, version string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := id + "@" + version
	seenAt, ok := h.seen[key]
	if !ok {
		return false
	}
	if time.Since(seenAt) > dedupeTTL {
		delete(h.seen, key)
		return false
	}
	return true
}

// markProcessed records a delivered program version and prunes expired
// entries.
func (h *Handler) markProcessed(id, version string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for key, seenAt := range h.seen {
		if now.Sub(seenAt) > dedupeTTL {
			delete(h.seen, key)
		}
	}
	h.seen[id+"@"+version] = now
}
