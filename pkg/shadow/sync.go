package shadow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/telemetry"
)

// DefaultDebounce is how long the synchronizer waits after a reported-state
// change before publishing, coalescing bursts into one update.
const DefaultDebounce = 2 * time.Second

// DefaultFlushTimeout bounds a single reported-state publish.
const DefaultFlushTimeout = 10 * time.Second

// DesiredProgram is a program descriptor carried in the desired tree under
// programs.load.
type DesiredProgram struct {
	ID        string
	Name      string
	Source    string
	Version   string
	Checksum  string
	AutoStart bool
}

// Lifecycle is the program manager surface the synchronizer drives. Start
// begins execution and returns once the program is running; completion is
// reported through the manager's own status flow.
type Lifecycle interface {
	LoadProgram(ctx context.Context, p DesiredProgram) error
	StartProgram(ctx context.Context, id string) error
	StopProgram(ctx context.Context, id string) error
	RemoveProgram(ctx context.Context, id string) error
}

// FirmwareUpdater accepts firmware update requests from the desired tree.
type FirmwareUpdater interface {
	RequestUpdate(ctx context.Context, version, url string) error
}

// Publisher sends the reported tree upstream.
type Publisher interface {
	PublishReported(ctx context.Context, reported map[string]interface{}) error
}

// SynchronizerOptions configures a Synchronizer.
type SynchronizerOptions struct {
	// Debounce is the coalescing window for reported-state publishes.
	Debounce time.Duration

	// FlushTimeout bounds each publish triggered by the debounce timer.
	FlushTimeout time.Duration

	// Firmware handles firmware_update intents. Nil rejects them.
	Firmware FirmwareUpdater

	Logger  *telemetry.Logger
	Metrics *telemetry.Metrics
	Events  *telemetry.EventBus
}

// Synchronizer keeps the shadow in step with the device. Local changes are
// debounced and published as one reported update; remote desired deltas are
// version-checked, merged, and turned into ordered lifecycle actions.
type Synchronizer struct {
	store     *StateStore
	lifecycle Lifecycle
	firmware  FirmwareUpdater
	publisher Publisher

	debounce     time.Duration
	flushTimeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
	dirty bool

	// deltaMu serializes remote delta application so intents from
	// consecutive versions never interleave.
	deltaMu sync.Mutex

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
}

// NewSynchronizer creates a synchronizer over the given store.
func NewSynchronizer(store *StateStore, lifecycle Lifecycle, publisher Publisher, opts SynchronizerOptions) *Synchronizer {
	logger := opts.Logger
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info"})
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	flushTimeout := opts.FlushTimeout
	if flushTimeout <= 0 {
		flushTimeout = DefaultFlushTimeout
	}
	return &Synchronizer{
		store:        store,
		lifecycle:    lifecycle,
		firmware:     opts.Firmware,
		publisher:    publisher,
		debounce:     debounce,
		flushTimeout: flushTimeout,
		logger:       logger.NewComponentLogger("shadow"),
		metrics:      opts.Metrics,
		events:       opts.Events,
	}
}

// ApplyLocalChange writes a reported-state value and arms the debounce
// timer. Changes landing inside an armed window coalesce into one publish.
func (s *Synchronizer) ApplyLocalChange(path string, value interface{}) error {
	if err := s.store.SetReported(path, value); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty = true
	if s.timer != nil {
		s.metrics.ChangeCoalesced()
		return nil
	}
	s.timer = time.AfterFunc(s.debounce, s.flushDebounced)
	return nil
}

// flushDebounced runs on timer expiry.
func (s *Synchronizer) flushDebounced() {
	ctx, cancel := context.WithTimeout(context.Background(), s.flushTimeout)
	defer cancel()

	if err := s.Flush(ctx); err != nil {
		s.logger.WithError(err).Warn("debounced shadow publish failed")
	}
}

// Flush publishes the reported tree immediately, cancelling any pending
// debounce window. A flush with no pending changes is a no-op.
func (s *Synchronizer) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	s.dirty = false
	s.mu.Unlock()

	snapshot := s.store.ReportedSnapshot()
	if err := s.publisher.PublishReported(ctx, snapshot); err != nil {
		// Keep the changes pending so the next window retries them.
		s.mu.Lock()
		s.dirty = true
		if s.timer == nil {
			s.timer = time.AfterFunc(s.debounce, s.flushDebounced)
		}
		s.mu.Unlock()
		return fmt.Errorf("failed to publish reported state: %w", err)
	}

	s.metrics.ShadowPublished()
	s.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeShadowPublished,
		Source:  "shadow",
		Message: "reported state published",
		Level:   telemetry.EventLevelInfo,
	})
	s.logger.Debug("reported state published")
	return nil
}

// ApplyRemoteDelta merges a versioned desired delta and executes the
// lifecycle intents it carries. Stale versions are rejected before any
// intent runs. Intent failures do not roll the version back; each failure is
// recorded in the reported tree so the backend observes it.
func (s *Synchronizer) ApplyRemoteDelta(ctx context.Context, version int64, delta map[string]interface{}) error {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()

	if err := s.store.MergeDesired(version, delta); err != nil {
		s.metrics.ShadowDelta("rejected")
		return err
	}
	s.metrics.ShadowDelta("accepted")
	s.metrics.SetDesiredVersion(uint64(version))
	s.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeShadowDelta,
		Source:  "shadow",
		Message: fmt.Sprintf("desired delta v%d accepted", version),
		Level:   telemetry.EventLevelInfo,
	})
	s.logger.WithField("version", version).Info("desired delta accepted")

	s.applyIntents(ctx, delta, version)
	return nil
}

// Resync replaces the desired tree with a full document, reapplies its
// intents, and schedules a full reported publish. Used after reconnect.
func (s *Synchronizer) Resync(ctx context.Context, version int64, doc map[string]interface{}) error {
	s.deltaMu.Lock()
	defer s.deltaMu.Unlock()

	if err := s.store.ReplaceDesired(version, doc); err != nil {
		s.metrics.ShadowDelta("rejected")
		return err
	}
	s.metrics.ShadowDelta("accepted")
	s.metrics.SetDesiredVersion(uint64(version))
	s.logger.WithField("version", version).Info("desired state resynced")

	s.applyIntents(ctx, doc, version)

	// Force a full reported publish so backend and device agree.
	s.mu.Lock()
	s.dirty = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// applyIntents executes the lifecycle actions in a desired document, in
// fixed order: stops first, then unloads, loads, starts, and finally
// firmware. Ordering makes replace flows (stop old, load new, start new)
// safe inside a single delta.
func (s *Synchronizer) applyIntents(ctx context.Context, doc map[string]interface{}, version int64) {
	programs, _ := doc["programs"].(map[string]interface{})

	for _, id := range stringList(programs["stop"]) {
		s.recordOutcome(id, "stop", s.lifecycle.StopProgram(ctx, id))
	}
	for _, id := range stringList(programs["unload"]) {
		err := s.lifecycle.RemoveProgram(ctx, id)
		if err == nil {
			// Drop the program subtree from reported state.
			_ = s.ApplyLocalChange("programs."+id, nil)
			continue
		}
		s.recordOutcome(id, "unload", err)
	}
	for _, raw := range listItems(programs["load"]) {
		p, err := parseDesiredProgram(raw)
		if err != nil {
			s.logger.WithError(err).Warn("skipping malformed program descriptor")
			continue
		}
		s.recordOutcome(p.ID, "load", s.lifecycle.LoadProgram(ctx, p))
	}
	for _, id := range stringList(programs["start"]) {
		s.recordOutcome(id, "start", s.lifecycle.StartProgram(ctx, id))
	}

	if fw, ok := doc["firmware_update"].(map[string]interface{}); ok {
		s.applyFirmwareIntent(ctx, fw)
	}

	_ = s.ApplyLocalChange("sync.desired_version", version)
}

// applyFirmwareIntent forwards a firmware_update intent.
func (s *Synchronizer) applyFirmwareIntent(ctx context.Context, fw map[string]interface{}) {
	version, _ := fw["version"].(string)
	url, _ := fw["url"].(string)

	if s.firmware == nil {
		s.logger.Warn("firmware update requested but no updater configured")
		_ = s.ApplyLocalChange("firmware.error", "no updater configured")
		return
	}
	if err := s.firmware.RequestUpdate(ctx, version, url); err != nil {
		s.logger.WithError(err).Error("firmware update request failed")
		_ = s.ApplyLocalChange("firmware.error", err.Error())
		return
	}
	s.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeFirmwareRequest,
		Source:  "shadow",
		Message: fmt.Sprintf("firmware update to %s requested", version),
		Level:   telemetry.EventLevelInfo,
	})
	_ = s.ApplyLocalChange("firmware.requested_version", version)
	_ = s.ApplyLocalChange("firmware.error", nil)
}

// recordOutcome writes an intent result into the reported tree.
func (s *Synchronizer) recordOutcome(id, op string, err error) {
	if id == "" {
		return
	}
	if err != nil {
		s.logger.WithError(err).WithProgramID(id).Warn("desired intent failed")
		_ = s.ApplyLocalChange("programs."+id+".last_error", fmt.Sprintf("%s: %s", op, err.Error()))
		return
	}
	_ = s.ApplyLocalChange("programs."+id+".last_error", nil)
}

// Close cancels any pending debounce timer without publishing.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// parseDesiredProgram validates a program descriptor from the desired tree.
func parseDesiredProgram(raw interface{}) (DesiredProgram, error) {
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return DesiredProgram{}, runtime.NewValidationError("program descriptor must be an object", nil)
	}

	p := DesiredProgram{}
	p.ID, _ = obj["id"].(string)
	p.Name, _ = obj["name"].(string)
	p.Source, _ = obj["source"].(string)
	p.Version, _ = obj["version"].(string)
	p.Checksum, _ = obj["checksum"].(string)
	p.AutoStart, _ = obj["auto_start"].(bool)

	if p.ID == "" {
		return DesiredProgram{}, runtime.NewValidationError("program descriptor missing id", nil)
	}
	if p.Source == "" {
		return DesiredProgram{}, runtime.NewValidationError("program descriptor missing source", nil).WithProgram(p.ID)
	}
	return p, nil
}

// stringList extracts a sorted, deduplicated string slice from a desired
// tree value.
func stringList(raw interface{}) []string {
	items := listItems(raw)
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok || s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// listItems normalizes a desired tree value to a slice.
func listItems(raw interface{}) []interface{} {
	items, _ := raw.([]interface{})
	return items
}
