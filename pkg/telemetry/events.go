package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a lifecycle event in the device runtime.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies the component where the event originated.
	Source string `json:"source"`

	// ProgramID is the associated program ID, if applicable.
	ProgramID string `json:"program_id,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event type constants.
const (
	EventTypeProgramLoaded    = "program.loaded"
	EventTypeProgramStarted   = "program.started"
	EventTypeProgramCompleted = "program.completed"
	EventTypeProgramFailed    = "program.failed"
	EventTypeProgramTimedOut  = "program.timed_out"
	EventTypeProgramStopped   = "program.stopped"
	EventTypeProgramRemoved   = "program.removed"
	EventTypeCapabilityCalled = "capability.called"
	EventTypeShadowPublished  = "shadow.published"
	EventTypeShadowDelta      = "shadow.delta"
	EventTypeFirmwareRequest  = "firmware.requested"
	EventTypePolicyViolation  = "policy.violation"
	EventTypeError            = "error"
)

// Event severity levels.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventBus distributes runtime events to subscribers. Publishing never blocks
// the caller: events are delivered through a buffered channel and dropped when
// the buffer is full.
type EventBus struct {
	config EventsConfig

	mu          sync.RWMutex
	subscribers []EventSubscriber

	buffer chan Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewEventBus creates a new event bus with the given configuration.
// A disabled configuration returns a bus whose Publish is a no-op.
func NewEventBus(cfg EventsConfig) *EventBus {
	b := &EventBus{config: cfg}
	if !cfg.Enabled {
		return b
	}

	b.buffer = make(chan Event, cfg.BufferSize)
	b.done = make(chan struct{})
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a subscriber for all events.
func (b *EventBus) Subscribe(sub EventSubscriber) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish emits an event. The event ID and timestamp are filled in when unset.
func (b *EventBus) Publish(event Event) {
	if b == nil || b.buffer == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.buffer <- event:
	default:
		// Buffer full; drop rather than block the runtime.
	}
}

// Close stops the dispatch loop and waits for in-flight events to drain.
func (b *EventBus) Close() {
	if b == nil || b.buffer == nil {
		return
	}
	close(b.done)
	b.wg.Wait()
}

func (b *EventBus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.buffer:
			b.deliver(event)
		case <-b.done:
			// Drain remaining buffered events before exiting.
			for {
				select {
				case event := <-b.buffer:
					b.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (b *EventBus) deliver(event Event) {
	b.mu.RLock()
	subs := make([]EventSubscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}
