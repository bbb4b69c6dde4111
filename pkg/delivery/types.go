// Package delivery implements the program delivery protocol: the message
// handler that receives remotely pushed programs, lifecycle commands, and
// shadow deltas over the device bus, and publishes status and shadow updates
// back. Delivery is idempotent per program version and every accepted
// message yields exactly one status publish.
package delivery

import "time"

// ProgramMessage is a pushed program, received on the load topics.
type ProgramMessage struct {
	// ProgramID identifies the program on the device.
	ProgramID string `json:"program_id" validate:"required,max=128"`

	// Name is a human-readable label.
	Name string `json:"name" validate:"max=256"`

	// ScriptSource is the complete program text.
	ScriptSource string `json:"script_source" validate:"required"`

	// Version distinguishes redeliveries from updates of the same program.
	Version string `json:"version" validate:"required,max=64"`

	// Checksum is the expected SHA-256 of ScriptSource, hex encoded.
	// Empty skips verification.
	Checksum string `json:"checksum" validate:"omitempty,len=64,hexadecimal"`

	// AutoStart executes the program immediately after a successful load.
	AutoStart bool `json:"auto_start"`
}

// CommandMessage addresses a loaded program, received on the start, stop,
// and remove topics.
type CommandMessage struct {
	ProgramID string `json:"program_id" validate:"required,max=128"`
}

// EvalRequest runs a transient snippet, received on the eval topic.
type EvalRequest struct {
	// RequestID correlates the response.
	RequestID string `json:"request_id" validate:"required,max=128"`

	// Source is the snippet text.
	Source string `json:"source" validate:"required"`
}

// EvalResponse carries snippet results back on the eval result topic.
type EvalResponse struct {
	RequestID string            `json:"request_id"`
	Globals   map[string]string `json:"globals,omitempty"`
	Error     string            `json:"error,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// StatusMessage reports a program lifecycle outcome on the status topic.
type StatusMessage struct {
	ProgramID string    `json:"program_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Status values carried by StatusMessage.
const (
	StatusLoaded  = "loaded"
	StatusRunning = "running"
	StatusError   = "error"
)

// ProgramListing is one entry in a ListResponse.
type ProgramListing struct {
	ProgramID string `json:"program_id"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// ListResponse answers a list request.
type ListResponse struct {
	Programs  []ProgramListing `json:"programs"`
	Timestamp time.Time        `json:"timestamp"`
}

// ShadowDelta is a desired-state delta pushed by the backend.
type ShadowDelta struct {
	Version int64                  `json:"version" validate:"required,gt=0"`
	State   map[string]interface{} `json:"state" validate:"required"`
}

// ShadowDocument is a full desired document, sent in reply to a get.
type ShadowDocument struct {
	Version int64                  `json:"version" validate:"gte=0"`
	State   map[string]interface{} `json:"state"`
}

// ShadowUpdate is the reported tree published by the device.
type ShadowUpdate struct {
	DeviceID  string                 `json:"device_id"`
	State     map[string]interface{} `json:"state"`
	Timestamp time.Time              `json:"timestamp"`
}
