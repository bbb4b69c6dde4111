package policy

import "time"

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block a load.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that reject the program.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that reject the program and
	// warrant operator attention.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// ProgramID is the program that violated the policy.
	ProgramID string `json:"program_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the outcome of an admission evaluation.
type Result struct {
	// Allowed indicates if the program may be loaded.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the decision.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// ProgramInput is the Rego input document for admission evaluation.
type ProgramInput struct {
	// Program describes the pushed program.
	Program *ProgramDescriptor `json:"program"`

	// Context provides device-side evaluation context.
	Context *EvalContext `json:"context"`
}

// ProgramDescriptor is the program view exposed to policies. The source is
// included so policies can pattern-match on it.
type ProgramDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	Source      string `json:"source"`
	SourceBytes int    `json:"source_bytes"`
}

// EvalContext provides context information for policy evaluation.
type EvalContext struct {
	// DeviceID is the evaluating device.
	DeviceID string `json:"device_id,omitempty"`

	// Environment is the deployment environment (e.g. "production").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}
