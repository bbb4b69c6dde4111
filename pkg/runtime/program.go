package runtime

import (
	"time"

	"go.starlark.net/starlark"
)

// Status is the lifecycle status of a loaded program.
type Status string

const (
	// StatusValidated means the program passed admission and is ready to run.
	StatusValidated Status = "validated"

	// StatusRunning means the program body is executing.
	StatusRunning Status = "running"

	// StatusCompleted means the program ran to completion.
	StatusCompleted Status = "completed"

	// StatusStopped means the program was cancelled on request.
	StatusStopped Status = "stopped"

	// StatusFailed means an uncaught fault was captured at the execution
	// boundary.
	StatusFailed Status = "failed"

	// StatusTimedOut means the program was forcibly suspended at its deadline.
	StatusTimedOut Status = "timed_out"
)

// IsTerminal reports whether the status is a terminal state. Terminal states
// are immutable until the program is explicitly removed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// allowedTransitions encodes the status DAG:
// validated -> running -> {completed, stopped, failed, timed_out}.
var allowedTransitions = map[Status][]Status{
	StatusValidated: {StatusRunning},
	StatusRunning:   {StatusCompleted, StatusStopped, StatusFailed, StatusTimedOut},
}

// canTransition reports whether from -> to is an edge of the status DAG.
func canTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Spec describes a program submitted for admission.
type Spec struct {
	// ID is the program identifier, unique among the loaded set.
	ID string

	// Name is the human-readable program name.
	Name string

	// Version is the program version string.
	Version string

	// Source is the Starlark source text.
	Source string

	// Checksum is the expected hex-encoded SHA-256 of Source.
	Checksum string

	// Deadline overrides the manager's default execution deadline when
	// positive.
	Deadline time.Duration
}

// Program is a loaded program owned by the Manager. All mutation happens
// under the Manager's lock; external observers only ever see Info snapshots.
type Program struct {
	ID       string
	Name     string
	Version  string
	Source   string
	Checksum string

	Status   Status
	Error    string
	Deadline time.Duration

	LoadedAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	ExecutionCount int

	// thread is the live Starlark thread while Running, nil otherwise.
	thread *starlark.Thread

	// stopRequested is set by Stop before cancelling the thread.
	stopRequested bool

	// deadlineHit is set by the deadline watcher before cancelling the thread.
	deadlineHit bool
}

// Info is an immutable metadata snapshot of a program. It never exposes live
// execution internals.
type Info struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Version        string        `json:"version"`
	Status         Status        `json:"status"`
	Error          string        `json:"error,omitempty"`
	Checksum       string        `json:"checksum"`
	SourceSize     int           `json:"source_size"`
	Deadline       time.Duration `json:"deadline"`
	LoadedAt       time.Time     `json:"loaded_at"`
	StartedAt      time.Time     `json:"started_at,omitzero"`
	FinishedAt     time.Time     `json:"finished_at,omitzero"`
	ExecutionCount int           `json:"execution_count"`
}

func (p *Program) info() Info {
	return Info{
		ID:             p.ID,
		Name:           p.Name,
		Version:        p.Version,
		Status:         p.Status,
		Error:          p.Error,
		Checksum:       p.Checksum,
		SourceSize:     len(p.Source),
		Deadline:       p.Deadline,
		LoadedAt:       p.LoadedAt,
		StartedAt:      p.StartedAt,
		FinishedAt:     p.FinishedAt,
		ExecutionCount: p.ExecutionCount,
	}
}
