package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"go.starlark.net/starlark"

	"github.com/luminode/luminode/pkg/telemetry"
)

// ThreadContextKey is the Starlark thread-local key under which the manager
// stores the execution context. Capability builtins retrieve it to honor the
// program's deadline and cancellation.
const ThreadContextKey = "luminode.context"

type contextKey string

// ProgramIDContextKey carries the calling program's identifier on the
// execution context so capability handlers can tag their work.
const ProgramIDContextKey contextKey = "luminode.program_id"

// DefaultDeadline bounds program execution when neither the spec nor the
// manager options set one.
const DefaultDeadline = 5 * time.Minute

// DefaultMaxSteps bounds the Starlark interpreter step count per execution,
// forcing a yield out of non-suspending loops.
const DefaultMaxSteps uint64 = 50_000_000

// Options configures a Manager.
type Options struct {
	// MaxProgramSize is the source size ceiling in bytes.
	MaxProgramSize int

	// DefaultDeadline is the execution deadline applied when a program spec
	// carries none.
	DefaultDeadline time.Duration

	// MaxSteps is the Starlark step budget per execution.
	MaxSteps uint64

	// Policy is the optional admission policy consulted by the validator.
	Policy AdmissionPolicy

	// Logger receives structured runtime logs.
	Logger *telemetry.Logger

	// Metrics receives lifecycle metrics. Nil disables collection.
	Metrics *telemetry.Metrics

	// Events receives lifecycle events. Nil disables publishing.
	Events *telemetry.EventBus
}

// Manager owns the loaded program set and the single execution thread.
// At most one program body runs at a time; programs interleave only at
// capability calls, which are the sole suspension points.
type Manager struct {
	mu       sync.RWMutex
	programs map[string]*Program

	// execMu serializes program execution: the single
	// active-execution-thread of the device.
	execMu sync.Mutex

	validator   *Validator
	predeclared starlark.StringDict

	defaultDeadline time.Duration
	maxSteps        uint64

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventBus
}

// NewManager creates a lifecycle manager. The predeclared dictionary is the
// capability environment exposed to every program; the manager never extends
// or inspects it.
func NewManager(predeclared starlark.StringDict, opts Options) *Manager {
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = DefaultDeadline
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = DefaultMaxSteps
	}
	logger := opts.Logger
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info"})
	}

	return &Manager{
		programs:        make(map[string]*Program),
		validator:       NewValidator(opts.MaxProgramSize, opts.Policy),
		predeclared:     predeclared,
		defaultDeadline: opts.DefaultDeadline,
		maxSteps:        opts.MaxSteps,
		logger:          logger.NewComponentLogger("runtime"),
		metrics:         opts.Metrics,
		events:          opts.Events,
	}
}

// Load validates a program spec and stores it as Validated. The program ID
// must be unique among non-terminal programs; a terminal program with the
// same ID is replaced.
func (m *Manager) Load(ctx context.Context, spec Spec) (Info, error) {
	if spec.ID == "" {
		err := NewValidationError("program id is required", nil).WithCode(ErrCodeSyntaxError)
		m.metrics.ProgramLoaded("rejected")
		return Info{}, err
	}

	if _, err := m.validator.Validate(ctx, spec); err != nil {
		m.metrics.ProgramLoaded("rejected")
		m.logger.WithProgramID(spec.ID).WithError(err).Warn("program rejected")
		return Info{}, err
	}

	m.mu.Lock()
	if existing, ok := m.programs[spec.ID]; ok && !existing.Status.IsTerminal() {
		m.mu.Unlock()
		m.metrics.ProgramLoaded("rejected")
		return Info{}, NewStateError("program id already loaded", nil).
			WithCode(ErrCodeProgramBusy).WithProgram(spec.ID)
	}

	p := &Program{
		ID:       spec.ID,
		Name:     spec.Name,
		Version:  spec.Version,
		Source:   spec.Source,
		Checksum: spec.Checksum,
		Status:   StatusValidated,
		Deadline: spec.Deadline,
		LoadedAt: time.Now().UTC(),
	}
	m.programs[spec.ID] = p
	count := len(m.programs)
	info := p.info()
	m.mu.Unlock()

	m.metrics.ProgramLoaded("admitted")
	m.metrics.SetActivePrograms(count)
	m.events.Publish(telemetry.Event{
		Type:      telemetry.EventTypeProgramLoaded,
		Source:    "runtime",
		ProgramID: spec.ID,
		Level:     telemetry.EventLevelInfo,
		Message:   fmt.Sprintf("program %s v%s validated", spec.Name, spec.Version),
	})
	m.logger.WithProgramID(spec.ID).Infof("loaded program %s v%s (%d bytes)", spec.Name, spec.Version, len(spec.Source))

	return info, nil
}

// Execute runs a Validated program on the single execution thread and blocks
// until it reaches a terminal state. Faults inside the program are captured
// at this boundary and converted to a Failed transition; they never propagate
// into the host process. The returned error is nil for Completed and Stopped.
func (m *Manager) Execute(ctx context.Context, id string) error {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	m.mu.Lock()
	p, ok := m.programs[id]
	if !ok {
		m.mu.Unlock()
		return NewStateError("program not found", nil).
			WithCode(ErrCodeProgramNotFound).WithProgram(id)
	}
	if !canTransition(p.Status, StatusRunning) {
		status := p.Status
		m.mu.Unlock()
		return NewStateError(fmt.Sprintf("cannot execute program in status %q", status), nil).
			WithCode(ErrCodeIllegalTransition).WithProgram(id)
	}

	deadline := p.Deadline
	if deadline <= 0 {
		deadline = m.defaultDeadline
	}

	thread := &starlark.Thread{
		Name: id,
		Print: func(_ *starlark.Thread, msg string) {
			m.logger.WithProgramID(id).Debug(msg)
		},
	}
	thread.SetMaxExecutionSteps(m.maxSteps)

	p.Status = StatusRunning
	p.StartedAt = time.Now().UTC()
	p.FinishedAt = time.Time{}
	p.Error = ""
	p.thread = thread
	p.stopRequested = false
	p.deadlineHit = false
	m.mu.Unlock()

	m.events.Publish(telemetry.Event{
		Type:      telemetry.EventTypeProgramStarted,
		Source:    "runtime",
		ProgramID: id,
		Level:     telemetry.EventLevelInfo,
		Message:   "program started",
	})

	execErr := m.runProgram(ctx, p, thread, deadline)
	return m.finishProgram(p, execErr)
}

// runProgram executes the program body with deadline and cancellation wiring.
// A panic escaping a capability handler is recovered here and surfaces as an
// ordinary execution fault.
func (m *Manager) runProgram(ctx context.Context, p *Program, thread *starlark.Thread, deadline time.Duration) (err error) {
	execCtx, cancel := context.WithTimeout(context.WithValue(ctx, ProgramIDContextKey, p.ID), deadline)
	defer cancel()

	// The deadline requests cooperative cancellation; the interpreter honors
	// it at the next step check, inside or outside a capability call.
	stop := context.AfterFunc(execCtx, func() {
		m.mu.Lock()
		if errors.Is(context.Cause(execCtx), context.DeadlineExceeded) {
			p.deadlineHit = true
		}
		m.mu.Unlock()
		thread.Cancel("execution cancelled")
	})
	defer stop()

	thread.SetLocal(ThreadContextKey, execCtx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in program: %v", r)
		}
	}()

	_, err = starlark.ExecFile(thread, p.ID+".star", p.Source, m.predeclared)
	return err
}

// finishProgram classifies the execution outcome and records the terminal
// transition. Reported state observers only ever see the completed
// transition, never an in-flight one.
func (m *Manager) finishProgram(p *Program, execErr error) error {
	m.mu.Lock()
	p.thread = nil
	p.FinishedAt = time.Now().UTC()
	p.ExecutionCount++
	duration := p.FinishedAt.Sub(p.StartedAt)

	var status Status
	var retErr error
	switch {
	case execErr == nil:
		status = StatusCompleted
	case p.stopRequested:
		status = StatusStopped
	case p.deadlineHit || strings.Contains(execErr.Error(), "too many steps"):
		status = StatusTimedOut
		retErr = NewExecutionError("execution deadline exceeded", execErr).
			WithCode(ErrCodeExecutionTimeout).WithProgram(p.ID)
	default:
		status = StatusFailed
		msg := execErr.Error()
		var evalErr *starlark.EvalError
		if errors.As(execErr, &evalErr) {
			msg = evalErr.Msg
		}
		rtErr := NewExecutionError(msg, execErr).WithProgram(p.ID)
		if strings.Contains(msg, "execution cancelled") {
			rtErr = rtErr.WithCode(ErrCodeExecutionCancelled)
		}
		retErr = rtErr
	}

	p.Status = status
	if retErr != nil {
		p.Error = retErr.Error()
	} else if status == StatusStopped {
		p.Error = "stopped on request"
	}
	m.mu.Unlock()

	m.metrics.ProgramExecuted(string(status), duration)

	eventType := telemetry.EventTypeProgramCompleted
	level := telemetry.EventLevelInfo
	switch status {
	case StatusFailed:
		eventType = telemetry.EventTypeProgramFailed
		level = telemetry.EventLevelError
	case StatusTimedOut:
		eventType = telemetry.EventTypeProgramTimedOut
		level = telemetry.EventLevelWarning
	case StatusStopped:
		eventType = telemetry.EventTypeProgramStopped
	}
	m.events.Publish(telemetry.Event{
		Type:      eventType,
		Source:    "runtime",
		ProgramID: p.ID,
		Level:     level,
		Message:   fmt.Sprintf("program finished with status %s", status),
	})

	log := m.logger.WithProgramID(p.ID).WithField("duration", duration.String())
	if retErr != nil {
		log.WithError(retErr).Warnf("program finished: %s", status)
	} else {
		log.Infof("program finished: %s", status)
	}

	return retErr
}

// Stop requests cooperative cancellation of a running program. The program
// transitions to Stopped once the interpreter reaches its next suspension
// point.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.programs[id]
	if !ok {
		return NewStateError("program not found", nil).
			WithCode(ErrCodeProgramNotFound).WithProgram(id)
	}
	if p.Status != StatusRunning || p.thread == nil {
		return NewStateError(fmt.Sprintf("cannot stop program in status %q", p.Status), nil).
			WithCode(ErrCodeIllegalTransition).WithProgram(id)
	}

	p.stopRequested = true
	p.thread.Cancel("stop requested")
	return nil
}

// Remove unloads a program. It succeeds only from Validated or a terminal
// state; a running program is busy.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	p, ok := m.programs[id]
	if !ok {
		m.mu.Unlock()
		return NewStateError("program not found", nil).
			WithCode(ErrCodeProgramNotFound).WithProgram(id)
	}
	if p.Status == StatusRunning {
		m.mu.Unlock()
		return NewStateError("program is running", nil).
			WithCode(ErrCodeProgramBusy).WithProgram(id)
	}
	delete(m.programs, id)
	count := len(m.programs)
	m.mu.Unlock()

	m.metrics.SetActivePrograms(count)
	m.events.Publish(telemetry.Event{
		Type:      telemetry.EventTypeProgramRemoved,
		Source:    "runtime",
		ProgramID: id,
		Level:     telemetry.EventLevelInfo,
		Message:   "program removed",
	})
	return nil
}

// Get returns a metadata snapshot of a program.
func (m *Manager) Get(id string) (Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.programs[id]
	if !ok {
		return Info{}, NewStateError("program not found", nil).
			WithCode(ErrCodeProgramNotFound).WithProgram(id)
	}
	return p.info(), nil
}

// List returns a lazy, restartable sequence of program metadata snapshots in
// ID order. Each snapshot is taken at yield time; the sequence never exposes
// live execution internals.
func (m *Manager) List() iter.Seq[Info] {
	return func(yield func(Info) bool) {
		m.mu.RLock()
		ids := make([]string, 0, len(m.programs))
		for id := range m.programs {
			ids = append(ids, id)
		}
		m.mu.RUnlock()
		sort.Strings(ids)

		for _, id := range ids {
			m.mu.RLock()
			p, ok := m.programs[id]
			var info Info
			if ok {
				info = p.info()
			}
			m.mu.RUnlock()
			if !ok {
				continue // removed since the id snapshot
			}
			if !yield(info) {
				return
			}
		}
	}
}

// Count returns the number of loaded programs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.programs)
}

// Eval executes a transient source snippet on the execution thread without
// admitting it to the program set. Used by the eval channel and the CLI.
// The returned map holds the snippet's exported globals rendered as strings.
func (m *Manager) Eval(ctx context.Context, source string, deadline time.Duration) (map[string]string, error) {
	if deadline <= 0 {
		deadline = m.defaultDeadline
	}

	m.execMu.Lock()
	defer m.execMu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	thread := &starlark.Thread{
		Name: "eval",
		Print: func(_ *starlark.Thread, msg string) {
			m.logger.Debug(msg)
		},
	}
	thread.SetMaxExecutionSteps(m.maxSteps)
	thread.SetLocal(ThreadContextKey, execCtx)

	stop := context.AfterFunc(execCtx, func() {
		thread.Cancel("execution cancelled")
	})
	defer stop()

	globals, err := starlark.ExecFile(thread, "eval.star", source, m.predeclared)
	if err != nil {
		return nil, NewExecutionError("eval failed", err)
	}

	out := make(map[string]string, len(globals))
	for name, value := range globals {
		if strings.HasPrefix(name, "_") {
			continue
		}
		out[name] = value.String()
	}
	return out, nil
}
