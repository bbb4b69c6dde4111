// Package capability implements the host capability registry: the single
// entry point through which dynamically loaded programs reach hardware,
// network, and system operations. Adding a new host operation means
// registering a capability here; the script engine and the delivery protocol
// never change.
package capability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/luminode/luminode/pkg/runtime"
	"github.com/luminode/luminode/pkg/telemetry"
)

// ArgType is the wire type of a capability argument.
type ArgType string

const (
	// TypeString accepts string values.
	TypeString ArgType = "string"

	// TypeInt accepts integer values.
	TypeInt ArgType = "int"

	// TypeFloat accepts float values; integers are widened.
	TypeFloat ArgType = "float"

	// TypeBool accepts boolean values.
	TypeBool ArgType = "bool"

	// TypeAny accepts any value the bridge can convert.
	TypeAny ArgType = "any"
)

// ArgSpec describes one argument of a capability.
type ArgSpec struct {
	// Name is the argument name, also used for keyword calls.
	Name string

	// Type constrains the argument value.
	Type ArgType

	// Required rejects calls that omit the argument.
	Required bool
}

// Schema is the ordered argument schema of a capability.
type Schema []ArgSpec

// Handler executes a capability call. The context carries the calling
// program's deadline; handlers must honor cancellation on blocking work.
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Capability is a named, typed host operation.
type Capability struct {
	// Name is the registry key and the identifier exposed to programs.
	Name string

	// Schema is validated against every invocation.
	Schema Schema

	// Handler runs the operation.
	Handler Handler

	// SideEffect tags calls that mutate hardware or publish to the network.
	// The registry serializes all invocations, so tagged handlers need no
	// internal locking; the tag is surfaced in call records and metrics.
	SideEffect bool
}

// Call is the record of one capability invocation.
type Call struct {
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
	Result     interface{}            `json:"result,omitempty"`
	SideEffect bool                   `json:"side_effect"`
	Duration   time.Duration          `json:"duration"`
	Err        string                 `json:"error,omitempty"`
}

// Registry holds the capability set and serializes invocations.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[string]Capability

	// invokeMu is the single invocation path: calls across programs are
	// serialized here, making capability calls the only suspension points.
	invokeMu sync.Mutex

	callTimeout time.Duration

	logger  *telemetry.Logger
	metrics *telemetry.Metrics
}

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// CallTimeout bounds each handler invocation. Zero disables the ceiling;
	// the program deadline still applies through the invocation context.
	CallTimeout time.Duration

	// Logger receives structured invocation logs.
	Logger *telemetry.Logger

	// Metrics receives invocation metrics. Nil disables collection.
	Metrics *telemetry.Metrics
}

// NewRegistry creates an empty capability registry.
func NewRegistry(opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger, _ = telemetry.NewLogger(telemetry.LoggingConfig{Level: "info"})
	}
	return &Registry{
		capabilities: make(map[string]Capability),
		callTimeout:  opts.CallTimeout,
		logger:       logger.NewComponentLogger("capability"),
		metrics:      opts.Metrics,
	}
}

// Register adds a capability. Names are permanent for the process lifetime;
// registering an existing name fails.
func (r *Registry) Register(cap Capability) error {
	if cap.Name == "" {
		return runtime.NewValidationError("capability name is required", nil)
	}
	if cap.Handler == nil {
		return runtime.NewValidationError("capability handler is required", nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.capabilities[cap.Name]; exists {
		return runtime.NewValidationError(fmt.Sprintf("capability %q already registered", cap.Name), nil).
			WithCode(runtime.ErrCodeDuplicateCapability)
	}
	r.capabilities[cap.Name] = cap
	return nil
}

// Invoke validates args against the capability's schema, runs the handler on
// the single invocation path, and returns the typed result. Handler failures
// surface as resource-class errors confined to the calling program.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	r.mu.RLock()
	cap, ok := r.capabilities[name]
	r.mu.RUnlock()
	if !ok {
		return nil, runtime.NewResourceError(fmt.Sprintf("unknown capability %q", name), nil).
			WithCode(runtime.ErrCodeInvalidArgument)
	}

	if err := cap.Schema.validate(args); err != nil {
		return nil, runtime.NewResourceError(fmt.Sprintf("invalid arguments for %q", name), err).
			WithCode(runtime.ErrCodeInvalidArgument)
	}

	r.invokeMu.Lock()
	defer r.invokeMu.Unlock()

	callCtx := ctx
	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	start := time.Now()
	result, err := cap.Handler(callCtx, args)
	duration := time.Since(start)

	if err != nil {
		r.metrics.CapabilityCalled(name, "error", duration)
		r.logger.WithError(err).WithField("capability", name).Debug("capability call failed")
		var rerr *runtime.Error
		if errors.As(err, &rerr) {
			return nil, rerr
		}
		return nil, runtime.NewResourceError(fmt.Sprintf("capability %q failed", name), err).
			WithCode(runtime.ErrCodeHostError)
	}

	r.metrics.CapabilityCalled(name, "ok", duration)
	return result, nil
}

// List returns the registered capability names and schemas.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.capabilities))
	for _, cap := range r.capabilities {
		c := cap
		c.Handler = nil // metadata only
		out = append(out, c)
	}
	return out
}

// validate checks an argument map against the schema.
func (s Schema) validate(args map[string]interface{}) error {
	specs := make(map[string]ArgSpec, len(s))
	for _, spec := range s {
		specs[spec.Name] = spec
		if spec.Required {
			if _, ok := args[spec.Name]; !ok {
				return fmt.Errorf("missing required argument %q", spec.Name)
			}
		}
	}
	for name, value := range args {
		spec, ok := specs[name]
		if !ok {
			return fmt.Errorf("unexpected argument %q", name)
		}
		if err := spec.check(value); err != nil {
			return err
		}
	}
	return nil
}

// check validates a single argument value against its spec.
func (spec ArgSpec) check(value interface{}) error {
	if value == nil {
		return nil
	}
	switch spec.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("argument %q must be a string, got %T", spec.Name, value)
		}
	case TypeInt:
		switch value.(type) {
		case int, int64:
		default:
			return fmt.Errorf("argument %q must be an integer, got %T", spec.Name, value)
		}
	case TypeFloat:
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("argument %q must be a number, got %T", spec.Name, value)
		}
	case TypeBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("argument %q must be a bool, got %T", spec.Name, value)
		}
	case TypeAny, "":
	default:
		return fmt.Errorf("argument %q has unknown schema type %q", spec.Name, spec.Type)
	}
	return nil
}
