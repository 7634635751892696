// Package tools implements the tool registry and validator: a
// process-wide, immutable-after-boot catalog of tool descriptors, an
// allowlist gate, and per-argument structural validation.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gatewaybuddy/forgekeeper/internal/apierr"
)

// ParamType is the JSON-semantics type of a tool argument.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeNumber  ParamType = "number"
	TypeInteger ParamType = "integer"
	TypeBoolean ParamType = "boolean"
	TypeArray   ParamType = "array"
	TypeObject  ParamType = "object"
)

// ParamSchema describes one declared parameter, recursively for nested
// object/array item schemas.
type ParamSchema struct {
	Type      ParamType
	Required  bool
	MaxLength *int
	MaxItems  *int
	Min       *float64
	Max       *float64
	Enum      []any
	Items     *ParamSchema
	// Properties describes nested fields when Type == TypeObject.
	Properties map[string]*ParamSchema
}

// Descriptor is the process-wide, registered shape of one tool: its name,
// description, and per-argument parameter schema. Descriptors carry no
// secret fields, so List() can return them directly to callers.
type Descriptor struct {
	Name        string
	Description string
	Params      map[string]*ParamSchema
	// AllowPassthrough permits argument keys not named in Params.
	AllowPassthrough bool
	// Gate names the configuration flag that must be enabled for this
	// tool to be allowlisted by default ("" means ungated).
	Gate string
}

// Handler is a tool body: it receives validated, unredacted arguments and
// returns a JSON-marshalable result or an error.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Registered pairs a descriptor with the handler that executes it.
type Registered struct {
	Descriptor Descriptor
	Handler    Handler
}

// Registry holds the fixed, process-wide set of tools plus the currently
// active allowlist. Registration happens at boot; after that, an RWMutex
// guards the maps but nothing ever takes the write lock again, so reads
// stay effectively lock-free.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Registered
	allowlist map[string]struct{}
	validator *Validator
}

// NewRegistry creates an empty registry. Call Register for each tool, then
// SetAllowlist once boot configuration is known.
func NewRegistry() *Registry {
	return &Registry{
		tools:     make(map[string]Registered),
		allowlist: make(map[string]struct{}),
		validator: NewValidator(),
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(reg Registered) error {
	if reg.Descriptor.Name == "" {
		return fmt.Errorf("tools: descriptor name must not be empty")
	}
	if reg.Handler == nil {
		return fmt.Errorf("tools: %s: handler must not be nil", reg.Descriptor.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[reg.Descriptor.Name] = reg
	if err := r.validator.Compile(reg.Descriptor); err != nil {
		delete(r.tools, reg.Descriptor.Name)
		return fmt.Errorf("tools: %s: compile schema: %w", reg.Descriptor.Name, err)
	}
	return nil
}

// SetAllowlist replaces the active allowlist. Names not present in the
// registry are ignored (they can never match on dispatch anyway).
func (r *Registry) SetAllowlist(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allowlist = make(map[string]struct{}, len(names))
	for _, n := range names {
		r.allowlist[n] = struct{}{}
	}
}

// DefaultAllowlist computes the full registry minus any tool whose Gate
// is set and not present in enabledGates.
func (r *Registry) DefaultAllowlist(enabledGates map[string]bool) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, reg := range r.tools {
		if reg.Descriptor.Gate != "" && !enabledGates[reg.Descriptor.Gate] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg, ok
}

// List returns every descriptor, sorted by name, sans handlers.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		out = append(out, reg.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AllowlistNames returns the currently active allowlist, sorted.
func (r *Registry) AllowlistNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.allowlist))
	for n := range r.allowlist {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) isAllowed(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.allowlist[name]
	return ok
}

// Validate runs the full ordered check: registered, then allowlisted,
// then structural schema validation. It returns either
// (nil, nil) on success or a populated *apierr.Error describing the first
// applicable failure kind (ToolUnknown/ToolGated/ValidationError), the
// latter carrying every violation rather than just the first.
func (r *Registry) Validate(name string, args map[string]any) *apierr.Error {
	reg, ok := r.Get(name)
	if !ok {
		return apierr.New(apierr.ToolUnknown, fmt.Sprintf("tool %q is not registered", name))
	}
	if !r.isAllowed(name) {
		allowed := r.AllowlistNames()
		return apierr.Newf(apierr.ToolGated, "tool %q is not allowlisted (allowed: %s)", name, strings.Join(allowed, ", ")).
			WithDetails(map[string]any{"allowlist": allowed})
	}

	violations := r.validator.Validate(reg.Descriptor, args)
	if len(violations) > 0 {
		return apierr.Newf(apierr.ValidationError, "%d violation(s): %s", len(violations), strings.Join(violations, "; ")).
			WithDetails(map[string]any{"violations": violations})
	}
	return nil
}
