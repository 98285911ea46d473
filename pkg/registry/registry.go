package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bastionmp/bastion/pkg/channel"
	"github.com/bastionmp/bastion/pkg/events"
	"github.com/bastionmp/bastion/pkg/log"
)

// Module is an independently composed service hosted by one process.
// Dependencies name other modules that must be initialized first; Init runs
// exactly once, after every dependency has initialized, and must register
// the module's opcode handlers before returning so that the module is
// routable the moment it is advertised as ready.
type Module interface {
	Name() string
	Dependencies() []string
	Init(ctx *Context) error
}

// State is the lifecycle of a registered module.
type State int

const (
	StateRegistered State = iota
	StateWaitingForDependencies
	StateInitialized
)

// Context is what a module sees during initialization: the process router
// for handler registration, the event broker, and lookup of already
// initialized dependencies.
type Context struct {
	Router *channel.Router
	Broker *events.Broker

	initialized map[string]Module
}

// Lookup returns an initialized module by name. Only declared dependencies
// are guaranteed to be present when a module initializes.
func (c *Context) Lookup(name string) (Module, bool) {
	m, ok := c.initialized[name]
	return m, ok
}

// Lookup returns an initialized dependency as its concrete type. A missing
// or differently typed module is a wiring bug surfaced at Init time.
func Lookup[T Module](ctx *Context, name string) (T, error) {
	var zero T
	m, ok := ctx.Lookup(name)
	if !ok {
		return zero, fmt.Errorf("module %q not initialized", name)
	}
	t, ok := m.(T)
	if !ok {
		return zero, fmt.Errorf("module %q has unexpected type %T", name, m)
	}
	return t, nil
}

// ConfigError is the fatal startup error for an unsatisfiable dependency
// graph (missing dependency or cycle).
type ConfigError struct {
	Unresolved map[string][]string // module -> unmet dependencies
}

func (e *ConfigError) Error() string {
	names := make([]string, 0, len(e.Unresolved))
	for name := range e.Unresolved {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s (waiting on: %s)", name, strings.Join(e.Unresolved[name], ", ")))
	}
	return "unsatisfiable module dependencies: " + strings.Join(parts, "; ")
}

type entry struct {
	module Module
	state  State
}

// Registry composes the modules of one process role. One registry instance
// exists per process; it is not safe for concurrent use and is driven only
// during startup.
type Registry struct {
	entries map[string]*entry
	order   []string // registration order, for deterministic scans
}

// New returns an empty module registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a module in state Registered. Duplicate names are a wiring
// bug.
func (r *Registry) Register(m Module) error {
	name := m.Name()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("module %q registered twice", name)
	}
	r.entries[name] = &entry{module: m, state: StateRegistered}
	r.order = append(r.order, name)
	return nil
}

// StateOf returns the lifecycle state of a registered module.
func (r *Registry) StateOf(name string) (State, bool) {
	e, ok := r.entries[name]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// ResolveAndInitialize repeatedly scans registered modules, initializing any
// whose dependencies are all initialized, until a fixed point. Modules left
// uninitialized at the fixed point form a *ConfigError: a missing dependency
// or a cycle is a fatal startup condition, never retried at runtime.
//
// Initialization order between unrelated modules follows registration order
// but is contractually unspecified; modules must not rely on it.
func (r *Registry) ResolveAndInitialize(ctx *Context) error {
	if ctx.initialized == nil {
		ctx.initialized = make(map[string]Module)
	}
	logger := log.WithComponent("registry")

	for {
		progressed := false
		for _, name := range r.order {
			e := r.entries[name]
			if e.state == StateInitialized {
				continue
			}
			if unmet := r.unmetDeps(e.module); len(unmet) > 0 {
				e.state = StateWaitingForDependencies
				continue
			}
			if err := e.module.Init(ctx); err != nil {
				return fmt.Errorf("module %q failed to initialize: %w", name, err)
			}
			e.state = StateInitialized
			ctx.initialized[name] = e.module
			progressed = true
			logger.Info().Str("module", name).Msg("Module initialized")
		}
		if !progressed {
			break
		}
	}

	unresolved := make(map[string][]string)
	for _, name := range r.order {
		e := r.entries[name]
		if e.state != StateInitialized {
			unresolved[name] = r.unmetDeps(e.module)
		}
	}
	if len(unresolved) > 0 {
		return &ConfigError{Unresolved: unresolved}
	}
	return nil
}

func (r *Registry) unmetDeps(m Module) []string {
	var unmet []string
	for _, dep := range m.Dependencies() {
		e, ok := r.entries[dep]
		if !ok || e.state != StateInitialized {
			unmet = append(unmet, dep)
		}
	}
	return unmet
}
