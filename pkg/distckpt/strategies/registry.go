package strategies

import (
	"fmt"
	"sync"
)

// ActivateFunc is a backend's self-registration routine. It is invoked
// lazily by a registry on the first lookup that names the backend, and it
// performs zero or more Register calls on the registry it is handed.
// Activation must be idempotent: re-triggering an already activated
// backend must be harmless.
type ActivateFunc func(r *Registry) error

type backendState struct {
	hint      string
	activate  ActivateFunc
	activated bool
}

// Registry maps strategy identities to strategy instances. Lookups that
// name a backend with no entries trigger that backend's activation
// routine, lazily and best-effort: a backend with unmet dependencies
// yields ErrBackendUnavailable to its own callers without affecting
// strategy users who never asked for it.
//
// A Registry is safe for concurrent use. The last registration for a
// given identity wins, which allows tests and benchmarks to override
// built-in strategies.
type Registry struct {
	mu       sync.RWMutex
	entries  map[ID]Strategy
	backends map[string]*backendState

	// actMu serializes activation so a backend's routine runs once even
	// when several goroutines miss the same identity concurrently.
	actMu sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries:  make(map[ID]Strategy),
		backends: make(map[string]*backendState),
	}
}

// Register adds or replaces the strategy for an identity.
func (r *Registry) Register(id ID, s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = s
}

// RegisterBackend installs a backend's lazy activation routine and the
// remediation hint reported when activation fails. The routine is not run
// here; the first Resolve that misses on this backend triggers it.
// Registering again replaces the previous routine.
func (r *Registry) RegisterBackend(name, hint string, activate ActivateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = &backendState{hint: hint, activate: activate}
}

// Resolve returns the strategy registered for the identity, triggering
// the backend's activation routine first if the backend has never
// registered anything. Absence of the exact triple yields
// ErrStrategyNotFound; a failing activation yields ErrBackendUnavailable
// carrying the backend's hint. A failed activation is retried by later
// Resolve calls as long as the backend still has no entries.
func (r *Registry) Resolve(id ID) (Strategy, error) {
	if !id.Action.Valid() {
		return nil, opError("resolve", id, fmt.Errorf("%w: unknown action %q", ErrStrategyNotFound, string(id.Action)))
	}

	r.mu.RLock()
	s, ok := r.entries[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}

	if err := r.activateBackend(id); err != nil {
		return nil, err
	}

	r.mu.RLock()
	s, ok = r.entries[id]
	r.mu.RUnlock()
	if ok {
		return s, nil
	}
	return nil, opError("resolve", id, ErrStrategyNotFound)
}

func (r *Registry) activateBackend(id ID) error {
	r.actMu.Lock()
	defer r.actMu.Unlock()

	r.mu.RLock()
	bs, hasActivator := r.backends[id.Backend]
	seen := (hasActivator && bs.activated) || r.backendHasEntriesLocked(id.Backend)
	r.mu.RUnlock()

	if seen || !hasActivator {
		return nil
	}

	// The routine runs without holding mu; its Register calls take it.
	if err := bs.activate(r); err != nil {
		return &Error{
			Op:   "activate",
			ID:   id,
			Hint: bs.hint,
			Err:  fmt.Errorf("%w: %w", ErrBackendUnavailable, err),
		}
	}

	r.mu.Lock()
	bs.activated = true
	r.mu.Unlock()
	return nil
}

func (r *Registry) backendHasEntriesLocked(backend string) bool {
	for id := range r.entries {
		if id.Backend == backend {
			return true
		}
	}
	return false
}

// Has reports whether the exact identity is registered, without
// triggering activation.
func (r *Registry) Has(id ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Keys returns all registered identities. The order is not guaranteed.
func (r *Registry) Keys() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]ID, 0, len(r.entries))
	for id := range r.entries {
		keys = append(keys, id)
	}
	return keys
}

// Len returns the number of registered strategies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry used by callers that do not
// construct their own.
func Default() *Registry {
	return defaultRegistry
}

// Register adds or replaces a strategy in the default registry.
func Register(id ID, s Strategy) {
	defaultRegistry.Register(id, s)
}

// RegisterBackend installs a backend activation routine in the default
// registry.
func RegisterBackend(name, hint string, activate ActivateFunc) {
	defaultRegistry.RegisterBackend(name, hint, activate)
}

// Resolve looks up an identity in the default registry.
func Resolve(id ID) (Strategy, error) {
	return defaultRegistry.Resolve(id)
}
