// Package registry implements the Domain Registry (spec.md §4.C): a
// concurrent store of domain instances keyed by (domain, identifier),
// tracking each through a PENDING/LOADING/LOADED/FAILED/RETRYING state
// machine and dispatching a DomainStateChangedEvent on every
// transition.
package registry

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sentinelnvr/sentinel/pkg/bus"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

// Key identifies one domain entry.
type Key struct {
	Domain     string
	Identifier string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Domain, k.Identifier)
}

// future is resolved once an entry reaches LOADED or FAILED, backing
// WaitFor.
type future struct {
	ch chan struct{}
}

// Entry is one domain's registration record.
type Entry struct {
	Key          Key
	Component    string
	Dependencies []Key

	mu       sync.RWMutex
	state    types.DomainState
	instance interface{}
	err      error
	futures  []*future
}

// State returns the entry's current lifecycle state.
func (e *Entry) State() types.DomainState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Instance returns the registered instance, if the entry has one (set
// once the domain reaches LOADED).
func (e *Entry) Instance() (interface{}, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.instance, e.instance != nil
}

// Err returns the error recorded on the entry's last FAILED transition,
// if any.
func (e *Entry) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// Registry is the process-wide, concurrency-safe domain store.
type Registry struct {
	entries *xsync.MapOf[string, *Entry]
	events  *bus.EventBus
}

// New constructs an empty Registry that dispatches transition events on
// events.
func New(events *bus.EventBus) *Registry {
	return &Registry{
		entries: xsync.NewMapOf[string, *Entry](),
		events:  events,
	}
}

// Register creates a PENDING entry for key, recording its declared
// dependencies for later validation. Registering an already-registered
// key is a no-op that returns the existing entry.
func (r *Registry) Register(key Key, component string, dependencies []Key) *Entry {
	if e, ok := r.entries.Load(key.String()); ok {
		return e
	}
	e := &Entry{
		Key:          key,
		Component:    component,
		Dependencies: dependencies,
		state:        types.DomainStatePending,
	}
	actual, _ := r.entries.LoadOrStore(key.String(), e)
	return actual
}

// Get returns the entry for key, if registered.
func (r *Registry) Get(key Key) (*Entry, bool) {
	return r.entries.Load(key.String())
}

// GetInstance is a convenience wrapper returning the loaded instance for
// key, if any.
func (r *Registry) GetInstance(key Key) (interface{}, bool) {
	e, ok := r.entries.Load(key.String())
	if !ok {
		return nil, false
	}
	return e.Instance()
}

// GetAllInstances returns every LOADED instance for the given domain.
func (r *Registry) GetAllInstances(domain string) []interface{} {
	var out []interface{}
	r.entries.Range(func(_ string, e *Entry) bool {
		if e.Key.Domain != domain {
			return true
		}
		if e.State() != types.DomainStateLoaded {
			return true
		}
		if inst, ok := e.Instance(); ok {
			out = append(out, inst)
		}
		return true
	})
	return out
}

// GetPending returns every entry currently in PENDING or RETRYING state.
func (r *Registry) GetPending() []*Entry {
	return r.filterByState(types.DomainStatePending, types.DomainStateRetrying)
}

// GetLoaded returns every entry currently in LOADED state.
func (r *Registry) GetLoaded() []*Entry {
	return r.filterByState(types.DomainStateLoaded)
}

// GetFailedCameras returns a UI-facing stub for every "camera" domain
// entry currently in FAILED state, so a camera whose setup failed is
// still enumerable even though it has no live instance (spec.md §4.D
// failure semantics: "a FAILED camera surfaces as a FailedCamera stub").
func (r *Registry) GetFailedCameras() []types.FailedCamera {
	var out []types.FailedCamera
	for _, e := range r.filterByState(types.DomainStateFailed) {
		if e.Key.Domain != "camera" {
			continue
		}
		errStr := ""
		if err := e.Err(); err != nil {
			errStr = err.Error()
		}
		out = append(out, types.FailedCamera{Identifier: e.Key.Identifier, Error: errStr})
	}
	return out
}

func (r *Registry) filterByState(states ...types.DomainState) []*Entry {
	var out []*Entry
	r.entries.Range(func(_ string, e *Entry) bool {
		s := e.State()
		for _, want := range states {
			if s == want {
				out = append(out, e)
				break
			}
		}
		return true
	})
	return out
}

// GetDependents returns every registered entry that declares key among
// its dependencies, used by the Lifecycle Manager to compute
// reverse-dependency teardown order (spec.md §8 scenario 6).
func (r *Registry) GetDependents(key Key) []*Entry {
	var out []*Entry
	r.entries.Range(func(_ string, e *Entry) bool {
		for _, dep := range e.Dependencies {
			if dep == key {
				out = append(out, e)
				break
			}
		}
		return true
	})
	return out
}

// ValidateDependencies reports every dependency key declares that has no
// registered entry, so the Lifecycle Manager can refuse to schedule a
// setup that can never satisfy its requirements.
func (r *Registry) ValidateDependencies(key Key) []Key {
	e, ok := r.entries.Load(key.String())
	if !ok {
		return nil
	}
	var missing []Key
	for _, dep := range e.Dependencies {
		if _, ok := r.entries.Load(dep.String()); !ok {
			missing = append(missing, dep)
		}
	}
	return missing
}

// SetState transitions key to state, dispatching a DomainStateChangedEvent
// on `domain/<state>/<domain>/<identifier>`. The DomainRegisteredEvent is
// dispatched by SetInstance, not here. errOpt is recorded when state is
// FAILED.
func (r *Registry) SetState(key Key, state types.DomainState, errOpt error) {
	e, ok := r.entries.Load(key.String())
	if !ok {
		return
	}

	e.mu.Lock()
	e.state = state
	if state == types.DomainStateFailed {
		e.err = errOpt
	}
	var toResolve []*future
	if state == types.DomainStateLoaded || state == types.DomainStateFailed {
		toResolve = e.futures
		e.futures = nil
	}
	e.mu.Unlock()

	for _, f := range toResolve {
		close(f.ch)
	}

	errStr := ""
	if errOpt != nil {
		errStr = errOpt.Error()
	}
	evt := types.DomainStateChangedEvent{
		Component:  e.Component,
		Domain:     key.Domain,
		Identifier: key.Identifier,
		State:      state,
		Error:      errStr,
	}
	if r.events != nil {
		r.events.DispatchEvent(fmt.Sprintf("domain/%s/%s/%s", state, key.Domain, key.Identifier), evt, true)
	}
}

// SetInstance records the concrete instance for key (normally called
// immediately before SetState(..., LOADED, nil)) and dispatches a
// DomainRegisteredEvent on `domain_registered/<domain>`, whatever the
// entry's current state.
func (r *Registry) SetInstance(key Key, instance interface{}) {
	e, ok := r.entries.Load(key.String())
	if !ok {
		return
	}
	e.mu.Lock()
	e.instance = instance
	e.mu.Unlock()

	if r.events != nil {
		r.events.DispatchEvent(fmt.Sprintf("domain_registered/%s", key.Domain), types.DomainRegisteredEvent{
			Domain:     key.Domain,
			Identifier: key.Identifier,
			Instance:   instance,
		}, true)
	}
}

// WaitFor blocks until key's entry reaches LOADED or FAILED, or done is
// closed. It returns the entry's terminal state.
func (r *Registry) WaitFor(key Key, done <-chan struct{}) types.DomainState {
	e, ok := r.entries.Load(key.String())
	if !ok {
		return types.DomainStateFailed
	}

	e.mu.Lock()
	state := e.state
	if state == types.DomainStateLoaded || state == types.DomainStateFailed {
		e.mu.Unlock()
		return state
	}
	f := &future{ch: make(chan struct{})}
	e.futures = append(e.futures, f)
	e.mu.Unlock()

	select {
	case <-f.ch:
		return e.State()
	case <-done:
		return e.State()
	}
}

// Unregister removes key from the registry entirely. Used when the
// Lifecycle Manager tears a domain down for good (e.g. the camera was
// removed from configuration).
func (r *Registry) Unregister(key Key) {
	r.entries.Delete(key.String())
}

// Len reports the total number of registered entries, for tests and
// diagnostics.
func (r *Registry) Len() int {
	return r.entries.Size()
}
