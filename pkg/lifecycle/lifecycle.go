// Package lifecycle implements the Lifecycle Manager (spec.md §4.D):
// it schedules each registered domain's setup once its declared
// dependencies are LOADED, runs setups on a bounded worker pool, retries
// failed setups with backoff, and tears domains down in reverse
// dependency order on shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/sentinelnvr/sentinel/pkg/registry"
	"github.com/sentinelnvr/sentinel/pkg/types"
)

// SetupFunc performs one domain's setup, returning the live instance.
type SetupFunc func(ctx context.Context) (interface{}, error)

// TeardownFunc releases one domain's resources.
type TeardownFunc func(ctx context.Context)

// Registration is everything the Lifecycle Manager needs to schedule
// and run one domain's setup/teardown.
type Registration struct {
	Key          registry.Key
	Component    string
	Dependencies []registry.Key
	Setup        SetupFunc
	Teardown     TeardownFunc

	// MaxAttempts bounds setup retries; 0 means the package default (3).
	MaxAttempts int
}

const defaultMaxAttempts = 3
const defaultPoolSize = 10

// Manager drives the setup/teardown lifecycle for every Registration
// handed to it.
type Manager struct {
	reg *registry.Registry

	mu    sync.Mutex
	regs  map[string]*Registration
	teard map[string]TeardownFunc

	poolSize int
}

// New constructs a Manager bound to reg, a worker pool of size
// poolSize (spec.md §4.D default 10 concurrent setups).
func New(reg *registry.Registry, poolSize int) *Manager {
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	return &Manager{
		reg:      reg,
		regs:     make(map[string]*Registration),
		teard:    make(map[string]TeardownFunc),
		poolSize: poolSize,
	}
}

// Add registers a domain for lifecycle management. It must be called
// before Run; Run works from the registrations present when it starts,
// so domains added after that are not scheduled by that Run.
func (m *Manager) Add(r Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[r.Key.String()] = &r
	m.reg.Register(r.Key, r.Component, r.Dependencies)
}

// Run schedules and executes setups until every registered domain
// reaches a terminal state (LOADED or FAILED after exhausting retries),
// or ctx is canceled. Setups run on a bounded worker pool sized at
// construction; each setup only starts once every declared dependency
// is LOADED (spec.md §4.D "setup order respects dependencies").
func (m *Manager) Run(ctx context.Context) {
	p := pool.New().WithMaxGoroutines(m.poolSize)

	m.mu.Lock()
	pending := make(map[string]*Registration, len(m.regs))
	for k, v := range m.regs {
		pending[k] = v
	}
	m.mu.Unlock()

	var scheduled sync.Map
	for len(pending) > 0 {
		progressed := false
		for k, r := range pending {
			if _, already := scheduled.Load(k); already {
				continue
			}
			failedDeps := m.reg.ValidateDependencies(r.Key)
			for _, dep := range r.Dependencies {
				if e, ok := m.reg.Get(dep); ok && e.State() == types.DomainStateFailed {
					failedDeps = append(failedDeps, dep)
				}
			}
			if len(failedDeps) > 0 {
				scheduled.Store(k, true)
				progressed = true
				m.reg.SetState(r.Key, types.DomainStateFailed, fmt.Errorf("lifecycle: %s: dependencies missing or failed: %v", r.Key, failedDeps))
				continue
			}
			if !m.dependenciesLoaded(r) {
				continue
			}

			scheduled.Store(k, true)
			progressed = true
			reg := r
			p.Go(func() {
				m.runSetup(ctx, reg)
			})
		}

		if !progressed {
			// Nothing more can be scheduled right now; wait briefly for
			// in-flight setups to change dependency state rather than
			// busy-looping.
			select {
			case <-ctx.Done():
				p.Wait()
				return
			case <-time.After(50 * time.Millisecond):
			}
		}

		for k := range pending {
			if e, ok := m.reg.Get(pending[k].Key); ok {
				if s := e.State(); s == types.DomainStateLoaded || s == types.DomainStateFailed {
					delete(pending, k)
				}
			}
		}
	}

	p.Wait()
}

func (m *Manager) dependenciesLoaded(r *Registration) bool {
	for _, dep := range r.Dependencies {
		e, ok := m.reg.Get(dep)
		if !ok || e.State() != types.DomainStateLoaded {
			return false
		}
	}
	return true
}

func (m *Manager) runSetup(ctx context.Context, r *Registration) {
	m.reg.SetState(r.Key, types.DomainStateLoading, nil)

	maxAttempts := r.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	var instance interface{}
	err := retry.Do(
		func() error {
			inst, err := r.Setup(ctx)
			if err != nil {
				return err
			}
			instance = inst
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(maxAttempts)),
		retry.OnRetry(func(n uint, err error) {
			m.reg.SetState(r.Key, types.DomainStateRetrying, err)
			log.Warn().Err(err).Str("domain", r.Key.Domain).Str("identifier", r.Key.Identifier).
				Uint("attempt", n+1).Msg("lifecycle: setup failed, retrying")
		}),
	)

	if err != nil {
		m.reg.SetState(r.Key, types.DomainStateFailed, err)
		return
	}

	m.reg.SetInstance(r.Key, instance)
	m.mu.Lock()
	if r.Teardown != nil {
		m.teard[r.Key.String()] = r.Teardown
	}
	m.mu.Unlock()
	m.reg.SetState(r.Key, types.DomainStateLoaded, nil)
}

// WaitFor blocks until key's domain reaches LOADED or FAILED, or done
// fires. It is the primitive behind "wait_for_domain" in spec.md §4.D.
func (m *Manager) WaitFor(key registry.Key, done <-chan struct{}) types.DomainState {
	return m.reg.WaitFor(key, done)
}

// Shutdown tears every registered, successfully-setup domain down in
// reverse dependency order: a domain is only torn down once every
// entry that depends on it has already been torn down (spec.md §8
// scenario 6).
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	remaining := make(map[string]TeardownFunc, len(m.teard))
	for k, v := range m.teard {
		remaining[k] = v
	}
	m.mu.Unlock()

	for len(remaining) > 0 {
		progressed := false
		for k, teardown := range remaining {
			reg, ok := m.regs[k]
			if !ok {
				delete(remaining, k)
				continue
			}
			if m.hasLiveDependent(reg.Key, remaining) {
				continue
			}

			teardown(ctx)
			m.reg.Unregister(reg.Key)
			delete(remaining, k)
			progressed = true
		}
		if !progressed {
			log.Error().Msg("lifecycle: teardown dependency cycle detected, forcing remaining shutdowns")
			for k, teardown := range remaining {
				teardown(ctx)
				if reg, ok := m.regs[k]; ok {
					m.reg.Unregister(reg.Key)
				}
			}
			return
		}
	}
}

func (m *Manager) hasLiveDependent(key registry.Key, remaining map[string]TeardownFunc) bool {
	for _, dependent := range m.reg.GetDependents(key) {
		if _, stillUp := remaining[dependent.Key.String()]; stillUp {
			return true
		}
	}
	return false
}

// Describe is a debugging helper returning a human-readable summary of
// every registered domain's current state.
func (m *Manager) Describe() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := ""
	for k, r := range m.regs {
		e, _ := m.reg.Get(r.Key)
		state := "unknown"
		if e != nil {
			state = string(e.State())
		}
		out += fmt.Sprintf("%s: %s\n", k, state)
	}
	return out
}
