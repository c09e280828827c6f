package system

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// CleanupFunc is a stop callback registered with a CleanupManager. It is
// handed the shutdown context so it can bound its own work by the
// remaining grace period.
type CleanupFunc func(ctx context.Context) error

// CleanupManager collects stop callbacks from every long-running
// component and runs them in reverse registration order on shutdown, so
// components that depend on each other tear down in the right order by
// construction (last registered, first torn down). This mirrors the
// cleanup manager the teacher's serve command defers at startup.
type CleanupManager struct {
	mu    sync.Mutex
	funcs []namedCleanup
}

type namedCleanup struct {
	name string
	fn   CleanupFunc
}

// NewCleanupManager returns an empty manager.
func NewCleanupManager() *CleanupManager {
	return &CleanupManager{}
}

// Add registers a named stop callback.
func (cm *CleanupManager) Add(name string, fn CleanupFunc) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.funcs = append(cm.funcs, namedCleanup{name: name, fn: fn})
}

// Cleanup runs every registered callback in LIFO order, logging and
// continuing past individual failures so one stuck component never
// blocks the rest of the shutdown.
func (cm *CleanupManager) Cleanup(ctx context.Context) {
	cm.mu.Lock()
	funcs := append([]namedCleanup{}, cm.funcs...)
	cm.mu.Unlock()

	for i := len(funcs) - 1; i >= 0; i-- {
		nc := funcs[i]
		log.Info().Str("component", nc.name).Msg("shutting down")
		if err := nc.fn(ctx); err != nil {
			log.Error().Err(err).Str("component", nc.name).Msg("cleanup failed")
		}
	}
}
