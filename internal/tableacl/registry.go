package tableacl

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// OpenFunc constructs a manager for a Config. The registry calls it at most
// once per distinct Config unless construction fails or the entry is cleared.
type OpenFunc func(ctx context.Context, cfg Config) (*Manager, error)

// Registry holds at most one live Manager per Config. It replaces the usual
// static singleton map with an explicit, injectable object.
type Registry struct {
	open OpenFunc

	mu       sync.RWMutex
	managers map[Config]*Manager
}

func NewRegistry(open OpenFunc) *Registry {
	return &Registry{
		open:     open,
		managers: make(map[Config]*Manager),
	}
}

// GetInstance returns the manager for cfg, constructing it on first access.
// Double-checked locking: concurrent first accesses for the same Config get
// the same instance and construction runs at most once per success.
// A failed construction is not cached; the next call retries.
func (r *Registry) GetInstance(ctx context.Context, cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()

	r.mu.RLock()
	m := r.managers[cfg]
	r.mu.RUnlock()
	if m != nil {
		return m, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if m := r.managers[cfg]; m != nil {
		return m, nil
	}

	m, err := r.open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init table acl manager (namespace=%s): %w", cfg.Namespace, err)
	}
	m.setResetHook(r.Clear)

	r.managers[cfg] = m
	if len(r.managers) > 1 {
		slog.Warn("more than one table acl manager registered", "count", len(r.managers))
	}
	return m, nil
}

// Clear closes and drops every manager. The next access per Config performs
// a fresh load. Closing unsubscribes each manager's bus handler, so evicted
// instances do not linger as live listeners.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for cfg, m := range r.managers {
		m.Close()
		delete(r.managers, cfg)
	}
}

// ClearConfig closes and drops the manager for one Config, if present.
func (r *Registry) ClearConfig(cfg Config) {
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[cfg]; ok {
		m.Close()
		delete(r.managers, cfg)
	}
}

// Count returns the number of live managers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.managers)
}
