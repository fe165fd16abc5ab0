package tableacl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/openacl/aclsync/internal/bus"
	"github.com/openacl/aclsync/internal/store"
)

const (
	// DefaultNamespace is the store path prefix for table ACL records.
	DefaultNamespace = "table_acl"
	// DefaultTopic is the bus topic shared by all managers of this record kind.
	DefaultTopic = "table_acl"

	loadWorkers = 16
)

// Config identifies one logical deployment of the table ACL cache. Configs
// are comparable values: the registry keys managers by them.
type Config struct {
	// Namespace is the store path prefix records live under.
	Namespace string
	// Topic is the change-bus topic events are exchanged on.
	Topic string
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	return c
}

// Manager owns the in-memory record cache for one Config and keeps it
// write-through consistent with the store and, via the bus, with every
// cooperating process.
//
// Reads are served from memory only; the cache is fully warmed at
// construction and kept current by the reconciliation handler. Mutations
// always persist durably before the cache is touched.
type Manager struct {
	cfg   Config
	store store.Store
	bus   bus.Bus
	cache *RecordCache

	sub       bus.Subscription
	locks     keyedMutex
	resetHook atomic.Pointer[func()]
	closeOnce sync.Once
}

// NewManager loads all records under cfg.Namespace and subscribes to
// cfg.Topic. Any store failure during the load is fatal: no manager is
// returned and nothing is subscribed.
func NewManager(ctx context.Context, cfg Config, st store.Store, b bus.Bus) (*Manager, error) {
	cfg = cfg.withDefaults()
	slog.Info("tableacl manager init", "namespace", cfg.Namespace, "topic", cfg.Topic)

	m := &Manager{
		cfg:   cfg,
		store: st,
		bus:   b,
	}
	m.cache = newRecordCache(cfg.Topic, b)

	if err := m.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("load table acls: %w", err)
	}

	sub, err := b.Subscribe(cfg.Topic, &reconcileHandler{mgr: m})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", cfg.Topic, err)
	}
	m.sub = sub

	return m, nil
}

// Config returns the identity this manager was constructed for.
func (m *Manager) Config() Config {
	return m.cfg
}

// Get returns the effective record for project, the empty record when none
// is cached. It never reads the store and never fails.
func (m *Manager) Get(project string) *TableACL {
	if rec, ok := m.cache.Get(project); ok {
		return rec
	}
	return NewTableACL()
}

// Add blacklists table for user within project.
func (m *Manager) Add(ctx context.Context, project, user, table string) error {
	return m.mutate(ctx, project, func(rec *TableACL) *TableACL {
		return rec.Add(user, table)
	})
}

// Delete removes table from user's blacklist within project.
func (m *Manager) Delete(ctx context.Context, project, user, table string) error {
	return m.mutate(ctx, project, func(rec *TableACL) *TableACL {
		return rec.Delete(user, table)
	})
}

// DeleteUser removes the user's entire blacklist within project.
func (m *Manager) DeleteUser(ctx context.Context, project, user string) error {
	return m.mutate(ctx, project, func(rec *TableACL) *TableACL {
		return rec.DeleteUser(user)
	})
}

// DeleteTable removes table from every user's blacklist within project.
func (m *Manager) DeleteTable(ctx context.Context, project, table string) error {
	return m.mutate(ctx, project, func(rec *TableACL) *TableACL {
		return rec.DeleteTable(table)
	})
}

// Close unsubscribes the reconciliation handler. The manager must not be
// used afterwards.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		if m.sub != nil {
			m.sub.Unsubscribe()
		}
	})
	return nil
}

// setResetHook installs the registry's clear-all hook. The handler is
// already subscribed when the registry calls this, so the field is atomic: a
// clear-all delivered in between only clears this manager's own cache.
func (m *Manager) setResetHook(hook func()) {
	m.resetHook.Store(&hook)
}

// mutate runs the read-store, derive, write-store, update-cache sequence as
// one critical section per project. The mutation base is always read from
// the store, never the cache: another process may have changed the record
// without this process having reconciled yet.
func (m *Manager) mutate(ctx context.Context, project string, apply func(*TableACL) *TableACL) error {
	unlock := m.locks.lock(cacheKey(project))
	defer unlock()

	current, err := m.fetch(ctx, project)
	if err != nil {
		return err
	}

	next := apply(current)

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal table acl %q: %w", project, err)
	}
	if err := m.store.Put(ctx, m.resourcePath(project), data, time.Now().UTC()); err != nil {
		return fmt.Errorf("persist table acl %q: %w", project, err)
	}

	// Durably written, now make it visible here and everywhere else. A
	// broadcast failure is not a mutation failure: the record is persisted
	// and the local cache is current, so peers catch up on a later event.
	if err := m.cache.Put(ctx, project, next); err != nil {
		slog.Error("broadcast table acl", "project", project, "error", err)
	}
	return nil
}

// loadAll warms the cache from the store. Local puts only: a freshly
// constructed manager must not perturb peers that are already consistent.
func (m *Manager) loadAll(ctx context.Context) error {
	prefix := m.cfg.Namespace + "/"
	paths, err := m.store.ListRecursive(ctx, prefix)
	if err != nil {
		return fmt.Errorf("list %q: %w", prefix, err)
	}

	start := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadWorkers)

	for _, path := range paths {
		project := strings.TrimPrefix(path, prefix)
		if project == "" {
			continue
		}
		g.Go(func() error {
			return m.reconcile(ctx, project)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Debug("tableacl load", "namespace", m.cfg.Namespace, "count", len(paths), "took", time.Since(start))
	return nil
}

// reconcile re-reads one record from the store and refreshes the local cache
// entry without broadcasting.
func (m *Manager) reconcile(ctx context.Context, project string) error {
	rec, err := m.fetch(ctx, project)
	if err != nil {
		return err
	}
	m.cache.PutLocal(project, rec)
	return nil
}

// fetch reads the current record for project from the store. Absent and
// empty records both come back as the empty record.
func (m *Manager) fetch(ctx context.Context, project string) (*TableACL, error) {
	data, err := m.store.Get(ctx, m.resourcePath(project))
	if errors.Is(err, store.ErrNotFound) {
		return NewTableACL(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read table acl %q: %w", project, err)
	}

	rec := &TableACL{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("unmarshal table acl %q: %w", project, err)
	}
	if rec.UserBlacklist == nil {
		return NewTableACL(), nil
	}
	return rec, nil
}

func (m *Manager) resourcePath(project string) string {
	return m.cfg.Namespace + "/" + project
}

// reconcileHandler applies remote change events to its owning manager.
// Errors are returned to the bus, which logs them; a failed re-read leaves
// the affected entry stale but never crashes the process or blocks
// subsequent events.
type reconcileHandler struct {
	mgr *Manager
}

func (h *reconcileHandler) OnClearAll(ctx context.Context) error {
	h.mgr.cache.Clear()
	if hook := h.mgr.resetHook.Load(); hook != nil {
		(*hook)()
	}
	return nil
}

func (h *reconcileHandler) OnEntityChange(ctx context.Context, key string) error {
	return h.mgr.reconcile(ctx, key)
}

// keyedMutex serializes mutations per project key; mutations on different
// projects proceed in parallel.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*sync.Mutex)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
