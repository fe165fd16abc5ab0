package tableacl

import (
	"context"
	"strings"
	"sync"

	"github.com/openacl/aclsync/internal/bus"
)

// RecordCache is the in-memory view of all table ACL records for one manager.
// Project keys are case-insensitive (normalized to lowercase at the cache
// boundary). The cache is unbounded and lives for the manager's lifetime.
//
// The cache itself never substitutes an empty record for a missing key; that
// mapping belongs to the manager.
type RecordCache struct {
	topic string
	bus   bus.Bus

	mu      sync.RWMutex
	records map[string]*TableACL
}

func newRecordCache(topic string, b bus.Bus) *RecordCache {
	return &RecordCache{
		topic:   topic,
		bus:     b,
		records: make(map[string]*TableACL),
	}
}

func cacheKey(project string) string {
	return strings.ToLower(project)
}

// Get returns the cached record for project, if any.
func (c *RecordCache) Get(project string) (*TableACL, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[cacheKey(project)]
	return rec, ok
}

// PutLocal updates only this process's view. Used for the startup load and
// for reconciling remote changes, where peers are already consistent.
func (c *RecordCache) PutLocal(project string, rec *TableACL) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records[cacheKey(project)] = rec
}

// Put updates the local view and publishes an entity-change event so every
// other process reconciles the affected entry. The key travels with its
// original casing; the store path is derived from it on the receiving side.
func (c *RecordCache) Put(ctx context.Context, project string, rec *TableACL) error {
	c.PutLocal(project, rec)
	return c.bus.PublishEntityChange(ctx, c.topic, project)
}

// Clear drops every entry.
func (c *RecordCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = make(map[string]*TableACL)
}

func (c *RecordCache) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.records)
}
