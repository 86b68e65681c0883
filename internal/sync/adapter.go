// Package sync provides the offline change-queue coordination engine.
package sync

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/clinicore/syncbridge/internal/errors"
)

// Baseline is the entity version/timestamp the client believed was
// current when it made its edit. Conflict detection compares ReadAt
// (the baseline-read time) against the server's last-modified time.
type Baseline struct {
	ReadAt  int64 `json:"read_at"`
	Version int64 `json:"version"`
}

// ApplyResult reports the outcome of applying a mutation to the
// authoritative store. When Conflict is set the mutation was NOT
// applied and ServerVersion holds the current server snapshot.
type ApplyResult struct {
	Conflict         bool
	ServerModifiedAt int64
	ServerVersion    json.RawMessage
}

// Record is one entity row returned by incremental delta queries.
type Record struct {
	EntityID   string          `json:"entity_id"`
	ModifiedAt int64           `json:"modified_at"`
	Data       json.RawMessage `json:"data"`
}

// EntityAdapter applies queued mutations for one entity type to the
// authoritative store and serves incremental reads from it. Adapters
// must detect conflicts (server last-modified strictly newer than the
// baseline-read time), must report the server-side last-modified
// timestamp, and must make create/update idempotent under crash-retry
// via the baseline/version comparison. Delete is naturally idempotent.
//
// Error contract: validation problems return VALIDATION_ERROR, a
// missing target returns NOT_FOUND, and anything else is treated as
// transient and retried (see errors.Retryable).
type EntityAdapter interface {
	Apply(ctx context.Context, operation, entityID string, payload json.RawMessage, baseline Baseline) (*ApplyResult, error)

	// FindModifiedSince returns records with modified_at strictly
	// greater than since, at most limit of them, plus whether more
	// remain beyond the page.
	FindModifiedSince(ctx context.Context, since int64, limit int) ([]Record, bool, error)
}

// AdapterRegistry maps entity types to their adapters.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]EntityAdapter
}

// NewAdapterRegistry creates an empty registry.
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[string]EntityAdapter),
	}
}

// Register binds an adapter to an entity type, replacing any previous one.
func (r *AdapterRegistry) Register(entityType string, adapter EntityAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[entityType] = adapter
}

// Get returns the adapter for an entity type.
func (r *AdapterRegistry) Get(entityType string) (EntityAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[entityType]
	if !ok {
		return nil, errors.Newf(errors.ErrValidation, "no adapter registered for entity type %q", entityType)
	}
	return adapter, nil
}

// Has reports whether an adapter is registered for the entity type.
func (r *AdapterRegistry) Has(entityType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[entityType]
	return ok
}

// EntityTypes returns the registered entity types, sorted.
func (r *AdapterRegistry) EntityTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
