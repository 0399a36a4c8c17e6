package source

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/intelpipe/pkg/errors"
)

// Registry is the persistent store of sources.
//
// ActiveSources returns enabled sources ordered by creation time, then id.
// Upsert inserts or updates by id and assigns a uuid when the id is empty.
type Registry interface {
	Init(ctx context.Context) error
	ActiveSources(ctx context.Context) ([]Source, error)
	Upsert(ctx context.Context, src Source) (Source, error)
	MarkScanned(ctx context.Context, id string, at time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// prepare fills the id, canonical type and timestamps of src before a write.
func prepare(src Source, existing *Source, now time.Time) Source {
	if src.ID == "" {
		src.ID = uuid.New().String()
	}
	src.Type = src.Type.Canonical()
	if src.Configuration == nil {
		src.Configuration = Configuration{}
	}
	if existing != nil {
		src.CreatedAt = existing.CreatedAt
		if src.LastScannedAt == nil {
			src.LastScannedAt = existing.LastScannedAt
		}
	} else if src.CreatedAt.IsZero() {
		src.CreatedAt = now
	}
	src.UpdatedAt = now
	return src
}

// MemoryRegistry is an in-process Registry. Safe for concurrent use.
type MemoryRegistry struct {
	mu      sync.RWMutex
	sources map[string]Source
	now     func() time.Time
}

// NewMemoryRegistry creates a registry seeded with sources.
func NewMemoryRegistry(seed ...Source) *MemoryRegistry {
	r := &MemoryRegistry{sources: make(map[string]Source), now: time.Now}
	for _, s := range seed {
		_, _ = r.Upsert(context.Background(), s)
	}
	return r
}

func (r *MemoryRegistry) Init(context.Context) error { return nil }

func (r *MemoryRegistry) ActiveSources(ctx context.Context) ([]Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.E(errors.KindRegistryInit, "source.ActiveSources", err)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sortSources(out)
	return out, nil
}

func (r *MemoryRegistry) Upsert(_ context.Context, src Source) (Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *Source
	if prev, ok := r.sources[src.ID]; ok && src.ID != "" {
		existing = &prev
	}
	src = prepare(src, existing, r.now())
	r.sources[src.ID] = src
	return src, nil
}

func (r *MemoryRegistry) MarkScanned(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sources[id]
	if !ok {
		return errors.E(errors.KindNotFound, "source.MarkScanned", "unknown source "+id)
	}
	at = at.UTC()
	s.LastScannedAt = &at
	r.sources[id] = s
	return nil
}

// Get returns a source by id.
func (r *MemoryRegistry) Get(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[id]
	return s, ok
}

func (r *MemoryRegistry) Ping(context.Context) error { return nil }
func (r *MemoryRegistry) Close() error               { return nil }

func sortSources(s []Source) {
	sort.SliceStable(s, func(i, j int) bool {
		if !s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].CreatedAt.Before(s[j].CreatedAt)
		}
		return s[i].ID < s[j].ID
	})
}

var (
	_ Registry = (*MemoryRegistry)(nil)
	_ Registry = (*SQLiteRegistry)(nil)
)
