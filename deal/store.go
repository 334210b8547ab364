package deal

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store is the document-store contract the engine relies on.
type Store interface {
	// Get returns ErrNotFound when no deal has the id.
	Get(ctx context.Context, id string) (Deal, error)
	// Create persists a new deal at version 1 and returns its assigned id.
	Create(ctx context.Context, d Deal) (string, error)
	// Update replaces the deal when its stored version equals expectedVersion
	// and returns ErrVersionConflict otherwise. d.Version carries the new version.
	Update(ctx context.Context, d Deal, expectedVersion int64) error
	Query(ctx context.Context, q Query) ([]Deal, error)
}

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	deals map[string]Deal
	newID func() string
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deals: make(map[string]Deal),
		newID: uuid.NewString,
	}
}

func (m *MemoryStore) Get(ctx context.Context, id string) (Deal, error) {
	if err := ctx.Err(); err != nil {
		return Deal{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.deals[id]
	if !ok {
		return Deal{}, ErrNotFound
	}
	return d.clone(), nil
}

func (m *MemoryStore) Create(ctx context.Context, d Deal) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == "" {
		d.ID = m.newID()
	}
	if _, exists := m.deals[d.ID]; exists {
		return "", ErrVersionConflict
	}
	d.Version = 1
	m.deals[d.ID] = d.clone()
	return d.ID, nil
}

func (m *MemoryStore) Update(ctx context.Context, d Deal, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.deals[d.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	m.deals[d.ID] = d.clone()
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, q Query) ([]Deal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Deal, 0, len(m.deals))
	for _, d := range m.deals {
		if q.Matches(d) {
			out = append(out, d.clone())
		}
	}
	m.mu.RUnlock()

	if q.OrderBy != nil {
		field, desc := q.OrderBy.Field, q.OrderBy.Desc
		sort.SliceStable(out, func(i, j int) bool {
			c := compare(FieldValue(out[i], field), FieldValue(out[j], field))
			if c == 0 {
				return out[i].ID < out[j].ID
			}
			if desc {
				return c > 0
			}
			return c < 0
		})
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}
