package entity

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository, used for tests and for local
// routes when no database is configured.
type MemoryRepository struct {
	entityType string
	mu         sync.RWMutex
	records    map[string]json.RawMessage
	order      []string
}

// NewMemoryRepository creates an empty repository for the given entity type.
func NewMemoryRepository(entityType string) *MemoryRepository {
	return &MemoryRepository{
		entityType: entityType,
		records:    make(map[string]json.RawMessage),
	}
}

func (r *MemoryRepository) GetAll(_ context.Context) ([]Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entity, 0, len(r.records))
	for _, id := range r.order {
		out = append(out, Entity{ID: id, Data: r.records[id]})
	}
	return out, nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*Entity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, ok := r.records[id]
	if !ok {
		return nil, notFound(r.entityType, id)
	}
	return &Entity{ID: id, Data: data}, nil
}

func (r *MemoryRepository) Create(_ context.Context, input json.RawMessage) (*Entity, error) {
	id := idFromInput(input)
	if id == "" {
		id = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[id]; !exists {
		r.order = append(r.order, id)
	}
	r.records[id] = input
	return &Entity{ID: id, Data: input}, nil
}

func (r *MemoryRepository) Update(_ context.Context, id string, input json.RawMessage) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[id]; !ok {
		return nil, notFound(r.entityType, id)
	}
	r.records[id] = input
	return &Entity{ID: id, Data: input}, nil
}

func (r *MemoryRepository) Patch(_ context.Context, id string, partial json.RawMessage) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	base, ok := r.records[id]
	if !ok {
		return nil, notFound(r.entityType, id)
	}
	merged, err := mergePatch(base, partial)
	if err != nil {
		return nil, err
	}
	r.records[id] = merged
	return &Entity{ID: id, Data: merged}, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) (*Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, ok := r.records[id]
	if !ok {
		return nil, notFound(r.entityType, id)
	}
	delete(r.records, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return &Entity{ID: id, Data: data}, nil
}

// Len reports the number of stored records.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// idFromInput extracts an "id" field from the payload when the caller
// supplies one.
func idFromInput(input json.RawMessage) string {
	var doc struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(input, &doc); err != nil {
		return ""
	}
	return doc.ID
}
