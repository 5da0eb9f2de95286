// Package entity defines the CRUD collaborator contract the gateway depends
// on, plus local implementations of it. Remote collaborators are reached over
// HTTP by the dispatcher; routes marked local are served by a Repository.
package entity

import (
	"context"
	"encoding/json"

	"github.com/crudgate/crudgate/internal/domain"
)

// Entity is one stored record. The payload is opaque to the gateway.
type Entity struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Repository is the six-operation CRUD contract per entity type. Missing ids
// surface as EntityNotFound, distinct from generic failures.
type Repository interface {
	GetAll(ctx context.Context) ([]Entity, error)
	GetByID(ctx context.Context, id string) (*Entity, error)
	Create(ctx context.Context, input json.RawMessage) (*Entity, error)
	Update(ctx context.Context, id string, input json.RawMessage) (*Entity, error)
	Patch(ctx context.Context, id string, partial json.RawMessage) (*Entity, error)
	Delete(ctx context.Context, id string) (*Entity, error)
}

// mergePatch applies a shallow JSON merge of partial onto base. Keys present
// in partial replace keys in base; other keys are kept.
func mergePatch(base, partial json.RawMessage) (json.RawMessage, error) {
	var dst map[string]json.RawMessage
	if err := json.Unmarshal(base, &dst); err != nil {
		return nil, err
	}
	var src map[string]json.RawMessage
	if err := json.Unmarshal(partial, &src); err != nil {
		return nil, err
	}
	for k, v := range src {
		dst[k] = v
	}
	return json.Marshal(dst)
}

func notFound(entityType, id string) *domain.GatewayError {
	return domain.ErrEntityNotFound(entityType, id)
}
