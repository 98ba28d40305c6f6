package vault

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Get(ctx context.Context, resourceID uuid.UUID) (*Record, error)
	Upsert(ctx context.Context, r *Record) error
	Delete(ctx context.Context, resourceID uuid.UUID) error
	// ListResourceIDs returns every resource holding credentials.
	ListResourceIDs(ctx context.Context) ([]uuid.UUID, error)
}
