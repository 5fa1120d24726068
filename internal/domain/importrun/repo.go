package importrun

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Run) error
	Save(ctx context.Context, r *Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*Run, error)
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*Run, int, error)
}
