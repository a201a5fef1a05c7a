package repository

import (
	"context"

	"pipelineops/internal/domain/entity"
)

// ApplyRunRepository keeps the audit trail of apply invocations.
type ApplyRunRepository interface {
	Create(ctx context.Context, run *entity.ApplyRun) error
	Update(ctx context.Context, run *entity.ApplyRun) error
	GetByID(ctx context.Context, id string) (*entity.ApplyRun, error)
	// List returns at most limit runs, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]*entity.ApplyRun, error)
}
