package usecase

import (
	"context"
	"fmt"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
)

type ApplyRunUseCase interface {
	ListRuns(ctx context.Context, limit int) ([]*entity.ApplyRun, error)
	GetRun(ctx context.Context, id string) (*entity.ApplyRun, error)
}

var _ ApplyRunUseCase = (*ApplyRunService)(nil)

type ApplyRunService struct {
	runs repository.ApplyRunRepository
}

func NewApplyRunService(runs repository.ApplyRunRepository) *ApplyRunService {
	return &ApplyRunService{runs: runs}
}

func (u *ApplyRunService) ListRuns(ctx context.Context, limit int) ([]*entity.ApplyRun, error) {
	runs, err := u.runs.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list apply runs: %w", err)
	}
	if runs == nil {
		runs = []*entity.ApplyRun{}
	}
	return runs, nil
}

func (u *ApplyRunService) GetRun(ctx context.Context, id string) (*entity.ApplyRun, error) {
	if id == "" {
		return nil, fmt.Errorf("apply run id is required")
	}
	return u.runs.GetByID(ctx, id)
}
