// Package memory holds process-local repositories used when no database is
// configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
	"pipelineops/internal/infrastructure/metrics"
)

type ApplyRunRepo struct {
	mu   sync.RWMutex
	runs map[string]entity.ApplyRun
}

var _ repository.ApplyRunRepository = (*ApplyRunRepo)(nil)

func NewApplyRunRepo() *ApplyRunRepo {
	return &ApplyRunRepo{runs: make(map[string]entity.ApplyRun)}
}

func (r *ApplyRunRepo) Create(ctx context.Context, run *entity.ApplyRun) error {
	metrics.IncStoreOp("apply_run_create")

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; ok {
		return fmt.Errorf("apply run %s already exists", run.ID)
	}
	r.runs[run.ID] = clone(run)
	return nil
}

func (r *ApplyRunRepo) Update(ctx context.Context, run *entity.ApplyRun) error {
	metrics.IncStoreOp("apply_run_update")

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return fmt.Errorf("apply run %s: %w", run.ID, entity.ErrNotFound)
	}
	r.runs[run.ID] = clone(run)
	return nil
}

func (r *ApplyRunRepo) GetByID(ctx context.Context, id string) (*entity.ApplyRun, error) {
	metrics.IncStoreOp("apply_run_get")

	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, fmt.Errorf("apply run %s: %w", id, entity.ErrNotFound)
	}
	c := clone(&run)
	return &c, nil
}

func (r *ApplyRunRepo) List(ctx context.Context, limit int) ([]*entity.ApplyRun, error) {
	metrics.IncStoreOp("apply_run_list")

	r.mu.RLock()
	out := make([]*entity.ApplyRun, 0, len(r.runs))
	for _, run := range r.runs {
		c := clone(&run)
		out = append(out, &c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(run *entity.ApplyRun) entity.ApplyRun {
	c := *run
	c.Targets = append([]string(nil), run.Targets...)
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		c.FinishedAt = &t
	}
	return c
}
