package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
	"pipelineops/internal/infrastructure/metrics"
)

type SyncUseCase interface {
	Sync(ctx context.Context, names []string) ([]entity.SyncOutcome, error)
}

type SyncService struct {
	source      repository.PipelineSource
	repo        repository.PipelineRepository
	concurrency int
	logger      *slog.Logger
}

var _ SyncUseCase = (*SyncService)(nil)

func NewSyncService(
	source repository.PipelineSource,
	repo repository.PipelineRepository,
	concurrency int,
	logger *slog.Logger,
) *SyncService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SyncService{
		source:      source,
		repo:        repo,
		concurrency: concurrency,
		logger:      logger,
	}
}

type fetchResult struct {
	def     json.RawMessage
	err     error
	settled *entity.SyncOutcome
}

// Sync pulls each named pipeline from the remote provider into the store and
// returns one outcome per name, in request order.
//
// A failed remote listing fails the whole call. Per-name fetch failures are
// reported as Failed outcomes and never stop the batch. A store write error
// stops the batch and is returned with the outcomes decided so far.
func (s *SyncService) Sync(ctx context.Context, names []string) ([]entity.SyncOutcome, error) {
	remote, err := s.source.ListRemote(ctx)
	if err != nil {
		return nil, fmt.Errorf("sync: %w", err)
	}

	// duplicate remote names: last one wins
	ids := make(map[string]string, len(remote))
	for _, p := range remote {
		ids[p.Name] = p.ID
	}

	results := make([]fetchResult, len(names))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, name := range names {
		if err := entity.ValidatePipelineName(name); err != nil {
			o := entity.Failed(name, err)
			results[i].settled = &o
			continue
		}
		id, ok := ids[name]
		if !ok {
			o := entity.Skipped(name, entity.ReasonNotFoundRemotely)
			results[i].settled = &o
			continue
		}
		i, id := i, id
		g.Go(func() error {
			def, err := s.source.FetchByID(ctx, id)
			results[i] = fetchResult{def: def, err: err}
			return nil
		})
	}
	_ = g.Wait()

	outcomes := make([]entity.SyncOutcome, 0, len(names))
	for i, name := range names {
		r := results[i]
		var o entity.SyncOutcome
		switch {
		case r.settled != nil:
			o = *r.settled
		case r.err != nil:
			o = entity.Failed(name, r.err)
		default:
			if err := s.repo.Save(ctx, name, r.def); err != nil {
				if !errors.Is(err, entity.ErrInvalidDefinition) {
					s.logger.Error("store write failed; aborting sync", "pipeline", name, "err", err)
					return outcomes, fmt.Errorf("sync %s: %w", name, err)
				}
				o = entity.Failed(name, err)
			} else {
				o = entity.Synced(name)
			}
		}

		metrics.IncSyncOutcome(string(o.Status))
		switch o.Status {
		case entity.SyncStatusSynced:
			s.logger.Info("pipeline synced", "pipeline", name)
		case entity.SyncStatusSkipped:
			s.logger.Warn("pipeline skipped", "pipeline", name, "reason", o.Reason)
		case entity.SyncStatusFailed:
			s.logger.Error("pipeline sync failed", "pipeline", name, "err", o.Err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}
