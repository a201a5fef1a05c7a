package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
)

type PipelineUseCase interface {
	ListPipelines(ctx context.Context) (map[string]json.RawMessage, error)
	GetPipeline(ctx context.Context, name string) (json.RawMessage, error)
	UpdatePipeline(ctx context.Context, name string, body json.RawMessage) error
}

type PipelineService struct {
	repo repository.PipelineRepository
}

func NewPipelineService(repo repository.PipelineRepository) *PipelineService {
	return &PipelineService{repo: repo}
}

var _ PipelineUseCase = (*PipelineService)(nil)

func (s *PipelineService) ListPipelines(ctx context.Context) (map[string]json.RawMessage, error) {
	items, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	return items, nil
}

func (s *PipelineService) GetPipeline(ctx context.Context, name string) (json.RawMessage, error) {
	def, err := s.repo.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	return def, nil
}

// UpdatePipeline stores body as the definition of name. The body must be a
// JSON object carrying a string "name" and a "filter"; every field is kept
// as-is and the entry is keyed by name whatever the body says.
func (s *PipelineService) UpdatePipeline(ctx context.Context, name string, body json.RawMessage) error {
	if err := entity.ValidatePipelineName(name); err != nil {
		return err
	}
	if err := checkPipelineBody(body); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, name, body); err != nil {
		return fmt.Errorf("update pipeline %s: %w", name, err)
	}
	return nil
}

// checkPipelineBody requires a JSON object with a string "name" and a
// "filter" that is either a query string or a provider filter object. The
// body name is not compared with the path name; the path names the entry.
func checkPipelineBody(body json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return fmt.Errorf("%w: body must be a JSON object", entity.ErrInvalidDefinition)
	}

	raw, ok := fields["name"]
	if !ok {
		return fmt.Errorf("%w: field \"name\" is required", entity.ErrInvalidDefinition)
	}
	if n := bytes.TrimSpace(raw); len(n) == 0 || n[0] != '"' {
		return fmt.Errorf("%w: field \"name\" must be a string", entity.ErrInvalidDefinition)
	}

	filter, ok := fields["filter"]
	if !ok {
		return fmt.Errorf("%w: field \"filter\" is required", entity.ErrInvalidDefinition)
	}
	if f := bytes.TrimSpace(filter); len(f) == 0 || (f[0] != '"' && f[0] != '{') {
		return fmt.Errorf("%w: field \"filter\" must be a string or an object", entity.ErrInvalidDefinition)
	}
	return nil
}
