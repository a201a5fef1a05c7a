package repository

import (
	"context"
	"encoding/json"

	"pipelineops/internal/domain/entity"
)

// PipelineRepository is the local keyed store of pipeline definitions.
type PipelineRepository interface {
	List(ctx context.Context) (map[string]json.RawMessage, error)
	Get(ctx context.Context, name string) (json.RawMessage, error)
	Exists(ctx context.Context, name string) (bool, error)
	Save(ctx context.Context, name string, def json.RawMessage) error
}

// PipelineSource is the remote provider the store is synced from.
type PipelineSource interface {
	ListRemote(ctx context.Context) ([]entity.RemotePipeline, error)
	FetchByID(ctx context.Context, id string) (json.RawMessage, error)
}
