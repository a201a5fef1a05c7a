package filesystem

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
	"pipelineops/internal/infrastructure/metrics"
)

const fileExt = ".json"

// PipelineRepository stores one <name>.json file per pipeline under basePath.
type PipelineRepository struct {
	basePath string
}

var _ repository.PipelineRepository = (*PipelineRepository)(nil)

func NewPipelineRepository(basePath string) (*PipelineRepository, error) {
	info, err := os.Stat(basePath)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(basePath, 0o755); mkErr != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", basePath, mkErr)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to check directory %s: %w", basePath, err)
	} else if !info.IsDir() {
		return nil, fmt.Errorf("path %s exists but is not a directory", basePath)
	}

	return &PipelineRepository{
		basePath: basePath,
	}, nil
}

func (r *PipelineRepository) GetBasePath() string {
	return r.basePath
}

// Path returns the file backing the named pipeline.
func (r *PipelineRepository) Path(name string) string {
	return filepath.Join(r.basePath, name+fileExt)
}

// List reads every entry. One unreadable or malformed file fails the whole
// listing.
func (r *PipelineRepository) List(ctx context.Context) (map[string]json.RawMessage, error) {
	metrics.IncStoreOp("list")

	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		metrics.IncError("pipeline_store", "list_error")
		return nil, fmt.Errorf("%w: read directory %s: %v", entity.ErrStoreIO, r.basePath, err)
	}

	items := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), fileExt)
		def, err := r.readFile(filepath.Join(r.basePath, e.Name()))
		if err != nil {
			metrics.IncError("pipeline_store", "list_error")
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
		items[name] = def
	}

	return items, nil
}

func (r *PipelineRepository) Get(ctx context.Context, name string) (json.RawMessage, error) {
	metrics.IncStoreOp("get")

	if err := entity.ValidatePipelineName(name); err != nil {
		return nil, err
	}
	def, err := r.readFile(r.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("pipeline %s: %w", name, entity.ErrNotFound)
		}
		metrics.IncError("pipeline_store", "get_error")
		return nil, fmt.Errorf("pipeline %s: %w", name, err)
	}
	return def, nil
}

func (r *PipelineRepository) Exists(ctx context.Context, name string) (bool, error) {
	metrics.IncStoreOp("exists")

	if err := entity.ValidatePipelineName(name); err != nil {
		return false, err
	}
	info, err := os.Stat(r.Path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: stat %s: %v", entity.ErrStoreIO, name, err)
	}
	return !info.IsDir(), nil
}

// Save writes def pretty-printed with a trailing newline. The content goes to
// a hidden temp file in the same directory which is then renamed over the
// target, so readers see either the old or the new file.
func (r *PipelineRepository) Save(ctx context.Context, name string, def json.RawMessage) error {
	metrics.IncStoreOp("put")

	if err := entity.ValidatePipelineName(name); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, def, "", "  "); err != nil {
		return fmt.Errorf("%w: %v", entity.ErrInvalidDefinition, err)
	}
	buf.WriteByte('\n')

	tmp, err := os.CreateTemp(r.basePath, "."+name+".*.tmp")
	if err != nil {
		metrics.IncError("pipeline_store", "save_error")
		return fmt.Errorf("%w: create temp file: %v", entity.ErrStoreIO, err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		metrics.IncError("pipeline_store", "save_error")
		return fmt.Errorf("%w: write %s: %v", entity.ErrStoreIO, name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		metrics.IncError("pipeline_store", "save_error")
		return fmt.Errorf("%w: sync %s: %v", entity.ErrStoreIO, name, err)
	}
	if err := tmp.Close(); err != nil {
		metrics.IncError("pipeline_store", "save_error")
		return fmt.Errorf("%w: close temp file: %v", entity.ErrStoreIO, err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		metrics.IncError("pipeline_store", "save_error")
		return fmt.Errorf("%w: chmod %s: %v", entity.ErrStoreIO, name, err)
	}
	if err := os.Rename(tmpPath, r.Path(name)); err != nil {
		metrics.IncError("pipeline_store", "save_error")
		return fmt.Errorf("%w: rename %s: %v", entity.ErrStoreIO, name, err)
	}

	success = true
	return nil
}

// readFile returns the JSON document at path. Comments and trailing commas
// left by hand edits are stripped before the document is checked.
func (r *PipelineRepository) readFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", entity.ErrStoreIO, err)
	}

	doc := bytes.TrimSpace(jsonc.ToJSON(data))
	if !json.Valid(doc) {
		return nil, fmt.Errorf("%w: malformed JSON in %s", entity.ErrStoreIO, filepath.Base(path))
	}
	return json.RawMessage(doc), nil
}
