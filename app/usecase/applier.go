package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"pipelineops/internal/domain/entity"
	"pipelineops/internal/domain/repository"
	"pipelineops/internal/infrastructure/metrics"
)

type Applier interface {
	Apply(ctx context.Context, names []string) (string, error)
	Run(ctx context.Context, names []string) (*entity.ApplyRun, error)
}

// RootChecker confirms the infrastructure root declares the resource the
// target selectors address.
type RootChecker interface {
	CheckManaged(resourceType string) error
}

type EventPublisher interface {
	Publish(ev entity.ApplyEvent)
}

type ApplierConfig struct {
	Binary       string
	Dir          string
	ResourceType string
	Timeout      time.Duration
	// QuoteKeys renders selectors as pipeline["name"] instead of pipeline[name].
	QuoteKeys bool
}

type TerraformApplier struct {
	cfg       ApplierConfig
	runner    repository.CommandRunner
	pipelines repository.PipelineRepository
	runs      repository.ApplyRunRepository
	root      RootChecker
	events    EventPublisher
	logger    *slog.Logger

	environ func() []string
	group   singleflight.Group
}

var _ Applier = (*TerraformApplier)(nil)

// NewTerraformApplier wires the applier. root and events may be nil.
func NewTerraformApplier(
	cfg ApplierConfig,
	runner repository.CommandRunner,
	pipelines repository.PipelineRepository,
	runs repository.ApplyRunRepository,
	root RootChecker,
	events EventPublisher,
	logger *slog.Logger,
) *TerraformApplier {
	if cfg.Binary == "" {
		cfg.Binary = "terraform"
	}
	return &TerraformApplier{
		cfg:       cfg,
		runner:    runner,
		pipelines: pipelines,
		runs:      runs,
		root:      root,
		events:    events,
		logger:    logger,
		environ:   os.Environ,
	}
}

// BuildApplyArgs returns the provisioning CLI arguments: a whole-stack apply
// when names is empty, else one -target per name in the given order.
func BuildApplyArgs(resourceType string, quoteKeys bool, names []string) []string {
	args := make([]string, 0, 2+len(names))
	args = append(args, "apply", "-auto-approve")
	for _, name := range names {
		key := name
		if quoteKeys {
			key = `"` + name + `"`
		}
		args = append(args, fmt.Sprintf("-target=%s.pipeline[%s]", resourceType, key))
	}
	return args
}

func (a *TerraformApplier) BuildArgs(names []string) []string {
	return BuildApplyArgs(a.cfg.ResourceType, a.cfg.QuoteKeys, names)
}

// Apply runs the provisioning tool and returns its stdout verbatim. A non-zero
// exit yields *entity.ApplyError carrying stderr.
func (a *TerraformApplier) Apply(ctx context.Context, names []string) (string, error) {
	run, err := a.Run(ctx, names)
	if err != nil {
		return "", err
	}
	return run.Output, nil
}

// Run is Apply returning the full run record. The record is also returned
// alongside invocation errors whenever the process was started.
//
// Concurrent calls with the same target set share one invocation. The
// invocation is detached from ctx cancellation and bounded by the configured
// timeout only.
func (a *TerraformApplier) Run(ctx context.Context, names []string) (*entity.ApplyRun, error) {
	if err := a.checkTargets(ctx, names); err != nil {
		return nil, err
	}

	key := targetSetKey(names)
	v, err, shared := a.group.Do(key, func() (interface{}, error) {
		return a.execute(context.WithoutCancel(ctx), names)
	})
	if shared {
		a.logger.Debug("apply joined in-flight run", "targets", key)
	}
	run, _ := v.(*entity.ApplyRun)
	return run, err
}

func (a *TerraformApplier) checkTargets(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	for _, name := range names {
		if err := entity.ValidatePipelineName(name); err != nil {
			return err
		}
		ok, err := a.pipelines.Exists(ctx, name)
		if err != nil {
			return fmt.Errorf("check pipeline %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("pipeline %s: %w", name, entity.ErrNotFound)
		}
	}
	if a.root != nil {
		if err := a.root.CheckManaged(a.cfg.ResourceType); err != nil {
			return err
		}
	}
	return nil
}

func (a *TerraformApplier) execute(ctx context.Context, names []string) (*entity.ApplyRun, error) {
	run := entity.NewApplyRun(names)
	args := a.BuildArgs(names)
	logger := a.logger.With("run_id", run.ID)

	if err := a.runs.Create(ctx, run); err != nil {
		logger.Warn("failed to record apply run", "err", err)
	}
	a.publish(entity.ApplyEventStarted, run)
	logger.Info("apply started", "dir", a.cfg.Dir, "args", args)

	metrics.AddApplyInflight(1)
	defer metrics.AddApplyInflight(-1)

	runCtx := ctx
	if a.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := a.runner.Run(runCtx, repository.Command{
		Name: a.cfg.Binary,
		Args: args,
		Dir:  a.cfg.Dir,
		Env:  a.environ(),
	})
	duration := time.Since(start)
	metrics.ObserveApplyDuration(duration)

	var outErr error
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		run.Finish(entity.ApplyStatusTimedOut, res.ExitCode, res.Stdout, res.Stderr)
		outErr = fmt.Errorf("%w after %s", entity.ErrApplyTimeout, a.cfg.Timeout)
	case err != nil:
		run.Finish(entity.ApplyStatusFailed, res.ExitCode, res.Stdout, err.Error())
		outErr = fmt.Errorf("run %s: %w", a.cfg.Binary, err)
	case res.ExitCode != 0:
		run.Finish(entity.ApplyStatusFailed, res.ExitCode, res.Stdout, res.Stderr)
		outErr = &entity.ApplyError{ExitCode: res.ExitCode, Stderr: res.Stderr}
	default:
		run.Finish(entity.ApplyStatusSucceeded, 0, res.Stdout, res.Stderr)
	}
	metrics.IncApplyRun(string(run.Status))

	if err := a.runs.Update(ctx, run); err != nil {
		logger.Warn("failed to update apply run", "err", err)
	}
	a.publish(entity.ApplyEventFinished, run)

	if outErr != nil {
		logger.Error("apply failed", "status", run.Status, "exit_code", run.ExitCode, "duration", duration, "err", outErr)
	} else {
		logger.Info("apply finished", "duration", duration)
	}
	return run, outErr
}

func (a *TerraformApplier) publish(typ entity.ApplyEventType, run *entity.ApplyRun) {
	if a.events == nil {
		return
	}
	a.events.Publish(entity.ApplyEvent{Type: typ, Run: *run})
}

// targetSetKey identifies a target set independent of order and duplicates.
// The whole stack is "*".
func targetSetKey(names []string) string {
	if len(names) == 0 {
		return "*"
	}
	set := make(map[string]struct{}, len(names))
	uniq := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := set[n]; ok {
			continue
		}
		set[n] = struct{}{}
		uniq = append(uniq, n)
	}
	sort.Strings(uniq)
	return strings.Join(uniq, ",")
}
