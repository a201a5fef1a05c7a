// Command fetch pulls log pipeline definitions from Datadog into the local
// pipeline store.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"pipelineops/app/config"
	"pipelineops/app/usecase"
	"pipelineops/internal/domain/entity"
	"pipelineops/internal/infrastructure/datadog"
	"pipelineops/internal/infrastructure/store/filesystem"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		configPath   string
		pipelinesDir string
		apiURL       string
		concurrency  int
		verbose      bool
	)
	flagSet := pflag.NewFlagSet("fetch", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&configPath, "config", os.Getenv(config.EnvConfigPath), "path to a TOML config file")
	flagSet.StringVar(&pipelinesDir, "pipelines-dir", "", "directory holding pipeline definitions (overrides config)")
	flagSet.StringVar(&apiURL, "api-url", "", "Datadog API base URL (overrides config)")
	flagSet.IntVar(&concurrency, "concurrency", 0, "parallel fetches (overrides config)")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
	flagSet.Usage = func() {
		fmt.Fprintf(stderr, "Usage: fetch [flags] [pipeline ...]\n\n")
		fmt.Fprintf(stderr, "Without pipeline names the default set is fetched.\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if pipelinesDir != "" {
		cfg.Store.PipelinesDir = pipelinesDir
	}
	if apiURL != "" {
		cfg.Datadog.BaseURL = apiURL
	}
	if concurrency > 0 {
		cfg.Sync.Concurrency = concurrency
	}

	level := slog.LevelError
	if verbose {
		level = cfg.SlogLevel()
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	client, err := datadog.NewClient(cfg.Datadog)
	if err != nil {
		if errors.Is(err, entity.ErrMissingCredentials) {
			missing := config.EnvAPIKey
			if cfg.Datadog.APIKey != "" {
				missing = config.EnvAppKey
			}
			fmt.Fprintf(stderr, "Missing required environment variable: %s\n", missing)
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	store, err := filesystem.NewPipelineRepository(cfg.Store.PipelinesDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	names := flagSet.Args()
	if len(names) == 0 {
		names = cfg.Sync.Defaults
	}

	outcomes, err := usecase.NewSyncService(client, store, cfg.Sync.Concurrency, logger).Sync(ctx, names)
	for _, o := range outcomes {
		switch o.Status {
		case entity.SyncStatusSynced:
			fmt.Fprintf(stdout, "Saved %s -> %s\n", o.Name, store.Path(o.Name))
		case entity.SyncStatusSkipped:
			fmt.Fprintf(stderr, "Warning: pipeline '%s' not found in Datadog\n", o.Name)
		case entity.SyncStatusFailed:
			fmt.Fprintf(stderr, "Error: pipeline '%s': %v\n", o.Name, o.Err)
		}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if entity.HasFailures(outcomes) {
		return 1
	}
	return 0
}
