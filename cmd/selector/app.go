package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/izavyalov-dev/delta-select/analysis"
	"github.com/izavyalov-dev/delta-select/catalog"
	"github.com/izavyalov-dev/delta-select/executor"
	"github.com/izavyalov-dev/delta-select/feedback"
	"github.com/izavyalov-dev/delta-select/impact"
	"github.com/izavyalov-dev/delta-select/internal/artifacts"
	"github.com/izavyalov-dev/delta-select/internal/config"
	"github.com/izavyalov-dev/delta-select/internal/observability"
	"github.com/izavyalov-dev/delta-select/internal/vcs/github"
	"github.com/izavyalov-dev/delta-select/orchestrator"
	"github.com/izavyalov-dev/delta-select/planner"
	"github.com/izavyalov-dev/delta-select/report"
	"github.com/izavyalov-dev/delta-select/risk"
	"github.com/izavyalov-dev/delta-select/runner/exec"
	"github.com/izavyalov-dev/delta-select/runner/transport"
	"github.com/izavyalov-dev/delta-select/state"
	"github.com/izavyalov-dev/delta-select/state/embedded"
	"github.com/izavyalov-dev/delta-select/vcs"
)

// app holds the wired service and whatever must be closed with it.
type app struct {
	service *orchestrator.Service
	storage string
	closers []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	out := &app{}
	fail := func(err error) (*app, error) {
		out.Close()
		return nil, err
	}

	model, err := risk.NewModel(cfg.Risk)
	if err != nil {
		return fail(err)
	}
	metrics := observability.NewMetrics(nil)

	opts := orchestrator.Options{
		Model:        model,
		Impact:       cfg.Impact,
		Metrics:      metrics,
		Logger:       observability.NewLogger("orchestrator"),
		Budget:       cfg.Budget,
		ChangeWindow: 30 * 24 * time.Hour,
	}

	var (
		log   feedback.Log
		store *state.Store
	)
	switch {
	case cfg.Storage.DatabaseURL != "":
		db, err := openDB(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		out.closers = append(out.closers, db.Close)
		store = state.NewStore(db)
		if err := store.ApplyMigrations(ctx); err != nil {
			return fail(err)
		}
		graph, err := store.LoadGraph(ctx)
		if err != nil {
			return fail(fmt.Errorf("load graph: %w", err))
		}
		signals, err := store.LoadSignals(ctx)
		if err != nil {
			return fail(fmt.Errorf("load signals: %w", err))
		}
		for unitID, sig := range signals {
			model.SetSignal(unitID, sig)
		}
		log = store
		opts.Graph = graph
		opts.Catalog = store
		opts.Signals = store
		opts.Cycles = store
		opts.Reports = store
		out.storage = "postgres"
	default:
		embeddedCfg := embedded.DefaultConfig(cfg.Storage.EmbeddedPath)
		if cfg.Storage.InMemory {
			embeddedCfg = embedded.InMemoryConfig()
		}
		embeddedCfg.Logger = logger
		feedbackLog, err := embedded.Open(embeddedCfg)
		if err != nil {
			return fail(fmt.Errorf("open embedded feedback log: %w", err))
		}
		out.closers = append(out.closers, feedbackLog.Close)
		log = feedbackLog
		opts.Graph = impact.NewGraph()
		out.storage = "embedded"
	}

	tracker, err := feedback.NewTracker(log, cfg.Feedback, observability.NewLogger("feedback"))
	if err != nil {
		return fail(err)
	}
	opts.Tracker = tracker

	plan, err := planner.NewGreedyPlanner(cfg.Planner, observability.NewLogger("planner"))
	if err != nil {
		return fail(err)
	}
	opts.Planner = plan

	reg, err := loadRegistryFile(cfg.Registry)
	if err != nil {
		return fail(err)
	}
	units := append(opts.Graph.Units(), reg.Units...)
	if source, err := vcs.NewGitSource(cfg.RepoRoot, units); err != nil {
		logger.Warn("source control unavailable", "event", "vcs_disabled", "repo_root", cfg.RepoRoot, "error", err)
	} else {
		opts.Source = source
	}

	if cfg.Analysis.Enabled {
		client := analysis.NewClient(analysisBackend(cfg.Analysis), cfg.Analysis, observability.NewLogger("analysis"))
		opts.Refresher = analysis.NewRefresher(client, model, client.Config().MaxConcurrent, observability.NewLogger("analysis"))
	}

	runner, err := buildRunner(cfg)
	if err != nil {
		return fail(err)
	}
	coordinator, err := executor.NewCoordinator(runner, orchestrator.MetricsRecorder{Tracker: tracker, Metrics: metrics}, cfg.Executor, observability.NewLogger("executor"))
	if err != nil {
		return fail(err)
	}
	opts.Coordinator = coordinator

	sink, err := buildSinks(ctx, cfg, store, logger)
	if err != nil {
		return fail(err)
	}
	opts.Sink = sink
	opts.WebhookExecute = cfg.Runner.Mode == config.RunnerModeHTTP

	service, err := orchestrator.NewService(opts)
	if err != nil {
		return fail(err)
	}
	if len(reg.Units) > 0 || len(reg.Tests) > 0 {
		if err := service.LoadRegistry(ctx, reg); err != nil {
			return fail(err)
		}
	}
	out.service = service
	return out, nil
}

func loadRegistryFile(path string) (catalog.Registry, error) {
	if path == "" {
		return catalog.Registry{}, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return catalog.Registry{}, nil
	}
	return config.LoadRegistry(path)
}

func analysisBackend(cfg analysis.Config) analysis.Backend {
	if cfg.Endpoint != "" && cfg.Provider != "openai" {
		return &analysis.HTTPBackend{
			Endpoint:   cfg.Endpoint,
			Token:      cfg.Token,
			HTTPClient: &http.Client{Timeout: cfg.Timeout},
		}
	}
	return analysis.NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.Model)
}

func buildRunner(cfg config.Config) (executor.Runner, error) {
	switch cfg.Runner.Mode {
	case config.RunnerModeHTTP:
		return transport.NewHTTPRunner(cfg.Runner.Endpoint, cfg.Runner.Token).WithResponseTimeout(cfg.Runner.Timeout), nil
	case config.RunnerModeLocal:
		workDir := cfg.Runner.WorkDir
		if workDir == "" {
			workDir = cfg.RepoRoot
		}
		return &exec.CommandRunner{WorkDir: workDir, Logger: observability.NewLogger("runner.local")}, nil
	default:
		return nil, catalog.Invalid("runner.mode", "unsupported mode %q", cfg.Runner.Mode)
	}
}

func buildSinks(ctx context.Context, cfg config.Config, store *state.Store, logger *slog.Logger) (report.Sink, error) {
	sinks := []report.Sink{report.LogSink{Logger: observability.NewLogger("report")}}
	if store != nil {
		sinks = append(sinks, report.StoreSink{Store: store})
	}
	if cfg.S3.Bucket != "" {
		uploader, err := artifacts.NewS3Uploader(ctx, cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("init s3 uploader: %w", err)
		}
		sinks = append(sinks, report.ObjectSink{Uploader: uploader, Logger: observability.NewLogger("report.s3")})
	}
	if cfg.GitHub.Token != "" {
		client := github.NewClient(cfg.GitHub.Token)
		if cfg.GitHub.BaseURL != "" {
			client.BaseURL = cfg.GitHub.BaseURL
		}
		sinks = append(sinks, github.NewReporter(client, observability.NewLogger("report.github"), cfg.GitHub.CheckName))
	}
	return report.Multi{Sinks: sinks, Logger: logger}, nil
}

func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}
