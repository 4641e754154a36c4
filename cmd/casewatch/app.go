package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/casewatch/internal/bus"
	"github.com/joseph-ayodele/casewatch/internal/cases"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/core"
	"github.com/joseph-ayodele/casewatch/internal/extract"
	"github.com/joseph-ayodele/casewatch/internal/jobs"
	"github.com/joseph-ayodele/casewatch/internal/llm"
	"github.com/joseph-ayodele/casewatch/internal/llm/openai"
	"github.com/joseph-ayodele/casewatch/internal/realtime"
	repo "github.com/joseph-ayodele/casewatch/internal/repository"
)

// app holds the wired runtime shared by serve and analyze.
type app struct {
	cfg       *common.Config
	logger    *slog.Logger
	db        *repo.DB
	caseBus   *bus.Bus[cases.Event]
	jobBus    *bus.Bus[jobs.Snapshot]
	store     *cases.Store
	scheduler *jobs.Scheduler
	analyzer  *extract.Analyzer
	hub       *realtime.Hub
}

func openDB(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repo.DB, error) {
	return repo.Open(ctx, repo.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
}

func newApp(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*app, error) {
	db, err := openDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(logger); err != nil {
		db.Close(logger)
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, db: db}
	a.caseBus = bus.New[cases.Event]("cases", cfg.Events.BufferSize, logger)
	a.jobBus = bus.New[jobs.Snapshot]("jobs", cfg.Events.BufferSize, logger)
	a.store = cases.NewStore(repo.NewCaseRepository(db, logger), a.caseBus, logger)

	completer := openai.NewClient(openai.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	a.analyzer = extract.NewAnalyzer(llm.NewClient(completer, cfg.LLM.MaxTokens, logger), cfg.LLM.Language, cfg.LLM.MaxTokens, logger)

	a.scheduler = jobs.NewScheduler(a.jobBus, logger)
	core.NewProcessor(logger, a.store, a.analyzer).Register(a.scheduler)
	a.hub = realtime.NewHub(a.caseBus, a.jobBus, logger)
	return a, nil
}

// close cancels running jobs, then releases the buses and the database.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Jobs.ShutdownTimeout)
	defer cancel()
	a.scheduler.Shutdown(ctx)
	a.caseBus.Close()
	a.jobBus.Close()
	a.db.Close(a.logger)
}

func (a *app) health(ctx context.Context) error {
	return a.db.HealthCheck(ctx, 2*time.Second, a.logger)
}
