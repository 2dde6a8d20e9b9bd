// Package app wires storage, the engine and the detector orchestration into one runnable stack.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/engine"
	"opsline/internal/migrate"
	"opsline/internal/orchestrator"
)

type Options struct {
	Workspace string
	// Config is the engine default; nil loads opsline.yml from the workspace when present.
	Config *config.Config
	Logger *zap.Logger
	// Inline runs detectors synchronously inside the triggering call. Used by one-shot CLI
	// commands and tests.
	Inline bool
}

// Stack is a migrated database with an engine whose writes trigger detectors.
type Stack struct {
	DB       *sql.DB
	Engine   engine.Engine
	Runner   *orchestrator.Runner
	Registry *orchestrator.Registry
	Logger   *zap.Logger

	async *orchestrator.AsyncScheduler
}

func Open(ctx context.Context, opts Options) (*Stack, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.LoadOptional(opts.Workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.OpenContext(ctx, db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := orchestrator.NewRegistry()
	s := &Stack{DB: conn, Registry: reg, Logger: logger}
	var sched orchestrator.TaskScheduler
	if opts.Inline {
		sched = &orchestrator.SyncScheduler{Registry: reg, Logger: logger}
	} else {
		s.async = orchestrator.NewAsyncScheduler(reg, logger, cfg.Scheduler.HandlerTimeout.Std())
		sched = s.async
	}

	eng := engine.New(conn, cfg)
	eng.Logger = logger
	eng.Scheduler = sched
	s.Engine = eng
	s.Runner = &orchestrator.Runner{
		Source:      eng,
		Sink:        eng,
		Scheduler:   sched,
		Logger:      logger,
		DetectDelay: cfg.Scheduler.DetectDelay.Std(),
	}
	if err := s.Runner.Validate(); err != nil {
		conn.Close()
		return nil, err
	}
	s.Runner.Register(reg)
	return s, nil
}

// Close drains scheduled detector runs and closes the database.
func (s *Stack) Close() error {
	var errs []error
	if s.async != nil {
		errs = append(errs, s.async.Close())
	}
	errs = append(errs, s.DB.Close())
	return errors.Join(errs...)
}
