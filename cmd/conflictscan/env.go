package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mpataki/conflictscan/internal/catalog"
	"github.com/mpataki/conflictscan/internal/clone"
	"github.com/mpataki/conflictscan/internal/config"
	"github.com/mpataki/conflictscan/internal/host"
	"github.com/mpataki/conflictscan/internal/isolation"
	"github.com/mpataki/conflictscan/internal/jsmonitor"
	"github.com/mpataki/conflictscan/internal/log"
	"github.com/mpataki/conflictscan/internal/lua"
	"github.com/mpataki/conflictscan/internal/orchestrator"
	"github.com/mpataki/conflictscan/internal/probe"
	"github.com/mpataki/conflictscan/internal/scheduler"
	"github.com/mpataki/conflictscan/internal/storage"
)

// env holds everything a command needs to drive scans.
type env struct {
	cfg     *config.Config
	store   *storage.Storage
	hostDB  *sqlx.DB
	clones  *clone.Store
	catalog *catalog.Catalog
	monitor *jsmonitor.Monitor
	rules   *lua.Rules
	logger  *log.Logger
	orch    *orchestrator.Orchestrator
	sched   *scheduler.Scheduler
}

func openEnv() (*env, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	e := &env{cfg: cfg}
	if err := e.open(); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *env) open() error {
	cfg := e.cfg

	logger, err := log.NewLogger(cfg.EventsLog)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	e.logger = logger

	e.store, err = storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	e.hostDB, err = host.Open(cfg.Host.Driver, cfg.Host.DSN)
	if err != nil {
		return fmt.Errorf("failed to open host database: %w", err)
	}

	e.clones, err = clone.New(e.hostDB, clone.Options{
		TablePrefix: cfg.Host.TablePrefix,
		ContentDir:  cfg.Host.ContentDir,
		SiteURL:     cfg.Host.SiteURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	live, err := e.clones.LiveOptions()
	if err != nil {
		return err
	}

	e.catalog, err = catalog.Parse(cfg.Host.Catalog)
	if err != nil {
		return err
	}
	e.monitor = jsmonitor.New(e.catalog)

	probeOpts := probe.Options{
		Timeout:      cfg.ProbeTimeout(),
		MinBodyBytes: cfg.Probe.MinBodyBytes,
		InsecureTLS:  cfg.Probe.InsecureTLS,
		Logger:       logger,
	}
	if cfg.Probe.RulesScript != "" {
		if !lua.IsRulesScript(cfg.Probe.RulesScript) {
			return fmt.Errorf("not a rules script: %s", cfg.Probe.RulesScript)
		}
		e.rules, err = lua.LoadRules(cfg.Probe.RulesScript)
		if err != nil {
			return fmt.Errorf("failed to load probe rules: %w", err)
		}
		probeOpts.Rules = e.rules
	}

	e.orch = orchestrator.New(orchestrator.Deps{
		Sessions: e.store,
		Clones:   e.clones,
		Oracle:   probe.New(probeOpts),
		Site:     live,
		Catalog:  e.catalog,
		JSErrors: e.monitor,
		Logger:   logger,
	}, orchestrator.Config{
		ReferenceTheme: cfg.Scan.ReferenceTheme,
		Scope:          isolation.Scope(cfg.Scan.SequentialScope),
		ProbeTimeout:   cfg.ProbeTimeout(),
		DebugLog:       cfg.Host.DebugLog,
		MaxDuration:    cfg.MaxScanDuration(),
	})
	return nil
}

// startWorkers queues scans on a worker pool instead of running them inline.
// Close stops the pool and cancels any scan still running.
func (e *env) startWorkers(ctx context.Context) {
	e.sched = scheduler.New(e.cfg.Scan.Workers, func(ctx context.Context, id int64) {
		if err := e.orch.ProcessScan(ctx, id); err != nil {
			e.logger.Append(log.LogEvent{Event: log.EventScanFailed, SessionID: id, Error: err.Error()})
		}
	})
	e.sched.Start(ctx)
	e.orch.SetScheduler(e.sched)
}

// staleAge is how long a session may sit unfinished before the reaper
// fails it.
func (e *env) staleAge() time.Duration {
	return e.cfg.MaxScanDuration() + time.Minute
}

func (e *env) retention() time.Duration {
	return time.Duration(e.cfg.Scan.RetentionDays) * 24 * time.Hour
}

func (e *env) Close() {
	if e.sched != nil {
		e.sched.Stop()
	}
	if e.rules != nil {
		e.rules.Close()
	}
	if e.hostDB != nil {
		e.hostDB.Close()
	}
	if e.store != nil {
		e.store.Close()
	}
}
