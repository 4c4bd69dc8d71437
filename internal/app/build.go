package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/bus"
	"github.com/ent0n29/agentdesk/internal/config"
	"github.com/ent0n29/agentdesk/internal/engine"
	"github.com/ent0n29/agentdesk/internal/httpapi"
	"github.com/ent0n29/agentdesk/internal/observability"
	"github.com/ent0n29/agentdesk/internal/orchestrator"
	"github.com/ent0n29/agentdesk/internal/session"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *orchestrator.Orchestrator
	Backend      *engine.Handle
	Store        session.Store
	StoreKind    string
	Metrics      *observability.Metrics

	// Remote is set in remote engine mode; its Run loop must be started by
	// the caller.
	Remote *engine.Remote

	// Cleanup should be called on shutdown to release external resources (DB, local engine, event bus).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	store, storeKind, err := session.NewStore(ctx, cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("session store init failed: %w", err)
	}
	logger.Info("session store ready", zap.String("store_mode", storeKind))

	events := bus.New()
	handle := engine.NewHandle()

	var (
		local  *engine.Local
		remote *engine.Remote
	)
	switch cfg.EngineMode {
	case config.EngineModeRemote:
		remote, err = engine.NewRemote(engine.RemoteConfig{
			BaseURL:        cfg.EngineURL,
			EventsURL:      cfg.EngineEventsURL,
			RequestTimeout: cfg.EngineRequestTimeout,
			OnConnection: func(connected bool) {
				if connected {
					handle.Attach(remote)
					logger.Info("engine connected", zap.String("engine_url", cfg.EngineURL))
					return
				}
				handle.Detach()
				logger.Warn("engine disconnected", zap.String("engine_url", cfg.EngineURL))
			},
		}, events, logger)
		if err != nil {
			events.Close()
			_ = store.Close()
			return nil, fmt.Errorf("remote engine init failed: %w", err)
		}
	default:
		local = engine.NewLocal(store, events, engine.LocalConfig{
			MaxIterations: cfg.EngineMaxIterations,
			StepDelay:     cfg.EngineStepDelay,
		}, logger)
		handle.Attach(local)
	}

	orch := orchestrator.New(handle, store, events, orchestrator.Config{
		EventLogLimit: cfg.EventLogLimit,
		ReloadTimeout: cfg.ReloadTimeout,
	}, logger, metrics)

	api := httpapi.New(cfg, httpapi.Deps{
		Controller: orch,
		Store:      store,
		StoreKind:  storeKind,
		Backend:    handle,
		Metrics:    metrics,
		Gatherer:   reg,
		Logger:     logger,
	})

	cleanup := func() error {
		var errs []error
		handle.Detach()
		if local != nil {
			if err := local.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close local engine: %w", err))
			}
		}
		events.Close()
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orch,
		Backend:      handle,
		Store:        store,
		StoreKind:    storeKind,
		Metrics:      metrics,
		Remote:       remote,
		Cleanup:      cleanup,
	}, nil
}
