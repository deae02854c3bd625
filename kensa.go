// Package kensa is the public API for embedding the kensa evaluation
// control plane.
//
// Callers construct an App, then either serve the HTTP API with Run or drive
// the control service directly:
//
//	app, err := kensa.New(ctx,
//	    kensa.WithVersion(version),
//	    kensa.WithLogger(logger),
//	    kensa.WithRunObserver(myObserver{}),
//	)
//	if err != nil { ... }
//	defer app.Close(context.Background())
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*; internal/* never imports the root.
// Public types (RunEvent) are standalone structs with no internal imports;
// the conversion from progress events lives here.
package kensa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashita-ai/kensa/api"
	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/config"
	"github.com/ashita-ai/kensa/internal/mcp"
	"github.com/ashita-ai/kensa/internal/progress"
	"github.com/ashita-ai/kensa/internal/server"
	"github.com/ashita-ai/kensa/internal/service/control"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/results"
	"github.com/ashita-ai/kensa/internal/service/runners"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// shutdownTimeout bounds the HTTP drain and run cancellation when Run
// returns because its context ended.
const shutdownTimeout = 30 * time.Second

// App is the kensa lifecycle. Construct with New; Close releases it.
type App struct {
	cfg          config.Config
	registry     *runners.Registry
	bus          *progress.Bus
	orch         *orchestrator.Orchestrator
	svc          *control.Service
	srv          *server.Server
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string

	observers  []RunObserver
	observerWG sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// New loads configuration from the environment, applies opts and wires every
// subsystem. It does not accept HTTP connections; call Run for that.
func New(ctx context.Context, opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.dataRoot != "" {
		cfg.DataRoot = o.dataRoot
		cfg.Dirs = config.ResolveDirs(o.dataRoot, nil)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.backendURL != "" {
		cfg.BackendURL = o.backendURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store := storage.NewStore(layoutOf(cfg))
	bus := progress.NewBus(cfg.ProgressBuffer, logger)
	registry := runners.New(store, logger)

	var be backend.RunnerBackend = backend.Unconfigured{}
	if cfg.BackendURL != "" {
		be = backend.NewRemote(cfg.BackendURL, cfg.BackendTimeout)
		logger.Info("runner backend: remote", "url", cfg.BackendURL)
	} else {
		logger.Warn("runner backend: not configured, runs will fail (set KENSA_BACKEND_URL)")
	}

	orch := orchestrator.New(orchestrator.Config{
		MaxConcurrent:  cfg.MaxConcurrentRuns,
		CancelDeadline: cfg.CancelDeadline,
	}, be, results.NewWriter(store.Results, logger), bus, logger)
	registry.SetCanceller(orch)

	svc := control.New(control.Deps{
		Store:        store,
		Runners:      registry,
		Orchestrator: orch,
		Results:      results.NewReader(store.Results),
		Bus:          bus,
		Logger:       logger,
	})

	mcpSrv := mcp.New(svc, logger, version)

	middlewares := make([]func(http.Handler) http.Handler, len(o.middlewares))
	for i, mw := range o.middlewares {
		middlewares[i] = mw
	}
	srv := server.New(server.ServerConfig{
		Service:             svc,
		Logger:              logger,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
		Middlewares:         middlewares,
	})

	a := &App{
		cfg:          cfg,
		registry:     registry,
		bus:          bus,
		orch:         orch,
		svc:          svc,
		srv:          srv,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
		observers:    o.observers,
	}
	if len(a.observers) > 0 {
		a.startObservers()
	}

	logger.Info("kensa ready", "version", version, "data_root", cfg.DataRoot)
	return a, nil
}

func layoutOf(cfg config.Config) storage.Layout {
	return storage.Layout{
		Datasets:        cfg.Dir(config.KeyDatasets),
		PromptTemplates: cfg.Dir(config.KeyPromptTemplates),
		Metrics:         cfg.Dir(config.KeyMetrics),
		Endpoints:       cfg.Dir(config.KeyConnectorsEndpoints),
		Recipes:         cfg.Dir(config.KeyRecipes),
		Cookbooks:       cfg.Dir(config.KeyCookbooks),
		Runners:         cfg.Dir(config.KeyRunners),
		Databases:       cfg.Dir(config.KeyDatabases),
		Results:         cfg.Dir(config.KeyResults),
		Bookmarks:       cfg.BookmarksDir(),
	}
}

// Service returns the control service every adapter is built on.
func (a *App) Service() *control.Service { return a.svc }

// Handler returns the HTTP handler served by Run.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run fails runs left unfinished by a previous process, then serves HTTP
// until ctx ends or the server fails. It closes the App before returning.
func (a *App) Run(ctx context.Context) error {
	if _, err := a.registry.Recover(ctx); err != nil {
		a.logger.Error("run recovery failed", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := a.srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	return errors.Join(serveErr, a.Close(shutdownCtx))
}

// Close cancels every active run, waits for them to settle, and releases
// the progress bus and telemetry. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.logger.Info("kensa shutting down")
		if err := a.orch.Shutdown(ctx); err != nil {
			a.closeErr = fmt.Errorf("orchestrator shutdown: %w", err)
		}
		// Closing the bus ends observer subscriptions.
		a.bus.Close()
		a.observerWG.Wait()
		if err := a.otelShutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
		a.logger.Info("kensa stopped")
	})
	return a.closeErr
}

// startObservers forwards bus events to the registered observers from a
// single goroutine, so each observer sees events in publish order. A dropped
// subscription is renewed.
func (a *App) startObservers() {
	sub := a.bus.Subscribe("")
	a.observerWG.Add(1)
	go func() {
		defer a.observerWG.Done()
		for {
			for ev := range sub.C {
				a.notify(toRunEvent(ev))
			}
			if !sub.Dropped() {
				return
			}
			a.logger.Warn("run observers fell behind; events were lost")
			sub = a.bus.Subscribe("")
		}
	}()
}

func (a *App) notify(ev RunEvent) {
	for _, obs := range a.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					a.logger.Error("run observer panicked", "panic", r, "runner_id", ev.RunnerID)
				}
			}()
			obs.OnRunEvent(context.Background(), ev)
		}()
	}
}

func toRunEvent(ev progress.Event) RunEvent {
	return RunEvent{
		RunnerID:  ev.RunnerID,
		RunID:     ev.RunID,
		State:     string(ev.State),
		Fraction:  ev.Fraction,
		Phase:     ev.Phase,
		Message:   ev.Message,
		ErrorKind: ev.ErrorKind,
		Time:      ev.Time,
	}
}
