// Package runners manages the lifecycle of runners: the durable identities
// under which runs execute. Each runner owns a private SQLite database that
// records its runs.
package runners

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/slug"
	"github.com/ashita-ai/kensa/internal/storage"
)

// Canceller stops any in-flight run of a runner and waits for it to settle.
type Canceller interface {
	CancelAndWait(ctx context.Context, runnerID string) error
}

// Handle is an open runner. Close releases its database connections; the
// runner and its database remain on disk.
type Handle struct {
	Runner model.Runner

	db        *storage.RunnerDB
	closeOnce sync.Once
	closeErr  error
}

// DB returns the runner's database.
func (h *Handle) DB() *storage.RunnerDB { return h.db }

// Close releases the handle. Safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closeErr = h.db.Close()
	})
	return h.closeErr
}

// Registry creates, opens and deletes runners.
type Registry struct {
	store  *storage.Store
	logger *slog.Logger
	ensure singleflight.Group

	mu        sync.RWMutex
	canceller Canceller
}

// New creates a Registry over store.
func New(store *storage.Store, logger *slog.Logger) *Registry {
	return &Registry{store: store, logger: logger}
}

// SetCanceller installs the component that owns in-flight runs. Delete uses
// it to stop a runner's run before removing the runner.
func (r *Registry) SetCanceller(c Canceller) {
	r.mu.Lock()
	r.canceller = c
	r.mu.Unlock()
}

// Create registers a new runner named name bound to endpoints and opens it.
// It fails with Conflict if a runner with the same id exists.
func (r *Registry) Create(ctx context.Context, name, description string, endpoints []string) (*Handle, error) {
	id := slug.Make(name)
	if id == "" {
		return nil, apperr.New(apperr.Validation, "", "runner name %q does not produce a valid id", name)
	}
	if len(endpoints) == 0 {
		return nil, apperr.New(apperr.Validation, "", "runner %s needs at least one endpoint", id)
	}
	if err := r.createRecord(ctx, id, name, description, endpoints); err != nil {
		return nil, err
	}
	return r.Load(ctx, id)
}

func (r *Registry) createRecord(ctx context.Context, id, name, description string, endpoints []string) error {
	runner := model.Runner{
		ID:           id,
		Name:         name,
		Endpoints:    endpoints,
		DatabaseFile: r.store.RunnerDBPath(id),
		Description:  description,
		CreatedDate:  time.Now().UTC(),
	}
	if err := r.store.Runners.Create(runner); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return apperr.New(apperr.Conflict, "", "runner %s already exists", id)
		}
		return apperr.Wrap(apperr.IO, "", err)
	}

	// Create the database file now so a runner never exists without one.
	db, err := storage.OpenRunnerDB(ctx, runner.DatabaseFile, r.logger)
	if err != nil {
		if delErr := r.store.Runners.Delete(id); delErr != nil {
			r.logger.Error("runners: roll back runner record", "runner_id", id, "error", delErr)
		}
		return apperr.Wrap(apperr.IO, "", err)
	}
	// A deleted runner with the same id may have left results behind; new
	// runs must not reuse their ids.
	if err := r.reserveRunIDs(ctx, db, id); err != nil {
		_ = db.Close()
		if delErr := r.store.Runners.Delete(id); delErr != nil {
			r.logger.Error("runners: roll back runner record", "runner_id", id, "error", delErr)
		}
		if rmErr := r.store.RemoveRunnerDB(id); rmErr != nil {
			r.logger.Error("runners: roll back runner database", "runner_id", id, "error", rmErr)
		}
		return apperr.Wrap(apperr.IO, "", err)
	}
	if err := db.Close(); err != nil {
		r.logger.Warn("runners: close new database", "runner_id", id, "error", err)
	}
	r.logger.Info("runner created", "runner_id", id, "endpoints", endpoints)
	return nil
}

func (r *Registry) reserveRunIDs(ctx context.Context, db *storage.RunnerDB, id string) error {
	ids, err := storage.ResultRunIDs(r.store.Results, id)
	if err != nil {
		return err
	}
	last := int64(0)
	for _, n := range ids {
		last = max(last, n)
	}
	if last == 0 {
		return nil
	}
	r.logger.Info("runners: skipping run ids of earlier results", "runner_id", id, "last_run_id", last)
	return db.ReserveRunIDs(ctx, last)
}

// Load opens an existing runner.
func (r *Registry) Load(ctx context.Context, id string) (*Handle, error) {
	runner, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenRunnerDB(ctx, r.store.RunnerDBPath(id), r.logger)
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	return &Handle{Runner: runner, db: db}, nil
}

// CreateOrLoad opens the runner whose id is slug(name), creating it with
// endpoints if it does not exist yet. created reports which happened.
// Concurrent calls for the same id create the runner once.
func (r *Registry) CreateOrLoad(ctx context.Context, name, description string, endpoints []string) (h *Handle, created bool, err error) {
	id := slug.Make(name)
	if id == "" {
		return nil, false, apperr.New(apperr.Validation, "", "runner name %q does not produce a valid id", name)
	}

	// Callers sharing a flight all see its result; only the caller whose
	// function ran reports the creation.
	ranHere := false
	v, err, _ := r.ensure.Do(id, func() (any, error) {
		ranHere = true
		exists, err := r.store.Runners.Exists(id)
		if err != nil {
			return false, apperr.Wrap(apperr.IO, "", err)
		}
		if exists {
			return false, nil
		}
		if len(endpoints) == 0 {
			return false, apperr.New(apperr.Validation, "", "runner %s does not exist and no endpoints were given to create it", id)
		}
		if err := r.createRecord(ctx, id, name, description, endpoints); err != nil {
			if apperr.Is(err, apperr.Conflict) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, false, err
	}
	h, err = r.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return h, ranHere && v.(bool), nil
}

// Get returns the runner record.
func (r *Registry) Get(id string) (model.Runner, error) {
	runner, err := r.store.Runners.Read(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Runner{}, apperr.New(apperr.NotFound, "", "runner %s does not exist", id)
		}
		return model.Runner{}, apperr.Wrap(apperr.IO, "", err)
	}
	return runner, nil
}

// List returns every runner record.
func (r *Registry) List() ([]model.Runner, error) {
	runners, err := r.store.Runners.List()
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	return runners, nil
}

// Runs returns every run recorded in the runner's database.
func (r *Registry) Runs(ctx context.Context, id string) ([]model.Run, error) {
	h, err := r.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = h.Close() }()
	runs, err := h.DB().ListRuns(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.IO, "", err)
	}
	return runs, nil
}

// LatestRun returns the most recent run recorded for the runner.
func (r *Registry) LatestRun(ctx context.Context, id string) (model.Run, error) {
	h, err := r.Load(ctx, id)
	if err != nil {
		return model.Run{}, err
	}
	defer func() { _ = h.Close() }()
	run, err := h.DB().LatestRun(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Run{}, apperr.New(apperr.NotFound, "", "runner %s has no runs", id)
		}
		return model.Run{}, apperr.Wrap(apperr.IO, "", err)
	}
	return run, nil
}

// Delete cancels any in-flight run of the runner, then removes the runner
// record and its database.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}

	r.mu.RLock()
	c := r.canceller
	r.mu.RUnlock()
	if c != nil {
		if err := c.CancelAndWait(ctx, id); err != nil {
			return fmt.Errorf("cancel in-flight run of %s: %w", id, err)
		}
	}

	if err := r.store.Runners.Delete(id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.IO, "", err)
	}
	if err := r.store.RemoveRunnerDB(id); err != nil {
		return apperr.Wrap(apperr.IO, "", err)
	}
	r.logger.Info("runner deleted", "runner_id", id)
	return nil
}

// Recover marks runs that a previous process left unfinished as failed in
// every runner's database. It is called once at startup, before any run is
// enqueued, and reports how many runs it changed.
func (r *Registry) Recover(ctx context.Context) (int64, error) {
	runners, err := r.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, runner := range runners {
		h, err := r.Load(ctx, runner.ID)
		if err != nil {
			r.logger.Warn("runners: recover: open database", "runner_id", runner.ID, "error", err)
			continue
		}
		n, err := h.DB().FailUnfinished(ctx, "interrupted by server restart")
		_ = h.Close()
		if err != nil {
			return total, apperr.Wrap(apperr.IO, "", err)
		}
		if n > 0 {
			r.logger.Info("runners: recovered unfinished runs", "runner_id", runner.ID, "count", n)
		}
		total += n
	}
	return total, nil
}
