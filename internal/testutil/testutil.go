// Package testutil provides shared test infrastructure for adapter tests
// that need a fully wired control service over a temporary data root.
//
// Usage:
//
//	env := testutil.NewEnv(t, testutil.ScoringBackend(0.9))
//	env.Seed(t)
//	run, err := env.Service.RunCookbooks(ctx, testutil.RunRequest("cb1"))
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/progress"
	"github.com/ashita-ai/kensa/internal/service/control"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/results"
	"github.com/ashita-ai/kensa/internal/service/runners"
	"github.com/ashita-ai/kensa/internal/storage"
)

// Env is a wired control service and the parts tests reach into.
type Env struct {
	Root         string
	Store        *storage.Store
	Bus          *progress.Bus
	Orchestrator *orchestrator.Orchestrator
	Service      *control.Service
}

// Layout returns the artifact layout under root.
func Layout(root string) storage.Layout {
	return storage.Layout{
		Datasets:        filepath.Join(root, "datasets"),
		PromptTemplates: filepath.Join(root, "prompt-templates"),
		Metrics:         filepath.Join(root, "metrics"),
		Endpoints:       filepath.Join(root, "connectors-endpoints"),
		Recipes:         filepath.Join(root, "recipes"),
		Cookbooks:       filepath.Join(root, "cookbooks"),
		Runners:         filepath.Join(root, "runners"),
		Databases:       filepath.Join(root, "databases"),
		Results:         filepath.Join(root, "results"),
		Bookmarks:       filepath.Join(root, "bookmarks"),
	}
}

// NewEnv wires a control service over t.TempDir(). The orchestrator is shut
// down and the bus closed when the test ends.
func NewEnv(t testing.TB, be backend.RunnerBackend) *Env {
	t.Helper()
	root := t.TempDir()
	logger := TestLogger()

	store := storage.NewStore(Layout(root))
	bus := progress.NewBus(64, logger)
	reg := runners.New(store, logger)
	orch := orchestrator.New(orchestrator.Config{MaxConcurrent: 2, CancelDeadline: 5 * time.Second},
		be, results.NewWriter(store.Results, logger), bus, logger)
	reg.SetCanceller(orch)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := orch.Shutdown(ctx); err != nil {
			t.Errorf("testutil: orchestrator shutdown: %v", err)
		}
		bus.Close()
	})

	return &Env{
		Root:         root,
		Store:        store,
		Bus:          bus,
		Orchestrator: orch,
		Service: control.New(control.Deps{
			Store:        store,
			Runners:      reg,
			Orchestrator: orch,
			Results:      results.NewReader(store.Results),
			Bus:          bus,
			Logger:       logger,
		}),
	}
}

// Seed creates dataset ds1, metric m1, endpoint e1, recipe r1 over them and
// cookbook cb1 = [r1].
func (e *Env) Seed(t testing.TB) {
	t.Helper()
	ctx := context.Background()
	svc := e.Service
	_, err := svc.CreateDataset(ctx, control.DatasetInput{Name: "ds1", Examples: []map[string]any{{"input": "a"}, {"input": "b"}}})
	require.NoError(t, err)
	_, err = svc.CreateMetric(ctx, control.MetricInput{Name: "m1"})
	require.NoError(t, err)
	_, err = svc.CreateEndpoint(ctx, control.EndpointInput{
		Name: "e1", ConnectorType: "openai", Token: "sk-secret", MaxCallsPerSecond: 1, MaxConcurrency: 1,
	})
	require.NoError(t, err)
	_, err = svc.CreateRecipe(ctx, control.RecipeInput{
		Name: "r1", Datasets: []string{"ds1"}, Metrics: []string{"m1"},
		GradingScale: model.GradingScale{"F": {0, 0.5}, "P": {0.5, 1}},
	})
	require.NoError(t, err)
	_, err = svc.CreateCookbook(ctx, control.CookbookInput{Name: "cb1", Recipes: []string{"r1"}})
	require.NoError(t, err)
}

// RunRequest returns a run of targets on runner "run1" bound to e1.
func RunRequest(targets ...string) control.RunRequest {
	return control.RunRequest{
		RunName:                   "run1",
		Endpoints:                 []string{"e1"},
		Targets:                   targets,
		PromptSelectionPercentage: 100,
		RunnerProcessingModule:    "benchmarking",
		ResultProcessingModule:    "benchmarking-result",
	}
}

// ScoringBackend emits one record per (endpoint, recipe, dataset) with a
// fixed score for the recipe's first metric.
func ScoringBackend(score float64) backend.RunnerBackend {
	return backend.Func(func(_ context.Context, job backend.Job, progress backend.ProgressFunc) (*backend.Output, error) {
		out := &backend.Output{}
		for _, ep := range job.Endpoints {
			for _, r := range job.Recipes {
				for _, ds := range r.Datasets {
					sc := score
					out.Records = append(out.Records, backend.Record{
						Key:          fmt.Sprintf("(%s, %s, %s, )", ep.ID, r.ID, ds),
						NumOfPrompts: 1,
						Metrics:      []model.MetricScore{{MetricID: r.Metrics[0], Score: &sc}},
					})
				}
			}
		}
		progress(0.5, "scoring", "")
		return out, nil
	})
}

// BlockingBackend runs until its context is cancelled. started receives one
// value per run once the backend is executing.
func BlockingBackend(started chan<- struct{}) backend.RunnerBackend {
	return backend.Func(func(ctx context.Context, _ backend.Job, _ backend.ProgressFunc) (*backend.Output, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// Wait blocks until the runner's current run is terminal.
func (e *Env) Wait(t testing.TB, runnerID string) model.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := e.Service.Wait(ctx, runnerID)
	require.NoError(t, err)
	return run
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
