package control

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/progress"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/results"
	"github.com/ashita-ai/kensa/internal/service/runners"
	"github.com/ashita-ai/kensa/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scoringBackend emits one record per (endpoint, recipe, dataset) with a
// fixed score.
func scoringBackend(score float64) backend.RunnerBackend {
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
		progress(1, "done", "")
		return out, nil
	})
}

func newService(t *testing.T, be backend.RunnerBackend) *Service {
	t.Helper()
	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewStore(storage.Layout{
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
	})
	bus := progress.NewBus(64, logger)
	reg := runners.New(store, logger)
	orch := orchestrator.New(orchestrator.Config{MaxConcurrent: 2, CancelDeadline: 5 * time.Second},
		be, results.NewWriter(store.Results, logger), bus, logger)
	reg.SetCanceller(orch)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, orch.Shutdown(ctx))
		bus.Close()
	})
	return New(Deps{
		Store:        store,
		Runners:      reg,
		Orchestrator: orch,
		Results:      results.NewReader(store.Results),
		Bus:          bus,
		Logger:       logger,
	})
}

// seed creates ds1, m1, e1 and the recipe r1 over them.
func seed(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	_, err := s.CreateDataset(ctx, DatasetInput{Name: "ds1", Examples: []map[string]any{{"input": "a"}, {"input": "b"}}})
	require.NoError(t, err)
	_, err = s.CreateMetric(ctx, MetricInput{Name: "m1"})
	require.NoError(t, err)
	_, err = s.CreateEndpoint(ctx, EndpointInput{Name: "e1", ConnectorType: "openai", Token: "sk-secret", MaxCallsPerSecond: 1, MaxConcurrency: 1})
	require.NoError(t, err)
	_, err = s.CreateRecipe(ctx, RecipeInput{
		Name: "r1", Datasets: []string{"ds1"}, Metrics: []string{"m1"},
		GradingScale: model.GradingScale{"F": {0, 0.5}, "P": {0.5, 1}},
	})
	require.NoError(t, err)
}

func runRequest(targets ...string) RunRequest {
	return RunRequest{
		RunName:                   "run1",
		Endpoints:                 []string{"e1"},
		Targets:                   targets,
		PromptSelectionPercentage: 100,
		RunnerProcessingModule:    "benchmarking",
		ResultProcessingModule:    "benchmarking-result",
	}
}

func waitRun(t *testing.T, s *Service, runnerID string) model.Run {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	run, err := s.Wait(ctx, runnerID)
	require.NoError(t, err)
	return run
}

func TestCreateRecipeHappyPath(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)

	_, err := s.CreateRecipe(context.Background(), RecipeInput{
		Name: "My Recipe", Description: "d", Tags: []string{"t1"}, Categories: []string{"c1"},
		Datasets: []string{"ds1"}, Metrics: []string{"m1"}, PromptTemplates: []string{},
		GradingScale: model.GradingScale{"A": {0.0, 1.0}},
	})
	require.NoError(t, err)

	r, err := s.GetRecipe("my-recipe")
	require.NoError(t, err)
	assert.Equal(t, "my-recipe", r.ID)
	assert.Equal(t, "My Recipe", r.Name)
	assert.Equal(t, map[string]int{"ds1": 2}, r.Stats.NumOfDatasetsPrompts)
	assert.Equal(t, 1, r.Stats.NumOfTags)
}

func TestCreateRecipeFailures(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)
	ctx := context.Background()

	_, err := s.CreateRecipe(ctx, RecipeInput{Name: "x", Datasets: []string{"ds-nope"}, Metrics: []string{"m1"}})
	require.True(t, apperr.Is(err, apperr.Validation), "got %v", err)
	assert.Contains(t, err.Error(), "ds-nope")
	assert.Contains(t, err.Error(), "create_recipe")

	_, err = s.CreateRecipe(ctx, RecipeInput{
		Name: "x", Datasets: []string{"ds1"}, Metrics: []string{"m1"},
		GradingScale: model.GradingScale{"A": {0.5, 1.0}},
	})
	assert.True(t, apperr.Is(err, apperr.Validation), "scale must start at 0")

	_, err = s.CreateRecipe(ctx, RecipeInput{Name: "x", Metrics: []string{"m1"}})
	assert.True(t, apperr.Is(err, apperr.Validation), "datasets required")

	_, err = s.CreateRecipe(ctx, RecipeInput{ID: "other", Name: "x", Datasets: []string{"ds1"}, Metrics: []string{"m1"}})
	assert.True(t, apperr.Is(err, apperr.Validation), "explicit id must match slug")

	_, err = s.CreateRecipe(ctx, RecipeInput{Name: "R1", Datasets: []string{"ds1"}, Metrics: []string{"m1"}})
	assert.True(t, apperr.Is(err, apperr.Conflict), "duplicate id")

	_, err = s.GetRecipe("nope")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestUpdateRecipePartial(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)
	ctx := context.Background()

	desc := "updated"
	r, err := s.UpdateRecipe(ctx, "r1", RecipeUpdate{Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, "updated", r.Description)
	assert.Equal(t, []string{"ds1"}, r.Datasets, "untouched fields keep their values")

	bad := []string{"ds-nope"}
	_, err = s.UpdateRecipe(ctx, "r1", RecipeUpdate{Datasets: &bad})
	assert.True(t, apperr.Is(err, apperr.Validation))
	r, err = s.GetRecipe("r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ds1"}, r.Datasets, "failed update leaves the recipe unchanged")

	rename := "Something Else"
	_, err = s.UpdateRecipe(ctx, "r1", RecipeUpdate{Name: &rename})
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = s.UpdateRecipe(ctx, "ghost", RecipeUpdate{Description: &desc})
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestEndpointTokenIsMasked(t *testing.T) {
	s := newService(t, scoringBackend(1))
	ctx := context.Background()

	ep, err := s.CreateEndpoint(ctx, EndpointInput{Name: "E One", ConnectorType: "openai", Token: "abcd", MaxCallsPerSecond: 1, MaxConcurrency: 1})
	require.NoError(t, err)
	assert.Equal(t, "****", ep.Token)

	got, err := s.GetEndpoint("e-one")
	require.NoError(t, err)
	assert.Equal(t, "****", got.Token)

	tok := "longer-token"
	got, err = s.UpdateEndpoint(ctx, "e-one", EndpointUpdate{Token: &tok})
	require.NoError(t, err)
	assert.Equal(t, "************", got.Token)
	assert.Equal(t, "openai", got.ConnectorType)

	items, err := s.ListEndpoints(query.Options{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "************", items[0].Value.Token)

	_, err = s.CreateEndpoint(ctx, EndpointInput{Name: "bad", ConnectorType: "openai", MaxCallsPerSecond: 0, MaxConcurrency: 1})
	assert.True(t, apperr.Is(err, apperr.Validation))
}

func TestCookbookReferences(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)
	ctx := context.Background()

	_, err := s.CreateCookbook(ctx, CookbookInput{Name: "cb", Recipes: []string{"nope"}})
	require.True(t, apperr.Is(err, apperr.Validation))
	assert.Contains(t, err.Error(), "recipe nope does not exist")

	_, err = s.CreateCookbook(ctx, CookbookInput{Name: "cb", Recipes: []string{}})
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = s.CreateCookbook(ctx, CookbookInput{Name: "cb1", Recipes: []string{"r1"}})
	require.NoError(t, err)
	require.NoError(t, s.DeleteRecipe("r1"))

	_, err = s.GetCookbook("cb1")
	assert.True(t, apperr.Is(err, apperr.Validation), "broken reference surfaces on read")
}

func TestListingOptions(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)
	ctx := context.Background()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := s.CreateMetric(ctx, MetricInput{Name: name, Description: "metric " + name})
		require.NoError(t, err)
	}

	items, err := s.ListMetrics(query.Options{Paginate: true, Page: 1, Size: 2})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "alpha", items[0].Value.ID)
	assert.Equal(t, 1, items[0].Idx)

	items, err = s.ListMetrics(query.Options{Find: "GAM"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "gamma", items[0].Value.ID)

	for _, bad := range [][2]int{{0, 1}, {1, 0}, {-1, -1}} {
		_, err = s.ListMetrics(query.Options{Paginate: true, Page: bad[0], Size: bad[1]})
		assert.True(t, apperr.Is(err, apperr.Validation), "pagination %v", bad)
	}

	names, err := s.MetricIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta", "gamma", "m1"}, names)

	datasets, err := s.ListDatasets(query.Options{})
	require.NoError(t, err)
	require.Len(t, datasets, 1)
	assert.Nil(t, datasets[0].Value.Examples, "listings omit examples")
}

func TestRunRequestValidation(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)
	ctx := context.Background()

	for _, pct := range []int{0, 101} {
		req := runRequest("r1")
		req.PromptSelectionPercentage = pct
		_, err := s.RunRecipes(ctx, req)
		assert.True(t, apperr.Is(err, apperr.Validation), "percentage %d", pct)
	}

	req := runRequest()
	_, err := s.RunRecipes(ctx, req)
	assert.True(t, apperr.Is(err, apperr.Validation), "empty targets")
	_, err = s.RunCookbooks(ctx, req)
	assert.True(t, apperr.Is(err, apperr.Validation), "empty targets")

	req = runRequest("r1")
	req.RunnerProcessingModule = ""
	_, err = s.RunRecipes(ctx, req)
	assert.True(t, apperr.Is(err, apperr.Validation), "module names required")

	req = runRequest("r1")
	req.Endpoints = []string{"ghost"}
	_, err = s.RunRecipes(ctx, req)
	assert.True(t, apperr.Is(err, apperr.Validation), "unknown endpoint")

	_, err = s.RunCookbooks(ctx, runRequest("no-such-cookbook"))
	assert.True(t, apperr.Is(err, apperr.Validation))

	_, err = s.GetRunner("run1")
	assert.True(t, apperr.Is(err, apperr.NotFound), "validation failures create no runner")

	for _, pct := range []int{1, 100} {
		req := runRequest("r1")
		req.RunName = fmt.Sprintf("pct-%d", pct)
		req.PromptSelectionPercentage = pct
		_, err := s.RunRecipes(ctx, req)
		require.NoError(t, err, "percentage %d", pct)
		waitRun(t, s, req.RunName)
	}
}

func TestCookbookRunEndToEnd(t *testing.T) {
	s := newService(t, scoringBackend(0.9))
	seed(t, s)
	ctx := context.Background()
	_, err := s.CreateCookbook(ctx, CookbookInput{Name: "cb1", Recipes: []string{"r1"}})
	require.NoError(t, err)

	run, err := s.RunCookbooks(ctx, runRequest("cb1"))
	require.NoError(t, err)
	assert.Equal(t, "run1", run.RunnerID)

	final := waitRun(t, s, "run1")
	assert.Equal(t, model.RunStatusCompleted, final.Status)

	res, err := s.GetResult("run1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"cb1"}, res.Metadata.Cookbooks)
	assert.Nil(t, res.Metadata.Recipes)
	assert.Equal(t, []string{"e1"}, res.Metadata.Endpoints)

	view, err := s.GetResultView("run1", 0)
	require.NoError(t, err)
	require.Len(t, view.Results.Cookbooks, 1)
	require.Len(t, view.Results.Cookbooks[0].Recipes, 1)
	require.Len(t, view.Results.Cookbooks[0].Recipes[0].Models, 1)
	assert.NotEmpty(t, view.Results.Cookbooks[0].Recipes[0].Models[0].Datasets)
	assert.Equal(t, []model.OverallEvaluationSummary{{ModelID: "e1", OverallGrade: "P"}},
		view.Results.Cookbooks[0].OverallEvaluationSummary)

	snap, err := s.Status(ctx, "run1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, snap.State)

	runs, err := s.ListRuns(ctx, "run1")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run1.1", runs[0].ResultID)

	// The same run name reuses the runner.
	_, err = s.RunCookbooks(ctx, runRequest("cb1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), waitRun(t, s, "run1").RunID)

	listed, err := s.ListResults(query.Options{})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
}

func TestCancelAndConflict(t *testing.T) {
	started := make(chan struct{}, 1)
	be := backend.Func(func(ctx context.Context, _ backend.Job, _ backend.ProgressFunc) (*backend.Output, error) {
		started <- struct{}{}
		select {
		case <-ctx.Done():
			time.Sleep(50 * time.Millisecond)
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return &backend.Output{}, nil
		}
	})
	s := newService(t, be)
	seed(t, s)
	ctx := context.Background()
	_, err := s.CreateCookbook(ctx, CookbookInput{Name: "cb1", Recipes: []string{"r1"}})
	require.NoError(t, err)

	_, err = s.RunCookbooks(ctx, runRequest("cb1"))
	require.NoError(t, err)
	<-started

	_, err = s.RunCookbooks(ctx, runRequest("cb1"))
	assert.True(t, apperr.Is(err, apperr.Conflict), "second run on a busy runner")

	require.NoError(t, s.Cancel("run1"))
	assert.Equal(t, model.RunStatusCancelled, waitRun(t, s, "run1").Status)

	_, err = s.GetResult("run1", 0)
	assert.True(t, apperr.Is(err, apperr.NotFound), "no result for a cancelled run")

	require.NoError(t, s.Cancel("run1"), "cancel on a terminal run")
	assert.True(t, apperr.Is(s.Cancel("ghost"), apperr.NotFound))
}

func TestDeleteRunner(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)
	ctx := context.Background()

	_, err := s.RunRecipes(ctx, runRequest("r1"))
	require.NoError(t, err)
	waitRun(t, s, "run1")

	require.NoError(t, s.DeleteRunner(ctx, "run1"))
	_, err = s.GetRunner("run1")
	assert.True(t, apperr.Is(err, apperr.NotFound))
	_, err = s.Status(ctx, "run1")
	assert.True(t, apperr.Is(err, apperr.NotFound))

	_, err = s.GetResult("run1", 1)
	require.NoError(t, err, "results outlive their runner")
	require.NoError(t, s.DeleteResult("run1"))
	assert.True(t, apperr.Is(s.DeleteResult("run1"), apperr.NotFound))
}

func TestRecreatedRunnerKeepsEarlierResults(t *testing.T) {
	s := newService(t, scoringBackend(1))
	seed(t, s)
	ctx := context.Background()

	_, err := s.RunRecipes(ctx, runRequest("r1"))
	require.NoError(t, err)
	first := waitRun(t, s, "run1")
	require.Equal(t, model.RunStatusCompleted, first.Status)
	require.NoError(t, s.DeleteRunner(ctx, "run1"))

	run, err := s.RunRecipes(ctx, runRequest("r1"))
	require.NoError(t, err)
	assert.Greater(t, run.RunID, first.RunID, "run ids of surviving results are not reused")

	second := waitRun(t, s, "run1")
	assert.Equal(t, model.RunStatusCompleted, second.Status)
	assert.Empty(t, second.ErrorKind)
	assert.NotEmpty(t, second.ResultID)

	latest, err := s.GetResult("run1", 0)
	require.NoError(t, err)
	assert.Equal(t, second.RunID, latest.Metadata.RunID)
	_, err = s.GetResult("run1", first.RunID)
	require.NoError(t, err, "the earlier result is still readable")
}

func TestBookmarks(t *testing.T) {
	s := newService(t, scoringBackend(1))
	ctx := context.Background()

	_, err := s.CreateBookmark(ctx, BookmarkInput{Name: "First", Prompt: "p1"})
	require.NoError(t, err)
	_, err = s.CreateBookmark(ctx, BookmarkInput{Name: "first", Prompt: "p2"})
	assert.True(t, apperr.Is(err, apperr.Conflict), "names are unique")
	_, err = s.CreateBookmark(ctx, BookmarkInput{Name: "Second", Prompt: "p2"})
	require.NoError(t, err)

	exported, err := s.ExportBookmarks()
	require.NoError(t, err)
	assert.Len(t, exported, 2)

	n, err := s.DeleteAllBookmarks()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	names, err := s.BookmarkIDs()
	require.NoError(t, err)
	assert.Empty(t, names)
}
