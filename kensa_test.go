package kensa_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kensa"
	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/service/control"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest keep-alive connections close asynchronously.
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWorker speaks the runner backend stream protocol, scoring every
// (endpoint, recipe, dataset) combination with score.
func fakeWorker(t *testing.T, score float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/jobs" {
			http.NotFound(w, r)
			return
		}
		var job backend.Job
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		out := backend.Output{}
		for _, ep := range job.Endpoints {
			for _, rec := range job.Recipes {
				for _, ds := range rec.Datasets {
					sc := score
					out.Records = append(out.Records, backend.Record{
						Key:          fmt.Sprintf("(%s, %s, %s, )", ep.ID, rec.ID, ds),
						NumOfPrompts: 1,
						Metrics:      []model.MetricScore{{MetricID: rec.Metrics[0], Score: &sc}},
					})
				}
			}
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		_ = enc.Encode(map[string]any{"type": "progress", "fraction": 0.5, "phase": "scoring"})
		_ = enc.Encode(map[string]any{"type": "result", "output": out})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func seed(t *testing.T, svc *control.Service) {
	t.Helper()
	ctx := context.Background()
	_, err := svc.CreateDataset(ctx, control.DatasetInput{Name: "ds1", Examples: []map[string]any{{"input": "a"}}})
	require.NoError(t, err)
	_, err = svc.CreateMetric(ctx, control.MetricInput{Name: "m1"})
	require.NoError(t, err)
	_, err = svc.CreateEndpoint(ctx, control.EndpointInput{
		Name: "e1", ConnectorType: "openai", MaxCallsPerSecond: 1, MaxConcurrency: 1,
	})
	require.NoError(t, err)
	_, err = svc.CreateRecipe(ctx, control.RecipeInput{
		Name: "r1", Datasets: []string{"ds1"}, Metrics: []string{"m1"},
		GradingScale: model.GradingScale{"F": {0, 0.5}, "P": {0.5, 1}},
	})
	require.NoError(t, err)
}

func runRequest() control.RunRequest {
	return control.RunRequest{
		RunName:                   "nightly",
		Endpoints:                 []string{"e1"},
		Targets:                   []string{"r1"},
		PromptSelectionPercentage: 100,
		RunnerProcessingModule:    "benchmarking",
		ResultProcessingModule:    "benchmarking-result",
	}
}

type recorder struct {
	mu     sync.Mutex
	events []kensa.RunEvent
	done   chan kensa.RunEvent
}

func newRecorder() *recorder { return &recorder{done: make(chan kensa.RunEvent, 4)} }

func (r *recorder) OnRunEvent(_ context.Context, ev kensa.RunEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Terminal() {
		r.done <- ev
	}
}

func (r *recorder) states() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.State)
	}
	return out
}

func waitTerminal(t *testing.T, rec *recorder) kensa.RunEvent {
	t.Helper()
	select {
	case ev := <-rec.done:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("no terminal run event")
		return kensa.RunEvent{}
	}
}

func TestRunWithRemoteBackend(t *testing.T) {
	worker := fakeWorker(t, 0.9)
	rec := newRecorder()
	ctx := context.Background()

	app, err := kensa.New(ctx,
		kensa.WithDataRoot(t.TempDir()),
		kensa.WithBackendURL(worker.URL),
		kensa.WithLogger(quietLogger()),
		kensa.WithRunObserver(rec),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(ctx)) }()

	svc := app.Service()
	seed(t, svc)

	run, err := svc.RunRecipes(ctx, runRequest())
	require.NoError(t, err)
	assert.Equal(t, "nightly", run.RunnerID)

	ev := waitTerminal(t, rec)
	assert.Equal(t, kensa.RunCompleted, ev.State)
	assert.Equal(t, run.RunID, ev.RunID)
	assert.Equal(t, kensa.RunPending, rec.states()[0])

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	done, err := svc.Wait(waitCtx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.NotEmpty(t, done.ResultID)

	result, err := svc.GetResult("nightly", 0)
	require.NoError(t, err)
	assert.Equal(t, done.RunID, result.Metadata.RunID)
}

func TestRunWithoutBackendFails(t *testing.T) {
	rec := newRecorder()
	ctx := context.Background()

	app, err := kensa.New(ctx,
		kensa.WithDataRoot(t.TempDir()),
		kensa.WithLogger(quietLogger()),
		kensa.WithRunObserver(rec),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(ctx)) }()

	seed(t, app.Service())
	_, err = app.Service().RunRecipes(ctx, runRequest())
	require.NoError(t, err)

	ev := waitTerminal(t, rec)
	assert.Equal(t, kensa.RunFailed, ev.State)
	assert.Equal(t, "backend", ev.ErrorKind)
}

func TestObserverPanicIsContained(t *testing.T) {
	rec := newRecorder()
	ctx := context.Background()
	panicky := kensa.RunObserverFunc(func(context.Context, kensa.RunEvent) { panic("boom") })

	app, err := kensa.New(ctx,
		kensa.WithDataRoot(t.TempDir()),
		kensa.WithLogger(quietLogger()),
		kensa.WithRunObserver(panicky),
		kensa.WithRunObserver(rec),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(ctx)) }()

	seed(t, app.Service())
	_, err = app.Service().RunRecipes(ctx, runRequest())
	require.NoError(t, err)

	ev := waitTerminal(t, rec)
	assert.True(t, ev.Terminal())
}

func TestHandlerAppliesMiddleware(t *testing.T) {
	ctx := context.Background()
	var order []string
	tag := func(name string) kensa.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	app, err := kensa.New(ctx,
		kensa.WithDataRoot(t.TempDir()),
		kensa.WithLogger(quietLogger()),
		kensa.WithVersion("1.2.3"),
		kensa.WithMiddleware(tag("outer")),
		kensa.WithMiddleware(tag("inner")),
	)
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(ctx)) }()

	w := httptest.NewRecorder()
	app.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1.2.3")
	assert.Equal(t, []string{"outer", "inner"}, order)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	app, err := kensa.New(ctx, kensa.WithDataRoot(t.TempDir()), kensa.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, app.Close(ctx))
	require.NoError(t, app.Close(ctx))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Setenv("KENSA_MAX_CONCURRENT_RUNS", "zero")
	_, err := kensa.New(context.Background(), kensa.WithDataRoot(t.TempDir()), kensa.WithLogger(quietLogger()))
	require.Error(t, err)
}
