package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashita-ai/kensa/internal/backend"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testServer struct {
	env     *testutil.Env
	handler http.Handler
}

func newTestServer(t *testing.T, be backend.RunnerBackend) *testServer {
	t.Helper()
	env := testutil.NewEnv(t, be)
	srv := New(ServerConfig{
		Service:             env.Service,
		Logger:              testLogger(),
		Version:             "test",
		MaxRequestBodyBytes: 1 << 20,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	})
	return &testServer{env: env, handler: srv.Handler()}
}

// do issues a request and decodes a JSON response into out when non-nil.
func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHealthAndOpenAPI(t *testing.T) {
	s := newTestServer(t, testutil.ScoringBackend(1))

	var health map[string]any
	assert.Equal(t, http.StatusOK, s.do(t, "GET", "/health", nil, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "test", health["version"])

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/openapi.yaml", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, "openapi: 3.1.0\n", rec.Body.String())
}

func TestRecipeRoutes(t *testing.T) {
	s := newTestServer(t, testutil.ScoringBackend(1))
	s.env.Seed(t)

	body := map[string]any{
		"name": "My Recipe", "description": "d", "tags": []string{"t1"}, "categories": []string{"c1"},
		"datasets": []string{"ds1"}, "metrics": []string{"m1"}, "prompt_templates": []string{},
		"grading_scale": map[string][2]float64{"A": {0, 1}},
	}
	var created model.Recipe
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/v1/recipes", body, &created))
	assert.Equal(t, "my-recipe", created.ID)

	var got model.Recipe
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/recipes/my-recipe", nil, &got))
	assert.Equal(t, "My Recipe", got.Name)

	var names []string
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/recipes/name", nil, &names))
	assert.Equal(t, []string{"my-recipe", "r1"}, names)

	var page []map[string]any
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/recipes?pagination=(2,1)", nil, &page))
	require.Len(t, page, 1)
	assert.Equal(t, "r1", page[0]["id"])
	assert.EqualValues(t, 1, page[0]["idx"])

	var detail errorBody
	assert.Equal(t, http.StatusBadRequest, s.do(t, "GET", "/api/v1/recipes?pagination=(0,1)", nil, &detail))

	body["name"] = "Other"
	body["datasets"] = []string{"ds-nope"}
	require.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/v1/recipes", body, &detail))
	assert.Contains(t, detail.Detail, "ds-nope")

	body["datasets"] = []string{"ds1"}
	body["unexpected"] = true
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/v1/recipes", body, &detail))

	desc := "changed"
	require.Equal(t, http.StatusOK, s.do(t, "PUT", "/api/v1/recipes/my-recipe", map[string]any{"description": desc}, &got))
	assert.Equal(t, desc, got.Description)

	assert.Equal(t, http.StatusOK, s.do(t, "DELETE", "/api/v1/recipes/my-recipe", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/v1/recipes/my-recipe", nil, &detail))
	assert.Equal(t, http.StatusNotFound, s.do(t, "DELETE", "/api/v1/recipes/my-recipe", nil, &detail))
}

func TestEndpointRoutesMaskToken(t *testing.T) {
	s := newTestServer(t, testutil.ScoringBackend(1))

	var ep model.Endpoint
	require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/v1/llm-endpoints", map[string]any{
		"name": "ep", "connector_type": "openai", "token": "secret",
		"max_calls_per_second": 2, "max_concurrency": 1,
	}, &ep))
	assert.Equal(t, "******", ep.Token)

	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/llm-endpoints/ep", nil, &ep))
	assert.Equal(t, "******", ep.Token)

	require.Equal(t, http.StatusOK, s.do(t, "PUT", "/api/v1/llm-endpoints/ep", map[string]any{"token": "abc"}, &ep))
	assert.Equal(t, "***", ep.Token)
	assert.Equal(t, 2, ep.MaxCallsPerSecond)

	var list []model.Endpoint
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/llm-endpoints", nil, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "***", list[0].Token)
}

func TestBenchmarkLifecycle(t *testing.T) {
	s := newTestServer(t, testutil.ScoringBackend(0.9))
	s.env.Seed(t)

	var detail errorBody
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/v1/benchmarks?type=attack", testutil.RunRequest("cb1"), &detail))

	req := testutil.RunRequest("cb1")
	req.PromptSelectionPercentage = 101
	assert.Equal(t, http.StatusBadRequest, s.do(t, "POST", "/api/v1/benchmarks?type=cookbook", req, &detail))

	var started map[string]any
	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/v1/benchmarks?type=cookbook", testutil.RunRequest("cb1"), &started))
	assert.Equal(t, "run1", started["id"])
	assert.Equal(t, model.RunStatusCompleted, s.env.Wait(t, "run1").Status)

	var snap model.RunSnapshot
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/benchmarks/status/run1", nil, &snap))
	assert.Equal(t, model.RunStatusCompleted, snap.State)
	assert.InDelta(t, 1.0, snap.Fraction, 1e-9)

	var all map[string]model.RunSnapshot
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/benchmarks/status", nil, &all))
	assert.Contains(t, all, "run1")

	var view map[string]any
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/benchmarks/results/run1", nil, &view))
	tree := view["results"].(map[string]any)
	assert.Len(t, tree["cookbooks"], 1)

	var raw model.Result
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/benchmarks/results/run1?raw=true&run_id=1", nil, &raw))
	assert.Equal(t, []string{"cb1"}, raw.Metadata.Cookbooks)
	assert.Nil(t, raw.Metadata.Recipes)

	assert.Equal(t, http.StatusBadRequest, s.do(t, "GET", "/api/v1/benchmarks/results/run1?run_id=zero", nil, &detail))
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/v1/benchmarks/results/run1?run_id=7", nil, &detail))

	var ids []string
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/benchmarks/results/name", nil, &ids))
	assert.Equal(t, []string{"run1.1"}, ids)

	var runs []model.Run
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/runners/run1/runs", nil, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusCompleted, runs[0].Status)

	assert.Equal(t, http.StatusOK, s.do(t, "DELETE", "/api/v1/runners/run1", nil, nil))
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/v1/runners/run1", nil, &detail))
	assert.Equal(t, http.StatusOK, s.do(t, "DELETE", "/api/v1/benchmarks/results/run1", nil, nil))
}

func TestBenchmarkConflictAndCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	s := newTestServer(t, testutil.BlockingBackend(started))
	s.env.Seed(t)

	require.Equal(t, http.StatusOK, s.do(t, "POST", "/api/v1/benchmarks?type=recipe", testutil.RunRequest("r1"), nil))
	<-started

	var detail errorBody
	assert.Equal(t, http.StatusConflict, s.do(t, "POST", "/api/v1/benchmarks?type=recipe", testutil.RunRequest("r1"), &detail))

	assert.Equal(t, http.StatusOK, s.do(t, "POST", "/api/v1/benchmarks/cancel/run1", nil, nil))
	assert.Equal(t, model.RunStatusCancelled, s.env.Wait(t, "run1").Status)
	assert.Equal(t, http.StatusNotFound, s.do(t, "GET", "/api/v1/benchmarks/results/run1", nil, &detail))
	assert.Equal(t, http.StatusNotFound, s.do(t, "POST", "/api/v1/benchmarks/cancel/ghost", nil, &detail))
}

func TestBookmarkRoutes(t *testing.T) {
	s := newTestServer(t, testutil.ScoringBackend(1))

	for _, name := range []string{"first", "second"} {
		require.Equal(t, http.StatusCreated, s.do(t, "POST", "/api/v1/bookmarks",
			map[string]any{"name": name, "prompt": "p"}, nil))
	}
	var detail errorBody
	assert.Equal(t, http.StatusConflict, s.do(t, "POST", "/api/v1/bookmarks",
		map[string]any{"name": "first", "prompt": "p"}, &detail))

	var exported []model.Bookmark
	require.Equal(t, http.StatusOK, s.do(t, "GET", "/api/v1/bookmarks/export", nil, &exported))
	assert.Len(t, exported, 2)

	var deleted map[string]int
	require.Equal(t, http.StatusOK, s.do(t, "DELETE", "/api/v1/bookmarks", nil, &deleted))
	assert.Equal(t, 2, deleted["deleted"])
}
