package server

import (
	"net/http"
	"strconv"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/service/control"
)

// HandleRunBenchmark handles POST /api/v1/benchmarks?type={cookbook|recipe}.
// The run is enqueued and the response returns immediately with the runner
// id; progress is observed through the status and events routes.
func (h *Handlers) HandleRunBenchmark(w http.ResponseWriter, r *http.Request) {
	var req control.RunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	var (
		run model.Run
		err error
	)
	switch typ := r.URL.Query().Get("type"); model.RunType(typ) {
	case model.RunTypeCookbook:
		run, err = h.svc.RunCookbooks(r.Context(), req)
	case model.RunTypeRecipe:
		run, err = h.svc.RunRecipes(r.Context(), req)
	default:
		err = apperr.New(apperr.Validation, "", "type must be cookbook or recipe, got %q", typ)
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": run.RunnerID, "run_id": run.RunID})
}

// HandleStatusAll handles GET /api/v1/benchmarks/status. The response maps
// runner id to the snapshot of its current or most recent run.
func (h *Handlers) HandleStatusAll(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]model.RunSnapshot)
	for _, s := range h.svc.StatusAll() {
		out[s.RunnerID] = s
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleStatus handles GET /api/v1/benchmarks/status/{runner_id}.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Status(r.Context(), r.PathValue("runner_id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// HandleCancel handles POST /api/v1/benchmarks/cancel/{runner_id}.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("runner_id")
	if err := h.svc.Cancel(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancel requested"})
}

// HandleEvents handles GET /api/v1/benchmarks/events (SSE). The optional
// runner_id parameter restricts the stream to one runner.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	streamEvents(w, r, h.svc, r.URL.Query().Get("runner_id"))
}

// --- results ---

// HandleListResults handles GET /api/v1/benchmarks/results.
func (h *Handlers) HandleListResults(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListResults(o)) })
}

// HandleResultNames handles GET /api/v1/benchmarks/results/name.
func (h *Handlers) HandleResultNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.ResultIDs)
}

// HandleGetResult handles GET /api/v1/benchmarks/results/{runner_id}.
// The view tree is returned unless raw=true; run_id selects a specific run
// (default: the latest).
func (h *Handlers) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	runnerID := r.PathValue("runner_id")
	runID, err := queryRunID(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	raw, err := queryBool(r, "raw")
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if raw {
		res, err := h.svc.GetResult(runnerID, runID)
		if err != nil {
			writeError(w, r, h.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}
	view, err := h.svc.GetResultView(runnerID, runID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// HandleDeleteResult handles DELETE /api/v1/benchmarks/results/{runner_id}.
func (h *Handlers) HandleDeleteResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("runner_id")
	if err := h.svc.DeleteResult(id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func queryRunID(r *http.Request) (int64, error) {
	v := r.URL.Query().Get("run_id")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 1 {
		return 0, apperr.New(apperr.Validation, "", "run_id must be a positive integer, got %q", v)
	}
	return n, nil
}

// --- runners ---

func (h *Handlers) HandleListRunners(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, func(o query.Options) (any, error) { return listed(h.svc.ListRunners(o)) })
}

func (h *Handlers) HandleRunnerNames(w http.ResponseWriter, r *http.Request) {
	h.names(w, r, h.svc.RunnerIDs)
}

func (h *Handlers) HandleGetRunner(w http.ResponseWriter, r *http.Request) {
	getByID(h, w, r, h.svc.GetRunner)
}

// HandleListRuns handles GET /api/v1/runners/{id}/runs. Runs are listed
// oldest first.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.svc.ListRuns(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleDeleteRunner handles DELETE /api/v1/runners/{id}. An in-flight run
// is cancelled first, so the request can take up to the cancel deadline.
func (h *Handlers) HandleDeleteRunner(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.DeleteRunner(r.Context(), id); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}
