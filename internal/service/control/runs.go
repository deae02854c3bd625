package control

import (
	"context"

	"github.com/ashita-ai/kensa/internal/apperr"
	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/progress"
	"github.com/ashita-ai/kensa/internal/query"
	"github.com/ashita-ai/kensa/internal/service/orchestrator"
	"github.com/ashita-ai/kensa/internal/service/results"
)

// RunCookbooks starts a run of every recipe in the given cookbooks under the
// runner named req.RunName. Recipes shared between cookbooks run once.
func (s *Service) RunCookbooks(ctx context.Context, req RunRequest) (model.Run, error) {
	const op = "run_cookbook"
	if err := check(req); err != nil {
		return model.Run{}, fail(op, err)
	}
	var (
		cookbooks = make([]model.Cookbook, 0, len(req.Targets))
		recipes   []model.Recipe
		seen      = make(map[string]bool)
	)
	for _, cbID := range req.Targets {
		cb, err := s.refs.loadCookbook(cbID)
		if err != nil {
			return model.Run{}, fail(op, err)
		}
		if len(cb.Recipes) == 0 {
			return model.Run{}, fail(op, apperr.New(apperr.Validation, "", "cookbook %s has no recipes", cbID))
		}
		cookbooks = append(cookbooks, cb)
		for _, rID := range cb.Recipes {
			if seen[rID] {
				continue
			}
			r, err := s.refs.loadRecipe(rID)
			if err != nil {
				return model.Run{}, fail(op, err)
			}
			seen[rID] = true
			recipes = append(recipes, r)
		}
	}
	if len(recipes) == 0 {
		return model.Run{}, fail(op, apperr.New(apperr.Validation, "", "the selected cookbooks contain no recipes"))
	}
	run, err := s.enqueue(ctx, req, model.RunTypeCookbook, cookbooks, recipes)
	if err != nil {
		return model.Run{}, fail(op, err)
	}
	return run, nil
}

// RunRecipes starts a run of the given recipes under the runner named
// req.RunName.
func (s *Service) RunRecipes(ctx context.Context, req RunRequest) (model.Run, error) {
	const op = "run_recipe"
	if err := check(req); err != nil {
		return model.Run{}, fail(op, err)
	}
	var (
		recipes []model.Recipe
		seen    = make(map[string]bool)
	)
	for _, rID := range req.Targets {
		if seen[rID] {
			continue
		}
		r, err := s.refs.loadRecipe(rID)
		if err != nil {
			return model.Run{}, fail(op, err)
		}
		seen[rID] = true
		recipes = append(recipes, r)
	}
	run, err := s.enqueue(ctx, req, model.RunTypeRecipe, nil, recipes)
	if err != nil {
		return model.Run{}, fail(op, err)
	}
	return run, nil
}

func (s *Service) enqueue(ctx context.Context, req RunRequest, typ model.RunType, cookbooks []model.Cookbook, recipes []model.Recipe) (model.Run, error) {
	if err := s.refs.endpoints(req.Endpoints); err != nil {
		return model.Run{}, err
	}
	handle, created, err := s.runners.CreateOrLoad(ctx, req.RunName, req.Description, req.Endpoints)
	if err != nil {
		return model.Run{}, err
	}
	if !created && len(req.Endpoints) > 0 && !equalStrings(req.Endpoints, handle.Runner.Endpoints) {
		s.logger.Info("control: reusing existing runner, requested endpoints ignored",
			"runner_id", handle.Runner.ID, "runner_endpoints", handle.Runner.Endpoints, "requested", req.Endpoints)
	}
	endpoints, err := s.refs.loadEndpoints(handle.Runner.Endpoints)
	if err != nil {
		_ = handle.Close()
		return model.Run{}, err
	}

	targets := make([]string, len(req.Targets))
	copy(targets, req.Targets)
	return s.orch.Enqueue(ctx, orchestrator.Request{
		Runner: handle,
		Args: model.RunArgs{
			Type:                      typ,
			Targets:                   targets,
			PromptSelectionPercentage: req.PromptSelectionPercentage,
			RandomSeed:                req.RandomSeed,
			SystemPrompt:              req.SystemPrompt,
			RunnerProcessingModule:    req.RunnerProcessingModule,
			ResultProcessingModule:    req.ResultProcessingModule,
		},
		Cookbooks: cookbooks,
		Recipes:   recipes,
		Endpoints: endpoints,
	})
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Status returns the progress snapshot of a runner's current or most recent
// run. Runs from before this process started are reported from the runner's
// database.
func (s *Service) Status(ctx context.Context, runnerID string) (model.RunSnapshot, error) {
	const op = "get_status"
	snap, err := s.orch.Status(runnerID)
	if err == nil {
		return snap, nil
	}
	if !apperr.Is(err, apperr.NotFound) {
		return model.RunSnapshot{}, fail(op, err)
	}
	run, err := s.runners.LatestRun(ctx, runnerID)
	if err != nil {
		return model.RunSnapshot{}, fail(op, err)
	}
	return snapshotFromRun(run), nil
}

func snapshotFromRun(run model.Run) model.RunSnapshot {
	snap := model.RunSnapshot{
		RunnerID:  run.RunnerID,
		RunID:     run.RunID,
		State:     run.Status,
		Phase:     string(run.Status),
		Message:   run.ErrorMessage,
		ErrorKind: run.ErrorKind,
	}
	if run.Status == model.RunStatusCompleted {
		snap.Fraction = 1
	}
	if run.StartTime != nil {
		snap.StartTime = *run.StartTime
	}
	if run.Duration != nil {
		snap.DurationSoFar = *run.Duration
	}
	return snap
}

// StatusAll returns the snapshot of every run tracked by this process.
func (s *Service) StatusAll() []model.RunSnapshot {
	return s.orch.StatusAll()
}

// Cancel requests cancellation of the runner's active run. It succeeds
// without effect when the runner has no active run.
func (s *Service) Cancel(runnerID string) error {
	const op = "cancel"
	if _, err := s.runners.Get(runnerID); err != nil {
		return fail(op, err)
	}
	if err := s.orch.Cancel(runnerID); err != nil && !apperr.Is(err, apperr.NotFound) {
		return fail(op, err)
	}
	return nil
}

// Wait blocks until the runner's current run is terminal.
func (s *Service) Wait(ctx context.Context, runnerID string) (model.Run, error) {
	run, err := s.orch.Wait(ctx, runnerID)
	if err != nil {
		if ctx.Err() != nil {
			return model.Run{}, err
		}
		return model.Run{}, fail("wait", err)
	}
	return run, nil
}

// Subscribe streams run events. A non-empty runnerID restricts the stream to
// that runner. The caller must Unsubscribe.
func (s *Service) Subscribe(runnerID string) *progress.Subscription {
	return s.bus.Subscribe(runnerID)
}

func (s *Service) Unsubscribe(sub *progress.Subscription) {
	s.bus.Unsubscribe(sub)
}

// LastEvent returns the last event published for the runner, for
// subscribers that join mid-run.
func (s *Service) LastEvent(runnerID string) (progress.Event, bool) {
	return s.bus.Snapshot(runnerID)
}

// --- runners ---

func (s *Service) GetRunner(id string) (model.Runner, error) {
	r, err := s.runners.Get(id)
	if err != nil {
		return model.Runner{}, fail("get_runner", err)
	}
	return r, nil
}

func (s *Service) ListRunners(opts query.Options) ([]query.Item[model.Runner], error) {
	const op = "list_runners"
	all, err := s.runners.List()
	if err != nil {
		return nil, fail(op, err)
	}
	items, err := query.Apply(all, opts)
	if err != nil {
		return nil, fail(op, err)
	}
	return items, nil
}

func (s *Service) RunnerIDs() ([]string, error) {
	out, err := ids(s.store.Runners)
	if err != nil {
		return nil, fail("list_runner_names", err)
	}
	return out, nil
}

// ListRuns returns every run recorded for the runner, oldest first.
func (s *Service) ListRuns(ctx context.Context, runnerID string) ([]model.Run, error) {
	runs, err := s.runners.Runs(ctx, runnerID)
	if err != nil {
		return nil, fail("list_runs", err)
	}
	if runs == nil {
		runs = []model.Run{}
	}
	return runs, nil
}

// DeleteRunner cancels the runner's active run, if any, then removes the
// runner and its database. Its results are kept; a runner later created
// with the same id allocates run ids after theirs.
func (s *Service) DeleteRunner(ctx context.Context, id string) error {
	if err := s.runners.Delete(ctx, id); err != nil {
		return fail("delete_runner", err)
	}
	s.orch.Forget(id)
	return nil
}

// --- results ---

// ListResults lists the metadata of stored results.
func (s *Service) ListResults(opts query.Options) ([]query.Item[model.ResultMetadata], error) {
	const op = "list_results"
	all, err := s.results.ListMetadata()
	if err != nil {
		return nil, fail(op, err)
	}
	items, err := query.Apply(all, opts)
	if err != nil {
		return nil, fail(op, err)
	}
	return items, nil
}

func (s *Service) ResultIDs() ([]string, error) {
	out, err := s.results.List()
	if err != nil {
		return nil, fail("list_result_names", err)
	}
	return out, nil
}

// GetResult returns a stored result. A runID of zero selects the runner's
// latest result.
func (s *Service) GetResult(runnerID string, runID int64) (model.Result, error) {
	var (
		res model.Result
		err error
	)
	if runID == 0 {
		res, err = s.results.Read(runnerID)
	} else {
		res, err = s.results.ReadRun(runnerID, runID)
	}
	if err != nil {
		return model.Result{}, fail("get_result", err)
	}
	return res, nil
}

// GetResultView returns a stored result reshaped into the nested view tree.
func (s *Service) GetResultView(runnerID string, runID int64) (results.View, error) {
	v, err := s.results.ReadForView(runnerID, runID)
	if err != nil {
		return results.View{}, fail("view_result", err)
	}
	return v, nil
}

// DeleteResult removes every stored result of the runner.
func (s *Service) DeleteResult(runnerID string) error {
	if err := s.results.Delete(runnerID); err != nil {
		return fail("delete_result", err)
	}
	s.logger.Info("results deleted", "runner_id", runnerID)
	return nil
}
