// Package backend defines the contract between the run orchestrator and the
// evaluation engine that prompts models and computes metrics.
package backend

import (
	"context"
	"errors"

	"github.com/ashita-ai/kensa/internal/model"
)

// ProgressFunc reports progress. fraction is in [0, 1]; phase names the
// current stage; message is optional detail.
type ProgressFunc func(fraction float64, phase, message string)

// Job is everything the backend needs to execute one run.
type Job struct {
	RunnerID                  string           `json:"runner_id"`
	RunID                     int64            `json:"run_id"`
	Type                      model.RunType    `json:"type"`
	Targets                   []string         `json:"targets"`
	Recipes                   []model.Recipe   `json:"recipes"`
	Endpoints                 []model.Endpoint `json:"endpoints"`
	PromptSelectionPercentage int              `json:"prompt_selection_percentage"`
	RandomSeed                int64            `json:"random_seed"`
	SystemPrompt              string           `json:"system_prompt"`
	RunnerProcessingModule    string           `json:"runner_processing_module"`
	ResultProcessingModule    string           `json:"result_processing_module"`
}

// Record is the backend's outcome for one
// "(model, recipe, dataset, prompt_template)" combination.
type Record struct {
	Key          string              `json:"key"`
	NumOfPrompts int                 `json:"num_of_prompts"`
	Metrics      []model.MetricScore `json:"metrics"`
}

// Output is the document a successful run returns.
type Output struct {
	Records []Record `json:"records"`
}

// RunnerBackend executes jobs. Run must return promptly once ctx is
// cancelled; a cancelled run's output is discarded.
type RunnerBackend interface {
	Run(ctx context.Context, job Job, progress ProgressFunc) (*Output, error)
}

// Func adapts a function to RunnerBackend.
type Func func(ctx context.Context, job Job, progress ProgressFunc) (*Output, error)

func (f Func) Run(ctx context.Context, job Job, progress ProgressFunc) (*Output, error) {
	return f(ctx, job, progress)
}

// ErrUnconfigured is returned by Unconfigured for every job.
var ErrUnconfigured = errors.New("backend: no runner backend configured (set KENSA_BACKEND_URL)")

// Unconfigured fails every run. It is used when no backend URL is set so
// that artifact management keeps working without an evaluation engine.
type Unconfigured struct{}

func (Unconfigured) Run(context.Context, Job, ProgressFunc) (*Output, error) {
	return nil, ErrUnconfigured
}
