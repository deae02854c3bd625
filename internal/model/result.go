package model

import (
	"strconv"
	"time"
)

// MetricScore is one metric's outcome for a (model, recipe, dataset,
// prompt template) combination.
type MetricScore struct {
	MetricID string         `json:"metric_id"`
	Score    *float64       `json:"score"`
	Details  map[string]any `json:"details,omitempty"`
}

// ResultMetadata describes the run that produced a result. Exactly one of
// Recipes and Cookbooks is non-nil.
type ResultMetadata struct {
	ID                        string    `json:"id"`
	RunID                     int64     `json:"run_id"`
	StartTime                 time.Time `json:"start_time"`
	EndTime                   time.Time `json:"end_time"`
	Duration                  int64     `json:"duration"`
	Status                    RunStatus `json:"status"`
	Recipes                   []string  `json:"recipes"`
	Cookbooks                 []string  `json:"cookbooks"`
	Endpoints                 []string  `json:"endpoints"`
	NumOfPrompts              int       `json:"num_of_prompts"`
	RandomSeed                int64     `json:"random_seed"`
	SystemPrompt              string    `json:"system_prompt"`
	PromptSelectionPercentage int       `json:"prompt_selection_percentage"`
	RunnerProcessingModule    string    `json:"runner_processing_module"`
	ResultProcessingModule    string    `json:"result_processing_module"`
}

// ResultDetail is a single flat record keyed by its composite
// "(model, recipe, dataset, prompt_template)" string.
type ResultDetail struct {
	Key          string        `json:"key"`
	NumOfPrompts int           `json:"num_of_prompts"`
	Metrics      []MetricScore `json:"metrics"`
}

// EvaluationSummary is the per-model rollup for one recipe.
type EvaluationSummary struct {
	ModelID       string   `json:"model_id"`
	NumOfPrompts  int      `json:"num_of_prompts"`
	AvgGradeValue *float64 `json:"avg_grade_value"`
	Grade         string   `json:"grade"`
}

// OverallEvaluationSummary is the per-model rollup for one cookbook.
type OverallEvaluationSummary struct {
	ModelID      string `json:"model_id"`
	OverallGrade string `json:"overall_grade"`
}

// RecipeResult holds everything one recipe produced.
type RecipeResult struct {
	ID                string              `json:"id"`
	Details           []ResultDetail      `json:"details"`
	EvaluationSummary []EvaluationSummary `json:"evaluation_summary"`
}

// CookbookResult groups recipe results under their cookbook.
type CookbookResult struct {
	ID                       string                     `json:"id"`
	Recipes                  []RecipeResult             `json:"recipes"`
	OverallEvaluationSummary []OverallEvaluationSummary `json:"overall_evaluation_summary"`
}

// ResultTree is rooted at cookbooks for cookbook runs and at recipes for
// recipe runs.
type ResultTree struct {
	Cookbooks []CookbookResult `json:"cookbooks,omitempty"`
	Recipes   []RecipeResult   `json:"recipes,omitempty"`
}

// Result is the normalized document written once per successful run.
type Result struct {
	Metadata     ResultMetadata          `json:"metadata"`
	Results      ResultTree              `json:"results"`
	GradingScale map[string]GradingScale `json:"grading_scale"`
}

// ResultID returns the storage id of the result for a runner's run.
func ResultID(runnerID string, runID int64) string {
	return runnerID + "." + strconv.FormatInt(runID, 10)
}

func (r Result) GetID() string         { return ResultID(r.Metadata.ID, r.Metadata.RunID) }
func (m ResultMetadata) GetID() string { return ResultID(m.ID, m.RunID) }
