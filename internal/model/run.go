package model

import "time"

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusRunning    RunStatus = "running"
	RunStatusCancelling RunStatus = "cancelling"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusCancelled  RunStatus = "cancelled"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusCancelled, RunStatusFailed:
		return true
	}
	return false
}

var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending:    {RunStatusRunning, RunStatusCancelled, RunStatusFailed},
	RunStatusRunning:    {RunStatusCompleted, RunStatusCancelling, RunStatusFailed},
	RunStatusCancelling: {RunStatusCancelled},
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RunType distinguishes cookbook runs from recipe runs.
type RunType string

const (
	RunTypeCookbook RunType = "cookbook"
	RunTypeRecipe   RunType = "recipe"
)

// Runner is the durable identity under which runs execute.
type Runner struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Endpoints    []string  `json:"endpoints"`
	DatabaseFile string    `json:"database_file"`
	Description  string    `json:"description"`
	CreatedDate  time.Time `json:"created_date"`
}

func (r Runner) GetID() string   { return r.ID }
func (r Runner) GetName() string { return r.Name }

// RunArgs are the parameters a run was launched with.
type RunArgs struct {
	Type                      RunType  `json:"type"`
	Targets                   []string `json:"targets"`
	PromptSelectionPercentage int      `json:"prompt_selection_percentage"`
	RandomSeed                int64    `json:"random_seed"`
	SystemPrompt              string   `json:"system_prompt"`
	RunnerProcessingModule    string   `json:"runner_processing_module"`
	ResultProcessingModule    string   `json:"result_processing_module"`
}

// Run is one execution under a runner, as recorded in the runner database.
type Run struct {
	RunID        int64      `json:"run_id"`
	RunnerID     string     `json:"runner_id"`
	RunnerArgs   RunArgs    `json:"runner_args"`
	Endpoints    []string   `json:"endpoints"`
	StartTime    *time.Time `json:"start_time,omitempty"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	Duration     *int64     `json:"duration,omitempty"`
	Status       RunStatus  `json:"status"`
	ErrorKind    string     `json:"error_kind,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ResultID     string     `json:"result_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// RunSnapshot is the progress view of a run served from the task table.
type RunSnapshot struct {
	RunnerID      string    `json:"runner_id"`
	RunID         int64     `json:"run_id"`
	State         RunStatus `json:"state"`
	Fraction      float64   `json:"fraction"`
	Phase         string    `json:"phase"`
	StartTime     time.Time `json:"start_time,omitzero"`
	DurationSoFar int64     `json:"duration_so_far"`
	Message       string    `json:"message,omitempty"`
	ErrorKind     string    `json:"error_kind,omitempty"`
}
