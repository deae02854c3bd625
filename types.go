package kensa

import "time"

// Run states carried by RunEvent.State.
const (
	RunPending    = "pending"
	RunRunning    = "running"
	RunCancelling = "cancelling"
	RunCompleted  = "completed"
	RunFailed     = "failed"
	RunCancelled  = "cancelled"
)

// RunEvent is one progress update for a benchmark run.
type RunEvent struct {
	RunnerID  string    `json:"runner_id"`
	RunID     int64     `json:"run_id"`
	State     string    `json:"state"`
	Fraction  float64   `json:"fraction"`
	Phase     string    `json:"phase,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Time      time.Time `json:"time"`
}

// Terminal reports whether the run has finished.
func (e RunEvent) Terminal() bool {
	switch e.State {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}
