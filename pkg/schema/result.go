package schema

import "time"

// StepResult is the immutable record of one node's terminal (or suspended) outcome.
type StepResult struct {
	Node      string       `json:"node"`
	Path      string       `json:"path"`
	Type      ElementType  `json:"type"`
	Status    NodeStatus   `json:"status"`
	Output    any          `json:"output,omitempty"`
	Error     *EngineError `json:"error,omitempty"`
	StartedAt time.Time    `json:"started_at"`
	EndedAt   time.Time    `json:"ended_at"`
	Attempts  int          `json:"attempts"`
}

// Duration returns the wall time spent on the node.
func (r *StepResult) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// SuspendRequest is returned by an agent to pause the execution at its step.
// The step's output on resumption is the resume payload.
type SuspendRequest struct {
	Message map[string]any
	TTL     time.Duration
	Notify  []string
}

func (r *SuspendRequest) Error() string {
	return "agent requested suspension"
}
