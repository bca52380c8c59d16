package schema

// Event type constants for the execution event log.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionSuspended = "execution_suspended"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionExpired   = "execution_expired"

	EventNodeStarted   = "node_started"
	EventNodeSucceeded = "node_succeeded"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"
	EventNodeSuspended = "node_suspended"

	// EventProgress carries a recorded StepResult.
	EventProgress = "progress"

	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionExpired   ExecutionStatus = "expired"
)

// Terminal reports whether no further transition is possible.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled, ExecutionExpired:
		return true
	}
	return false
}

// NodeStatus represents the lifecycle state of a node within an execution.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeRetrying  NodeStatus = "retrying"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
	NodeSuspended NodeStatus = "suspended"
)

// Terminal reports whether the node will not run again in this execution.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSucceeded, NodeFailed, NodeSkipped:
		return true
	}
	return false
}
