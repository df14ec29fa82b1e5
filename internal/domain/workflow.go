package domain

import "time"

// WorkflowState is the lifecycle state of a durable workflow instance.
type WorkflowState string

const (
	WorkflowEnqueued  WorkflowState = "enqueued"
	WorkflowPending   WorkflowState = "pending"
	WorkflowRunning   WorkflowState = "running"
	WorkflowSucceeded WorkflowState = "succeeded"
	WorkflowFailed    WorkflowState = "failed"
	WorkflowCancelled WorkflowState = "cancelled"
	WorkflowPaused    WorkflowState = "paused"
)

// Terminal reports whether the state admits no further transitions.
func (s WorkflowState) Terminal() bool {
	switch s {
	case WorkflowSucceeded, WorkflowFailed, WorkflowCancelled:
		return true
	}
	return false
}

// WorkflowStatus is the durable record of a workflow instance.
type WorkflowStatus struct {
	WorkflowUUID       string
	Status             WorkflowState
	Name               string
	QueueName          string
	Inputs             string
	Output             string
	Error              string
	ApplicationVersion string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// StepOutput is the persisted result of one workflow step, keyed by its
// deterministic position in the workflow.
type StepOutput struct {
	WorkflowUUID     string
	FunctionID       int
	FunctionName     string
	Output           string
	Error            string
	ChildWorkflowID  string
	StartedAtEpochMs int64
	CompletedAtEpoch int64
}

// WorkflowEvent is a workflow-local key/value signal.
type WorkflowEvent struct {
	WorkflowUUID string
	Key          string
	Value        string
	UpdatedAt    time.Time
}

// WorkflowNotification is a durable message addressed to a workflow instance.
// Messages queue per destination and topic and are consumed oldest first.
type WorkflowNotification struct {
	DestinationUUID string
	Topic           string
	Message         string
	IdempotencyKey  string
	CreatedAt       time.Time
}

// StreamEntry is one value in an append-only workflow stream.
type StreamEntry struct {
	WorkflowUUID string
	Key          string
	Offset       int
	Value        string
	CreatedAt    time.Time
}
