package domain

import (
	"encoding/json"
	"time"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskSubmitted     TaskState = "submitted"
	TaskWorking       TaskState = "working"
	TaskInputRequired TaskState = "input_required"
	TaskCompleted     TaskState = "completed"
	TaskFailed        TaskState = "failed"
)

// Terminal reports whether the state ends the task's lifecycle.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// taskTransitions is the allowed edge set of the lifecycle state machine.
// submitted -> failed covers cancellation racing task startup.
var taskTransitions = map[TaskState]map[TaskState]bool{
	TaskSubmitted:     {TaskWorking: true, TaskFailed: true},
	TaskWorking:       {TaskCompleted: true, TaskFailed: true, TaskInputRequired: true},
	TaskInputRequired: {TaskWorking: true, TaskFailed: true},
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// edge. Terminal states have no outgoing edges.
func (s TaskState) CanTransition(next TaskState) bool {
	return taskTransitions[s][next]
}

// TaskStatus is a read-only snapshot of a task, served by status queries.
type TaskStatus struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id"`
	State          TaskState `json:"state"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Error          string    `json:"error,omitempty"`
	ErrorCode      ErrorCode `json:"error_code,omitempty"`
}

// TaskEvent is one entry in a task's ordered event stream. Progress and
// clarification events carry Message; the single final event carries either
// Artifact (completed) or Error/ErrorCode (failed). Seq increases by one per
// event so a consumer can assert ordering.
type TaskEvent struct {
	TaskID    string          `json:"task_id"`
	Seq       uint64          `json:"seq"`
	State     TaskState       `json:"state"`
	Message   string          `json:"message,omitempty"`
	Artifact  json.RawMessage `json:"artifact,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode ErrorCode       `json:"error_code,omitempty"`
	Final     bool            `json:"final"`
	Timestamp time.Time       `json:"timestamp"`
}

// ArtifactPart is one piece of a task's output artifact.
type ArtifactPart struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

// Artifact is the structured output attached to a completed task.
type Artifact struct {
	Name  string         `json:"name,omitempty"`
	Parts []ArtifactPart `json:"parts"`
}

// TextArtifact wraps plain text in the standard single-part artifact shape.
func TextArtifact(text string) Artifact {
	return Artifact{
		Name:  "response",
		Parts: []ArtifactPart{{Kind: "text", Text: text}},
	}
}
