package schemas

import "time"

// -- Progress Schemas --

// ProgressDelta is one task-state change fanned out to observers. Delivery
// to push subscribers is best-effort at-most-once; the pull path (a full
// Task snapshot from the lifecycle store) is always authoritative.
type ProgressDelta struct {
	TaskID   string     `json:"task_id"`
	UserID   string     `json:"user_id"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"`
	Step     int        `json:"step"`
	// Outcome is set on deltas published after an action completes.
	Outcome *Outcome `json:"outcome,omitempty"`
	// Final is set on the completion delta.
	Final *TaskResult `json:"final,omitempty"`
	Error string      `json:"error,omitempty"`
	// Message carries human-readable progress notes (streamed summary text,
	// cancellation notices).
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
