package schemas

import "time"

// -- Task Schemas --

// TaskStatus tracks a task through its lifecycle. Transitions are monotone:
// pending -> processing -> {completed | error | cancelled}. A terminal status
// is never left.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusError      TaskStatus = "error"
	StatusCancelled  TaskStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// Task is the end-to-end execution record for one user-submitted goal.
type Task struct {
	ID       string     `json:"id"`
	UserID   string     `json:"user_id"`
	Goal     string     `json:"goal"`
	Status   TaskStatus `json:"status"`
	Progress int        `json:"progress"` // 0-100, monotone non-decreasing while active.
	Steps    int        `json:"steps"`    // Planner-directed actions executed so far.

	// SessionID is the automation session most recently used by this task,
	// empty until the first action resolves one.
	SessionID string `json:"session_id,omitempty"`

	// Intermediate holds one Outcome per completed action, in execution order.
	// Append-only; preserved even when the task ends in error.
	Intermediate []Outcome `json:"intermediate_results"`

	// Result is set exactly once, when the task reaches completed.
	Result *TaskResult `json:"result,omitempty"`
	// Error is set exactly once, when the task reaches error.
	Error string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskResult aggregates the final answer for a completed task.
type TaskResult struct {
	Summary string `json:"summary"`
	// Truncated marks results synthesized because the step ceiling or the
	// wall-clock budget was reached before the planner produced a final answer.
	Truncated  bool      `json:"truncated"`
	StepsTaken int       `json:"steps_taken"`
	Outcomes   []Outcome `json:"outcomes"`
}

// Clone returns a deep copy safe to hand to another goroutine.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Intermediate = make([]Outcome, len(t.Intermediate))
	copy(cp.Intermediate, t.Intermediate)
	if t.Result != nil {
		res := *t.Result
		res.Outcomes = make([]Outcome, len(t.Result.Outcomes))
		copy(res.Outcomes, t.Result.Outcomes)
		cp.Result = &res
	}
	if t.StartedAt != nil {
		st := *t.StartedAt
		cp.StartedAt = &st
	}
	if t.EndedAt != nil {
		et := *t.EndedAt
		cp.EndedAt = &et
	}
	return &cp
}
