package schemas

// -- Plan State Schemas --

// PlanRole identifies the author of a Plan State entry.
type PlanRole string

const (
	RoleUser     PlanRole = "user"
	RoleModel    PlanRole = "model"
	RoleFunction PlanRole = "function"
)

// FunctionName enumerates the operations the planner may invoke.
type FunctionName string

const (
	FunctionPerformAction FunctionName = "perform_action"
	FunctionPerformQuery  FunctionName = "perform_query"
	// FunctionDesktopAction is part of the planner vocabulary but has no
	// executor in this build; invoking it yields a failed function result
	// that the planner observes and routes around.
	FunctionDesktopAction FunctionName = "desktop_action"
)

// FunctionCall is a structured action request emitted by the planner.
type FunctionCall struct {
	Name        FunctionName `json:"name"`
	Instruction string       `json:"instruction"`
	// StartURL seeds a freshly created session. Ignored when SessionID
	// resolves to a live session.
	StartURL string `json:"start_url,omitempty"`
	// SessionID continues a prior session of the same task. Empty means
	// "use or create this task's default session".
	SessionID string `json:"session_id,omitempty"`
}

// FunctionResult is what the planner sees after a call executes.
type FunctionResult struct {
	Success      bool               `json:"success"`
	Verification VerificationStatus `json:"verification,omitempty"`
	Payload      string             `json:"payload,omitempty"`
	Error        string             `json:"error,omitempty"`
}

// PlanMessage is one entry of the conversation history exchanged with the
// planner. Exactly one of Content, Call, Result is populated.
type PlanMessage struct {
	Role    PlanRole        `json:"role"`
	Content string          `json:"content,omitempty"`
	Call    *FunctionCall   `json:"call,omitempty"`
	Result  *FunctionResult `json:"result,omitempty"`
}

// PlannerDecision is the planner's answer for one loop iteration: either a
// function call to execute next, or the free-text final answer.
type PlannerDecision struct {
	Call  *FunctionCall `json:"call,omitempty"`
	Final string        `json:"final,omitempty"`
}

// IsFinal reports whether the planner has produced the closing answer.
func (d PlannerDecision) IsFinal() bool { return d.Call == nil }
