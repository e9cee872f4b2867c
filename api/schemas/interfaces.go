package schemas

import "context"

// -- Collaborator Interfaces --
//
// The engine consumes its external collaborators exclusively through these
// narrow interfaces so concrete SDKs stay swappable and tests stay cheap.

// LLMClient is the minimal surface of a generative model provider.
type LLMClient interface {
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// SessionHandle is an opaque reference to a live automation context. The
// engine borrows handles from the session registry for the duration of one
// gateway call and never retains them past it.
type SessionHandle interface {
	// ID returns the handle's stable identity within the automation agent.
	ID() string
}

// AutomationAgent drives the underlying automation context (a browser or
// page equivalent).
type AutomationAgent interface {
	// Open creates a fresh automation context, navigating to startURL when
	// one is given.
	Open(ctx context.Context, startURL string) (SessionHandle, error)
	// Act executes a state-changing natural-language instruction.
	Act(ctx context.Context, h SessionHandle, instruction string) (string, error)
	// Query executes a read-only natural-language instruction and returns
	// the extracted data.
	Query(ctx context.Context, h SessionHandle, instruction string) (string, error)
	// Snapshot captures the current observable state for verification and
	// archival.
	Snapshot(ctx context.Context, h SessionHandle) (StateBlob, error)
	// Close tears the context down. Idempotent.
	Close(ctx context.Context, h SessionHandle) error
}

// Verifier classifies session state: blocking conditions before an action,
// and the success verdict after one.
type Verifier interface {
	ClassifyBlockingCondition(ctx context.Context, blob StateBlob) (BlockingCondition, error)
	VerifyOutcome(ctx context.Context, blob StateBlob, instruction string) (Verdict, error)
}

// Planner is the turn-based function-calling interface over the Plan State.
type Planner interface {
	Plan(ctx context.Context, goal string, history []PlanMessage) (PlannerDecision, error)
}

// TaskStore is the durable record of task state machines. Implementations
// must enforce the monotone status transitions documented on TaskStatus.
type TaskStore interface {
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, userID string) ([]*Task, error)
	// UpdateTask persists mutable progress fields (progress, steps,
	// session id, result, error, timestamps). Status changes go through
	// SetStatusIf.
	UpdateTask(ctx context.Context, task *Task) error
	// AppendOutcome atomically appends one outcome to the task's
	// intermediate results.
	AppendOutcome(ctx context.Context, taskID string, outcome Outcome) error
	// SetStatusIf atomically moves the task to the target status when the
	// current status is one of from. Returns false when the precondition
	// does not hold. This is the primitive cancellation races are built on.
	SetStatusIf(ctx context.Context, taskID string, to TaskStatus, from ...TaskStatus) (bool, error)
}

// Publisher fans task-state deltas out to interested observers.
type Publisher interface {
	Publish(delta ProgressDelta)
}
