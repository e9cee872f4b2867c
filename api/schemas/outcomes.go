package schemas

import "time"

// -- Outcome Schemas --

// VerificationStatus is the verdict of the vision check that classifies the
// post-action page state against the original instruction.
type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "success"
	VerificationFailed  VerificationStatus = "failed"
	// VerificationUnknown means the verifier could not decide. It is treated
	// as non-success but is not an error; the planner adapts.
	VerificationUnknown VerificationStatus = "unknown"
)

// Outcome is the immutable result of one gateway action or query.
// The Success flag is derived from Verification, not from the raw agent
// return value.
type Outcome struct {
	ID           string             `json:"id"`
	TaskID       string             `json:"task_id"`
	SessionID    string             `json:"session_id"`
	Kind         FunctionName       `json:"kind"`
	Instruction  string             `json:"instruction"`
	Success      bool               `json:"success"`
	Verification VerificationStatus `json:"verification"`
	Rationale    string             `json:"rationale,omitempty"`
	// Payload is the action output or extracted data, as returned by the
	// automation agent.
	Payload string `json:"payload,omitempty"`
	// ScreenshotRef points at the archived state snapshot, if one was taken.
	ScreenshotRef string    `json:"screenshot_ref,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// StateBlob is an observable snapshot of an automation session, captured
// after each action for archival and verification.
type StateBlob struct {
	ScreenshotPNG []byte `json:"-"`
	URL           string `json:"url"`
	Title         string `json:"title"`
}

// Empty reports whether the snapshot carries no usable state.
func (b StateBlob) Empty() bool {
	return len(b.ScreenshotPNG) == 0 && b.URL == "" && b.Title == ""
}

// BlockingCondition is the classifier's view of whatever stands between a
// fresh session and the primary instruction (login wall, consent dialog,
// human-verification challenge, popup).
type BlockingCondition struct {
	Type                 string `json:"type"` // "none" when the page is clear.
	SuggestedInstruction string `json:"suggested_instruction,omitempty"`
}

// Blocking reports whether a corrective instruction should run first.
func (c BlockingCondition) Blocking() bool {
	return c.Type != "" && c.Type != "none"
}

// Verdict is the verifier's classification of a post-action state.
type Verdict struct {
	Status    VerificationStatus `json:"status"`
	Rationale string             `json:"rationale,omitempty"`
}
