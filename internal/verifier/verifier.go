// Package verifier classifies automation session state with a multimodal
// LLM: blocking conditions before an action runs, and a success verdict for
// the state an action leaves behind.
package verifier

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/llmutil"
)

const classifySystemPrompt = `You inspect a web page screenshot and decide whether something
blocks normal interaction with the page content.

Respond with a single JSON object:
{"type": "<none|login_wall|consent_dialog|captcha|popup>", "suggested_instruction": "<how to clear it, empty when type is none>"}

Only report a condition that actually prevents interacting with the underlying page.
A captcha or human-verification challenge must never be solved; report it so the
operator can surface it, but suggest no instruction for it.`

const verifySystemPrompt = `You inspect a web page screenshot taken after a browser instruction
was executed, and judge whether the page state shows the instruction succeeded.

Respond with a single JSON object:
{"status": "<success|failed|unknown>", "rationale": "<one sentence>"}

Use "success" only when the visible state clearly reflects the instruction's intent.
Use "failed" when it clearly does not (error banner, unchanged form, wrong page).
Use "unknown" when the screenshot does not allow a confident judgement.`

// Service implements schemas.Verifier.
type Service struct {
	logger *zap.Logger
	client schemas.LLMClient
}

var _ schemas.Verifier = (*Service)(nil)

// New creates a verifier service.
func New(client schemas.LLMClient, logger *zap.Logger) *Service {
	return &Service{
		logger: logger.Named("verifier"),
		client: client,
	}
}

type wireCondition struct {
	Type                 string `json:"type"`
	SuggestedInstruction string `json:"suggested_instruction"`
}

type wireVerdict struct {
	Status    string `json:"status"`
	Rationale string `json:"rationale"`
}

// ClassifyBlockingCondition inspects a state snapshot for login walls,
// consent dialogs, human-verification challenges, and popups.
func (s *Service) ClassifyBlockingCondition(ctx context.Context, blob schemas.StateBlob) (schemas.BlockingCondition, error) {
	if blob.Empty() {
		return schemas.BlockingCondition{Type: "none"}, nil
	}

	raw, err := s.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: classifySystemPrompt,
		UserPrompt:   fmt.Sprintf("Current page: %s (%s). What, if anything, blocks interaction?", blob.Title, blob.URL),
		ImagePNG:     blob.ScreenshotPNG,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return schemas.BlockingCondition{}, fmt.Errorf("blocking-condition classification failed: %w", err)
	}

	wire, err := llmutil.ParseJSONResponse[wireCondition](raw)
	if err != nil {
		return schemas.BlockingCondition{}, err
	}

	cond := schemas.BlockingCondition{
		Type:                 wire.Type,
		SuggestedInstruction: wire.SuggestedInstruction,
	}
	if cond.Blocking() {
		s.logger.Info("Blocking condition detected",
			zap.String("type", cond.Type),
			zap.String("url", blob.URL),
		)
	}
	return cond, nil
}

// VerifyOutcome judges whether the captured state reflects the instruction's
// intent. The verdict, not the raw agent output, decides outcome success.
func (s *Service) VerifyOutcome(ctx context.Context, blob schemas.StateBlob, instruction string) (schemas.Verdict, error) {
	if blob.Empty() {
		// Nothing observable to judge against.
		return schemas.Verdict{Status: schemas.VerificationUnknown, Rationale: "no state snapshot available"}, nil
	}

	raw, err := s.client.Generate(ctx, schemas.GenerationRequest{
		SystemPrompt: verifySystemPrompt,
		UserPrompt:   fmt.Sprintf("Instruction that was executed: %q\nPage now: %s (%s)", instruction, blob.Title, blob.URL),
		ImagePNG:     blob.ScreenshotPNG,
		Options:      schemas.GenerationOptions{ForceJSONFormat: true},
	})
	if err != nil {
		return schemas.Verdict{}, fmt.Errorf("outcome verification failed: %w", err)
	}

	wire, err := llmutil.ParseJSONResponse[wireVerdict](raw)
	if err != nil {
		return schemas.Verdict{}, err
	}

	status := schemas.VerificationStatus(wire.Status)
	switch status {
	case schemas.VerificationSuccess, schemas.VerificationFailed, schemas.VerificationUnknown:
	default:
		// An off-vocabulary verdict is indistinguishable from no verdict.
		status = schemas.VerificationUnknown
	}
	return schemas.Verdict{Status: status, Rationale: wire.Rationale}, nil
}
