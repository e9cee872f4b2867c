// Package gateway mediates every planner-directed action against an
// automation session: preparation, execution, state capture, and
// verification, with retries on the steps that touch the external agent.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/retry"
)

// Gateway executes actions and queries against automation sessions and
// produces immutable outcome records.
type Gateway struct {
	logger   *zap.Logger
	agent    schemas.AutomationAgent
	verifier schemas.Verifier
	exec     *retry.Executor
	archiver Archiver

	mu       sync.Mutex
	prepared map[string]bool
}

// New creates a gateway.
func New(agent schemas.AutomationAgent, verifier schemas.Verifier, exec *retry.Executor, archiver Archiver, logger *zap.Logger) *Gateway {
	return &Gateway{
		logger:   logger.Named("gateway"),
		agent:    agent,
		verifier: verifier,
		exec:     exec,
		archiver: archiver,
		prepared: make(map[string]bool),
	}
}

// PerformAction executes a state-changing instruction on the session.
func (g *Gateway) PerformAction(ctx context.Context, taskID string, h schemas.SessionHandle, instruction string) (schemas.Outcome, error) {
	return g.perform(ctx, taskID, h, instruction, schemas.FunctionPerformAction)
}

// PerformQuery executes a read-only instruction on the session.
func (g *Gateway) PerformQuery(ctx context.Context, taskID string, h schemas.SessionHandle, instruction string) (schemas.Outcome, error) {
	return g.perform(ctx, taskID, h, instruction, schemas.FunctionPerformQuery)
}

func (g *Gateway) perform(ctx context.Context, taskID string, h schemas.SessionHandle, instruction string, kind schemas.FunctionName) (schemas.Outcome, error) {
	g.prepare(ctx, h)

	// The primary instruction is the one step whose exhaustion is fatal: if
	// the agent cannot run it after retries, no outcome exists to report.
	payload, err := retry.Do(ctx, g.exec, string(kind), func(ctx context.Context) (string, error) {
		if kind == schemas.FunctionPerformQuery {
			return g.agent.Query(ctx, h, instruction)
		}
		return g.agent.Act(ctx, h, instruction)
	})
	if err != nil {
		return schemas.Outcome{}, err
	}

	outcomeID := uuid.NewString()

	// Snapshot exhaustion degrades rather than fails: the action already
	// ran, so an outcome must still be produced.
	blob, err := retry.Do(ctx, g.exec, "state snapshot", func(ctx context.Context) (schemas.StateBlob, error) {
		return g.agent.Snapshot(ctx, h)
	})
	if err != nil {
		g.logger.Warn("State snapshot failed; producing outcome without one.",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		blob = schemas.StateBlob{}
	}

	screenshotRef := ""
	if len(blob.ScreenshotPNG) > 0 {
		ref, err := g.archiver.Archive(taskID, outcomeID, blob.ScreenshotPNG)
		if err != nil {
			g.logger.Warn("Screenshot archival failed.", zap.String("task_id", taskID), zap.Error(err))
		} else {
			screenshotRef = ref
		}
	}

	// The verdict, not the raw agent return, decides success. Verification
	// exhaustion likewise degrades to an unknown verdict.
	verdict, err := retry.Do(ctx, g.exec, "outcome verification", func(ctx context.Context) (schemas.Verdict, error) {
		return g.verifier.VerifyOutcome(ctx, blob, instruction)
	})
	if err != nil {
		g.logger.Warn("Outcome verification failed; verdict degraded to unknown.",
			zap.String("task_id", taskID),
			zap.Error(err),
		)
		verdict = schemas.Verdict{Status: schemas.VerificationUnknown, Rationale: "verification unavailable"}
	}

	outcome := schemas.Outcome{
		ID:            outcomeID,
		TaskID:        taskID,
		SessionID:     h.ID(),
		Kind:          kind,
		Instruction:   instruction,
		Success:       verdict.Status == schemas.VerificationSuccess,
		Verification:  verdict.Status,
		Rationale:     verdict.Rationale,
		Payload:       payload,
		ScreenshotRef: screenshotRef,
		Timestamp:     time.Now().UTC(),
	}

	g.logger.Info("Action gateway produced outcome.",
		zap.String("task_id", taskID),
		zap.String("kind", string(kind)),
		zap.Bool("success", outcome.Success),
		zap.String("verification", string(verdict.Status)),
	)
	return outcome, nil
}

// prepare runs the one-time blocking-condition sub-step for a session. It
// is best-effort: failures are logged, never retried, and never abort the
// main action.
func (g *Gateway) prepare(ctx context.Context, h schemas.SessionHandle) {
	g.mu.Lock()
	if g.prepared[h.ID()] {
		g.mu.Unlock()
		return
	}
	g.prepared[h.ID()] = true
	g.mu.Unlock()

	blob, err := g.agent.Snapshot(ctx, h)
	if err != nil {
		g.logger.Warn("Preparation snapshot failed; skipping.", zap.String("session_id", h.ID()), zap.Error(err))
		return
	}

	cond, err := g.verifier.ClassifyBlockingCondition(ctx, blob)
	if err != nil {
		g.logger.Warn("Blocking-condition classification failed; skipping.", zap.String("session_id", h.ID()), zap.Error(err))
		return
	}
	if !cond.Blocking() || cond.SuggestedInstruction == "" {
		return
	}

	g.logger.Info("Clearing blocking condition.",
		zap.String("session_id", h.ID()),
		zap.String("type", cond.Type),
		zap.String("instruction", cond.SuggestedInstruction),
	)
	if _, err := g.agent.Act(ctx, h, cond.SuggestedInstruction); err != nil {
		g.logger.Warn("Corrective instruction failed; proceeding anyway.",
			zap.String("session_id", h.ID()),
			zap.Error(err),
		)
	}
}

// Forget drops the preparation marker for a closed session so a future
// session reusing the same handle ID is prepared again.
func (g *Gateway) Forget(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.prepared, sessionID)
}
