package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/retry"
)

// loop drives one task through the plan/execute state machine. It runs on
// its own goroutine and owns the task's plan state exclusively.
type loop struct {
	eng  *Engine
	task *schemas.Task

	history []schemas.PlanMessage
	// owned maps registry session keys to their handles, for release and for
	// dropping gateway preparation markers on exit.
	owned map[string]schemas.SessionHandle

	startedAt     time.Time
	unknownStreak int
}

func (e *Engine) newLoop(task *schemas.Task) *loop {
	return &loop{
		eng:   e,
		task:  task,
		owned: make(map[string]schemas.SessionHandle),
	}
}

// run executes the task to a terminal status. It never returns an error;
// every failure path ends in a persisted terminal state.
func (l *loop) run(ctx context.Context) {
	defer l.releaseSessions()

	logger := l.eng.logger.With(zap.String("task_id", l.task.ID))

	ok, err := l.eng.store.SetStatusIf(ctx, l.task.ID, schemas.StatusProcessing, schemas.StatusPending)
	if err != nil {
		logger.Error("Failed to move task to processing.", zap.Error(err))
		return
	}
	if !ok {
		// Cancelled before the loop ever started.
		logger.Info("Task no longer pending; loop not started.")
		return
	}
	l.startedAt = time.Now()
	l.publishStatus(schemas.StatusProcessing, "")

	for {
		// Cancellation is cooperative: checked once per iteration, before
		// any new planner call or action is issued.
		if l.cancelled(ctx) {
			logger.Info("Cancellation observed; loop exiting.")
			return
		}

		if l.eng.cfg.MaxTaskDuration > 0 && time.Since(l.startedAt) >= l.eng.cfg.MaxTaskDuration {
			logger.Warn("Wall-clock budget exhausted; truncating.")
			l.finalizeTruncated(ctx, "the time budget was exhausted")
			return
		}
		if l.task.Steps >= l.eng.cfg.StepCeiling {
			logger.Warn("Step ceiling reached; truncating.", zap.Int("steps", l.task.Steps))
			l.finalizeTruncated(ctx, "the step ceiling was reached")
			return
		}

		decision, err := retry.Do(ctx, l.eng.exec, "planner round", func(ctx context.Context) (schemas.PlannerDecision, error) {
			return l.eng.planner.Plan(ctx, l.task.Goal, l.history)
		})
		if err != nil {
			l.fail(ctx, fmt.Errorf("planning failed: %w", err))
			return
		}

		if decision.IsFinal() {
			l.finalize(ctx, decision.Final, false)
			return
		}

		if err := l.invoke(ctx, decision.Call); err != nil {
			l.fail(ctx, err)
			return
		}
	}
}

// invoke executes one planner-issued function call and records its result.
func (l *loop) invoke(ctx context.Context, call *schemas.FunctionCall) error {
	l.history = append(l.history, schemas.PlanMessage{Role: schemas.RoleModel, Call: call})

	if call.Name == schemas.FunctionDesktopAction {
		// No desktop executor is wired; report failure so the planner can
		// route around it instead of terminating the task.
		l.history = append(l.history, schemas.PlanMessage{
			Role:   schemas.RoleFunction,
			Result: &schemas.FunctionResult{Success: false, Error: "desktop actions are not supported"},
		})
		l.advance(ctx, nil)
		return nil
	}

	handle, err := l.resolveSession(ctx, call)
	if err != nil {
		return err
	}

	var outcome schemas.Outcome
	switch call.Name {
	case schemas.FunctionPerformQuery:
		outcome, err = l.eng.gateway.PerformQuery(ctx, l.task.ID, handle, call.Instruction)
	default:
		outcome, err = l.eng.gateway.PerformAction(ctx, l.task.ID, handle, call.Instruction)
	}
	if err != nil {
		return fmt.Errorf("%s failed: %w", call.Name, err)
	}

	if err := l.eng.store.AppendOutcome(ctx, l.task.ID, outcome); err != nil {
		return fmt.Errorf("failed to persist outcome: %w", err)
	}
	l.task.Intermediate = append(l.task.Intermediate, outcome)
	l.task.SessionID = outcome.SessionID

	l.history = append(l.history, schemas.PlanMessage{
		Role: schemas.RoleFunction,
		Result: &schemas.FunctionResult{
			Success:      outcome.Success,
			Verification: outcome.Verification,
			Payload:      outcome.Payload,
		},
	})

	if outcome.Verification == schemas.VerificationUnknown {
		l.unknownStreak++
	} else {
		l.unknownStreak = 0
	}

	l.advance(ctx, &outcome)

	if l.eng.cfg.MaxUnknownStreak > 0 && l.unknownStreak >= l.eng.cfg.MaxUnknownStreak {
		l.eng.logger.Warn("Unknown-verdict streak threshold hit; truncating.",
			zap.String("task_id", l.task.ID),
			zap.Int("streak", l.unknownStreak),
		)
		l.finalizeTruncated(ctx, "verification could not confirm recent actions")
		// Signal the caller loop to stop by reporting no error; run's next
		// iteration observes the terminal status.
	}
	return nil
}

// resolveSession returns the session the call targets, creating the task's
// default session on first use. Creation failure after retries is fatal for
// the task.
func (l *loop) resolveSession(ctx context.Context, call *schemas.FunctionCall) (schemas.SessionHandle, error) {
	key := call.SessionID
	if key == "" {
		key = l.task.ID
	}

	resolved, handle, err := l.eng.registry.AcquireOrCreate(ctx, key, func(ctx context.Context) (schemas.SessionHandle, error) {
		return retry.Do(ctx, l.eng.exec, "session creation", func(ctx context.Context) (schemas.SessionHandle, error) {
			return l.eng.agent.Open(ctx, call.StartURL)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("session resolution failed: %w", err)
	}
	l.owned[resolved] = handle
	return handle, nil
}

// advance bumps the step counter, persists progress, and publishes a delta.
func (l *loop) advance(ctx context.Context, outcome *schemas.Outcome) {
	l.task.Steps++
	l.task.Progress = progressFor(l.task.Steps, l.eng.cfg.StepCeiling)

	if err := l.eng.store.UpdateTask(ctx, l.task); err != nil {
		l.eng.logger.Warn("Failed to persist task progress.", zap.String("task_id", l.task.ID), zap.Error(err))
	}

	l.eng.publisher.Publish(schemas.ProgressDelta{
		TaskID:    l.task.ID,
		UserID:    l.task.UserID,
		Status:    schemas.StatusProcessing,
		Progress:  l.task.Progress,
		Step:      l.task.Steps,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	})
}

// cancelled reports whether the task left the processing state underneath
// the loop (cancellation, or a truncation finalized mid-iteration).
func (l *loop) cancelled(ctx context.Context) bool {
	current, err := l.eng.store.GetTask(ctx, l.task.ID)
	if err != nil {
		l.eng.logger.Warn("Failed to read task status; assuming cancelled.",
			zap.String("task_id", l.task.ID), zap.Error(err))
		return true
	}
	return current.Status != schemas.StatusProcessing
}

// finalize completes the task with the planner's answer, or a synthesized
// summary when truncated.
func (l *loop) finalize(ctx context.Context, summary string, truncated bool) {
	ok, err := l.eng.store.SetStatusIf(ctx, l.task.ID, schemas.StatusCompleted, schemas.StatusProcessing)
	if err != nil {
		l.eng.logger.Error("Failed to complete task.", zap.String("task_id", l.task.ID), zap.Error(err))
		return
	}
	if !ok {
		// Lost the race against cancellation; the terminal status stands.
		l.eng.logger.Info("Completion skipped; task already terminal.", zap.String("task_id", l.task.ID))
		return
	}

	result := &schemas.TaskResult{
		Summary:    summary,
		Truncated:  truncated,
		StepsTaken: l.task.Steps,
		Outcomes:   l.task.Intermediate,
	}
	l.task.Result = result
	l.task.Progress = 100
	if err := l.eng.store.UpdateTask(ctx, l.task); err != nil {
		l.eng.logger.Warn("Failed to persist final result.", zap.String("task_id", l.task.ID), zap.Error(err))
	}

	l.eng.publisher.Publish(schemas.ProgressDelta{
		TaskID:    l.task.ID,
		UserID:    l.task.UserID,
		Status:    schemas.StatusCompleted,
		Progress:  100,
		Step:      l.task.Steps,
		Final:     result,
		Message:   summary,
		Timestamp: time.Now().UTC(),
	})
	l.eng.logger.Info("Task completed.",
		zap.String("task_id", l.task.ID),
		zap.Int("steps", l.task.Steps),
		zap.Bool("truncated", truncated),
	)
}

// finalizeTruncated synthesizes a best-effort summary from the outcomes
// gathered so far.
func (l *loop) finalizeTruncated(ctx context.Context, reason string) {
	succeeded := 0
	for _, o := range l.task.Intermediate {
		if o.Success {
			succeeded++
		}
	}
	summary := fmt.Sprintf(
		"The task stopped before a final answer because %s. %d of %d actions verified as successful; see the intermediate results for details.",
		reason, succeeded, len(l.task.Intermediate),
	)
	l.finalize(ctx, summary, true)
}

// fail terminates the task as an error, preserving everything gathered so
// far so the user can see what was attempted.
func (l *loop) fail(ctx context.Context, cause error) {
	l.eng.logger.Error("Task failed.", zap.String("task_id", l.task.ID), zap.Error(cause))

	ok, err := l.eng.store.SetStatusIf(ctx, l.task.ID, schemas.StatusError, schemas.StatusPending, schemas.StatusProcessing)
	if err != nil {
		l.eng.logger.Error("Failed to persist error status.", zap.String("task_id", l.task.ID), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	l.task.Error = cause.Error()
	if err := l.eng.store.UpdateTask(ctx, l.task); err != nil {
		l.eng.logger.Warn("Failed to persist task error.", zap.String("task_id", l.task.ID), zap.Error(err))
	}

	l.eng.publisher.Publish(schemas.ProgressDelta{
		TaskID:    l.task.ID,
		UserID:    l.task.UserID,
		Status:    schemas.StatusError,
		Progress:  l.task.Progress,
		Step:      l.task.Steps,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	})
}

func (l *loop) publishStatus(status schemas.TaskStatus, message string) {
	l.eng.publisher.Publish(schemas.ProgressDelta{
		TaskID:    l.task.ID,
		UserID:    l.task.UserID,
		Status:    status,
		Progress:  l.task.Progress,
		Step:      l.task.Steps,
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// releaseSessions tears down every session this task created. Sessions are
// never shared across tasks, so release on loop exit is always safe.
func (l *loop) releaseSessions() {
	// Loop context may already be cancelled; teardown gets its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for key, handle := range l.owned {
		l.eng.registry.Release(ctx, key)
		l.eng.gateway.Forget(handle.ID())
	}
}

// progressFor maps executed steps onto a 0-100 scale, reserving the tail
// for finalization.
func progressFor(steps, ceiling int) int {
	if ceiling <= 0 {
		ceiling = 1
	}
	p := 10 + steps*85/ceiling
	if p > 95 {
		p = 95
	}
	return p
}
