// Package engine is the task orchestration core: it accepts
// natural-language goals, runs each through the plan/execute loop on its
// own goroutine, and drives every task to exactly one terminal status.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/retry"
	"github.com/taskpilot/taskpilot/internal/sessions"
)

// actionGateway is the slice of the gateway the loop consumes.
type actionGateway interface {
	PerformAction(ctx context.Context, taskID string, h schemas.SessionHandle, instruction string) (schemas.Outcome, error)
	PerformQuery(ctx context.Context, taskID string, h schemas.SessionHandle, instruction string) (schemas.Outcome, error)
	Forget(sessionID string)
}

// sessionRegistry is the slice of the registry the loop consumes.
type sessionRegistry interface {
	AcquireOrCreate(ctx context.Context, id string, createFn sessions.CreateFunc) (string, schemas.SessionHandle, error)
	Release(ctx context.Context, id string)
}

// Engine coordinates all running tasks.
type Engine struct {
	logger    *zap.Logger
	cfg       config.EngineConfig
	planner   schemas.Planner
	agent     schemas.AutomationAgent
	gateway   actionGateway
	registry  sessionRegistry
	store     schemas.TaskStore
	publisher schemas.Publisher
	exec      *retry.Executor

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an engine from its collaborators.
func New(
	cfg config.EngineConfig,
	planner schemas.Planner,
	agent schemas.AutomationAgent,
	gw actionGateway,
	registry sessionRegistry,
	taskStore schemas.TaskStore,
	publisher schemas.Publisher,
	exec *retry.Executor,
	logger *zap.Logger,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		logger:    logger.Named("engine"),
		cfg:       cfg,
		planner:   planner,
		agent:     agent,
		gateway:   gw,
		registry:  registry,
		store:     taskStore,
		publisher: publisher,
		exec:      exec,
		baseCtx:   ctx,
		cancel:    cancel,
	}
}

// Submit registers a new task for the goal and starts its loop
// asynchronously. The returned ID can immediately be used for snapshots,
// subscriptions, and cancellation.
func (e *Engine) Submit(ctx context.Context, userID, goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", fmt.Errorf("goal must not be empty")
	}
	if userID == "" {
		return "", fmt.Errorf("user id must not be empty")
	}
	if err := e.baseCtx.Err(); err != nil {
		return "", fmt.Errorf("engine is shutting down")
	}

	task := &schemas.Task{
		ID:        uuid.NewString(),
		UserID:    userID,
		Goal:      goal,
		Status:    schemas.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	e.publisher.Publish(schemas.ProgressDelta{
		TaskID:    task.ID,
		UserID:    task.UserID,
		Status:    schemas.StatusPending,
		Timestamp: time.Now().UTC(),
	})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.newLoop(task).run(e.baseCtx)
	}()

	e.logger.Info("Task submitted.", zap.String("task_id", task.ID), zap.String("user_id", userID))
	return task.ID, nil
}

// Cancel requests cooperative cancellation. It returns true when this call
// performed the transition; false when the task was already terminal.
// In-flight gateway calls are allowed to finish; the loop observes the
// status at its next iteration boundary.
func (e *Engine) Cancel(ctx context.Context, taskID string) (bool, error) {
	ok, err := e.store.SetStatusIf(ctx, taskID, schemas.StatusCancelled, schemas.StatusPending, schemas.StatusProcessing)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Warn("Cancelled task could not be re-read for publication.", zap.String("task_id", taskID), zap.Error(err))
		return true, nil
	}
	e.publisher.Publish(schemas.ProgressDelta{
		TaskID:    taskID,
		UserID:    task.UserID,
		Status:    schemas.StatusCancelled,
		Progress:  task.Progress,
		Step:      task.Steps,
		Message:   "task cancelled by request",
		Timestamp: time.Now().UTC(),
	})
	e.logger.Info("Task cancelled.", zap.String("task_id", taskID))
	return true, nil
}

// Snapshot returns the authoritative current state of a task.
func (e *Engine) Snapshot(ctx context.Context, taskID string) (*schemas.Task, error) {
	return e.store.GetTask(ctx, taskID)
}

// List returns all tasks belonging to a user, oldest first.
func (e *Engine) List(ctx context.Context, userID string) ([]*schemas.Task, error) {
	return e.store.ListTasks(ctx, userID)
}

// Shutdown stops accepting work and waits for running loops to finish, up
// to the context's deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("Engine shut down cleanly.")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine shutdown timed out: %w", ctx.Err())
	}
}
