// Package store holds the task lifecycle records: an in-process store for
// single-node deployments and tests, and a PostgreSQL store for durable
// ones. Both enforce the monotone status machine.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
)

// ErrTaskNotFound is returned for lookups of unknown task IDs.
var ErrTaskNotFound = fmt.Errorf("task not found")

// MemoryStore implements schemas.TaskStore in process memory.
type MemoryStore struct {
	logger *zap.Logger

	mu    sync.RWMutex
	tasks map[string]*schemas.Task
}

var _ schemas.TaskStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		logger: logger.Named("memory_store"),
		tasks:  make(map[string]*schemas.Task),
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *schemas.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return fmt.Errorf("task %q already exists", task.ID)
	}

	cp := task.Clone()
	now := time.Now().UTC()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	if cp.Status == "" {
		cp.Status = schemas.StatusPending
	}
	s.tasks[task.ID] = cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*schemas.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, userID string) ([]*schemas.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*schemas.Task
	for _, t := range s.tasks {
		if userID == "" || t.UserID == userID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateTask persists progress fields. The stored status and lifecycle
// timestamps are authoritative: both are owned by SetStatusIf, so values
// carried on the task argument are ignored and cancellation observed there
// can never be overwritten by a stale loop.
func (s *MemoryStore) UpdateTask(ctx context.Context, task *schemas.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[task.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}

	cp := task.Clone()
	cp.Status = cur.Status
	cp.CreatedAt = cur.CreatedAt
	cp.StartedAt = cur.StartedAt
	cp.EndedAt = cur.EndedAt
	cp.UpdatedAt = time.Now().UTC()
	s.tasks[task.ID] = cp
	return nil
}

func (s *MemoryStore) AppendOutcome(ctx context.Context, taskID string, outcome schemas.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	t.Intermediate = append(t.Intermediate, outcome)
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetStatusIf(ctx context.Context, taskID string, to schemas.TaskStatus, from ...schemas.TaskStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	matched := false
	for _, f := range from {
		if t.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}

	now := time.Now().UTC()
	t.Status = to
	t.UpdatedAt = now
	if to == schemas.StatusProcessing && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.IsTerminal() && t.EndedAt == nil {
		t.EndedAt = &now
	}

	s.logger.Debug("Task status transition.",
		zap.String("task_id", taskID),
		zap.String("to", string(to)),
	)
	return true, nil
}
