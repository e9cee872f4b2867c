package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DBPool abstracts pgxpool.Pool so tests can substitute pgxmock.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore implements schemas.TaskStore on PostgreSQL. Intermediate
// outcomes and the final result are stored as JSONB documents.
type PostgresStore struct {
	pool DBPool
	log  *zap.Logger
}

var _ schemas.TaskStore = (*PostgresStore)(nil)

// NewPostgresStore creates a store and verifies the connection.
func NewPostgresStore(ctx context.Context, pool DBPool, logger *zap.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{
		pool: pool,
		log:  logger.Named("postgres_store"),
	}, nil
}

const schemaSQL = `
    CREATE TABLE IF NOT EXISTS tasks (
        id           TEXT PRIMARY KEY,
        user_id      TEXT NOT NULL,
        goal         TEXT NOT NULL,
        status       TEXT NOT NULL,
        progress     INT NOT NULL DEFAULT 0,
        steps        INT NOT NULL DEFAULT 0,
        session_id   TEXT NOT NULL DEFAULT '',
        intermediate JSONB NOT NULL DEFAULT '[]',
        result       JSONB,
        error        TEXT NOT NULL DEFAULT '',
        created_at   TIMESTAMPTZ NOT NULL,
        started_at   TIMESTAMPTZ,
        ended_at     TIMESTAMPTZ,
        updated_at   TIMESTAMPTZ NOT NULL
    );
    CREATE INDEX IF NOT EXISTS tasks_user_id_idx ON tasks (user_id, created_at);
`

// Migrate creates the tasks table when it does not exist yet.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const createTaskSQL = `
    INSERT INTO tasks (id, user_id, goal, status, progress, steps, session_id, intermediate, result, error, created_at, started_at, ended_at, updated_at)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`

func (s *PostgresStore) CreateTask(ctx context.Context, task *schemas.Task) error {
	now := time.Now().UTC()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := task.Status
	if status == "" {
		status = schemas.StatusPending
	}

	intermediate, result, err := marshalDocuments(task)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, createTaskSQL,
		task.ID, task.UserID, task.Goal, string(status),
		task.Progress, task.Steps, task.SessionID,
		intermediate, result, task.Error,
		createdAt, task.StartedAt, task.EndedAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

const getTaskSQL = `
    SELECT id, user_id, goal, status, progress, steps, session_id, intermediate, result, error, created_at, started_at, ended_at, updated_at
    FROM tasks
    WHERE id = $1;
`

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*schemas.Task, error) {
	row := s.pool.QueryRow(ctx, getTaskSQL, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, err
	}
	return task, nil
}

const listTasksSQL = `
    SELECT id, user_id, goal, status, progress, steps, session_id, intermediate, result, error, created_at, started_at, ended_at, updated_at
    FROM tasks
    WHERE user_id = $1
    ORDER BY created_at ASC;
`

func (s *PostgresStore) ListTasks(ctx context.Context, userID string) ([]*schemas.Task, error) {
	rows, err := s.pool.Query(ctx, listTasksSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*schemas.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

// UpdateTask persists progress fields. Status and the lifecycle timestamps
// are intentionally excluded: both are owned by SetStatusIf, so a stale loop
// can never overwrite a cancellation or erase started_at/ended_at.
const updateTaskSQL = `
    UPDATE tasks
    SET progress = $2, steps = $3, session_id = $4, result = $5, error = $6, updated_at = $7
    WHERE id = $1;
`

func (s *PostgresStore) UpdateTask(ctx context.Context, task *schemas.Task) error {
	_, result, err := marshalDocuments(task)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, updateTaskSQL,
		task.ID, task.Progress, task.Steps, task.SessionID,
		result, task.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	return nil
}

const appendOutcomeSQL = `
    UPDATE tasks
    SET intermediate = intermediate || $2::jsonb, updated_at = $3
    WHERE id = $1;
`

func (s *PostgresStore) AppendOutcome(ctx context.Context, taskID string, outcome schemas.Outcome) error {
	doc, err := json.Marshal([]schemas.Outcome{outcome})
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	tag, err := s.pool.Exec(ctx, appendOutcomeSQL, taskID, doc, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to append outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// SetStatusIf performs the compare-and-set in a single conditional UPDATE
// so concurrent cancellation and loop transitions serialize in the database.
const setStatusIfSQL = `
    UPDATE tasks
    SET status = $2,
        started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL THEN $4 ELSE started_at END,
        ended_at   = CASE WHEN $2 IN ('completed', 'error', 'cancelled') AND ended_at IS NULL THEN $4 ELSE ended_at END,
        updated_at = $4
    WHERE id = $1 AND status = ANY($3);
`

func (s *PostgresStore) SetStatusIf(ctx context.Context, taskID string, to schemas.TaskStatus, from ...schemas.TaskStatus) (bool, error) {
	fromStrs := make([]string, len(from))
	for i, f := range from {
		fromStrs[i] = string(f)
	}

	tag, err := s.pool.Exec(ctx, setStatusIfSQL, taskID, string(to), fromStrs, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to set task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the task is unknown or the precondition failed; distinguish.
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1);`, taskID).Scan(&exists); err != nil {
			return false, fmt.Errorf("failed to check task existence: %w", err)
		}
		if !exists {
			return false, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
		}
		return false, nil
	}

	s.log.Debug("Task status transition.", zap.String("task_id", taskID), zap.String("to", string(to)))
	return true, nil
}

func marshalDocuments(task *schemas.Task) ([]byte, []byte, error) {
	intermediate := task.Intermediate
	if intermediate == nil {
		intermediate = []schemas.Outcome{}
	}
	interDoc, err := json.Marshal(intermediate)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal intermediate results: %w", err)
	}

	var resultDoc []byte
	if task.Result != nil {
		resultDoc, err = json.Marshal(task.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal result: %w", err)
		}
	}
	return interDoc, resultDoc, nil
}

// scanTask reads one task row; rows and pgx.Row share the Scan signature.
func scanTask(row pgx.Row) (*schemas.Task, error) {
	var (
		t            schemas.Task
		status       string
		intermediate []byte
		result       []byte
	)
	err := row.Scan(
		&t.ID, &t.UserID, &t.Goal, &status,
		&t.Progress, &t.Steps, &t.SessionID,
		&intermediate, &result, &t.Error,
		&t.CreatedAt, &t.StartedAt, &t.EndedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = schemas.TaskStatus(status)
	if len(intermediate) > 0 {
		if err := json.Unmarshal(intermediate, &t.Intermediate); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intermediate results: %w", err)
		}
	}
	if len(result) > 0 {
		var res schemas.TaskResult
		if err := json.Unmarshal(result, &res); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
		t.Result = &res
	}
	return &t, nil
}
