package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/broadcast"
	"github.com/taskpilot/taskpilot/internal/config"
	"github.com/taskpilot/taskpilot/internal/store"
)

// fakeService implements TaskService with canned behavior.
type fakeService struct {
	submitID  string
	submitErr error
	cancelled bool
	cancelErr error
	task      *schemas.Task
	taskErr   error
	list      []*schemas.Task

	lastUserID string
	lastGoal   string
}

func (f *fakeService) Submit(ctx context.Context, userID, goal string) (string, error) {
	f.lastUserID, f.lastGoal = userID, goal
	return f.submitID, f.submitErr
}
func (f *fakeService) Cancel(ctx context.Context, taskID string) (bool, error) {
	return f.cancelled, f.cancelErr
}
func (f *fakeService) Snapshot(ctx context.Context, taskID string) (*schemas.Task, error) {
	return f.task, f.taskErr
}
func (f *fakeService) List(ctx context.Context, userID string) ([]*schemas.Task, error) {
	return f.list, nil
}

func newTestServer(svc TaskService) *Server {
	return NewServer(config.ServerConfig{
		Listen:          ":0",
		ShutdownTimeout: time.Second,
	}, svc, broadcast.New(zap.NewNop()), zap.NewNop())
}

func TestHandleSubmit(t *testing.T) {
	svc := &fakeService{submitID: "task-123"}
	srv := newTestServer(svc)

	req := httptest.NewRequest("POST", "/api/v1/tasks",
		strings.NewReader(`{"user_id":"u1","goal":"check the status page"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"task_id":"task-123"}`, string(body))
	assert.Equal(t, "u1", svc.lastUserID)
	assert.Equal(t, "check the status page", svc.lastGoal)
}

func TestHandleSubmit_Validation(t *testing.T) {
	srv := newTestServer(&fakeService{})

	tests := []string{
		`{"user_id":"","goal":"g"}`,
		`{"user_id":"u","goal":""}`,
		`not json`,
	}
	for _, body := range tests {
		req := httptest.NewRequest("POST", "/api/v1/tasks", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := srv.App().Test(req)
		require.NoError(t, err)
		assert.Equal(t, 400, resp.StatusCode, "body: %s", body)
	}
}

func TestHandleSnapshot(t *testing.T) {
	svc := &fakeService{task: &schemas.Task{ID: "t1", UserID: "u1", Status: schemas.StatusProcessing, Progress: 40}}
	srv := newTestServer(svc)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/v1/tasks/t1", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), `"status":"processing"`)
}

func TestHandleSnapshot_NotFound(t *testing.T) {
	svc := &fakeService{taskErr: fmt.Errorf("%w: t1", store.ErrTaskNotFound)}
	srv := newTestServer(svc)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/v1/tasks/t1", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestHandleList(t *testing.T) {
	svc := &fakeService{list: []*schemas.Task{{ID: "t1"}, {ID: "t2"}}}
	srv := newTestServer(svc)

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/v1/tasks?user_id=u1", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	// user_id is mandatory.
	resp, err = srv.App().Test(httptest.NewRequest("GET", "/api/v1/tasks", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHandleCancel(t *testing.T) {
	svc := &fakeService{cancelled: true}
	srv := newTestServer(svc)

	resp, err := srv.App().Test(httptest.NewRequest("DELETE", "/api/v1/tasks/t1", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"task_id":"t1","cancelled":true}`, string(body))
}

func TestHandleCancel_AlreadyTerminalIsIdempotent(t *testing.T) {
	svc := &fakeService{cancelled: false}
	srv := newTestServer(svc)

	resp, err := srv.App().Test(httptest.NewRequest("DELETE", "/api/v1/tasks/t1", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"task_id":"t1","cancelled":false}`, string(body))
}

func TestHandleCancel_UnknownTask(t *testing.T) {
	svc := &fakeService{cancelErr: fmt.Errorf("%w: ghost", store.ErrTaskNotFound)}
	srv := newTestServer(svc)

	resp, err := srv.App().Test(httptest.NewRequest("DELETE", "/api/v1/tasks/ghost", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestInternalErrorShape(t *testing.T) {
	svc := &fakeService{submitErr: errors.New("engine exploded")}
	srv := newTestServer(svc)

	req := httptest.NewRequest("POST", "/api/v1/tasks", strings.NewReader(`{"user_id":"u","goal":"g"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.App().Test(req)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "engine exploded")
}

func TestEventsRequireWebsocketUpgrade(t *testing.T) {
	srv := newTestServer(&fakeService{})

	resp, err := srv.App().Test(httptest.NewRequest("GET", "/api/v1/tasks/t1/events", nil))
	require.NoError(t, err)
	assert.Equal(t, 426, resp.StatusCode)

	resp, err = srv.App().Test(httptest.NewRequest("GET", "/api/v1/users/u1/events", nil))
	require.NoError(t, err)
	assert.Equal(t, 426, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(&fakeService{})
	resp, err := srv.App().Test(httptest.NewRequest("GET", "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}
