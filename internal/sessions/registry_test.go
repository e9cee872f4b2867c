package sessions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandle struct{ id string }

func (f fakeHandle) ID() string { return f.id }

// fakeAgent records Close calls; the registry only uses Close.
type fakeAgent struct {
	mu       sync.Mutex
	closed   []string
	closeErr error
}

func (f *fakeAgent) Open(ctx context.Context, startURL string) (schemas.SessionHandle, error) {
	return fakeHandle{id: "open"}, nil
}
func (f *fakeAgent) Act(ctx context.Context, h schemas.SessionHandle, in string) (string, error) {
	return "", nil
}
func (f *fakeAgent) Query(ctx context.Context, h schemas.SessionHandle, in string) (string, error) {
	return "", nil
}
func (f *fakeAgent) Snapshot(ctx context.Context, h schemas.SessionHandle) (schemas.StateBlob, error) {
	return schemas.StateBlob{}, nil
}
func (f *fakeAgent) Close(ctx context.Context, h schemas.SessionHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, h.ID())
	return f.closeErr
}

func newTestRegistry(agent *fakeAgent) *Registry {
	return NewRegistry(agent, config.SessionsConfig{}, zap.NewNop())
}

func TestAcquireOrCreate_CreatesOnce(t *testing.T) {
	reg := newTestRegistry(&fakeAgent{})
	var creates atomic.Int32

	id, h, err := reg.AcquireOrCreate(context.Background(), "task-1", func(ctx context.Context) (schemas.SessionHandle, error) {
		creates.Add(1)
		return fakeHandle{id: "h1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "task-1", id)
	assert.Equal(t, "h1", h.ID())

	// Second acquisition reuses without calling createFn.
	_, h2, err := reg.AcquireOrCreate(context.Background(), "task-1", func(ctx context.Context) (schemas.SessionHandle, error) {
		creates.Add(1)
		return fakeHandle{id: "h2"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "h1", h2.ID())
	assert.Equal(t, int32(1), creates.Load())
}

func TestAcquireOrCreate_ConcurrentSingleCreate(t *testing.T) {
	reg := newTestRegistry(&fakeAgent{})
	var creates atomic.Int32

	createFn := func(ctx context.Context) (schemas.SessionHandle, error) {
		creates.Add(1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return fakeHandle{id: "shared"}, nil
	}

	const goroutines = 16
	var wg sync.WaitGroup
	handles := make([]schemas.SessionHandle, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, h, err := reg.AcquireOrCreate(context.Background(), "contested", createFn)
			require.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), creates.Load(), "createFn must run exactly once")
	for _, h := range handles {
		assert.Equal(t, "shared", h.ID())
	}
	assert.Equal(t, 1, reg.Len())
}

func TestAcquireOrCreate_CreateFailureNotCached(t *testing.T) {
	reg := newTestRegistry(&fakeAgent{})

	_, _, err := reg.AcquireOrCreate(context.Background(), "flaky", func(ctx context.Context) (schemas.SessionHandle, error) {
		return nil, errors.New("browser refused")
	})
	require.Error(t, err)
	assert.Equal(t, 0, reg.Len())

	// A later attempt may succeed.
	_, h, err := reg.AcquireOrCreate(context.Background(), "flaky", func(ctx context.Context) (schemas.SessionHandle, error) {
		return fakeHandle{id: "recovered"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", h.ID())
}

func TestGet_DoesNotCreate(t *testing.T) {
	reg := newTestRegistry(&fakeAgent{})
	_, ok := reg.Get("absent")
	assert.False(t, ok)

	_, _, err := reg.AcquireOrCreate(context.Background(), "present", func(ctx context.Context) (schemas.SessionHandle, error) {
		return fakeHandle{id: "p"}, nil
	})
	require.NoError(t, err)

	h, ok := reg.Get("present")
	require.True(t, ok)
	assert.Equal(t, "p", h.ID())
}

func TestRelease_SwallowsTeardownFailure(t *testing.T) {
	agent := &fakeAgent{closeErr: errors.New("zombie process")}
	reg := newTestRegistry(agent)

	_, _, err := reg.AcquireOrCreate(context.Background(), "doomed", func(ctx context.Context) (schemas.SessionHandle, error) {
		return fakeHandle{id: "d"}, nil
	})
	require.NoError(t, err)

	// Must not panic or surface the error; session leaves the table anyway.
	reg.Release(context.Background(), "doomed")
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, []string{"d"}, agent.closed)

	// Releasing an unknown ID is a no-op.
	reg.Release(context.Background(), "doomed")
	assert.Len(t, agent.closed, 1)
}

func TestSweep_ReleasesOnlyIdleSessions(t *testing.T) {
	agent := &fakeAgent{}
	reg := NewRegistry(agent, config.SessionsConfig{MaxIdleAge: 50 * time.Millisecond}, zap.NewNop())

	for _, id := range []string{"old", "fresh"} {
		_, _, err := reg.AcquireOrCreate(context.Background(), id, func(ctx context.Context) (schemas.SessionHandle, error) {
			return fakeHandle{id: id}, nil
		})
		require.NoError(t, err)
	}

	time.Sleep(70 * time.Millisecond)
	reg.touch("fresh")
	reg.Sweep(context.Background())

	assert.Equal(t, 1, reg.Len())
	_, ok := reg.Get("fresh")
	assert.True(t, ok)
	assert.Equal(t, []string{"old"}, agent.closed)
}

func TestJanitorStartStop(t *testing.T) {
	reg := NewRegistry(&fakeAgent{}, config.SessionsConfig{SweepInterval: 10 * time.Millisecond, MaxIdleAge: time.Hour}, zap.NewNop())
	reg.StartJanitor()
	time.Sleep(30 * time.Millisecond)
	reg.StopJanitor()
}

func TestReleaseAll(t *testing.T) {
	agent := &fakeAgent{}
	reg := newTestRegistry(agent)
	for _, id := range []string{"a", "b", "c"} {
		_, _, err := reg.AcquireOrCreate(context.Background(), id, func(ctx context.Context) (schemas.SessionHandle, error) {
			return fakeHandle{id: id}, nil
		})
		require.NoError(t, err)
	}

	reg.ReleaseAll(context.Background())
	assert.Equal(t, 0, reg.Len())
	assert.Len(t, agent.closed, 3)
}
