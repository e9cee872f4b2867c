// Package sessions tracks live automation sessions by ID and enforces the
// single-creation guarantee: concurrent acquisitions of the same ID share
// one session instead of racing to create duplicates.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/taskpilot/taskpilot/api/schemas"
	"github.com/taskpilot/taskpilot/internal/config"
)

// CreateFunc produces a new session when the registry holds none for the
// requested ID.
type CreateFunc func(ctx context.Context) (schemas.SessionHandle, error)

// entry is a registered session plus its bookkeeping.
type entry struct {
	handle   schemas.SessionHandle
	lastUsed time.Time
}

// Registry owns the session table. Close of the underlying sessions is
// delegated to the agent that created them.
type Registry struct {
	logger *zap.Logger
	agent  schemas.AutomationAgent
	cfg    config.SessionsConfig

	mu      sync.Mutex
	entries map[string]*entry
	group   singleflight.Group

	janitorStop chan struct{}
	janitorDone chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(agent schemas.AutomationAgent, cfg config.SessionsConfig, logger *zap.Logger) *Registry {
	return &Registry{
		logger:      logger.Named("session_registry"),
		agent:       agent,
		cfg:         cfg,
		entries:     make(map[string]*entry),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
}

// AcquireOrCreate returns the session registered under id, creating it via
// createFn when absent. Concurrent callers for the same id observe exactly
// one createFn invocation; the losers share the winner's session. The
// returned ID is the registry key the session lives under.
func (r *Registry) AcquireOrCreate(ctx context.Context, id string, createFn CreateFunc) (string, schemas.SessionHandle, error) {
	if id == "" {
		return "", nil, fmt.Errorf("session id must not be empty")
	}

	if h := r.touch(id); h != nil {
		return id, h, nil
	}

	v, err, shared := r.group.Do(id, func() (interface{}, error) {
		// A session may have landed between the fast path and here.
		if h := r.touch(id); h != nil {
			return h, nil
		}

		handle, err := createFn(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create session %q: %w", id, err)
		}

		r.mu.Lock()
		r.entries[id] = &entry{handle: handle, lastUsed: time.Now()}
		r.mu.Unlock()

		r.logger.Info("Session registered.",
			zap.String("session_id", id),
			zap.String("handle_id", handle.ID()),
		)
		return handle, nil
	})
	if err != nil {
		return "", nil, err
	}
	if shared {
		r.logger.Debug("Session acquisition coalesced.", zap.String("session_id", id))
	}
	return id, v.(schemas.SessionHandle), nil
}

// Get returns the session registered under id without creating one.
func (r *Registry) Get(id string) (schemas.SessionHandle, bool) {
	h := r.touch(id)
	return h, h != nil
}

// touch returns the registered handle and refreshes its idle clock.
func (r *Registry) touch(id string) schemas.SessionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	e.lastUsed = time.Now()
	return e.handle
}

// Release removes the session from the registry and tears it down.
// Teardown failures are logged and swallowed: a session that failed to die
// cleanly must not fail the task that is finished with it.
func (r *Registry) Release(ctx context.Context, id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()

	if !ok {
		return
	}

	if err := r.agent.Close(ctx, e.handle); err != nil {
		r.logger.Warn("Session teardown failed; continuing.",
			zap.String("session_id", id),
			zap.Error(err),
		)
		return
	}
	r.logger.Debug("Session released.", zap.String("session_id", id))
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartJanitor begins periodic sweeps of idle sessions. A nonpositive sweep
// interval disables the janitor.
func (r *Registry) StartJanitor() {
	r.startOnce.Do(func() {
		if r.cfg.SweepInterval <= 0 {
			close(r.janitorDone)
			return
		}
		go r.janitor()
	})
}

// StopJanitor stops the sweep loop and waits for it to exit. Safe to call
// whether or not the janitor was ever started.
func (r *Registry) StopJanitor() {
	r.startOnce.Do(func() { close(r.janitorDone) })
	r.stopOnce.Do(func() { close(r.janitorStop) })
	<-r.janitorDone
}

func (r *Registry) janitor() {
	defer close(r.janitorDone)
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.janitorStop:
			return
		case <-ticker.C:
			r.Sweep(context.Background())
		}
	}
}

// Sweep releases every session idle for longer than the configured max age.
func (r *Registry) Sweep(ctx context.Context) {
	if r.cfg.MaxIdleAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-r.cfg.MaxIdleAge)

	r.mu.Lock()
	var stale []string
	for id, e := range r.entries {
		if e.lastUsed.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Info("Sweeping idle session.", zap.String("session_id", id))
		r.Release(ctx, id)
	}
}

// ReleaseAll tears down every registered session, for shutdown.
func (r *Registry) ReleaseAll(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Release(ctx, id)
	}
}
