// Package broadcast fans task progress deltas out to push subscribers.
// Delivery is at-most-once and best-effort: a slow or disconnected
// subscriber misses deltas and recovers by pulling the authoritative task
// snapshot from the store.
package broadcast

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/taskpilot/taskpilot/api/schemas"
)

// subscriberBuffer bounds how far a push subscriber may fall behind before
// deltas are dropped.
const subscriberBuffer = 16

type subscriber struct {
	ch chan schemas.ProgressDelta
}

// Broadcaster implements schemas.Publisher. Subscribers are keyed per task
// and per user; each key has its own lock-free delivery path after the
// subscriber set is snapshotted.
type Broadcaster struct {
	logger *zap.Logger

	mu      sync.RWMutex
	byTask  map[string]map[*subscriber]struct{}
	byUser  map[string]map[*subscriber]struct{}
	dropped atomic.Uint64
}

var _ schemas.Publisher = (*Broadcaster)(nil)

// New creates an empty broadcaster.
func New(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger: logger.Named("broadcaster"),
		byTask: make(map[string]map[*subscriber]struct{}),
		byUser: make(map[string]map[*subscriber]struct{}),
	}
}

// SubscribeTask registers a push subscriber for one task's deltas. The
// returned cancel func unregisters and closes the channel; it is safe to
// call more than once.
func (b *Broadcaster) SubscribeTask(taskID string) (<-chan schemas.ProgressDelta, func()) {
	return b.subscribe(b.byTask, taskID)
}

// SubscribeUser registers a push subscriber for all deltas of one user's
// tasks.
func (b *Broadcaster) SubscribeUser(userID string) (<-chan schemas.ProgressDelta, func()) {
	return b.subscribe(b.byUser, userID)
}

func (b *Broadcaster) subscribe(index map[string]map[*subscriber]struct{}, key string) (<-chan schemas.ProgressDelta, func()) {
	sub := &subscriber{ch: make(chan schemas.ProgressDelta, subscriberBuffer)}

	b.mu.Lock()
	set, ok := index[key]
	if !ok {
		set = make(map[*subscriber]struct{})
		index[key] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			// Closing under the write lock means Publish, which sends under
			// the read lock, can never race a send against this close.
			b.mu.Lock()
			if set, ok := index[key]; ok {
				delete(set, sub)
				if len(set) == 0 {
					delete(index, key)
				}
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Publish delivers the delta to every subscriber of the delta's task and
// user. A full subscriber buffer drops the delta for that subscriber only.
// Publish never blocks on a subscriber.
func (b *Broadcaster) Publish(delta schemas.ProgressDelta) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	deliver := func(sub *subscriber) {
		select {
		case sub.ch <- delta:
		default:
			b.dropped.Add(1)
			b.logger.Debug("Subscriber buffer full; delta dropped.",
				zap.String("task_id", delta.TaskID),
				zap.String("user_id", delta.UserID),
			)
		}
	}
	for sub := range b.byTask[delta.TaskID] {
		deliver(sub)
	}
	for sub := range b.byUser[delta.UserID] {
		deliver(sub)
	}
}

// Dropped reports how many deltas were dropped on full buffers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}
