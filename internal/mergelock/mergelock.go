// Package mergelock serializes merges into the primary repository.
//
// Only one task may merge at a time. Tasks that want the lock while it is
// held join a FIFO queue and block until every earlier waiter has had its
// turn. Ownership is advisory and process-wide; the lock guards the
// engine's own merge pipeline, not the repository itself.
package mergelock

import (
	"context"
	"sync"

	"github.com/michaellee1/ClaudeGod-sub002/internal/logging"
)

// waiter is one queued task id. The channel is closed when ownership
// transfers to the waiter. Concurrent Acquire calls for the same id share
// one waiter, counted by refs, so an id never appears in the queue twice.
type waiter struct {
	taskID string
	ready  chan struct{}
	refs   int
}

// Lock is the process-wide merge lock with a FIFO waiter queue.
// All methods are safe for concurrent use.
type Lock struct {
	mu     sync.Mutex
	owner  string
	queue  []*waiter
	logger *logging.Logger
}

// New creates an unheld merge lock. A nil logger is replaced with a no-op.
func New(logger *logging.Logger) *Lock {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Lock{logger: logger.WithComponent("mergelock")}
}

// Acquire blocks until taskID holds the lock or ctx is done. Waiters are
// served strictly in arrival order. If taskID already holds the lock,
// Acquire returns immediately; if it is already queued, the call joins the
// existing queue position instead of taking a second one.
func (l *Lock) Acquire(ctx context.Context, taskID string) error {
	l.mu.Lock()

	if l.owner == taskID {
		l.mu.Unlock()
		return nil
	}
	if l.owner == "" && len(l.queue) == 0 {
		l.owner = taskID
		l.mu.Unlock()
		l.logger.Debug("merge lock acquired", "task_id", taskID)
		return nil
	}

	w := l.queuedLocked(taskID)
	if w == nil {
		w = &waiter{taskID: taskID, ready: make(chan struct{})}
		l.queue = append(l.queue, w)
	}
	w.refs++
	position := len(l.queue)
	l.mu.Unlock()

	l.logger.Debug("waiting for merge lock", "task_id", taskID, "position", position)

	select {
	case <-w.ready:
		l.logger.Debug("merge lock acquired", "task_id", taskID)
		return nil
	case <-ctx.Done():
		l.abandon(w)
		return ctx.Err()
	}
}

// abandon drops one Acquire call whose context expired. A shared waiter
// leaves the queue only when its last call abandons it. If ownership was
// handed over in the race between ctx.Done and removal, and no duplicate
// call is still taking delivery, the lock is passed on to the next waiter.
func (l *Lock) abandon(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w.refs--
	for i, q := range l.queue {
		if q == w {
			if w.refs == 0 {
				l.queue = append(l.queue[:i], l.queue[i+1:]...)
			}
			return
		}
	}

	if w.refs == 0 && l.owner == w.taskID {
		l.handoffLocked()
	}
}

// Release relinquishes the lock held by taskID and wakes the next waiter.
// Calls by a task that does not hold the lock are a no-op.
func (l *Lock) Release(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.owner != taskID {
		return
	}
	l.logger.Debug("merge lock released", "task_id", taskID)
	l.handoffLocked()
}

// queuedLocked returns the waiter already queued for taskID, if any.
// Caller must hold mu.
func (l *Lock) queuedLocked(taskID string) *waiter {
	for _, q := range l.queue {
		if q.taskID == taskID {
			return q
		}
	}
	return nil
}

// handoffLocked transfers ownership to the head of the queue, or clears
// the owner when the queue is empty. Caller must hold mu.
func (l *Lock) handoffLocked() {
	if len(l.queue) == 0 {
		l.owner = ""
		return
	}
	next := l.queue[0]
	l.queue = l.queue[1:]
	l.owner = next.taskID
	close(next.ready)
}

// Owner returns the task currently holding the lock, or "" when unheld.
func (l *Lock) Owner() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner
}

// QueueLength returns the number of tasks waiting for the lock. The
// current owner is not counted.
func (l *Lock) QueueLength() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// IsLockedBy reports whether taskID currently holds the lock.
func (l *Lock) IsLockedBy(taskID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.owner != "" && l.owner == taskID
}
