package scheduler

import (
	"sync"
	"time"
)

// retryLadder is the fixed backoff between failed runs. Rate-limited
// failures always take the last rung regardless of attempt number.
var retryLadder = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// retryDelay returns the backoff before retry number attempt (1-based).
// Delays are non-decreasing and cap at the last rung.
func retryDelay(attempt int, pattern Pattern) time.Duration {
	if pattern == PatternRateLimited {
		return retryLadder[len(retryLadder)-1]
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retryLadder) {
		attempt = len(retryLadder)
	}
	return retryLadder[attempt-1]
}

// retryTimers tracks one pending one-shot retry per task id.
type retryTimers struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newRetryTimers() *retryTimers {
	return &retryTimers{timers: make(map[string]*time.Timer)}
}

// schedule arms (or re-arms) the retry for a task. fn runs once on fire.
func (r *retryTimers) schedule(taskID string, d time.Duration, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[taskID]; ok {
		t.Stop()
	}
	r.timers[taskID] = time.AfterFunc(d, func() {
		r.mu.Lock()
		delete(r.timers, taskID)
		r.mu.Unlock()
		fn()
	})
}

// cancel stops a pending retry, if any.
func (r *retryTimers) cancel(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[taskID]; ok {
		t.Stop()
		delete(r.timers, taskID)
	}
}

// stopAll cancels every pending retry. Used at shutdown.
func (r *retryTimers) stopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
