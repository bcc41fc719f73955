// Package llm queues chat requests toward the local inference backend:
// bounded concurrency, bounded waiting room, per-user rate limiting and
// priority-then-FIFO dispatch.
package llm

import (
	"container/heap"
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nyxlight/backend/internal/apperr"
)

// Priorities. Dispatch order is (priority desc, enqueue order asc).
const (
	PriorityNormal = 0
	PriorityHigh   = 1
	PriorityUrgent = 2
)

type waiterState int

const (
	waiting waiterState = iota
	granted
	abandoned
)

type waiter struct {
	priority int
	seq      uint64
	ready    chan struct{}
	state    waiterState
	index    int // heap index, -1 once popped
}

type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }
func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h waiterHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *waiterHeap) Push(x interface{}) {
	w := x.(*waiter)
	w.index = len(*h)
	*h = append(*h, w)
}
func (h *waiterHeap) Pop() interface{} {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*h = old[:n-1]
	return w
}

// Observer mirrors queue activity into an external sink; the
// monitoring package implements it. A nil observer is a no-op.
type Observer interface {
	LLMQueueState(active, depth int)
	RecordLLMResult(result string)
}

type Queue struct {
	mu       sync.Mutex
	waiters  waiterHeap
	active   int
	seq      uint64
	max      int
	queueMax int
	timeout  time.Duration
	limiter  *userLimiter
	provider Provider
	logger   *log.Logger
	obs      Observer

	submitted int64
	completed int64
	rejected  int64
	timedOut  int64
}

func NewQueue(provider Provider, maxConcurrent, queueMax, ratePerMinute, timeoutSeconds int) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	if queueMax <= 0 {
		queueMax = 50
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 10
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = 120
	}
	return &Queue{
		max:      maxConcurrent,
		queueMax: queueMax,
		timeout:  time.Duration(timeoutSeconds) * time.Second,
		limiter:  newUserLimiter(ratePerMinute),
		provider: provider,
		logger:   log.New(log.Writer(), "[LLM-QUEUE] ", log.LstdFlags),
	}
}

// Observe registers the activity sink. Call before the queue serves
// traffic; registration is not synchronized with running requests.
func (q *Queue) Observe(o Observer) {
	q.obs = o
}

func (q *Queue) observeState(active, depth int) {
	if q.obs != nil {
		q.obs.LLMQueueState(active, depth)
	}
}

// result bumps the atomic counter and forwards the outcome label.
func (q *Queue) result(counter *int64, outcome string) {
	atomic.AddInt64(counter, 1)
	if q.obs != nil {
		q.obs.RecordLLMResult(outcome)
	}
}

// Do runs one completion through the queue. It blocks until a slot is
// granted, the caller's context is cancelled, or the total timeout
// (waiting plus processing) expires.
func (q *Queue) Do(ctx context.Context, user string, priority int, req CompletionRequest) (*CompletionResult, error) {
	if ok, retry := q.limiter.allow(user); !ok {
		q.result(&q.rejected, "rejected")
		return nil, apperr.Limited(retry)
	}

	q.mu.Lock()
	if len(q.waiters) >= q.queueMax {
		q.mu.Unlock()
		q.result(&q.rejected, "rejected")
		return nil, apperr.Newf(apperr.QueueFull, "red čekanja je pun (%d zahtjeva)", q.queueMax)
	}
	w := &waiter{
		priority: priority,
		seq:      q.seq,
		ready:    make(chan struct{}),
	}
	q.seq++
	heap.Push(&q.waiters, w)
	q.dispatch()
	active, depth := q.active, len(q.waiters)
	q.mu.Unlock()
	atomic.AddInt64(&q.submitted, 1)
	q.observeState(active, depth)

	start := time.Now()
	deadline := time.NewTimer(q.timeout)
	defer deadline.Stop()

	select {
	case <-w.ready:
	case <-ctx.Done():
		q.abandon(w)
		return nil, ctx.Err()
	case <-deadline.C:
		q.abandon(w)
		q.result(&q.timedOut, "timed_out")
		return nil, apperr.Newf(apperr.QueueTimeout, "zahtjev nije obrađen unutar %s", q.timeout)
	}

	defer q.release()

	// Processing shares the total budget with the time already spent
	// waiting in the queue.
	callCtx, cancel := context.WithTimeout(ctx, q.timeout-time.Since(start))
	defer cancel()

	result, err := q.provider.Complete(callCtx, req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			q.result(&q.timedOut, "timed_out")
			return nil, apperr.Newf(apperr.QueueTimeout, "zahtjev nije obrađen unutar %s", q.timeout)
		}
		return nil, err
	}
	q.result(&q.completed, "completed")
	return result, nil
}

// abandon removes a waiter that gave up. If a grant raced ahead of the
// cancellation, the slot is released instead.
func (q *Queue) abandon(w *waiter) {
	q.mu.Lock()
	switch w.state {
	case granted:
		q.active--
		q.dispatch()
	case waiting:
		w.state = abandoned
		if w.index >= 0 {
			heap.Remove(&q.waiters, w.index)
		}
	}
	active, depth := q.active, len(q.waiters)
	q.mu.Unlock()
	q.observeState(active, depth)
}

func (q *Queue) release() {
	q.mu.Lock()
	q.active--
	q.dispatch()
	active, depth := q.active, len(q.waiters)
	q.mu.Unlock()
	q.observeState(active, depth)
}

// dispatch grants slots while capacity remains. Caller holds the mutex.
func (q *Queue) dispatch() {
	for q.active < q.max && len(q.waiters) > 0 {
		w := heap.Pop(&q.waiters).(*waiter)
		if w.state == abandoned {
			continue
		}
		w.state = granted
		q.active++
		close(w.ready)
	}
}

// Remaining returns the user's unused rate budget this minute.
func (q *Queue) Remaining(user string) int {
	return q.limiter.remaining(user)
}

// Stats feeds the monitor endpoint.
func (q *Queue) Stats() map[string]interface{} {
	q.mu.Lock()
	active, depth := q.active, len(q.waiters)
	q.mu.Unlock()
	return map[string]interface{}{
		"active":         active,
		"queue_depth":    depth,
		"max_concurrent": q.max,
		"submitted":      atomic.LoadInt64(&q.submitted),
		"completed":      atomic.LoadInt64(&q.completed),
		"rejected":       atomic.LoadInt64(&q.rejected),
		"timed_out":      atomic.LoadInt64(&q.timedOut),
	}
}
