package llm

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nyxlight/backend/internal/apperr"
)

// blockingProvider holds every call until released and tracks the peak
// number of concurrent calls.
type blockingProvider struct {
	mu      sync.Mutex
	active  int
	peak    int
	release chan struct{}
}

func newBlockingProvider() *blockingProvider {
	return &blockingProvider{release: make(chan struct{})}
}

func (p *blockingProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	p.mu.Lock()
	p.active++
	if p.active > p.peak {
		p.peak = p.active
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	select {
	case <-p.release:
		return &CompletionResult{Content: "ok"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestQueueConcurrencyCap(t *testing.T) {
	provider := newBlockingProvider()
	q := NewQueue(provider, 3, 50, 1000, 120)

	var done sync.WaitGroup
	for i := 0; i < 10; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			_, err := q.Do(context.Background(), "user", PriorityNormal, CompletionRequest{})
			assert.NoError(t, err)
		}()
	}

	// Wait until three calls are in flight and the rest queued.
	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.active == 3
	}, time.Second, 5*time.Millisecond)

	close(provider.release)
	done.Wait()

	provider.mu.Lock()
	assert.Equal(t, 3, provider.peak, "no more than max_concurrent dispatches at once")
	provider.mu.Unlock()

	stats := q.Stats()
	assert.Equal(t, int64(10), stats["submitted"])
	assert.Equal(t, int64(10), stats["completed"])
}

func TestQueueFull(t *testing.T) {
	provider := newBlockingProvider()
	defer close(provider.release)
	q := NewQueue(provider, 1, 2, 1000, 120)

	started := make(chan struct{}, 8)
	// One active + two waiting fill the queue.
	for i := 0; i < 3; i++ {
		go func() {
			started <- struct{}{}
			q.Do(context.Background(), "user", PriorityNormal, CompletionRequest{})
		}()
	}
	for i := 0; i < 3; i++ {
		<-started
	}
	require.Eventually(t, func() bool {
		return q.Stats()["queue_depth"].(int) == 2
	}, time.Second, 5*time.Millisecond)

	_, err := q.Do(context.Background(), "user", PriorityNormal, CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.QueueFull, apperr.KindOf(err))
}

// recordingProvider notes the System field of each request in call
// order. With max_concurrent=1 the calls are strictly serialized, so
// the recorded order is the grant order.
type recordingProvider struct {
	mu      sync.Mutex
	order   []string
	release chan struct{}
}

func (p *recordingProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	<-p.release
	p.mu.Lock()
	p.order = append(p.order, req.System)
	p.mu.Unlock()
	return &CompletionResult{Content: "ok"}, nil
}

func TestQueuePriorityOrder(t *testing.T) {
	provider := &recordingProvider{release: make(chan struct{})}
	q := NewQueue(provider, 1, 50, 1000, 120)

	var wg sync.WaitGroup
	start := func(name string, priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.Do(context.Background(), "user", priority, CompletionRequest{System: name})
		}()
	}

	// Occupy the single slot, then enqueue one waiter per priority in
	// ascending order so priority, not arrival, decides the grants.
	start("holder", PriorityNormal)
	require.Eventually(t, func() bool {
		return q.Stats()["active"].(int) == 1
	}, time.Second, time.Millisecond)

	for i, name := range []string{"normal", "high", "urgent"} {
		start(name, i)
		require.Eventually(t, func() bool {
			return q.Stats()["queue_depth"].(int) == i+1
		}, time.Second, time.Millisecond)
	}

	close(provider.release)
	wg.Wait()

	provider.mu.Lock()
	defer provider.mu.Unlock()
	assert.Equal(t, []string{"holder", "urgent", "high", "normal"}, provider.order)
}

func TestQueueCancelledWaiterReleasesSlot(t *testing.T) {
	provider := newBlockingProvider()
	q := NewQueue(provider, 1, 50, 1000, 120)

	go q.Do(context.Background(), "holder", PriorityNormal, CompletionRequest{})
	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.active == 1
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Do(ctx, "waiter", PriorityNormal, CompletionRequest{})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		return q.Stats()["queue_depth"].(int) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, q.Stats()["queue_depth"].(int))

	close(provider.release)
}

func TestQueueTimeout(t *testing.T) {
	provider := newBlockingProvider()
	defer close(provider.release)
	q := NewQueue(provider, 1, 50, 1000, 120)
	q.timeout = 50 * time.Millisecond

	go q.Do(context.Background(), "holder", PriorityNormal, CompletionRequest{})
	require.Eventually(t, func() bool {
		provider.mu.Lock()
		defer provider.mu.Unlock()
		return provider.active == 1
	}, time.Second, 5*time.Millisecond)

	_, err := q.Do(context.Background(), "waiter", PriorityNormal, CompletionRequest{})
	require.Error(t, err)
	assert.Equal(t, apperr.QueueTimeout, apperr.KindOf(err))
	assert.Equal(t, int64(1), atomic.LoadInt64(&q.timedOut))
}

// countingObserver records the last reported state and the outcome
// tallies.
type countingObserver struct {
	mu      sync.Mutex
	active  int
	depth   int
	results map[string]int
}

func (o *countingObserver) LLMQueueState(active, depth int) {
	o.mu.Lock()
	o.active, o.depth = active, depth
	o.mu.Unlock()
}

func (o *countingObserver) RecordLLMResult(result string) {
	o.mu.Lock()
	o.results[result]++
	o.mu.Unlock()
}

func TestQueueReportsToObserver(t *testing.T) {
	provider := newBlockingProvider()
	q := NewQueue(provider, 1, 50, 1, 120)
	obs := &countingObserver{results: map[string]int{}}
	q.Observe(obs)

	done := make(chan struct{})
	go func() {
		_, err := q.Do(context.Background(), "ana", PriorityNormal, CompletionRequest{})
		assert.NoError(t, err)
		close(done)
	}()

	require.Eventually(t, func() bool {
		obs.mu.Lock()
		defer obs.mu.Unlock()
		return obs.active == 1
	}, time.Second, 5*time.Millisecond)

	close(provider.release)
	<-done

	// Rate budget of one is spent; the next call is rejected.
	_, err := q.Do(context.Background(), "ana", PriorityNormal, CompletionRequest{})
	require.Error(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 0, obs.active, "slot released after completion")
	assert.Equal(t, 0, obs.depth)
	assert.Equal(t, 1, obs.results["completed"])
	assert.Equal(t, 1, obs.results["rejected"])
}

func TestQueueRateLimit(t *testing.T) {
	provider := newBlockingProvider()
	close(provider.release) // complete immediately
	q := NewQueue(provider, 3, 50, 10, 120)

	for i := 0; i < 10; i++ {
		_, err := q.Do(context.Background(), "ivan", PriorityNormal, CompletionRequest{})
		require.NoError(t, err, "call %d", i+1)
	}
	assert.Equal(t, 0, q.Remaining("ivan"))

	_, err := q.Do(context.Background(), "ivan", PriorityNormal, CompletionRequest{})
	require.Error(t, err)
	e := apperr.From(err)
	assert.Equal(t, apperr.RateLimited, e.Kind)
	assert.Greater(t, e.RetryAfter, 0)
	assert.LessOrEqual(t, e.RetryAfter, 60)

	// Another user is unaffected.
	_, err = q.Do(context.Background(), "ana", PriorityNormal, CompletionRequest{})
	assert.NoError(t, err)
}
