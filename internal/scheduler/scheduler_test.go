package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRunMatchesTimeOncePerDay(t *testing.T) {
	s := New()
	var runs int32
	s.Add("noćni", 2, 0, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})

	current := time.Date(2026, 2, 15, 1, 59, 30, 0, time.Local)
	s.now = func() time.Time { return current }

	s.tick()
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs), "before the scheduled minute")

	current = time.Date(2026, 2, 15, 2, 0, 10, 0, time.Local)
	s.tick()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	// Second wakeup inside the same minute: last-run date is today.
	current = time.Date(2026, 2, 15, 2, 0, 40, 0, time.Local)
	s.tick()
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))

	// Next day, same minute: runs again.
	current = time.Date(2026, 2, 16, 2, 0, 5, 0, time.Local)
	s.tick()
	assert.Equal(t, int32(2), atomic.LoadInt32(&runs))
}

func TestDisabledJobNeverRuns(t *testing.T) {
	s := New()
	var runs int32
	s.Add("ugašen", 2, 0, func(ctx context.Context) error {
		atomic.AddInt32(&runs, 1)
		return nil
	})
	s.jobs[0].Enabled = false

	s.now = func() time.Time { return time.Date(2026, 2, 15, 2, 0, 10, 0, time.Local) }
	s.tick()
	assert.Equal(t, int32(0), atomic.LoadInt32(&runs))
}

func TestHandlerErrorsAndPanicsCounted(t *testing.T) {
	s := New()
	s.Add("greška", 3, 0, func(ctx context.Context) error {
		return errors.New("disk pun")
	})
	s.Add("panika", 4, 0, func(ctx context.Context) error {
		panic("boom")
	})

	require.NoError(t, s.RunNow("greška"))
	require.NoError(t, s.RunNow("panika"))

	stats := s.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, 1, stats[0]["errors"])
	assert.Equal(t, "disk pun", stats[0]["last_error"])
	assert.Equal(t, 1, stats[1]["errors"])
	assert.Contains(t, stats[1]["last_error"], "panic")
}

func TestRunNowUnknownJob(t *testing.T) {
	s := New()
	assert.Error(t, s.RunNow("nema-ga"))
}

func TestRunNowClearsPreviousError(t *testing.T) {
	s := New()
	fail := true
	s.Add("povremeno", 3, 0, func(ctx context.Context) error {
		if fail {
			return errors.New("prvi put ne ide")
		}
		return nil
	})

	require.NoError(t, s.RunNow("povremeno"))
	fail = false
	require.NoError(t, s.RunNow("povremeno"))

	stats := s.Stats()
	assert.Equal(t, 2, stats[0]["runs"])
	assert.Equal(t, 1, stats[0]["errors"])
	_, hasErr := stats[0]["last_error"]
	assert.False(t, hasErr)
}
