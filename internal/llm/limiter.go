package llm

import (
	"math"
	"sync"
	"time"
)

// userLimiter is a sliding 60-second window per user. Only accepted
// submissions consume budget; rejected ones do not.
type userLimiter struct {
	mu        sync.Mutex
	perMinute int
	window    time.Duration
	stamps    map[string][]time.Time
	now       func() time.Time
}

func newUserLimiter(perMinute int) *userLimiter {
	return &userLimiter{
		perMinute: perMinute,
		window:    time.Minute,
		stamps:    make(map[string][]time.Time),
		now:       time.Now,
	}
}

// allow reports whether the user has budget; on refusal it returns the
// whole seconds until the oldest stamp leaves the window.
func (l *userLimiter) allow(user string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	kept := l.prune(user, now)
	if len(kept) >= l.perMinute {
		retry := int(math.Ceil(l.window.Seconds() - now.Sub(kept[0]).Seconds()))
		if retry < 1 {
			retry = 1
		}
		return false, retry
	}
	l.stamps[user] = append(kept, now)
	return true, 0
}

// remaining returns the user's unused budget in the current window.
func (l *userLimiter) remaining(user string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	left := l.perMinute - len(l.prune(user, l.now()))
	if left < 0 {
		left = 0
	}
	return left
}

// prune drops expired stamps. Caller holds the mutex.
func (l *userLimiter) prune(user string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	stamps := l.stamps[user]
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	kept := stamps[i:]
	if len(kept) == 0 {
		delete(l.stamps, user)
	} else {
		l.stamps[user] = kept
	}
	return kept
}
