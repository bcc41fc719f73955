// Package scheduler runs time-of-day jobs. The coordinator wakes every
// 30 seconds; a job fires when local time matches its hour:minute and
// it has not yet run today.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

const tickInterval = 30 * time.Second

type Handler func(ctx context.Context) error

type Job struct {
	Name    string
	Hour    int
	Minute  int
	Handler Handler
	Enabled bool

	lastRun time.Time
	runs    int
	errors  int
	lastErr string
}

type Scheduler struct {
	mu     sync.Mutex
	jobs   []*Job
	stopCh chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
	logger *log.Logger
}

func New() *Scheduler {
	return &Scheduler{
		stopCh: make(chan struct{}),
		now:    time.Now,
		logger: log.New(log.Writer(), "[SCHEDULER] ", log.LstdFlags),
	}
}

func (s *Scheduler) Add(name string, hour, minute int, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &Job{
		Name:    name,
		Hour:    hour,
		Minute:  minute,
		Handler: h,
		Enabled: true,
	})
}

func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Printf("pokrenut (%d poslova)", len(s.jobs))
}

func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) tick() {
	now := s.now()
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if s.shouldRun(j, now) {
			j.lastRun = now
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.run(j)
	}
}

// shouldRun: enabled, time matches, and last run was on an earlier day.
// Caller holds the mutex.
func (s *Scheduler) shouldRun(j *Job, now time.Time) bool {
	if !j.Enabled || j.Handler == nil {
		return false
	}
	if now.Hour() != j.Hour || now.Minute() != j.Minute {
		return false
	}
	if j.lastRun.IsZero() {
		return true
	}
	ly, lm, ld := j.lastRun.Date()
	y, m, d := now.Date()
	return time.Date(ly, lm, ld, 0, 0, 0, 0, time.Local).
		Before(time.Date(y, m, d, 0, 0, 0, 0, time.Local))
}

func (s *Scheduler) run(j *Job) {
	start := s.now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		return j.Handler(ctx)
	}()

	s.mu.Lock()
	j.runs++
	if err != nil {
		j.errors++
		j.lastErr = err.Error()
		s.logger.Printf("posao '%s' nije uspio: %v", j.Name, err)
	} else {
		j.lastErr = ""
		s.logger.Printf("posao '%s' dovršen za %s", j.Name, time.Since(start).Round(time.Millisecond))
	}
	s.mu.Unlock()
}

// RunNow executes one job immediately, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	var target *Job
	for _, j := range s.jobs {
		if j.Name == name {
			target = j
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("posao '%s' ne postoji", name)
	}
	s.run(target)
	return nil
}

// Stats feeds the monitor endpoint.
func (s *Scheduler) Stats() []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(s.jobs))
	for _, j := range s.jobs {
		entry := map[string]interface{}{
			"name":    j.Name,
			"at":      fmt.Sprintf("%02d:%02d", j.Hour, j.Minute),
			"enabled": j.Enabled,
			"runs":    j.runs,
			"errors":  j.errors,
		}
		if !j.lastRun.IsZero() {
			entry["last_run"] = j.lastRun.Format(time.RFC3339)
		}
		if j.lastErr != "" {
			entry["last_error"] = j.lastErr
		}
		out = append(out, entry)
	}
	return out
}
