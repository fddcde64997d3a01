// Package schedule runs in-process periodic tasks.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a named task fired on a fixed period.
// Schedule supports only the form "@every <duration>" (e.g., "@every 5m").
// A tick is skipped while the previous run of the same job is still active.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error

	running atomic.Bool
	runs    atomic.Int64
}

// Runs reports how many times the job has completed.
func (j *Job) Runs() int64 { return j.runs.Load() }

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, "@every ")))
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("job %s has no Run func", j.Name)
	}
	if _, err := ParseEvery(j.Schedule); err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	return nil
}

// Scheduler owns a set of jobs. Add jobs before Start; Stop cancels every
// loop and waits for in-flight runs.
type Scheduler struct {
	log *slog.Logger

	mu     sync.Mutex
	jobs   []*Job
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("job %s already registered", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		d, _ := ParseEvery(j.Schedule)
		s.wg.Add(1)
		go s.loop(ctx, j, d)
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j *Job, period time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !j.running.CompareAndSwap(false, true) {
				s.log.Debug("previous run still active, skipping tick", "job", j.Name)
				continue
			}
			s.wg.Add(1)
			go s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *Job) {
	defer s.wg.Done()
	defer j.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled job panicked", "job", j.Name, "panic", r)
		}
	}()
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Warn("scheduled job failed", "job", j.Name, "error", err)
	}
	j.runs.Add(1)
}

// Stop cancels all jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}
