package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Job is a long-running unit of work hosted by a Scheduler.
type Job func(ctx context.Context) error

// Scheduler runs named jobs in background goroutines and tracks them so
// each can be stopped individually.
type Scheduler struct {
	logger       *slog.Logger
	runners      map[string]*runner
	runnersMutex sync.RWMutex
	wg           sync.WaitGroup
}

type runner struct {
	cancel context.CancelFunc
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:  logger.With("component", "scheduler"),
		runners: make(map[string]*runner),
	}
}

// Start runs job under name until it returns or is stopped.
func (s *Scheduler) Start(ctx context.Context, name string, job Job) error {
	s.runnersMutex.Lock()
	defer s.runnersMutex.Unlock()

	if _, exists := s.runners[name]; exists {
		return fmt.Errorf("job %s already running", name)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	r := &runner{cancel: cancel}
	s.runners[name] = r
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()
		s.logger.Info("job start", "job", name)
		if err := job(jobCtx); err != nil && jobCtx.Err() == nil {
			s.logger.Error("job failed", "job", name, "error", err)
		}

		s.runnersMutex.Lock()
		if s.runners[name] == r {
			delete(s.runners, name)
		}
		s.runnersMutex.Unlock()
		cancel()
		s.logger.Info("job stop", "job", name)
	}()

	return nil
}

// Stop cancels the named job.
func (s *Scheduler) Stop(name string) error {
	s.runnersMutex.Lock()
	defer s.runnersMutex.Unlock()

	r, exists := s.runners[name]
	if !exists {
		return fmt.Errorf("no job running for %s", name)
	}

	r.cancel()
	delete(s.runners, name)
	return nil
}

// StopAll cancels every job.
func (s *Scheduler) StopAll() {
	s.runnersMutex.Lock()
	defer s.runnersMutex.Unlock()

	for name, r := range s.runners {
		r.cancel()
		delete(s.runners, name)
	}
}

// Wait blocks until every started job has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// IsRunning reports whether the named job is running.
func (s *Scheduler) IsRunning(name string) bool {
	s.runnersMutex.RLock()
	defer s.runnersMutex.RUnlock()

	_, exists := s.runners[name]
	return exists
}

// Running lists the running jobs by name.
func (s *Scheduler) Running() []string {
	s.runnersMutex.RLock()
	defer s.runnersMutex.RUnlock()

	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Every turns fn into a Job that runs immediately and then on each tick.
func Every(interval time.Duration, fn func(ctx context.Context)) Job {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			fn(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}
