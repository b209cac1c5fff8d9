package ride

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/rider-core/internal/observability"
)

// Scheduler consolidates the app's recurring timers (status poll, driver
// location poll, auto-persist, search timeout) into named, cancellable
// tasks. Ride-scoped tasks share the "ride:" name prefix so teardown is a
// single cancel-by-prefix call instead of scattered interval bookkeeping.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]chan struct{}
	logger *slog.Logger
}

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{tasks: make(map[string]chan struct{}), logger: logger}
}

// Every runs fn on a fixed interval until the task is cancelled. Scheduling
// under an existing name replaces the old task.
func (s *Scheduler) Every(name string, interval time.Duration, fn func()) {
	done := s.register(name)
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				s.safeRun(name, fn)
			}
		}
	}()
}

// After runs fn once after delay unless cancelled first.
func (s *Scheduler) After(name string, delay time.Duration, fn func()) {
	done := s.register(name)
	go func() {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-done:
			return
		case <-t.C:
			s.unregister(name)
			s.safeRun(name, fn)
		}
	}()
}

func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if done, ok := s.tasks[name]; ok {
		close(done)
		delete(s.tasks, name)
	}
}

// CancelPrefix cancels every task whose name starts with prefix. This is the
// "stop everything for this ride" teardown path.
func (s *Scheduler) CancelPrefix(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, done := range s.tasks {
		if strings.HasPrefix(name, prefix) {
			close(done)
			delete(s.tasks, name)
		}
	}
}

// Stop cancels all tasks. Called on component teardown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, done := range s.tasks {
		close(done)
		delete(s.tasks, name)
	}
}

func (s *Scheduler) register(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.tasks[name]; ok {
		close(old)
	}
	done := make(chan struct{})
	s.tasks[name] = done
	return done
}

func (s *Scheduler) unregister(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, name)
}

func (s *Scheduler) safeRun(name string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.HandlerPanics.Inc()
			s.logger.Error("scheduled task panic recovered", "task", name, "panic", rec)
		}
	}()
	fn()
}
