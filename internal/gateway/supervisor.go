package gateway

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// fault is one unhandled failure escaping a background task.
type fault struct {
	task  string
	value any
	stack []byte
}

// Supervisor owns the gateway's background goroutines. A panic in any task
// becomes a logged fault event instead of a process crash; one task's
// failure cannot take down the others.
type Supervisor struct {
	logger *slog.Logger
	faults chan fault
	wg     sync.WaitGroup
	once   sync.Once
}

func NewSupervisor(logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		logger: logger,
		faults: make(chan fault, 8),
	}
	go s.monitor()
	return s
}

func (s *Supervisor) monitor() {
	for f := range s.faults {
		s.logger.Error("background task fault contained",
			slog.String("task", f.task),
			slog.Any("panic", f.value),
			slog.String("stack", string(f.stack)))
	}
}

// Go runs fn on a supervised goroutine.
func (s *Supervisor) Go(task string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.faults <- fault{task: task, value: r, stack: debug.Stack()}
			}
		}()
		fn()
	}()
}

// Wait blocks until every supervised task has returned, then stops the
// fault monitor.
func (s *Supervisor) Wait() {
	s.wg.Wait()
	s.once.Do(func() { close(s.faults) })
}
