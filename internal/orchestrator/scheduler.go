// Package orchestrator decouples module writes from detector runs. Write paths schedule a Task
// by handler name after they commit; a TaskScheduler runs it later against a fresh snapshot.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"opsline/internal/domain"
)

var (
	ErrSchedulerClosed = errors.New("scheduler closed")
	ErrUnknownHandler  = errors.New("unknown handler")
)

// Task references a registered handler; it never carries a transaction or entity state.
type Task struct {
	Handler  string            `json:"handler"`
	TenantID string            `json:"tenant_id"`
	Args     map[string]string `json:"args,omitempty"`
}

type HandlerFunc func(ctx context.Context, task Task) error

// TaskScheduler runs a task after delay, detached from the caller.
type TaskScheduler interface {
	ScheduleAfter(ctx context.Context, delay time.Duration, task Task) error
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]HandlerFunc{}}
}

func (r *Registry) Register(name string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

func (r *Registry) Lookup(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	return fn, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolve(reg *Registry, task Task) (HandlerFunc, error) {
	if task.TenantID == "" {
		return nil, fmt.Errorf("task %s: tenant required", task.Handler)
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, task.Handler)
	}
	fn, ok := reg.Lookup(task.Handler)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandler, task.Handler)
	}
	return fn, nil
}

// AsyncScheduler runs tasks on timers. Handlers get a context detached from the scheduling
// caller, bounded by Timeout.
type AsyncScheduler struct {
	Registry *Registry
	Logger   *zap.Logger
	Timeout  time.Duration

	mu      sync.Mutex
	closed  bool
	pending map[*time.Timer]func()
	wg      sync.WaitGroup
}

func NewAsyncScheduler(reg *Registry, logger *zap.Logger, timeout time.Duration) *AsyncScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncScheduler{Registry: reg, Logger: logger, Timeout: timeout, pending: map[*time.Timer]func(){}}
}

func (s *AsyncScheduler) ScheduleAfter(ctx context.Context, delay time.Duration, task Task) error {
	fn, err := resolve(s.Registry, task)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSchedulerClosed
	}
	base := context.WithoutCancel(ctx)
	s.wg.Add(1)
	var timer *time.Timer
	run := func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, timer)
		s.mu.Unlock()
		s.execute(base, fn, task)
	}
	timer = time.AfterFunc(max(delay, 0), run)
	s.pending[timer] = run
	return nil
}

func (s *AsyncScheduler) execute(base context.Context, fn HandlerFunc, task Task) {
	ctx := base
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, s.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error("task panicked", zap.String("handler", task.Handler), zap.String("tenant_id", task.TenantID), zap.Any("panic", r))
		}
	}()
	start := time.Now()
	if err := fn(ctx, task); err != nil {
		s.Logger.Warn("task failed", zap.String("handler", task.Handler), zap.String("tenant_id", task.TenantID), zap.Error(err))
		return
	}
	s.Logger.Debug("task done", zap.String("handler", task.Handler), zap.String("tenant_id", task.TenantID), zap.Duration("elapsed", time.Since(start)))
}

// Close rejects new tasks, runs every still-waiting task immediately and waits for all of them.
func (s *AsyncScheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var early []func()
	for timer, run := range s.pending {
		if timer.Stop() {
			early = append(early, run)
		}
	}
	s.mu.Unlock()
	for _, run := range early {
		go run()
	}
	s.wg.Wait()
	return nil
}

// SyncScheduler runs tasks inline and ignores the delay.
type SyncScheduler struct {
	Registry *Registry
	Logger   *zap.Logger

	mu  sync.Mutex
	ran []Task
}

func (s *SyncScheduler) ScheduleAfter(ctx context.Context, _ time.Duration, task Task) error {
	fn, err := resolve(s.Registry, task)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ran = append(s.ran, task)
	s.mu.Unlock()
	if err := fn(ctx, task); err != nil && s.Logger != nil {
		s.Logger.Warn("task failed", zap.String("handler", task.Handler), zap.String("tenant_id", task.TenantID), zap.Error(err))
	}
	return nil
}

// Ran returns the tasks executed so far in order.
func (s *SyncScheduler) Ran() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Task(nil), s.ran...)
}

// Trigger schedules task and swallows the error after logging it as a scheduling failure.
func Trigger(ctx context.Context, s TaskScheduler, logger *zap.Logger, delay time.Duration, task Task) {
	if s == nil {
		return
	}
	if err := s.ScheduleAfter(ctx, delay, task); err != nil {
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Error("scheduling failure",
			zap.String("handler", task.Handler),
			zap.String("tenant_id", task.TenantID),
			zap.Error(&domain.SchedulingError{Handler: task.Handler, Err: err}))
	}
}
