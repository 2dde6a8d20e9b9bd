package orchestrator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"opsline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAsyncSchedulerRunsDetached(t *testing.T) {
	reg := NewRegistry()
	done := make(chan error, 1)
	reg.Register("probe", func(ctx context.Context, task Task) error {
		done <- ctx.Err()
		return nil
	})
	s := NewAsyncScheduler(reg, zap.NewNop(), time.Second)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.ScheduleAfter(ctx, 5*time.Millisecond, Task{Handler: "probe", TenantID: "t1"}))
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err, "handler context must not inherit caller cancellation")
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not run")
	}
}

func TestAsyncSchedulerCloseDrainsPending(t *testing.T) {
	reg := NewRegistry()
	var runs atomic.Int32
	reg.Register("count", func(ctx context.Context, task Task) error {
		runs.Add(1)
		return nil
	})
	s := NewAsyncScheduler(reg, nil, time.Second)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.ScheduleAfter(context.Background(), time.Hour, Task{Handler: "count", TenantID: "t1"}))
	}
	require.NoError(t, s.Close())
	require.Equal(t, int32(5), runs.Load())

	err := s.ScheduleAfter(context.Background(), 0, Task{Handler: "count", TenantID: "t1"})
	require.ErrorIs(t, err, ErrSchedulerClosed)
}

func TestAsyncSchedulerLogsHandlerFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	reg := NewRegistry()
	reg.Register("boom", func(ctx context.Context, task Task) error { return errors.New("boom") })
	reg.Register("panic", func(ctx context.Context, task Task) error { panic("bad") })
	s := NewAsyncScheduler(reg, zap.New(core), time.Second)
	require.NoError(t, s.ScheduleAfter(context.Background(), 0, Task{Handler: "boom", TenantID: "t1"}))
	require.NoError(t, s.ScheduleAfter(context.Background(), 0, Task{Handler: "panic", TenantID: "t1"}))
	require.NoError(t, s.Close())
	require.Equal(t, 1, logs.FilterMessage("task failed").Len())
	require.Equal(t, 1, logs.FilterMessage("task panicked").Len())
}

func TestScheduleRejectsUnknownHandler(t *testing.T) {
	s := NewAsyncScheduler(NewRegistry(), nil, time.Second)
	defer s.Close()
	require.ErrorIs(t, s.ScheduleAfter(context.Background(), 0, Task{Handler: "missing", TenantID: "t1"}), ErrUnknownHandler)
	require.Error(t, s.ScheduleAfter(context.Background(), 0, Task{Handler: "missing"}))
}

type failingScheduler struct{}

func (failingScheduler) ScheduleAfter(context.Context, time.Duration, Task) error {
	return errors.New("queue unavailable")
}

func TestTriggerLogsSchedulingFailure(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	Trigger(context.Background(), failingScheduler{}, zap.New(core), 0, Task{Handler: HandlerProductionNeed, TenantID: "t1"})
	entries := logs.FilterMessage("scheduling failure").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, HandlerProductionNeed, fields["handler"])
	require.Equal(t, "t1", fields["tenant_id"])

	var schedErr *domain.SchedulingError
	for _, f := range entries[0].Context {
		if f.Key == "error" {
			require.True(t, errors.As(f.Interface.(error), &schedErr))
		}
	}
	require.NotNil(t, schedErr)
	require.ErrorIs(t, schedErr, domain.ErrSchedulingFailure)

	// A nil scheduler is a no-op.
	Trigger(context.Background(), nil, nil, 0, Task{Handler: HandlerProductionNeed, TenantID: "t1"})
}

func TestSyncSchedulerRunsInline(t *testing.T) {
	reg := NewRegistry()
	var got []string
	reg.Register("a", func(ctx context.Context, task Task) error {
		got = append(got, task.Args["sku"])
		return errors.New("ignored")
	})
	s := &SyncScheduler{Registry: reg}
	require.NoError(t, s.ScheduleAfter(context.Background(), time.Hour, Task{Handler: "a", TenantID: "t1", Args: map[string]string{"sku": "A"}}))
	require.Equal(t, []string{"A"}, got)
	require.Len(t, s.Ran(), 1)
}
