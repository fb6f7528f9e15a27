package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"coursed/internal/eventbus"
	logx "coursed/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		s.Stop(stopCtx)
		stopCancel()
		cancel()
	})
	return s
}

type doneResult struct {
	err      error
	attempts int
}

func runTask(t *testing.T, s *Service, task Task) doneResult {
	t.Helper()
	done := make(chan doneResult, 1)
	task.Done = func(err error, attempts int) {
		done <- doneResult{err: err, attempts: attempts}
	}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("task %q did not finish", task.Name)
		return doneResult{}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 8})

	var calls int32
	r := runTask(t, s, Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryJitter: 0.01},
		Run: func(context.Context) error {
			if atomic.AddInt32(&calls, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})
	if r.err != nil {
		t.Fatalf("want success, got %v", r.err)
	}
	if r.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", r.attempts)
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 8})

	var calls int32
	r := runTask(t, s, Task{
		Name: "always-fails",
		Opt:  TaskOptions{RetryMax: 2, RetryBase: time.Millisecond, RetryJitter: 0.01},
		Run: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("boom")
		},
	})
	if r.err == nil {
		t.Fatal("want failure")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("run calls = %d, want 3 (1 + 2 retries)", got)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 8})

	sentinel := errors.New("permanent")
	var calls int32
	r := runTask(t, s, Task{
		Name: "permanent",
		Opt:  TaskOptions{RetryMax: 5, RetryBase: time.Millisecond},
		Run: func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			return NoRetry(sentinel)
		},
	})
	if !errors.Is(r.err, sentinel) {
		t.Fatalf("err = %v, want wrapped %v", r.err, sentinel)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("run calls = %d, want 1", got)
	}
}

func TestHardLimit(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 8})

	r := runTask(t, s, Task{
		Name:        "slow",
		HardTimeout: 30 * time.Millisecond,
		Opt:         TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if !errors.Is(r.err, ErrHardLimit) {
		t.Fatalf("err = %v, want ErrHardLimit", r.err)
	}
	if r.attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (time limits are not retried)", r.attempts)
	}
}

func TestSoftLimitObservable(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 8})

	r := runTask(t, s, Task{
		Name:        "checkpointing",
		HardTimeout: time.Second,
		SoftTimeout: 20 * time.Millisecond,
		Opt:         TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			if _, ok := SoftDeadline(ctx); !ok {
				return errors.New("soft deadline missing from context")
			}
			time.Sleep(40 * time.Millisecond)
			if !SoftLimitExceeded(ctx) {
				return errors.New("soft limit not reported as exceeded")
			}
			return ErrSoftLimit
		},
	})
	if !errors.Is(r.err, ErrSoftLimit) {
		t.Fatalf("err = %v, want ErrSoftLimit", r.err)
	}
	if r.attempts != 1 {
		t.Fatalf("attempts = %d, want 1", r.attempts)
	}
}

func TestSoftAtOrPastHardIsDisabled(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 8})

	r := runTask(t, s, Task{
		Name:        "soft-past-hard",
		HardTimeout: 100 * time.Millisecond,
		SoftTimeout: 200 * time.Millisecond,
		Opt:         TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			if _, ok := SoftDeadline(ctx); ok {
				return errors.New("soft deadline should be disabled")
			}
			return nil
		},
	})
	if r.err != nil {
		t.Fatalf("unexpected error: %v", r.err)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 8})

	r := runTask(t, s, Task{
		Name: "panics",
		Opt:  TaskOptions{RetryMax: -1},
		Run: func(context.Context) error {
			panic("kaboom")
		},
	})
	if r.err == nil {
		t.Fatal("want failure from panic")
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	s := newTestService(t, Config{Workers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := Task{
		Name: "blocker",
		Opt:  TaskOptions{RetryMax: -1},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
	}
	if err := s.Enqueue(blocker); err != nil {
		t.Fatalf("Enqueue blocker: %v", err)
	}
	<-started

	filler := Task{Name: "filler", Run: func(context.Context) error { return nil }}
	if err := s.Enqueue(filler); err != nil {
		t.Fatalf("Enqueue filler: %v", err)
	}

	overflow := Task{Name: "overflow", Run: func(context.Context) error { return nil }}
	if err := s.Enqueue(overflow); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if s.Snapshot().Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", s.Snapshot().Dropped)
	}
	close(release)
}

func TestEnqueueAfterStop(t *testing.T) {
	s := New(Config{Workers: 1}, logx.Nop(), eventbus.New())
	err := s.Enqueue(Task{Name: "early", Run: func(context.Context) error { return nil }})
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	opt := TaskOptions{RetryBase: 10 * time.Millisecond, RetryMaxDelay: 50 * time.Millisecond, RetryJitter: 0.0001}
	var prev time.Duration
	for retry := 1; retry <= 5; retry++ {
		d := backoffDelay(opt, retry, nil)
		if d > 51*time.Millisecond {
			t.Fatalf("retry %d: delay %v exceeds cap", retry, d)
		}
		if retry > 1 && retry <= 3 && d <= prev {
			t.Fatalf("retry %d: delay %v did not grow from %v", retry, d, prev)
		}
		prev = d
	}
}
