package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasksAndReportsDone(t *testing.T) {
	var calls int64
	p, err := New(Config{Workers: 2, QueueSize: 8}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{Success: true, Data: task.Payload}
	}, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "a", Payload: 42})
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	if !res.Success || res.TaskID != "a" || res.Data.(int) != 42 || res.Attempts != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPoolRetries(t *testing.T) {
	var calls int64
	p, _ := New(Config{Workers: 1, QueueSize: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task *Task) *Result {
		if atomic.AddInt64(&calls, 1) < 3 {
			return &Result{Error: errors.New("flaky")}
		}
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "r"})
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	if !res.Success || res.Attempts != 3 {
		t.Errorf("expected success on third attempt, got %+v", res)
	}
	if p.Stats().TasksRetried != 2 {
		t.Errorf("expected 2 retries, got %d", p.Stats().TasksRetried)
	}
}

func TestPoolZeroRetriesMeansSingleAttempt(t *testing.T) {
	sentinel := errors.New("down")
	var calls int64
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		atomic.AddInt64(&calls, 1)
		return &Result{Error: sentinel}
	}, nil)
	p.Start()
	defer p.Stop()

	res, _ := p.SubmitWait(context.Background(), &Task{ID: "x"})
	if res.Success || !errors.Is(res.Error, sentinel) || atomic.LoadInt64(&calls) != 1 {
		t.Fatalf("expected one failed attempt, got %+v after %d calls", res, calls)
	}
}

func TestPoolStopCancelsInFlightTasks(t *testing.T) {
	started := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1, GracefulShutdownTimeout: time.Second}, func(ctx context.Context, task *Task) *Result {
		close(started)
		<-ctx.Done()
		return &Result{Error: ctx.Err()}
	}, nil)
	p.Start()

	done := make(chan *Result, 1)
	if err := p.Submit(&Task{ID: "slow", Context: context.Background(), Done: func(r *Result) { done <- r }}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	res := <-done
	if !errors.Is(res.Error, context.Canceled) {
		t.Errorf("expected cancellation, got %v", res.Error)
	}

	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("expected ErrPoolStopped, got %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Errorf("second stop: %v", err)
	}
}

func TestPoolQueueFull(t *testing.T) {
	block := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		<-block
		return &Result{Success: true}
	}, nil)
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	var full bool
	for i := 0; i < 5; i++ {
		if err := p.Submit(&Task{ID: "t", Done: func(*Result) {}}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Error("expected queue to fill")
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) *Result {
		panic("boom")
	}, nil)
	p.Start()
	defer p.Stop()

	res, err := p.SubmitWait(context.Background(), &Task{ID: "p"})
	if err != nil {
		t.Fatalf("submit wait: %v", err)
	}
	if res.Success || res.Error == nil {
		t.Errorf("expected panic to surface as error, got %+v", res)
	}
}
