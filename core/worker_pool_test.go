package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitDone(t *testing.T, task *Task) *Result {
	t.Helper()
	select {
	case <-task.Done():
		return task.Result()
	case <-time.After(time.Second):
		t.Fatalf("Timeout waiting for task %s", task.ID)
		return nil
	}
}

func TestNewWorkerPool(t *testing.T) {
	pool := NewWorkerPool("test", 4)
	defer pool.Shutdown()

	stats := pool.GetStats()
	if stats.Workers != 4 {
		t.Errorf("Expected 4 workers, got %d", stats.Workers)
	}
	if stats.Name != "test" {
		t.Errorf("Expected name 'test', got %s", stats.Name)
	}
}

func TestWorkerPoolSubmit(t *testing.T) {
	pool := NewWorkerPool("test", 2)
	defer pool.Shutdown()

	var processed int64
	task := NewTask("task-1", "data", func(data interface{}) (interface{}, error) {
		atomic.AddInt64(&processed, 1)
		return data, nil
	})

	if err := pool.Submit(context.Background(), task); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	result := waitDone(t, task)
	if !result.Success {
		t.Errorf("Task should succeed")
	}
	if result.TaskID != "task-1" {
		t.Errorf("Expected task ID 'task-1', got %s", result.TaskID)
	}
	if task.State() != TaskDone {
		t.Errorf("Expected state done, got %s", task.State())
	}
	if atomic.LoadInt64(&processed) != 1 {
		t.Error("Task was not processed")
	}
}

func TestWorkerPoolSubmitWithError(t *testing.T) {
	pool := NewWorkerPool("test", 2)
	defer pool.Shutdown()

	expectedErr := errors.New("task failed")
	task := NewTask("task-error", nil, func(data interface{}) (interface{}, error) {
		return nil, expectedErr
	})
	_ = pool.Submit(context.Background(), task)

	result := waitDone(t, task)
	if result.Success {
		t.Error("Task should have failed")
	}
	if !errors.Is(result.Error, expectedErr) {
		t.Errorf("Expected %v, got %v", expectedErr, result.Error)
	}

	stats := pool.GetStats()
	if stats.Failed != 1 {
		t.Errorf("Expected 1 failed, got %d", stats.Failed)
	}
}

func TestWorkerPoolRecoversPanic(t *testing.T) {
	pool := NewWorkerPool("test", 1)
	defer pool.Shutdown()

	task := NewTask("task-panic", nil, func(data interface{}) (interface{}, error) {
		panic("listener exploded")
	})
	_ = pool.Submit(context.Background(), task)

	result := waitDone(t, task)
	if result.Success || result.Error == nil || !strings.Contains(result.Error.Error(), "listener exploded") {
		t.Errorf("Expected panic error, got %+v", result)
	}

	// The single worker must still be alive.
	next := NewTask("after-panic", nil, func(data interface{}) (interface{}, error) {
		return nil, nil
	})
	_ = pool.Submit(context.Background(), next)
	if r := waitDone(t, next); !r.Success {
		t.Error("Worker should survive a panicking task")
	}
}

func TestWorkerPoolOnComplete(t *testing.T) {
	pool := NewWorkerPool("test", 1)
	defer pool.Shutdown()

	got := make(chan *Result, 1)
	task := NewTask("callback", 7, func(data interface{}) (interface{}, error) {
		return data, nil
	})
	task.OnComplete = func(r *Result) { got <- r }
	_ = pool.Submit(context.Background(), task)

	select {
	case r := <-got:
		if r.Data != 7 {
			t.Errorf("Expected data 7, got %v", r.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("OnComplete was not called")
	}
}

func TestWorkerPoolCancelledTask(t *testing.T) {
	pool := NewWorkerPool("test", 1)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewTask("cancelled", nil, func(data interface{}) (interface{}, error) {
		t.Error("Cancelled task should not run")
		return nil, nil
	})
	task.Ctx = ctx
	_ = pool.Submit(context.Background(), task)

	result := waitDone(t, task)
	if !errors.Is(result.Error, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", result.Error)
	}
}

func TestWorkerPoolConcurrency(t *testing.T) {
	pool := NewWorkerPool("test", 8)
	defer pool.Shutdown()

	numTasks := 100
	var completed int64
	var wg sync.WaitGroup

	for i := 0; i < numTasks; i++ {
		wg.Add(1)
		task := NewTask(fmt.Sprintf("task-%d", i), i, func(data interface{}) (interface{}, error) {
			time.Sleep(time.Millisecond) // Simulate work
			return data, nil
		})
		task.OnComplete = func(*Result) {
			atomic.AddInt64(&completed, 1)
			wg.Done()
		}
		if err := pool.Submit(context.Background(), task); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatalf("Timeout: only %d/%d completed", atomic.LoadInt64(&completed), numTasks)
	}
}

func TestWorkerPoolTrySubmitQueueFull(t *testing.T) {
	pool := NewWorkerPoolWithQueue("test", 1, 1)
	defer pool.Shutdown()

	release := make(chan struct{})
	blocker := NewTask("blocker", nil, func(data interface{}) (interface{}, error) {
		<-release
		return nil, nil
	})
	_ = pool.Submit(context.Background(), blocker)

	// Wait until the worker holds the blocker so the queue is empty.
	deadline := time.Now().Add(time.Second)
	for blocker.State() != TaskRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	noop := func(data interface{}) (interface{}, error) { return nil, nil }
	if err := pool.TrySubmit(NewTask("fill", nil, noop)); err != nil {
		t.Fatalf("First TrySubmit should fit: %v", err)
	}
	if err := pool.TrySubmit(NewTask("overflow", nil, noop)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := pool.Submit(ctx, NewTask("blocked", nil, noop)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected blocking Submit to time out, got %v", err)
	}

	close(release)
}

func TestWorkerPoolShutdown(t *testing.T) {
	pool := NewWorkerPool("test", 4)

	task := NewTask("task-1", nil, func(data interface{}) (interface{}, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	_ = pool.Submit(context.Background(), task)

	pool.Shutdown()
	pool.Shutdown()

	if pool.IsRunning() {
		t.Error("Pool should not be running after shutdown")
	}
	if err := pool.Submit(context.Background(), task); !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Expected ErrPoolShutdown, got %v", err)
	}
	if err := pool.TrySubmit(task); !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPoolSubmitAndWait(t *testing.T) {
	pool := NewWorkerPool("test", 2)
	defer pool.Shutdown()

	task := NewTask("wait", 21, func(data interface{}) (interface{}, error) {
		return data.(int) * 2, nil
	})
	result, err := pool.SubmitAndWait(task, time.Second)
	if err != nil {
		t.Fatalf("SubmitAndWait failed: %v", err)
	}
	if result.Data != 42 {
		t.Errorf("Expected 42, got %v", result.Data)
	}
}

func TestWorkerPoolStats(t *testing.T) {
	pool := NewWorkerPool("stats-test", 2)
	defer pool.Shutdown()

	var tasks []*Task
	for i := 0; i < 5; i++ {
		tasks = append(tasks, NewTask(fmt.Sprintf("ok-%d", i), nil, func(data interface{}) (interface{}, error) {
			return nil, nil
		}))
	}
	for i := 0; i < 3; i++ {
		tasks = append(tasks, NewTask(fmt.Sprintf("fail-%d", i), nil, func(data interface{}) (interface{}, error) {
			return nil, errors.New("fail")
		}))
	}
	for _, task := range tasks {
		_ = pool.Submit(context.Background(), task)
	}
	for _, task := range tasks {
		waitDone(t, task)
	}

	stats := pool.GetStats()
	if stats.Completed != 5 {
		t.Errorf("Expected 5 completed, got %d", stats.Completed)
	}
	if stats.Failed != 3 {
		t.Errorf("Expected 3 failed, got %d", stats.Failed)
	}
}

func TestTaskStateString(t *testing.T) {
	tests := map[TaskState]string{
		TaskQueued:   "queued",
		TaskRunning:  "running",
		TaskDone:     "done",
		TaskState(9): "unknown",
	}
	for state, want := range tests {
		if state.String() != want {
			t.Errorf("Expected %s, got %s", want, state.String())
		}
	}
}

func BenchmarkWorkerPoolThroughput(b *testing.B) {
	pool := NewWorkerPool("throughput", 16)
	defer pool.Shutdown()

	var wg sync.WaitGroup
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		wg.Add(1)
		task := NewTask(fmt.Sprintf("task-%d", i), i, func(data interface{}) (interface{}, error) {
			return data, nil
		})
		task.OnComplete = func(*Result) { wg.Done() }
		_ = pool.Submit(context.Background(), task)
	}

	wg.Wait()
}
