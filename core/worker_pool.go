package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Common errors for pool operations.
var (
	ErrPoolShutdown  = errors.New("worker pool is shut down")
	ErrQueueFull     = errors.New("task queue is full")
	ErrNoProcessFunc = errors.New("no process function defined")
)

// TaskState is the position of a task in its one-way lifecycle.
type TaskState int32

const (
	TaskQueued TaskState = iota
	TaskRunning
	TaskDone
)

func (s TaskState) String() string {
	switch s {
	case TaskQueued:
		return "queued"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	default:
		return "unknown"
	}
}

// Task represents a processing task for the worker pool.
type Task struct {
	ID          string
	Data        interface{}
	ProcessFunc func(interface{}) (interface{}, error)
	CreatedAt   time.Time
	Ctx         context.Context

	// OnComplete, if set, is called on the worker once the task is done.
	OnComplete func(*Result)

	state  atomic.Int32
	done   chan struct{}
	result *Result

	// lane is set on the carrier task an OrderedLane hands to the pool.
	lane *OrderedLane
}

// NewTask creates a new task with default values.
func NewTask(id string, data interface{}, fn func(interface{}) (interface{}, error)) *Task {
	return &Task{
		ID:          id,
		Data:        data,
		ProcessFunc: fn,
		CreatedAt:   time.Now(),
		Ctx:         context.Background(),
		done:        make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (t *Task) State() TaskState {
	return TaskState(t.state.Load())
}

// Done is closed once the task reaches TaskDone, whatever the outcome.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the outcome, or nil before the task is done.
func (t *Task) Result() *Result {
	select {
	case <-t.done:
		return t.result
	default:
		return nil
	}
}

// advance moves the task forward; backward transitions are ignored.
func (t *Task) advance(to TaskState) bool {
	for {
		cur := t.state.Load()
		if TaskState(cur) >= to {
			return false
		}
		if t.state.CompareAndSwap(cur, int32(to)) {
			return true
		}
	}
}

func (t *Task) finish(result *Result) {
	if !t.advance(TaskDone) {
		return
	}
	t.result = result
	if t.done != nil {
		close(t.done)
	}
}

// Result represents the result of task processing.
type Result struct {
	TaskID   string
	Success  bool
	Data     interface{}
	Error    error
	Duration time.Duration
	WorkerID int
}

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool manages a pool of goroutine workers for parallel processing.
type WorkerPool struct {
	name     string
	workers  int
	taskChan chan *Task
	wg       sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64

	// Control
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a new worker pool with the specified number of workers.
func NewWorkerPool(name string, workers int) *WorkerPool {
	return NewWorkerPoolWithQueue(name, workers, 0)
}

// NewWorkerPoolWithQueue creates a pool whose task queue holds queueSize
// tasks. A non-positive queueSize means workers*100.
func NewWorkerPoolWithQueue(name string, workers, queueSize int) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers * 100
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &WorkerPool{
		name:     name,
		workers:  workers,
		taskChan: make(chan *Task, queueSize),
		ctx:      ctx,
		cancel:   cancel,
		running:  true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

// worker is the goroutine that processes tasks.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.taskChan:
			if task.lane != nil {
				task.lane.drain(id, task)
				continue
			}
			p.processTask(id, task)
		}
	}
}

// processTask executes a single task and completes it.
func (p *WorkerPool) processTask(workerID int, task *Task) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	start := time.Now()
	task.advance(TaskRunning)

	result := &Result{
		TaskID:   task.ID,
		WorkerID: workerID,
	}

	// Panic recovery to prevent one handler from crashing the entire pool
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Error = fmt.Errorf("panic in task processing: %s", panicToString(r))
		}
		result.Duration = time.Since(start)
		if result.Success {
			atomic.AddInt64(&p.completed, 1)
		} else {
			atomic.AddInt64(&p.failed, 1)
		}
		p.complete(task, result)
	}()

	if task.Ctx != nil {
		select {
		case <-task.Ctx.Done():
			result.Error = task.Ctx.Err()
			return
		default:
		}
	}

	if task.ProcessFunc == nil {
		result.Error = ErrNoProcessFunc
		return
	}

	data, err := task.ProcessFunc(task.Data)
	result.Data = data
	result.Error = err
	result.Success = err == nil
}

// complete marks the task done and runs its callback, which must not take
// the worker down with it.
func (p *WorkerPool) complete(task *Task, result *Result) {
	task.finish(result)
	if task.OnComplete == nil {
		return
	}
	defer func() { _ = recover() }()
	task.OnComplete(result)
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (p *WorkerPool) prepare(task *Task) {
	if task.done == nil {
		task.done = make(chan struct{})
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
}

// Submit queues a task, blocking while the queue is full. It fails once ctx
// is done or the pool has been shut down.
func (p *WorkerPool) Submit(ctx context.Context, task *Task) error {
	if !p.IsRunning() {
		return ErrPoolShutdown
	}
	p.prepare(task)

	select {
	case p.taskChan <- task:
		return nil
	case <-p.ctx.Done():
		return ErrPoolShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking.
func (p *WorkerPool) TrySubmit(task *Task) error {
	if !p.IsRunning() {
		return ErrPoolShutdown
	}
	p.prepare(task)

	select {
	case p.taskChan <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait submits a task and waits for its result.
func (p *WorkerPool) SubmitAndWait(task *Task, timeout time.Duration) (*Result, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := p.Submit(ctx, task); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-task.Done():
		return task.Result(), nil
	}
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     len(p.taskChan),
		SuccessRate: successRate,
	}
}

// Shutdown stops the workers and waits for running tasks to return.
// Tasks still queued are abandoned.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// ShutdownWithTimeout shuts down with a timeout.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the pool is still accepting tasks.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// Name returns the pool name.
func (p *WorkerPool) Name() string {
	return p.name
}
