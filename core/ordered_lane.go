package core

import (
	"context"
	"sync"
)

// OrderedLane chains tasks so that each one starts only after the previous
// one is done. Lanes share the pool's workers: while a link is in flight new
// tasks wait in the lane, and the worker that finishes a link runs the next
// one itself. No worker ever blocks waiting for a predecessor.
type OrderedLane struct {
	pool *WorkerPool

	mu       sync.Mutex
	queue    []*Task
	inFlight bool
}

// NewOrderedLane creates a lane backed by the pool.
func (p *WorkerPool) NewOrderedLane() *OrderedLane {
	return &OrderedLane{pool: p}
}

// Submit appends a task to the lane. It blocks only while handing a carrier
// to a full pool queue.
func (l *OrderedLane) Submit(ctx context.Context, task *Task) error {
	if !l.pool.IsRunning() {
		return ErrPoolShutdown
	}
	l.pool.prepare(task)

	l.mu.Lock()
	if l.inFlight {
		l.queue = append(l.queue, task)
		l.mu.Unlock()
		return nil
	}
	l.inFlight = true
	l.mu.Unlock()

	carrier := &Task{ID: task.ID, Data: task, lane: l}
	if err := l.pool.Submit(ctx, carrier); err != nil {
		l.mu.Lock()
		l.inFlight = false
		l.queue = nil
		l.mu.Unlock()
		return err
	}
	return nil
}

// Pending returns the number of tasks waiting behind the link in flight.
func (l *OrderedLane) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// drain runs on a worker: the carried task, then every task queued behind it.
func (l *OrderedLane) drain(workerID int, carrier *Task) {
	task, _ := carrier.Data.(*Task)
	for task != nil {
		l.pool.processTask(workerID, task)
		task = l.next()
	}
}

// next pops the following link, or marks the lane idle.
func (l *OrderedLane) next() *Task {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		l.inFlight = false
		return nil
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task
}
