// Package worker runs sync tasks on a fixed number of goroutines.
package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of work. A task reports its own results; the pool only
// runs it.
type Task func(ctx context.Context)

// Pool manages a fixed number of worker goroutines that process tasks in
// submission order per worker.
type Pool struct {
	numWorkers int
	tasks      chan Task
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// NewPool creates a worker pool with the given number of workers. With one
// worker, tasks run strictly one after another.
func NewPool(numWorkers int, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan Task, numWorkers*2),
		logger:     logger,
	}
}

// Start launches all worker goroutines. They read from the task channel
// until it is closed.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.logger.Debug("worker pool started", "num_workers", p.numWorkers)
}

// Submit queues a task, blocking while all workers are busy and the buffer
// is full.
func (p *Pool) Submit(task Task) {
	p.tasks <- task
}

// Stop closes the task channel and waits for queued tasks to finish.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
	p.logger.Debug("worker pool stopped")
}

// worker drains the channel even after ctx is cancelled so Submit never
// blocks forever; tasks are expected to notice the cancellation themselves.
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for task := range p.tasks {
		p.run(ctx, id, task)
	}
}

func (p *Pool) run(ctx context.Context, id int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", id, "panic", r)
		}
	}()
	task(ctx)
}
