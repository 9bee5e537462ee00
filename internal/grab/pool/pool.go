// Package pool provides the bounded worker pools that run every engine and
// poller body. Delayed tasks wait on a timer, not on a pool slot, so a
// scheduled fire consumes capacity only once it actually runs.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

var (
	// ErrPoolStopped is returned when submitting to a stopped pool.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrQueueFull is returned when the task queue has no room left.
	ErrQueueFull = errors.New("worker pool queue full")
)

// Pool is a fixed-size worker pool with a bounded task queue.
type Pool struct {
	name     string
	logger   *slog.Logger
	tasks    chan func()
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New spawns a pool of size worker goroutines with a task queue of
// queueDepth slots.
func New(name string, size, queueDepth int, logger *slog.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	if queueDepth <= 0 {
		queueDepth = size
	}

	p := &Pool{
		name:     name,
		logger:   logger,
		tasks:    make(chan func(), queueDepth),
		stopChan: make(chan struct{}),
	}

	logger.Info("Spawning worker pool",
		slog.String("pool", name),
		slog.Int("size", size),
		slog.Int("queue_depth", queueDepth),
	)

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}

	return p
}

// workerLoop is the main processing loop for each worker goroutine
func (p *Pool) workerLoop(workerNum int) {
	defer p.wg.Done()

	workerName := fmt.Sprintf("%s-%d", p.name, workerNum)

	for {
		select {
		case <-p.stopChan:
			p.logger.Debug("Worker goroutine stopping",
				slog.String("worker_name", workerName),
			)
			return

		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.runTask(workerName, task)
		}
	}
}

// runTask executes one task inside its own panic boundary so a misbehaving
// body never takes the pool down.
func (p *Pool) runTask(workerName string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Task panicked",
				slog.String("worker_name", workerName),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()

	task()
}

// Submit enqueues a task for immediate execution. It never blocks: a full
// queue is reported to the caller instead, so the scheduler's scan tick is
// never held up by a saturated pool.
func (p *Pool) Submit(task func()) error {
	select {
	case <-p.stopChan:
		return ErrPoolStopped
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Schedule enqueues a task after the given delay. The wait happens on a
// timer outside the pool; the task occupies a slot only from the moment it
// is enqueued. A non-positive delay enqueues immediately.
func (p *Pool) Schedule(delay time.Duration, task func()) {
	if delay <= 0 {
		if err := p.Submit(task); err != nil {
			p.logger.Error("Failed to submit scheduled task",
				slog.String("pool", p.name),
				slog.Any("error", err),
			)
		}
		return
	}

	time.AfterFunc(delay, func() {
		if err := p.Submit(task); err != nil {
			p.logger.Error("Failed to submit scheduled task",
				slog.String("pool", p.name),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		}
	})
}

// Stop drains no further work and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", slog.String("pool", p.name))
		close(p.stopChan)
	})
	p.wg.Wait()
}
