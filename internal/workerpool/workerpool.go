// Package workerpool bounds the number of goroutines processing external
// transport events (NATS deliveries, Kafka records) so a burst of input
// cannot explode into unbounded goroutine growth. Dropped tasks provide
// backpressure instead of an unbounded queue; panics in a task are
// recovered and logged so one bad record can't take the pool down.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/s2opc-rt/pubsubcore/internal/logging"
)

// Task is a unit of work submitted to the pool.
type Task func()

// Pool runs a fixed number of worker goroutines pulling from a bounded
// task queue.
type Pool struct {
	workerCount int
	queue       chan Task
	logger      *zerolog.Logger
	wg          sync.WaitGroup
	dropped     atomic.Int64
}

// New creates a pool with workerCount workers and a queue of the given
// capacity. Start must be called before Submit.
func New(workerCount, queueSize int, logger *zerolog.Logger) *Pool {
	return &Pool{
		workerCount: workerCount,
		queue:       make(chan Task, queueSize),
		logger:      logger,
	}
}

// Start launches the worker goroutines. Workers exit when ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case task, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(task)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(task Task) {
	defer logging.RecoverPanic(p.logger, "workerpool")
	task()
}

// Submit enqueues task for asynchronous execution. If the queue is full,
// the task is dropped and the drop counter incremented rather than
// blocking the caller or spawning an unbounded goroutine.
func (p *Pool) Submit(task Task) {
	select {
	case p.queue <- task:
	default:
		p.dropped.Add(1)
	}
}

// Dropped returns the number of tasks dropped so far because the queue
// was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	close(p.queue)
	p.wg.Wait()
}
