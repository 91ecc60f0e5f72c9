package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/screenshare/internal/logging"
)

var log = logging.L("workerpool")

var (
	ErrQueueFull = errors.New("workerpool: queue full")
	ErrStopped   = errors.New("workerpool: stopped")
)

// cancelGrace is how long Shutdown waits for tasks after cancelling them.
const cancelGrace = 2 * time.Second

// Task is a unit of work. ctx is cancelled when Shutdown gives up waiting.
type Task func(ctx context.Context)

// Pool is a bounded goroutine pool with a fixed-size task queue.
type Pool struct {
	maxWorkers int
	queue      chan Task
	wg         sync.WaitGroup
	mu         sync.RWMutex // guards accepting against the queue close
	accepting  bool
	active     atomic.Int32
	ctx        context.Context
	cancel     context.CancelFunc
	stopOnce   sync.Once
}

// New creates a pool with maxWorkers goroutines and a task queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan Task, queueSize),
		accepting:  true,
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Info("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.accepting {
		return ErrStopped
	}

	p.wg.Add(1)
	select {
	case p.queue <- task:
		return nil
	default:
		p.wg.Done()
		log.Warn("worker pool queue full, task rejected")
		return ErrQueueFull
	}
}

// Active is the number of tasks currently running.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Queued is the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.queue) }

// Shutdown stops accepting tasks and waits for queued and running tasks.
// If ctx ends first, running tasks are cancelled and given a short grace
// period to return.
func (p *Pool) Shutdown(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.accepting = false
		close(p.queue)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out, cancelling tasks", "active", p.Active(), "queued", p.Queued())
		p.cancel()
		select {
		case <-done:
		case <-time.After(cancelGrace):
			log.Error("worker pool tasks ignored cancellation", "active", p.Active())
		}
	}
	p.cancel()
}

func (p *Pool) worker() {
	for task := range p.queue {
		p.runTask(task)
	}
}

// runTask executes a single task with panic recovery. wg.Done is called here
// to match the wg.Add in Submit.
func (p *Pool) runTask(task Task) {
	defer p.wg.Done()
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task(p.ctx)
}
