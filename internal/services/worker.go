package services

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/harsha-chodavarapu/student-app/internal/domain"
)

// Task is a unit of background work.
type Task interface {
	ID() string
	Execute(ctx context.Context) error
}

// WorkerPool runs tasks on a fixed number of goroutines fed by a bounded queue.
type WorkerPool struct {
	queue   chan Task
	workers int
	log     *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

func NewWorkerPool(workers, queueSize int, log *logrus.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkerPool{
		queue:   make(chan Task, queueSize),
		workers: workers,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (p *WorkerPool) Start() {
	p.log.WithField("workers", p.workers).Info("worker pool starting")
	for i := 1; i <= p.workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		entry := p.log.WithFields(logrus.Fields{"worker": id, "task_id": task.ID()})
		entry.Debug("task started")
		if err := task.Execute(p.ctx); err != nil {
			entry.WithError(err).Warn("task finished with error")
			continue
		}
		entry.Debug("task finished")
	}
}

// Submit enqueues task without blocking. It returns ErrQueueFull when the
// queue is saturated or the pool is stopping.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return domain.ErrQueueFull
	}

	select {
	case p.queue <- task:
		return nil
	default:
		p.log.WithField("task_id", task.ID()).Warn("task queue full")
		return domain.ErrQueueFull
	}
}

// Stop refuses new tasks, lets queued ones drain and waits for the workers.
// Tasks still running when ctx expires see their context cancelled.
func (p *WorkerPool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.cancel()
		<-done
	}
	p.cancel()
	p.log.Info("worker pool stopped")
}
