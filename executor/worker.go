package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// queueDepth bounds how many jobs may sit between the gateway handler and
// the workers. /run returns 202 after the job row is persisted, so a full
// channel only delays pickup, never loses work.
const queueDepth = 256

// ShutdownTimeout bounds how long Stop waits for in-flight jobs to notice
// context cancellation.
const ShutdownTimeout = 10 * time.Second

// WorkerPool runs job executions concurrently with request handling.
type WorkerPool struct {
	executor *Executor
	workers  int
	jobs     chan string

	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	mu        sync.Mutex
}

// NewWorkerPool creates a pool of workers executing jobs from an in-memory
// queue. The parent context scopes all executions; cancelling it drains the
// pool.
func NewWorkerPool(ctx context.Context, executor *Executor, workers int, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		executor:  executor,
		workers:   workers,
		jobs:      make(chan string, queueDepth),
		parentCtx: ctx,
		ctx:       workerCtx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start launches the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// Restarted after Stop(); derive a fresh context from the parent.
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
	default:
	}
	wp.mu.Unlock()

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	wp.logger.Infow("Worker pool started", "workers", wp.workers)
}

// Enqueue schedules a persisted job for execution. Blocks only when the
// queue is full.
func (wp *WorkerPool) Enqueue(jobID string) {
	select {
	case wp.jobs <- jobID:
	case <-wp.ctx.Done():
		wp.logger.Warnw("Job enqueued during shutdown; left queued", "job_id", jobID)
	}
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	for {
		select {
		case <-wp.ctx.Done():
			return
		case jobID := <-wp.jobs:
			wp.logger.Debugw("Worker picked up job", "worker", id, "job_id", jobID)
			wp.executor.Execute(wp.ctx, jobID)
		}
	}
}

// Stop cancels the worker context and waits for in-flight jobs, bounded by
// ShutdownTimeout.
func (wp *WorkerPool) Stop() {
	wp.cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped cleanly")
	case <-time.After(ShutdownTimeout):
		wp.logger.Warnw("Worker pool shutdown timed out", "timeout", ShutdownTimeout)
	}
}
