package generation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Handler executes one dequeued job.
type Handler func(ctx context.Context, job *Job)

// Queue is the bounded FIFO shared by all users plus the worker pool draining it.
type Queue struct {
	jobs    chan *Job
	workers int
	exec    *semaphore.Weighted

	// mu orders TryEnqueue against Stop so nothing lands in jobs after Drain
	mu       sync.Mutex
	stopped  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

func NewQueue(capacity, workers, maxConcurrent int, logger *zap.Logger) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 {
		workers = 1
	}
	if maxConcurrent < 1 {
		maxConcurrent = workers
	}
	return &Queue{
		jobs:    make(chan *Job, capacity),
		workers: workers,
		exec:    semaphore.NewWeighted(int64(maxConcurrent)),
		stop:    make(chan struct{}),
		logger:  logger.Named("queue"),
	}
}

// TryEnqueue adds the job without blocking and returns its position.
func (q *Queue) TryEnqueue(job *Job) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return 0, fmt.Errorf("%w: queue stopped", ErrQueueFull)
	}
	select {
	case q.jobs <- job:
		return len(q.jobs), nil
	default:
		return 0, ErrQueueFull
	}
}

func (q *Queue) Len() int { return len(q.jobs) }

func (q *Queue) Cap() int { return cap(q.jobs) }

// Full is a best-effort check used before debiting; TryEnqueue stays authoritative.
func (q *Queue) Full() bool { return len(q.jobs) >= cap(q.jobs) }

// Start launches the workers. Each worker runs one job to completion before taking the next:
// cancelling ctx stops workers from taking new jobs but does not abort a job already dequeued.
func (q *Queue) Start(ctx context.Context, handle Handler) {
	q.logger.Info("Starting generation workers",
		zap.Int("workers", q.workers),
		zap.Int("capacity", cap(q.jobs)))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx, i, handle)
	}
}

// Stop signals the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.stopped {
		q.stopped = true
		close(q.stop)
	}
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Info("Generation workers stopped", zap.Int("left_in_queue", len(q.jobs)))
}

// Drain removes and returns the jobs no worker picked up. Call after Stop.
func (q *Queue) Drain() []*Job {
	var left []*Job
	for {
		select {
		case job := <-q.jobs:
			left = append(left, job)
		default:
			return left
		}
	}
}

func (q *Queue) runWorker(ctx context.Context, workerID int, handle Handler) {
	defer q.wg.Done()
	for {
		// stop wins over a non-empty queue
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			q.process(ctx, workerID, job, handle)
		}
	}
}

func (q *Queue) process(ctx context.Context, workerID int, job *Job, handle Handler) {
	if err := q.exec.Acquire(ctx, 1); err != nil {
		q.logger.Warn("Worker could not acquire execution slot", zap.Int("worker", workerID), zap.String("job_id", job.ID), zap.Error(err))
		// hand the job back so Drain can settle it
		select {
		case q.jobs <- job:
		default:
			q.logger.Error("Dropped job on shutdown", zap.String("job_id", job.ID))
		}
		return
	}
	defer q.exec.Release(1)

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Worker recovered from panic",
				zap.Int("worker", workerID),
				zap.String("job_id", job.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	handle(context.WithoutCancel(ctx), job)
}
