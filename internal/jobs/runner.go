// internal/jobs/runner.go

// Package jobs runs segmentation off the request path: a bounded queue
// feeding a small worker pool. The runner holds the re-enqueue retry
// policy; the orchestrator itself never retries.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"liverscan-back/internal/logger"
	"liverscan-back/internal/models"
)

var (
	// ErrQueueFull means the submission was rejected, not queued.
	ErrQueueFull = errors.New("job queue full")
	// ErrStopped means the runner no longer accepts work.
	ErrStopped = errors.New("job runner stopped")
)

// Executor performs segmentation runs. segmentation.Orchestrator
// satisfies it; tests inject a synchronous fake.
type Executor interface {
	// Execute drives a task the submitter already prepared.
	Execute(ctx context.Context, scanID, taskID uint) (*models.SegmentationTask, error)
	// Run prepares a fresh task and executes it. Retries come through
	// here because a terminal task is never re-run.
	Run(ctx context.Context, scanID uint) (*models.SegmentationTask, error)
}

// Notifier publishes status events for runs that never reached a task.
// Transition events for created tasks come from the task store.
type Notifier interface {
	Publish(scanID uint, status string, message string, extra map[string]any)
}

type job struct {
	scanID  uint
	taskID  uint // 0 means prepare a fresh task
	attempt int
}

type Runner struct {
	executor   Executor
	notifier   Notifier
	queue      chan job
	workers    int
	maxRetries int

	// RetryInterval overrides the first retry delay. Zero keeps the
	// backoff default.
	RetryInterval time.Duration

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewRunner(executor Executor, notifier Notifier, workers, queueSize, maxRetries int) *Runner {
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		executor:   executor,
		notifier:   notifier,
		queue:      make(chan job, queueSize),
		workers:    workers,
		maxRetries: maxRetries,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// the queue is closed by Stop.
func (r *Runner) Start(ctx context.Context) {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j, ok := <-r.queue:
					if !ok {
						return
					}
					r.process(ctx, j)
				}
			}
		}()
	}
}

// Stop refuses further submissions and waits for in-flight runs.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	r.wg.Wait()
}

// Submit schedules execution of a prepared task. taskID 0 lets the
// worker prepare the task itself. The caller gets an error only when
// the job could not be queued at all.
func (r *Runner) Submit(scanID, taskID uint) error {
	return r.enqueue(job{scanID: scanID, taskID: taskID})
}

func (r *Runner) enqueue(j job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	select {
	case r.queue <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (r *Runner) process(ctx context.Context, j job) {
	var (
		task *models.SegmentationTask
		err  error
	)
	if j.taskID != 0 {
		task, err = r.executor.Execute(ctx, j.scanID, j.taskID)
	} else {
		task, err = r.executor.Run(ctx, j.scanID)
	}
	if err == nil {
		return
	}

	// A rejection before any task existed produces no store transition,
	// so subscribers would otherwise never hear about it.
	if task == nil {
		if r.notifier != nil {
			r.notifier.Publish(j.scanID, string(models.TaskFailed), err.Error(), nil)
		}
		logger.Warn("segmentation run rejected",
			zap.Uint("scan_id", j.scanID), zap.Error(err))
		return
	}

	if j.attempt >= r.maxRetries {
		logger.Error("segmentation run failed, retries exhausted",
			zap.Uint("scan_id", j.scanID),
			zap.Int("attempts", j.attempt+1),
			zap.Error(err))
		return
	}

	delay := r.retryDelay(j.attempt)
	logger.Warn("segmentation run failed, scheduling retry",
		zap.Uint("scan_id", j.scanID),
		zap.Int("attempt", j.attempt+1),
		zap.Duration("delay", delay),
		zap.Error(err))

	time.AfterFunc(delay, func() {
		if err := r.enqueue(job{scanID: j.scanID, attempt: j.attempt + 1}); err != nil {
			logger.Warn("dropping retry", zap.Uint("scan_id", j.scanID), zap.Error(err))
		}
	})
}

// retryDelay replays the exponential backoff up to the given attempt.
// Jobs carry only their attempt count across re-enqueues, so the
// backoff state is rebuilt rather than stored per job.
func (r *Runner) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if r.RetryInterval > 0 {
		b.InitialInterval = r.RetryInterval
	}
	// retries are bounded by maxRetries, never by elapsed time
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
