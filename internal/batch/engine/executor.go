package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/batch/ports"
	"github.com/procflow-go/pkg/events"
	"github.com/procflow-go/pkg/logger"
	"github.com/procflow-go/pkg/metrics"
	"golang.org/x/time/rate"
)

// Executor drains the job queue with a fixed worker pool. Dispatch is rate
// limited so a large batch cannot starve regular engine load, and every job
// spends its retry budget before it is marked failed.
type Executor struct {
	queue    ports.JobQueue
	repo     ports.Repository
	handler  *Handler
	eventBus events.EventBus
	logger   logger.Logger

	workers      int
	limiter      *rate.Limiter
	retryBackoff time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type ExecutorConfig struct {
	// Workers is the number of concurrent job workers. Zero means 4.
	Workers int
	// DispatchRate caps job starts per second. Zero means 50.
	DispatchRate float64
	// RetryBackoff is the delay before a failed job is requeued. Zero
	// means 5s.
	RetryBackoff time.Duration
}

func NewExecutor(
	cfg ExecutorConfig,
	queue ports.JobQueue,
	repo ports.Repository,
	handler *Handler,
	eventBus events.EventBus,
	log logger.Logger,
) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = 50
	}
	burst := int(cfg.DispatchRate)
	if burst < 1 {
		burst = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 5 * time.Second
	}
	if eventBus == nil {
		eventBus = events.NopEventBus{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Executor{
		queue:        queue,
		repo:         repo,
		handler:      handler,
		eventBus:     eventBus,
		logger:       log,
		workers:      cfg.Workers,
		limiter:      rate.NewLimiter(rate.Limit(cfg.DispatchRate), burst),
		retryBackoff: cfg.RetryBackoff,
		stopCh:       make(chan struct{}),
	}
}

// Start launches the workers. It returns immediately; workers run until
// Stop is called or the context is cancelled.
func (e *Executor) Start(ctx context.Context) error {
	e.logger.Info("Starting batch executor", "workers", e.workers)

	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i+1)
	}

	go e.reportQueueDepth(ctx)
	return nil
}

// Stop signals the workers and waits for in-flight jobs to finish or the
// context to expire.
func (e *Executor) Stop(ctx context.Context) error {
	e.logger.Info("Stopping batch executor")
	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.logger.Info("All batch workers stopped")
	case <-ctx.Done():
		e.logger.Warn("Timeout waiting for batch workers to stop")
	}
	return nil
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return
		}

		jobID, err := e.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			e.logger.Error("Failed to dequeue job", "error", err, "workerId", id)
			continue
		}

		e.processJob(ctx, id, jobID)
	}
}

func (e *Executor) processJob(ctx context.Context, workerID int, jobID string) {
	job, err := e.repo.JobByID(ctx, jobID)
	if err != nil {
		e.logger.Error("Failed to load job", "error", err, "jobId", jobID)
		return
	}
	if job.Terminal() {
		return
	}

	job.State = batch.StateRunning
	if err := e.repo.UpdateJob(ctx, job); err != nil {
		e.logger.Error("Failed to mark job running", "error", err, "jobId", jobID)
		return
	}

	start := time.Now()
	execErr := e.handler.Execute(ctx, job)
	metrics.BatchJobDuration.Observe(time.Since(start).Seconds())

	if execErr == nil {
		metrics.BatchJobsTotal.WithLabelValues("completed").Inc()
		e.logger.Debug("Batch job completed",
			"jobId", job.ID,
			"workerId", workerID,
			"duration", time.Since(start),
		)
		return
	}

	e.failJob(ctx, job, execErr)
}

// failJob spends one retry. With budget left the job goes back to pending
// and is requeued after a backoff; otherwise it is failed permanently and
// the rest of the batch keeps running.
func (e *Executor) failJob(ctx context.Context, job *batch.Job, execErr error) {
	job.Retries--
	job.LastError = execErr.Error()

	if job.Retries > 0 {
		job.State = batch.StatePending
		if err := e.repo.UpdateJob(ctx, job); err != nil {
			e.logger.Error("Failed to reset job for retry", "error", err, "jobId", job.ID)
			return
		}
		metrics.BatchJobsTotal.WithLabelValues("retried").Inc()
		e.logger.Warn("Batch job failed, retrying",
			"jobId", job.ID,
			"retriesLeft", job.Retries,
			"error", execErr,
		)

		jobID := job.ID
		backoff := e.retryBackoff
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case <-time.After(backoff):
			case <-e.stopCh:
			case <-ctx.Done():
			}
			if err := e.queue.Enqueue(ctx, jobID); err != nil {
				e.logger.Error("Failed to requeue job", "error", err, "jobId", jobID)
			}
		}()
		return
	}

	job.State = batch.StateFailed
	if err := e.repo.UpdateJob(ctx, job); err != nil {
		e.logger.Error("Failed to mark job failed", "error", err, "jobId", job.ID)
		return
	}
	metrics.BatchJobsTotal.WithLabelValues("failed").Inc()

	if err := e.eventBus.Publish(ctx, events.NewEvent(events.TypeBatchJobFailed, job.BatchID, map[string]interface{}{
		"jobId": job.ID,
		"error": execErr.Error(),
	})); err != nil {
		e.logger.Error("Failed to publish job failed event", "error", err, "jobId", job.ID)
	}
	e.logger.Error("Batch job failed permanently",
		"jobId", job.ID,
		"batchId", job.BatchID,
		"error", execErr,
	)
}

func (e *Executor) reportQueueDepth(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			depth, err := e.queue.Depth(ctx)
			if err != nil {
				continue
			}
			metrics.BatchJobQueueDepth.Set(float64(depth))
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}
