package engine

import (
	"context"
	"fmt"

	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/batch/ports"
	"github.com/procflow-go/internal/modification/instruction"
	"github.com/procflow-go/pkg/events"
	"github.com/procflow-go/pkg/logger"
	"github.com/procflow-go/pkg/resilience"
)

// ModificationRunner applies the shared instruction list to a job's id
// subset. It runs the exact synchronous modification path, one independent
// unit of work per id.
type ModificationRunner interface {
	Run(ctx context.Context, ids []string, instructions []instruction.Instruction, flags batch.Flags) error
}

// Handler executes a single chunk job: fetch the shared configuration blob,
// run the modification over the job's ids, and clean up the blob once the
// last job of the batch is done.
type Handler struct {
	repo        ports.Repository
	blobs       ports.BlobStore
	blobBreaker *resilience.CircuitBreaker
	runner      ModificationRunner
	eventBus    events.EventBus
	logger      logger.Logger
}

func NewHandler(
	repo ports.Repository,
	blobs ports.BlobStore,
	runner ModificationRunner,
	eventBus events.EventBus,
	log logger.Logger,
) *Handler {
	if eventBus == nil {
		eventBus = events.NopEventBus{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{
		repo:        repo,
		blobs:       blobs,
		blobBreaker: resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("batch-blob-store")),
		runner:      runner,
		eventBus:    eventBus,
		logger:      log,
	}
}

// Execute runs the job once. The caller owns retry bookkeeping and job
// state transitions on failure; Execute only marks success.
func (h *Handler) Execute(ctx context.Context, job *batch.Job) error {
	raw, err := h.blobBreaker.ExecuteWithContext(ctx, func(ctx context.Context) (interface{}, error) {
		return h.blobs.Get(ctx, job.ConfigurationID)
	})
	if err != nil {
		return fmt.Errorf("load batch configuration %s: %w", job.ConfigurationID, err)
	}
	cfg, err := batch.UnmarshalConfiguration(raw.([]byte))
	if err != nil {
		return err
	}

	if err := h.runner.Run(ctx, job.TargetIDs, cfg.Instructions, cfg.Flags); err != nil {
		return err
	}

	job.State = batch.StateCompleted
	job.LastError = ""
	if err := h.repo.UpdateJob(ctx, job); err != nil {
		return fmt.Errorf("mark job %s completed: %w", job.ID, err)
	}

	if err := h.eventBus.Publish(ctx, events.NewEvent(events.TypeBatchJobCompleted, job.BatchID, map[string]interface{}{
		"jobId":   job.ID,
		"targets": len(job.TargetIDs),
	})); err != nil {
		h.logger.Error("Failed to publish job completed event", "error", err, "jobId", job.ID)
	}

	h.finishBatchIfDone(ctx, job)
	return nil
}

// finishBatchIfDone deletes the configuration blob and announces batch
// completion once no job of the configuration is open anymore. Cleanup is
// best effort, a leftover blob never blocks the batch.
func (h *Handler) finishBatchIfDone(ctx context.Context, job *batch.Job) {
	open, err := h.repo.OpenJobs(ctx, job.ConfigurationID)
	if err != nil {
		h.logger.Error("Failed to count open jobs", "error", err, "batchId", job.BatchID)
		return
	}
	if open > 0 {
		return
	}

	if err := h.blobs.Delete(ctx, job.ConfigurationID); err != nil {
		h.logger.Error("Failed to delete batch configuration blob",
			"error", err,
			"configurationId", job.ConfigurationID,
		)
	}
	if err := h.eventBus.Publish(ctx, events.NewEvent(events.TypeBatchCompleted, job.BatchID, nil)); err != nil {
		h.logger.Error("Failed to publish batch completed event", "error", err, "batchId", job.BatchID)
	}
	h.logger.Info("Batch finished", "batchId", job.BatchID)
}
