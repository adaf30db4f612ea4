package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/batch/ports"
	"github.com/procflow-go/pkg/events"
	"github.com/procflow-go/pkg/logger"
	"github.com/procflow-go/pkg/metrics"
)

// Creator turns one validated configuration into a stored blob plus a set
// of chunk jobs and makes the jobs available to the executor.
type Creator struct {
	repo        ports.Repository
	blobs       ports.BlobStore
	queue       ports.JobQueue
	deployments ports.DeploymentLookup
	eventBus    events.EventBus
	logger      logger.Logger
	chunkSize   int
	jobRetries  int
}

type CreatorConfig struct {
	// ChunkSize is the maximum number of target ids per job. Zero means
	// the default of 100.
	ChunkSize int
	// JobRetries is the retry budget every job starts with. Zero means
	// the default of 3.
	JobRetries int
}

func NewCreator(
	cfg CreatorConfig,
	repo ports.Repository,
	blobs ports.BlobStore,
	queue ports.JobQueue,
	deployments ports.DeploymentLookup,
	eventBus events.EventBus,
	log logger.Logger,
) *Creator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 100
	}
	if cfg.JobRetries <= 0 {
		cfg.JobRetries = 3
	}
	if eventBus == nil {
		eventBus = events.NopEventBus{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Creator{
		repo:        repo,
		blobs:       blobs,
		queue:       queue,
		deployments: deployments,
		eventBus:    eventBus,
		logger:      log,
		chunkSize:   cfg.ChunkSize,
		jobRetries:  cfg.JobRetries,
	}
}

// Create persists the configuration blob, splits the target ids into chunk
// jobs preserving order, and enqueues every job. The returned batch is the
// caller's handle for status polling.
func (c *Creator) Create(ctx context.Context, cfg batch.Configuration) (*batch.Batch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	deploymentID := ""
	if c.deployments != nil && cfg.ProcessDefinitionID != "" {
		id, err := c.deployments.DeploymentForDefinition(ctx, cfg.ProcessDefinitionID)
		if err != nil {
			return nil, fmt.Errorf("resolve deployment for definition %s: %w", cfg.ProcessDefinitionID, err)
		}
		deploymentID = id
	}

	data, err := cfg.Marshal()
	if err != nil {
		return nil, err
	}
	configurationID := uuid.New().String()
	if err := c.blobs.Put(ctx, configurationID, data); err != nil {
		return nil, fmt.Errorf("store batch configuration: %w", err)
	}

	chunks := chunkIDs(cfg.TargetIDs, c.chunkSize)
	b := batch.NewBatch(cfg.ProcessDefinitionID, deploymentID, configurationID, len(chunks), c.chunkSize)

	jobs := make([]*batch.Job, 0, len(chunks))
	for _, chunk := range chunks {
		jobs = append(jobs, batch.NewJob(b.ID, configurationID, chunk, c.jobRetries))
	}

	if err := c.repo.CreateBatch(ctx, b, jobs); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	for _, job := range jobs {
		if err := c.queue.Enqueue(ctx, job.ID); err != nil {
			return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
	}

	metrics.BatchesCreatedTotal.Inc()
	if err := c.eventBus.Publish(ctx, events.NewEvent(events.TypeBatchCreated, b.ID, map[string]interface{}{
		"totalJobs": b.TotalJobs,
		"targets":   len(cfg.TargetIDs),
	})); err != nil {
		c.logger.Error("Failed to publish batch created event", "error", err, "batchId", b.ID)
	}

	c.logger.Info("Created batch",
		"batchId", b.ID,
		"targets", len(cfg.TargetIDs),
		"jobs", len(jobs),
		"chunkSize", c.chunkSize,
	)
	return b, nil
}

// chunkIDs splits ids into slices of at most size elements, keeping the
// original order. Only the final chunk may be smaller.
func chunkIDs(ids []string, size int) [][]string {
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
