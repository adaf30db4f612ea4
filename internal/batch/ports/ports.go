package ports

import (
	"context"

	"github.com/procflow-go/internal/batch"
)

// Repository persists batches and their chunk jobs.
type Repository interface {
	// CreateBatch stores the batch handle and all of its jobs in one
	// transaction.
	CreateBatch(ctx context.Context, b *batch.Batch, jobs []*batch.Job) error
	BatchByID(ctx context.Context, id string) (*batch.Batch, error)
	JobByID(ctx context.Context, id string) (*batch.Job, error)
	UpdateJob(ctx context.Context, job *batch.Job) error
	// Status aggregates job states into the externally visible progress.
	Status(ctx context.Context, batchID string) (batch.Status, error)
	// OpenJobs counts jobs of a configuration blob that are not terminal
	// yet. The blob may be deleted once this reaches zero.
	OpenJobs(ctx context.Context, configurationID string) (int64, error)
}

// BlobStore holds serialized batch configurations. One blob is shared by
// all jobs of a batch.
type BlobStore interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
}

// JobQueue distributes job ids to executor workers. Dequeue blocks until a
// job is available or the context is cancelled.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) error
	Dequeue(ctx context.Context) (string, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}

// DeploymentLookup resolves the deployment a process definition belongs to.
// Batches record it so jobs can later be routed by deployment.
type DeploymentLookup interface {
	DeploymentForDefinition(ctx context.Context, processDefinitionID string) (string, error)
}
