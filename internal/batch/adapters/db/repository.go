package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/pkg/database"
	"gorm.io/gorm"
)

// Repository is the gorm-backed store for batches and their jobs.
type Repository struct {
	db *database.DB
}

func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Models lists everything this repository migrates.
func Models() []interface{} {
	return []interface{}{&batch.Batch{}, &batch.Job{}}
}

// CreateBatch stores the batch and all of its jobs in one transaction, so a
// batch is never visible without its jobs.
func (r *Repository) CreateBatch(ctx context.Context, b *batch.Batch, jobs []*batch.Job) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.WithContext(ctx).Create(b).Error; err != nil {
			return fmt.Errorf("create batch %q: %w", b.ID, err)
		}
		if len(jobs) > 0 {
			if err := tx.WithContext(ctx).CreateInBatches(jobs, 200).Error; err != nil {
				return fmt.Errorf("create jobs of batch %q: %w", b.ID, err)
			}
		}
		return nil
	})
}

func (r *Repository) BatchByID(ctx context.Context, id string) (*batch.Batch, error) {
	var b batch.Batch
	if err := r.db.WithContext(ctx).First(&b, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("batch %q: %w", id, runtime.ErrNotFound)
		}
		return nil, fmt.Errorf("load batch %q: %w", id, err)
	}
	return &b, nil
}

func (r *Repository) JobByID(ctx context.Context, id string) (*batch.Job, error) {
	var j batch.Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %q: %w", id, runtime.ErrNotFound)
		}
		return nil, fmt.Errorf("load job %q: %w", id, err)
	}
	return &j, nil
}

func (r *Repository) UpdateJob(ctx context.Context, job *batch.Job) error {
	job.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("update job %q: %w", job.ID, err)
	}
	return nil
}

// Status aggregates the job states of a batch.
func (r *Repository) Status(ctx context.Context, batchID string) (batch.Status, error) {
	b, err := r.BatchByID(ctx, batchID)
	if err != nil {
		return batch.Status{}, err
	}

	type stateCount struct {
		State string
		N     int
	}
	var counts []stateCount
	if err := r.db.WithContext(ctx).
		Model(&batch.Job{}).
		Select("state, count(*) as n").
		Where("batch_id = ?", batchID).
		Group("state").
		Scan(&counts).Error; err != nil {
		return batch.Status{}, fmt.Errorf("count jobs of batch %q: %w", batchID, err)
	}

	status := batch.Status{BatchID: batchID, TotalJobs: b.TotalJobs}
	for _, c := range counts {
		switch c.State {
		case batch.StatePending, batch.StateRunning:
			status.PendingJobs += c.N
		case batch.StateCompleted:
			status.CompletedJobs += c.N
		case batch.StateFailed:
			status.FailedJobs += c.N
		}
	}
	status.Done = status.PendingJobs == 0
	return status, nil
}

// OpenJobs counts non-terminal jobs of a configuration blob.
func (r *Repository) OpenJobs(ctx context.Context, configurationID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).
		Model(&batch.Job{}).
		Where("configuration_id = ? AND state NOT IN ?", configurationID,
			[]string{batch.StateCompleted, batch.StateFailed}).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count open jobs of configuration %q: %w", configurationID, err)
	}
	return n, nil
}
