package db

import (
	"context"
	"testing"

	"github.com/procflow-go/internal/batch"
	"github.com/procflow-go/internal/domain/runtime"
	"github.com/procflow-go/pkg/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTestRepository(t *testing.T) *Repository {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	db := &database.DB{DB: gormDB}
	require.NoError(t, db.Migrate(Models()...))
	return NewRepository(db)
}

func seedBatch(t *testing.T, repo *Repository, jobCount int) (*batch.Batch, []*batch.Job) {
	t.Helper()
	b := batch.NewBatch("order-def", "dep-1", "cfg-1", jobCount, 2)
	jobs := make([]*batch.Job, 0, jobCount)
	for i := 0; i < jobCount; i++ {
		jobs = append(jobs, batch.NewJob(b.ID, "cfg-1", []string{"pi1", "pi2"}, 3))
	}
	require.NoError(t, repo.CreateBatch(context.Background(), b, jobs))
	return b, jobs
}

func TestRepository_CreateAndLoad(t *testing.T) {
	repo := setupTestRepository(t)
	b, jobs := seedBatch(t, repo, 3)
	ctx := context.Background()

	loaded, err := repo.BatchByID(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.TypeInstanceModification, loaded.Type)
	assert.Equal(t, 3, loaded.TotalJobs)

	job, err := repo.JobByID(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, job.BatchID)
	assert.Equal(t, []string{"pi1", "pi2"}, job.TargetIDs)
	assert.Equal(t, batch.StatePending, job.State)
	assert.Equal(t, 3, job.Retries)
}

func TestRepository_NotFound(t *testing.T) {
	repo := setupTestRepository(t)
	ctx := context.Background()

	_, err := repo.BatchByID(ctx, "missing")
	assert.ErrorIs(t, err, runtime.ErrNotFound)

	_, err = repo.JobByID(ctx, "missing")
	assert.ErrorIs(t, err, runtime.ErrNotFound)
}

func TestRepository_UpdateJob(t *testing.T) {
	repo := setupTestRepository(t)
	_, jobs := seedBatch(t, repo, 1)
	ctx := context.Background()

	job := jobs[0]
	job.State = batch.StateFailed
	job.Retries = 0
	job.LastError = "boom"
	require.NoError(t, repo.UpdateJob(ctx, job))

	loaded, err := repo.JobByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.StateFailed, loaded.State)
	assert.Equal(t, 0, loaded.Retries)
	assert.Equal(t, "boom", loaded.LastError)
	assert.False(t, loaded.UpdatedAt.Before(loaded.CreatedAt))
}

func TestRepository_StatusAggregation(t *testing.T) {
	repo := setupTestRepository(t)
	b, jobs := seedBatch(t, repo, 4)
	ctx := context.Background()

	jobs[0].State = batch.StateCompleted
	require.NoError(t, repo.UpdateJob(ctx, jobs[0]))
	jobs[1].State = batch.StateFailed
	require.NoError(t, repo.UpdateJob(ctx, jobs[1]))
	// running counts as pending, the job may still finish
	jobs[2].State = batch.StateRunning
	require.NoError(t, repo.UpdateJob(ctx, jobs[2]))

	status, err := repo.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, status.TotalJobs)
	assert.Equal(t, 2, status.PendingJobs)
	assert.Equal(t, 1, status.CompletedJobs)
	assert.Equal(t, 1, status.FailedJobs)
	assert.False(t, status.Done)
}

func TestRepository_StatusDoneIncludesFailures(t *testing.T) {
	repo := setupTestRepository(t)
	b, jobs := seedBatch(t, repo, 2)
	ctx := context.Background()

	jobs[0].State = batch.StateCompleted
	require.NoError(t, repo.UpdateJob(ctx, jobs[0]))
	jobs[1].State = batch.StateFailed
	require.NoError(t, repo.UpdateJob(ctx, jobs[1]))

	status, err := repo.Status(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, status.Done)
	assert.Equal(t, 1, status.FailedJobs)
}

func TestRepository_OpenJobs(t *testing.T) {
	repo := setupTestRepository(t)
	_, jobs := seedBatch(t, repo, 3)
	ctx := context.Background()

	open, err := repo.OpenJobs(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), open)

	jobs[0].State = batch.StateCompleted
	require.NoError(t, repo.UpdateJob(ctx, jobs[0]))
	jobs[1].State = batch.StateFailed
	require.NoError(t, repo.UpdateJob(ctx, jobs[1]))

	open, err = repo.OpenJobs(ctx, "cfg-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), open)
}
