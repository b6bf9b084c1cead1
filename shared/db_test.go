package shared

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func repositories(t *testing.T) map[string]JobRepository {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	sqlite, err := OpenSQLiteDB(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]JobRepository{
		"memory": NewInMemoryDB(),
		"redis":  NewRedisDB(client),
		"sqlite": sqlite,
	}
}

func sampleJob(id string, created time.Time) *Job {
	return &Job{
		ID:                id,
		UserID:            "user-1",
		JobType:           "meditation",
		Status:            JobStatusPending,
		Delivery:          DeliveryStreaming,
		GenerationAttempt: 1,
		CreatedAt:         created,
		UpdatedAt:         created,
	}
}

func TestRepositories(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC().Truncate(time.Second)

			job := sampleJob("job-1", now)
			require.NoError(t, repo.CreateJob(ctx, job))
			assert.Equal(t, int64(1), job.Version)
			assert.ErrorIs(t, repo.CreateJob(ctx, sampleJob("job-1", now)), ErrJobExists)

			got, err := repo.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, "user-1", got.UserID)
			assert.Equal(t, int64(1), got.Version)

			_, err = repo.GetJob(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)

			// Two readers of the same version: the second writer loses.
			first, err := repo.GetJob(ctx, "job-1")
			require.NoError(t, err)
			second, err := repo.GetJob(ctx, "job-1")
			require.NoError(t, err)

			first.Status = JobStatusProcessing
			first.Streaming = &StreamingInfo{SegmentsCompleted: 1}
			require.NoError(t, repo.UpdateJob(ctx, first))
			assert.Equal(t, int64(2), first.Version)

			second.Error = "stale"
			assert.ErrorIs(t, repo.UpdateJob(ctx, second), ErrVersionConflict)

			got, err = repo.GetJob(ctx, "job-1")
			require.NoError(t, err)
			assert.Equal(t, JobStatusProcessing, got.Status)
			assert.Equal(t, 1, got.SegmentsCompleted())
			assert.Empty(t, got.Error)

			assert.ErrorIs(t, repo.UpdateJob(ctx, sampleJob("missing", now)), ErrJobNotFound)

			require.NoError(t, repo.CreateJob(ctx, sampleJob("job-2", now.Add(time.Minute))))
			all, err := repo.GetAllJobs(ctx)
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "job-2", all[0].ID)

			require.NoError(t, repo.DeleteJob(ctx, "job-1"))
			assert.ErrorIs(t, repo.DeleteJob(ctx, "job-1"), ErrJobNotFound)
		})
	}
}

func TestInMemoryDBReturnsCopies(t *testing.T) {
	ctx := context.Background()
	db := NewInMemoryDB()
	job := sampleJob("job-1", time.Now())
	job.Streaming = &StreamingInfo{SegmentsCompleted: 2}
	require.NoError(t, db.CreateJob(ctx, job))

	got, err := db.GetJob(ctx, "job-1")
	require.NoError(t, err)
	got.Streaming.SegmentsCompleted = 99

	again, err := db.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Streaming.SegmentsCompleted)
}
