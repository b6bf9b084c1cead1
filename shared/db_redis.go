package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
)

// RedisDB implements JobRepository using Redis as a key-value store
// Keys: job:<id> => JSON(Job)
// Sorted set for listing: jobs (score: createdAt unix)
// Updates run inside WATCH/MULTI so a concurrent writer aborts the transaction.
type RedisDB struct {
	client *redis.Client
}

func NewRedisDB(client *redis.Client) *RedisDB {
	return &RedisDB{client: client}
}

func (r *RedisDB) jobKey(id string) string { return fmt.Sprintf("job:%s", id) }

func (r *RedisDB) CreateJob(ctx context.Context, job *Job) error {
	key := r.jobKey(job.ID)
	job.Version = 1
	b, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}
	created, err := r.client.SetNX(ctx, key, b, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return r.client.ZAdd(ctx, "jobs", redis.Z{Score: float64(job.CreatedAt.Unix()), Member: job.ID}).Err()
}

func (r *RedisDB) GetJob(ctx context.Context, jobID string) (*Job, error) {
	val, err := r.client.Get(ctx, r.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	var j Job
	if err := json.Unmarshal(val, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	return &j, nil
}

func (r *RedisDB) UpdateJob(ctx context.Context, job *Job) error {
	key := r.jobKey(job.ID)
	expected := job.Version

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
			}
			return err
		}
		var stored Job
		if err := json.Unmarshal(val, &stored); err != nil {
			return fmt.Errorf("unmarshal job %s: %w", job.ID, err)
		}
		if stored.Version != expected {
			return fmt.Errorf("%w: %s (have %d, stored %d)", ErrVersionConflict, job.ID, expected, stored.Version)
		}

		next := job.Clone()
		next.Version = expected + 1
		b, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal job %s: %w", job.ID, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: %s", ErrVersionConflict, job.ID)
	}
	if err != nil {
		return err
	}
	job.Version = expected + 1
	return nil
}

func (r *RedisDB) DeleteJob(ctx context.Context, jobID string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, r.jobKey(jobID))
	pipe.ZRem(ctx, "jobs", jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

func (r *RedisDB) GetAllJobs(ctx context.Context) ([]*Job, error) {
	ids, err := r.client.ZRevRange(ctx, "jobs", 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := r.GetJob(ctx, id)
		if err == nil {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}
