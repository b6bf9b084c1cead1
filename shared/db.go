// shared/db.go
package shared

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// JobRepository is the durable job store. UpdateJob is a compare-and-swap on
// Job.Version: it fails with ErrVersionConflict when the stored record moved
// since the caller read it, and bumps job.Version on success.
type JobRepository interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	UpdateJob(ctx context.Context, job *Job) error
	DeleteJob(ctx context.Context, jobID string) error
	GetAllJobs(ctx context.Context) ([]*Job, error) // For admin and janitor sweeps
}

// InMemoryDB implements JobRepository using an in-memory map
type InMemoryDB struct {
	jobs      map[string]*Job
	jobsMutex sync.RWMutex
}

// NewInMemoryDB creates a new in-memory database instance
func NewInMemoryDB() *InMemoryDB {
	return &InMemoryDB{
		jobs: make(map[string]*Job),
	}
}

// CreateJob adds a new job to the database
func (db *InMemoryDB) CreateJob(_ context.Context, job *Job) error {
	db.jobsMutex.Lock()
	defer db.jobsMutex.Unlock()

	if _, exists := db.jobs[job.ID]; exists {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	job.Version = 1
	db.jobs[job.ID] = job.Clone()
	return nil
}

// GetJob retrieves a copy of a job by its ID
func (db *InMemoryDB) GetJob(_ context.Context, jobID string) (*Job, error) {
	db.jobsMutex.RLock()
	defer db.jobsMutex.RUnlock()

	job, exists := db.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return job.Clone(), nil
}

// UpdateJob replaces a job if its version still matches the stored one
func (db *InMemoryDB) UpdateJob(_ context.Context, job *Job) error {
	db.jobsMutex.Lock()
	defer db.jobsMutex.Unlock()

	stored, exists := db.jobs[job.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	if stored.Version != job.Version {
		return fmt.Errorf("%w: %s (have %d, stored %d)", ErrVersionConflict, job.ID, job.Version, stored.Version)
	}
	job.Version++
	db.jobs[job.ID] = job.Clone()
	return nil
}

// DeleteJob removes a job from the database
func (db *InMemoryDB) DeleteJob(_ context.Context, jobID string) error {
	db.jobsMutex.Lock()
	defer db.jobsMutex.Unlock()

	if _, exists := db.jobs[jobID]; !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	delete(db.jobs, jobID)
	return nil
}

// GetAllJobs retrieves all jobs, newest first
func (db *InMemoryDB) GetAllJobs(_ context.Context) ([]*Job, error) {
	db.jobsMutex.RLock()
	defer db.jobsMutex.RUnlock()

	allJobs := make([]*Job, 0, len(db.jobs))
	for _, job := range db.jobs {
		allJobs = append(allJobs, job.Clone())
	}
	sort.Slice(allJobs, func(i, j int) bool {
		return allJobs[i].CreatedAt.After(allJobs[j].CreatedAt)
	})
	return allJobs, nil
}
