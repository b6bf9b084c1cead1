// Package tracker owns durable job state. Every other component changes a
// job only through a Tracker, which applies each mutation as an atomic
// read-modify-write against the job repository and retries on version
// conflicts.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"guided-audio-stream/shared"
)

const defaultConflictRetries = 8

// errNoop aborts a mutation without writing.
var errNoop = errors.New("no change")

// Cleaner removes a job's streaming artifacts once the download is confirmed.
type Cleaner interface {
	Purge(ctx context.Context, job *shared.Job) error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMaxAttempts sets the generation attempt ceiling (default 3).
func WithMaxAttempts(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxAttempts = n
		}
	}
}

// WithCleaner installs the hook run by MarkDownloadCompleted.
func WithCleaner(c Cleaner) Option {
	return func(t *Tracker) { t.cleaner = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// Tracker is the job lifecycle state machine over a JobRepository.
type Tracker struct {
	repo            shared.JobRepository
	cleaner         Cleaner
	maxAttempts     int
	conflictRetries int
	now             func() time.Time
}

// New creates a Tracker backed by repo.
func New(repo shared.JobRepository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:            repo,
		maxAttempts:     shared.DefaultMaxAttempts,
		conflictRetries: defaultConflictRetries,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MaxAttempts returns the attempt ceiling.
func (t *Tracker) MaxAttempts() int { return t.maxAttempts }

// Create registers a new PENDING job.
func (t *Tracker) Create(ctx context.Context, userID, jobType string, delivery shared.DeliveryMode) (*shared.Job, error) {
	userID = strings.TrimSpace(userID)
	if err := shared.ValidateUserID(userID); err != nil {
		return nil, err
	}
	switch delivery {
	case "":
		delivery = shared.DeliveryStreaming
	case shared.DeliveryStreaming, shared.DeliverySingleFile:
	default:
		return nil, shared.Validationf("unknown delivery mode %q", delivery)
	}
	if strings.TrimSpace(jobType) == "" {
		jobType = "meditation"
	}

	now := t.now()
	job := &shared.Job{
		ID:                uuid.NewString(),
		UserID:            userID,
		JobType:           jobType,
		Status:            shared.JobStatusPending,
		Delivery:          delivery,
		GenerationAttempt: 1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := t.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	shared.Info("job created", "job_id", job.ID, "user_id", userID, "delivery", delivery)
	return job, nil
}

// Get returns the current job record.
func (t *Tracker) Get(ctx context.Context, jobID string) (*shared.Job, error) {
	return t.repo.GetJob(ctx, jobID)
}

// List returns every job, newest first.
func (t *Tracker) List(ctx context.Context) ([]*shared.Job, error) {
	return t.repo.GetAllJobs(ctx)
}

// Delete removes the job record.
func (t *Tracker) Delete(ctx context.Context, jobID string) error {
	return t.repo.DeleteJob(ctx, jobID)
}

// BeginProcessing moves PENDING to PROCESSING. A job already PROCESSING or
// STREAMING is being redelivered after its worker died: its StartedAt is
// restarted so the stale-job sweep measures the new execution. Terminal jobs
// are left alone.
func (t *Tracker) BeginProcessing(ctx context.Context, jobID string) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		now := t.now()
		switch job.Status {
		case shared.JobStatusPending:
			job.StartedAt = &now
			return shared.TransitionJobStatus(job, shared.JobStatusProcessing)
		case shared.JobStatusProcessing, shared.JobStatusStreaming:
			shared.Warn("job redelivered, restarting execution", "job_id", job.ID, "status", job.Status)
			job.StartedAt = &now
			return nil
		default:
			return errNoop
		}
	})
}

// RecordSegment counts segment index as published. index must equal the
// current SegmentsCompleted; the first segment moves PROCESSING to STREAMING.
func (t *Tracker) RecordSegment(ctx context.Context, jobID string, index int) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.Status != shared.JobStatusProcessing && job.Status != shared.JobStatusStreaming {
			return fmt.Errorf("%w: cannot record segment in status %s", shared.ErrInvalidTransition, job.Status)
		}
		completed := job.SegmentsCompleted()
		if index != completed {
			return fmt.Errorf("%w: got segment %d, expected %d (job_id=%s)", shared.ErrOutOfOrder, index, completed, job.ID)
		}
		if job.Streaming == nil {
			job.Streaming = &shared.StreamingInfo{StartedAt: t.now()}
		}
		if total := job.Streaming.SegmentsTotal; total != nil && completed+1 > *total {
			return fmt.Errorf("%w: segment %d beyond total %d", shared.ErrOutOfOrder, index, *total)
		}
		job.Streaming.SegmentsCompleted = completed + 1
		if job.Status == shared.JobStatusProcessing {
			return shared.TransitionJobStatus(job, shared.JobStatusStreaming)
		}
		return nil
	})
}

// SetPlaylistKey records where the job's playlist lives.
func (t *Tracker) SetPlaylistKey(ctx context.Context, jobID, key string) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.Streaming == nil {
			job.Streaming = &shared.StreamingInfo{StartedAt: t.now()}
		}
		if job.Streaming.PlaylistKey == key {
			return errNoop
		}
		job.Streaming.PlaylistKey = key
		return nil
	})
}

// FinalizeStreaming fixes SegmentsTotal and moves STREAMING to COMPLETED.
func (t *Tracker) FinalizeStreaming(ctx context.Context, jobID string, total int) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.Status != shared.JobStatusStreaming {
			return fmt.Errorf("%w: cannot finalize streaming in status %s", shared.ErrInvalidTransition, job.Status)
		}
		completed := job.SegmentsCompleted()
		if completed != total {
			return fmt.Errorf("%w: %d segments recorded, finalize claims %d", shared.ErrIncompleteStream, completed, total)
		}
		if existing := job.Streaming.SegmentsTotal; existing != nil && *existing != total {
			return fmt.Errorf("%w: segments_total already set to %d", shared.ErrInvalidTransition, *existing)
		}
		job.Streaming.SegmentsTotal = &total
		now := t.now()
		job.CompletedAt = &now
		job.Error = ""
		return shared.TransitionJobStatus(job, shared.JobStatusCompleted)
	})
}

// CompleteSingleFile finishes a single-file delivery job with its artifact.
func (t *Tracker) CompleteSingleFile(ctx context.Context, jobID, objectKey string) (*shared.Job, error) {
	if objectKey == "" {
		return nil, shared.Validationf("object key is required")
	}
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.Delivery != shared.DeliverySingleFile {
			return fmt.Errorf("%w: job delivery is %s", shared.ErrInvalidTransition, job.Delivery)
		}
		job.Download = &shared.DownloadInfo{Available: true, ObjectKey: objectKey}
		now := t.now()
		job.CompletedAt = &now
		job.Error = ""
		return shared.TransitionJobStatus(job, shared.JobStatusCompleted)
	})
}

// SetBackgroundTracks records the tracks the encoder mixed in.
func (t *Tracker) SetBackgroundTracks(ctx context.Context, jobID string, tracks []string) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		job.BackgroundTracks = append([]string(nil), tracks...)
		return nil
	})
}

// MarkDownloadReady records the stored download artifact.
func (t *Tracker) MarkDownloadReady(ctx context.Context, jobID, objectKey string) (*shared.Job, error) {
	if objectKey == "" {
		return nil, shared.Validationf("object key is required")
	}
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.Download != nil && job.Download.Available && job.Download.ObjectKey == objectKey {
			return errNoop
		}
		downloaded := job.Download != nil && job.Download.Downloaded
		job.Download = &shared.DownloadInfo{Available: true, ObjectKey: objectKey, Downloaded: downloaded}
		return nil
	})
}

// MarkDownloadCompleted flags the download as fetched by the client and runs
// the cleanup hook. Cleanup failures are returned but the flag stays set, so
// a later call or the janitor can finish the purge.
func (t *Tracker) MarkDownloadCompleted(ctx context.Context, jobID string) (*shared.Job, error) {
	job, err := t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.Download == nil || !job.Download.Available {
			return fmt.Errorf("%w: no download available for job %s", shared.ErrJobNotReady, job.ID)
		}
		if job.Download.Downloaded {
			return errNoop
		}
		job.Download.Downloaded = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if t.cleaner == nil || job.ArtifactsPurgedAt != nil {
		return job, nil
	}
	if err := t.cleaner.Purge(ctx, job); err != nil {
		return job, fmt.Errorf("purge after download: %w", err)
	}
	return t.MarkPurged(ctx, jobID)
}

// MarkPurged records that streaming artifacts were removed.
func (t *Tracker) MarkPurged(ctx context.Context, jobID string) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.ArtifactsPurgedAt != nil {
			return errNoop
		}
		now := t.now()
		job.ArtifactsPurgedAt = &now
		return nil
	})
}

// Fail moves a non-terminal job to FAILED with reason. Failing a terminal
// job returns ErrInvalidTransition and leaves it unchanged.
func (t *Tracker) Fail(ctx context.Context, jobID, reason string) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if err := shared.TransitionJobStatus(job, shared.JobStatusFailed); err != nil {
			return err
		}
		now := t.now()
		job.CompletedAt = &now
		job.Error = reason
		return nil
	})
}

// IncrementAttempt bumps GenerationAttempt and returns the new count. It
// fails with ErrMaxAttemptsExceeded, leaving the job unchanged, when the new
// count would pass the ceiling.
func (t *Tracker) IncrementAttempt(ctx context.Context, jobID string) (int, error) {
	job, err := t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.GenerationAttempt+1 > t.maxAttempts {
			return fmt.Errorf("%w: job %s used %d of %d", shared.ErrMaxAttemptsExceeded, job.ID, job.GenerationAttempt, t.maxAttempts)
		}
		job.GenerationAttempt++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return job.GenerationAttempt, nil
}

// ResetProgress zeroes streaming counters at an attempt boundary so the next
// attempt can publish from segment zero. Only non-terminal jobs are reset.
func (t *Tracker) ResetProgress(ctx context.Context, jobID string) (*shared.Job, error) {
	return t.mutate(ctx, jobID, func(job *shared.Job) error {
		if job.IsTerminal() {
			return fmt.Errorf("%w: cannot reset %s job", shared.ErrInvalidTransition, job.Status)
		}
		if job.Streaming == nil {
			return errNoop
		}
		job.Streaming.SegmentsCompleted = 0
		job.Streaming.SegmentsTotal = nil
		job.Streaming.StartedAt = t.now()
		return nil
	})
}

// mutate applies fn to a fresh copy of the job and writes it back, retrying
// from a fresh read when another writer bumped the version in between. When
// fn returns an error nothing is written.
func (t *Tracker) mutate(ctx context.Context, jobID string, fn func(*shared.Job) error) (*shared.Job, error) {
	var lastErr error
	for i := 0; i < t.conflictRetries; i++ {
		job, err := t.repo.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if err := fn(job); err != nil {
			if errors.Is(err, errNoop) {
				return job, nil
			}
			return nil, err
		}
		job.UpdatedAt = t.now()
		err = t.repo.UpdateJob(ctx, job)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, shared.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		shared.Debug("job update conflict, retrying", "job_id", jobID, "try", i+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(i+1) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("update job %s: %w", jobID, lastErr)
}
