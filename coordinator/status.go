package coordinator

import (
	"context"
	"errors"
	"time"

	"guided-audio-stream/segstore"
	"guided-audio-stream/shared"
)

// StatusResponse is what clients see when polling a job.
type StatusResponse struct {
	JobID             string              `json:"job_id"`
	Status            shared.JobStatus    `json:"status"`
	Delivery          shared.DeliveryMode `json:"delivery"`
	Attempt           int                 `json:"attempt"`
	SegmentsCompleted int                 `json:"segments_completed"`
	SegmentsTotal     *int                `json:"segments_total,omitempty"`
	PlaylistURL       string              `json:"playlist_url,omitempty"`
	DownloadAvailable bool                `json:"download_available"`
	DownloadURL       string              `json:"download_url,omitempty"`
	Downloaded        bool                `json:"downloaded"`
	BackgroundTracks  []string            `json:"background_tracks,omitempty"`
	Error             string              `json:"error,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Status describes the job with freshly signed URLs. Signing failures only
// drop the URL; the response itself is always well formed.
func (c *Coordinator) Status(ctx context.Context, jobID string) (StatusResponse, error) {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return StatusResponse{}, err
	}
	resp := StatusResponse{
		JobID:             job.ID,
		Status:            job.Status,
		Delivery:          job.Delivery,
		Attempt:           job.GenerationAttempt,
		SegmentsCompleted: job.SegmentsCompleted(),
		BackgroundTracks:  job.BackgroundTracks,
		Error:             job.Error,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}
	if job.Streaming != nil {
		resp.SegmentsTotal = job.Streaming.SegmentsTotal
	}

	streamable := job.Status == shared.JobStatusStreaming || job.Status == shared.JobStatusCompleted
	if streamable && job.Delivery == shared.DeliveryStreaming && job.ArtifactsPurgedAt == nil &&
		job.Streaming != nil && job.Streaming.PlaylistKey != "" {
		url, err := c.store.SignedPlaylistURL(ctx, segstore.NamespaceFor(job), c.cfg.URLTTL)
		if err != nil {
			shared.Warn("failed to sign playlist url", "job_id", job.ID, "error", err)
		} else {
			resp.PlaylistURL = url
		}
	}

	if job.Download != nil {
		resp.DownloadAvailable = job.Download.Available
		resp.Downloaded = job.Download.Downloaded
		if job.Download.Available {
			url, err := c.store.SignedDownloadURL(ctx, job.Download.ObjectKey, c.cfg.URLTTL)
			if err != nil {
				shared.Warn("failed to sign download url", "job_id", job.ID, "error", err)
			} else {
				resp.DownloadURL = url
			}
		}
	}
	return resp, nil
}

// SweepExpired fails abandoned jobs and purges the streaming artifacts of
// terminal jobs that finished more than the artifact TTL ago. Job records are
// kept. It returns the number of jobs it changed.
func (c *Coordinator) SweepExpired(ctx context.Context) (int, error) {
	jobs, err := c.jobs.List(ctx)
	if err != nil {
		return 0, err
	}
	now := c.now()
	failed, purged := 0, 0
	for _, job := range jobs {
		if !job.IsTerminal() {
			if reason := c.staleReason(job, now); reason != "" && c.failStale(ctx, job, reason) {
				failed++
			}
			continue
		}
		if c.cfg.ArtifactTTL <= 0 || job.ArtifactsPurgedAt != nil {
			continue
		}
		finished := job.UpdatedAt
		if job.CompletedAt != nil {
			finished = *job.CompletedAt
		}
		if finished.After(now.Add(-c.cfg.ArtifactTTL)) {
			continue
		}
		if err := c.store.Purge(ctx, segstore.NamespaceFor(job)); err != nil {
			shared.Warn("janitor purge failed", "job_id", job.ID, "error", err)
			continue
		}
		if _, err := c.jobs.MarkPurged(ctx, job.ID); err != nil {
			shared.Warn("janitor failed to record purge", "job_id", job.ID, "error", err)
			continue
		}
		purged++
	}
	if failed > 0 || purged > 0 {
		shared.Info("janitor sweep done", "failed_stale", failed, "purged", purged)
	}
	return failed + purged, nil
}

// staleReason reports why a non-terminal job is abandoned, or "" when it is
// still within its deadline.
func (c *Coordinator) staleReason(job *shared.Job, now time.Time) string {
	switch job.Status {
	case shared.JobStatusPending:
		if c.cfg.PendingTimeout > 0 && now.Sub(job.CreatedAt) > c.cfg.PendingTimeout {
			return "job was not picked up in time"
		}
	case shared.JobStatusProcessing, shared.JobStatusStreaming:
		if c.cfg.GenerationTimeout <= 0 {
			return ""
		}
		started := job.CreatedAt
		if job.StartedAt != nil {
			started = *job.StartedAt
		}
		if now.Sub(started) > c.cfg.GenerationTimeout+staleGrace {
			return "generation did not finish in time"
		}
	}
	return ""
}

// failStale fails an abandoned job and removes what it left behind. A job
// that finished in the meantime is left alone.
func (c *Coordinator) failStale(ctx context.Context, job *shared.Job, reason string) bool {
	if _, err := c.jobs.Fail(ctx, job.ID, reason); err != nil {
		if !errors.Is(err, shared.ErrInvalidTransition) {
			shared.Warn("janitor failed to fail stale job", "job_id", job.ID, "error", err)
		}
		return false
	}
	shared.Warn("janitor failed stale job", "job_id", job.ID, "status", job.Status, "reason", reason)
	c.metrics.JobsFailed.Inc()
	if err := c.store.PurgeAll(ctx, segstore.NamespaceFor(job)); err != nil {
		shared.Warn("janitor purge of stale job failed", "job_id", job.ID, "error", err)
		return true
	}
	if _, err := c.jobs.MarkPurged(ctx, job.ID); err != nil {
		shared.Warn("janitor failed to record purge", "job_id", job.ID, "error", err)
	}
	return true
}

// RunJanitor sweeps every interval until ctx is done.
func (c *Coordinator) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.SweepExpired(ctx); err != nil {
				shared.Error("janitor sweep failed", "error", err)
			}
		}
	}
}
