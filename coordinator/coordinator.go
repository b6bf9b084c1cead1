// Package coordinator drives one generation job end to end: speech
// synthesis with a per-job voice cache, encoding with progressive segment
// publication (or a single rendered file), the retry loop, status queries
// and download requests.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"guided-audio-stream/download"
	"guided-audio-stream/encoder"
	"guided-audio-stream/segstore"
	"guided-audio-stream/shared"
	"guided-audio-stream/tracker"
)

// maxScriptChars bounds the script accepted for synthesis.
const maxScriptChars = 20000

// Encoder is the audio pipeline the coordinator drives.
type Encoder interface {
	Run(ctx context.Context, req encoder.Request) (encoder.Result, error)
	RenderFile(ctx context.Context, req encoder.Request) (encoder.RenderResult, error)
}

// Config bounds generation and artifact retention.
type Config struct {
	GenerationTimeout time.Duration
	ArtifactTTL       time.Duration
	URLTTL            time.Duration
	// PendingTimeout fails jobs that were never picked up; 0 disables it.
	PendingTimeout time.Duration
}

// staleGrace is added to GenerationTimeout before an in-flight job is
// considered abandoned.
const staleGrace = 5 * time.Minute

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Jobs      *tracker.Tracker
	Store     *segstore.Store
	Encoder   Encoder
	Downloads *download.Service
	Synth     Synthesizer
	Queue     shared.MessageQueueClient
	Metrics   *shared.Metrics
}

// Coordinator is the root of the generation pipeline.
type Coordinator struct {
	cfg       Config
	jobs      *tracker.Tracker
	store     *segstore.Store
	encoder   Encoder
	downloads *download.Service
	synth     Synthesizer
	queue     shared.MessageQueueClient
	metrics   *shared.Metrics
	now       func() time.Time
}

// New wires a Coordinator.
func New(cfg Config, deps Deps) *Coordinator {
	if deps.Metrics == nil {
		deps.Metrics = shared.NewMetrics()
	}
	return &Coordinator{
		cfg:       cfg,
		jobs:      deps.Jobs,
		store:     deps.Store,
		encoder:   deps.Encoder,
		downloads: deps.Downloads,
		synth:     deps.Synth,
		queue:     deps.Queue,
		metrics:   deps.Metrics,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ValidateRequest checks a generation request before a job is created.
func ValidateRequest(req *shared.GenerateRequest) error {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Script = strings.TrimSpace(req.Script)
	if err := shared.ValidateUserID(req.UserID); err != nil {
		return err
	}
	if req.Script == "" {
		return shared.Validationf("script is required")
	}
	if len(req.Script) > maxScriptChars {
		return shared.Validationf("script exceeds %d characters", maxScriptChars)
	}
	if !shared.IsDurationPreset(req.DurationMinutes) {
		return shared.Validationf("duration_minutes must be one of %v", shared.DurationPresets)
	}
	switch req.Delivery {
	case "":
		req.Delivery = shared.DeliveryStreaming
	case shared.DeliveryStreaming, shared.DeliverySingleFile:
	default:
		return shared.Validationf("delivery must be %q or %q", shared.DeliveryStreaming, shared.DeliverySingleFile)
	}
	return nil
}

// Submit creates a PENDING job and hands it to the workers.
func (c *Coordinator) Submit(ctx context.Context, req shared.GenerateRequest) (*shared.Job, error) {
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}
	job, err := c.jobs.Create(ctx, req.UserID, req.JobType, req.Delivery)
	if err != nil {
		return nil, err
	}
	if err := c.queue.Publish(ctx, shared.JobMessage{JobID: job.ID, Request: req}); err != nil {
		shared.Error("failed to enqueue job", "job_id", job.ID, "error", err)
		if _, ferr := c.jobs.Fail(ctx, job.ID, "could not be queued for processing"); ferr != nil {
			shared.Error("failed to mark unqueued job failed", "job_id", job.ID, "error", ferr)
		}
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	c.metrics.JobsSubmitted.Inc()
	return job, nil
}

// Run executes one queued job. Errors are recorded on the job; the returned
// error is for the caller's logs only.
func (c *Coordinator) Run(ctx context.Context, msg shared.JobMessage) error {
	job, err := c.jobs.BeginProcessing(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("begin processing %s: %w", msg.JobID, err)
	}
	if job.IsTerminal() {
		shared.Info("skipping terminal job", "job_id", job.ID, "status", job.Status)
		return nil
	}

	genCtx := ctx
	if c.cfg.GenerationTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, c.cfg.GenerationTimeout)
		defer cancel()
	}

	if err := c.generate(genCtx, job, msg.Request); err != nil {
		c.failJob(ctx, job, err)
		return err
	}
	return nil
}

func (c *Coordinator) generate(ctx context.Context, job *shared.Job, req shared.GenerateRequest) error {
	if job.SegmentsCompleted() > 0 {
		// an earlier execution of this job died mid-stream
		if err := c.nextAttempt(ctx, job.ID, fmt.Errorf("interrupted execution")); err != nil {
			return err
		}
	}

	voice, err := c.voiceTrack(ctx, job, req)
	if err != nil {
		return err
	}

	for {
		current, err := c.jobs.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		shared.Info("generation attempt", "job_id", job.ID, "attempt", current.GenerationAttempt, "delivery", current.Delivery)
		c.metrics.EncodeAttempts.Inc()

		if current.Delivery == shared.DeliverySingleFile {
			err = c.renderSingleFile(ctx, current, voice, req)
		} else {
			err = c.stream(ctx, current, voice, req)
		}
		if err == nil {
			c.metrics.JobsCompleted.WithLabelValues(string(current.Delivery)).Inc()
			return nil
		}
		if !errors.Is(err, shared.ErrEncodingTool) || ctx.Err() != nil {
			return err
		}
		if err := c.nextAttempt(ctx, job.ID, err); err != nil {
			return err
		}
		voice = c.cachedVoiceOr(ctx, job, voice)
	}
}

// nextAttempt consumes one attempt and resets streaming progress so the
// encoder restarts from segment zero.
func (c *Coordinator) nextAttempt(ctx context.Context, jobID string, cause error) error {
	attempt, err := c.jobs.IncrementAttempt(ctx, jobID)
	if err != nil {
		return fmt.Errorf("%w (last failure: %w)", err, cause)
	}
	if _, err := c.jobs.ResetProgress(ctx, jobID); err != nil {
		return err
	}
	shared.Warn("retrying generation", "job_id", jobID, "attempt", attempt, "cause", cause)
	return nil
}

// voiceTrack returns the cached voice or synthesizes and caches it.
func (c *Coordinator) voiceTrack(ctx context.Context, job *shared.Job, req shared.GenerateRequest) ([]byte, error) {
	ns := segstore.NamespaceFor(job)
	voice, found, err := c.store.FetchCachedVoice(ctx, ns)
	if err != nil {
		return nil, err
	}
	if found {
		c.metrics.TTSCache.WithLabelValues("hit").Inc()
		shared.Info("using cached voice track", "job_id", job.ID)
		return voice, nil
	}
	c.metrics.TTSCache.WithLabelValues("miss").Inc()

	voice, err = c.synth.Synthesize(ctx, req.Script, req.Voice)
	if err != nil {
		if !errors.Is(err, shared.ErrSynthesis) {
			err = fmt.Errorf("%w: %w", shared.ErrSynthesis, err)
		}
		return nil, err
	}
	if err := c.store.CacheVoice(ctx, ns, voice); err != nil {
		shared.Warn("failed to cache voice track", "job_id", job.ID, "error", err)
	}
	return voice, nil
}

// cachedVoiceOr re-reads the cached voice for a retry, keeping the copy in
// hand when the cache is unreadable. Synthesis is never repeated.
func (c *Coordinator) cachedVoiceOr(ctx context.Context, job *shared.Job, fallback []byte) []byte {
	voice, found, err := c.store.FetchCachedVoice(ctx, segstore.NamespaceFor(job))
	if err != nil || !found {
		shared.Warn("cached voice unavailable for retry, reusing in-memory copy", "job_id", job.ID, "error", err)
		return fallback
	}
	c.metrics.TTSCache.WithLabelValues("hit").Inc()
	return voice
}

func (c *Coordinator) stream(ctx context.Context, job *shared.Job, voice []byte, req shared.GenerateRequest) error {
	ns := segstore.NamespaceFor(job)
	if _, err := c.jobs.SetPlaylistKey(ctx, job.ID, ns.PlaylistKey()); err != nil {
		return err
	}
	started := c.now()
	res, err := c.encoder.Run(ctx, encoder.Request{
		Namespace:       ns,
		Voice:           voice,
		BackgroundTrack: req.BackgroundTrack,
		DurationMinutes: req.DurationMinutes,
		OnSegment: func(ctx context.Context, index int) error {
			if _, err := c.jobs.RecordSegment(ctx, job.ID, index); err != nil {
				return err
			}
			c.metrics.SegmentsUploaded.Inc()
			if index == 0 {
				c.metrics.TimeToFirstSegment.Observe(c.now().Sub(started).Seconds())
				shared.Info("first segment published", "job_id", job.ID, "after", c.now().Sub(started))
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	if _, err := c.jobs.SetBackgroundTracks(ctx, job.ID, res.BackgroundTracks); err != nil {
		return err
	}
	if _, err := c.jobs.FinalizeStreaming(ctx, job.ID, len(res.Segments)); err != nil {
		return err
	}
	shared.Info("job completed", "job_id", job.ID, "segments", len(res.Segments))
	return nil
}

func (c *Coordinator) renderSingleFile(ctx context.Context, job *shared.Job, voice []byte, req shared.GenerateRequest) error {
	ns := segstore.NamespaceFor(job)
	res, err := c.encoder.RenderFile(ctx, encoder.Request{
		Namespace:       ns,
		Voice:           voice,
		BackgroundTrack: req.BackgroundTrack,
		DurationMinutes: req.DurationMinutes,
	})
	if err != nil {
		return err
	}
	key, err := c.store.UploadDownload(ctx, ns, res.Data)
	if err != nil {
		return err
	}
	if _, err := c.jobs.SetBackgroundTracks(ctx, job.ID, res.BackgroundTracks); err != nil {
		return err
	}
	if _, err := c.jobs.CompleteSingleFile(ctx, job.ID, key); err != nil {
		return err
	}
	shared.Info("job completed", "job_id", job.ID, "delivery", shared.DeliverySingleFile)
	return nil
}

// failJob records a sanitized reason and removes the job's artifacts.
func (c *Coordinator) failJob(ctx context.Context, job *shared.Job, cause error) {
	shared.Error("generation failed", "job_id", job.ID, "error", cause)
	if _, err := c.jobs.Fail(ctx, job.ID, shared.PublicReason(cause)); err != nil {
		if !errors.Is(err, shared.ErrInvalidTransition) {
			shared.Error("failed to record job failure", "job_id", job.ID, "error", err)
		}
		return
	}
	c.metrics.JobsFailed.Inc()
	if err := c.store.PurgeAll(ctx, segstore.NamespaceFor(job)); err != nil {
		shared.Warn("failed to purge artifacts of failed job", "job_id", job.ID, "error", err)
		return
	}
	if _, err := c.jobs.MarkPurged(ctx, job.ID); err != nil {
		shared.Warn("failed to record purge", "job_id", job.ID, "error", err)
	}
}

// Download returns the job's single-file download, producing it on first use.
func (c *Coordinator) Download(ctx context.Context, jobID string) (download.Result, error) {
	return c.downloads.GenerateDownload(ctx, jobID)
}

// ConfirmDownload marks the download fetched and purges streaming artifacts.
func (c *Coordinator) ConfirmDownload(ctx context.Context, jobID string) (*shared.Job, error) {
	return c.downloads.ConfirmDownloaded(ctx, jobID)
}

// Get returns the raw job record.
func (c *Coordinator) Get(ctx context.Context, jobID string) (*shared.Job, error) {
	return c.jobs.Get(ctx, jobID)
}

// List returns every job, newest first.
func (c *Coordinator) List(ctx context.Context) ([]*shared.Job, error) {
	return c.jobs.List(ctx)
}

// Delete removes every artifact of the job and then its record.
func (c *Coordinator) Delete(ctx context.Context, jobID string) error {
	job, err := c.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if err := c.store.PurgeAll(ctx, segstore.NamespaceFor(job)); err != nil {
		return err
	}
	return c.jobs.Delete(ctx, jobID)
}
