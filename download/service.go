// Package download assembles a completed job's segments into one file.
package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"guided-audio-stream/encoder"
	"guided-audio-stream/segstore"
	"guided-audio-stream/shared"
)

// JobTracker is the slice of the lifecycle tracker this service needs.
type JobTracker interface {
	Get(ctx context.Context, jobID string) (*shared.Job, error)
	MarkDownloadReady(ctx context.Context, jobID, objectKey string) (*shared.Job, error)
	MarkDownloadCompleted(ctx context.Context, jobID string) (*shared.Job, error)
}

// Result is a stored download and a fresh URL for it.
type Result struct {
	URL       string `json:"url"`
	ObjectKey string `json:"object_key"`
	// Generated is true only for the call that produced the artifact.
	Generated bool `json:"-"`
}

// Config holds the encoder location and URL lifetime.
type Config struct {
	FFmpegPath string
	WorkDir    string
	URLTTL     time.Duration
}

// Service is the Concatenation/Download Service.
type Service struct {
	cfg     Config
	jobs    JobTracker
	store   *segstore.Store
	runner  encoder.Runner
	metrics *shared.Metrics
	group   singleflight.Group
}

// New builds the service; a nil runner runs real processes.
func New(cfg Config, jobs JobTracker, store *segstore.Store, runner encoder.Runner, metrics *shared.Metrics) *Service {
	if runner == nil {
		runner = encoder.ExecRunner{}
	}
	if metrics == nil {
		metrics = shared.NewMetrics()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	return &Service{cfg: cfg, jobs: jobs, store: store, runner: runner, metrics: metrics}
}

// GenerateDownload returns the job's download, producing it on first use.
// Repeated and concurrent calls for the same job share one artifact; the
// concatenation runs at most once per job unless it failed.
func (s *Service) GenerateDownload(ctx context.Context, jobID string) (Result, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if job.Download != nil && job.Download.Available {
		return s.existing(ctx, job)
	}
	if job.Status != shared.JobStatusCompleted {
		return Result{}, fmt.Errorf("%w: job %s is %s", shared.ErrJobNotReady, job.ID, job.Status)
	}

	// The shared work must not die with whichever caller started it; each
	// caller still stops waiting when its own ctx ends.
	workCtx := context.WithoutCancel(ctx)
	ch := s.group.DoChan(jobID, func() (any, error) {
		// another caller may have finished while this one waited
		fresh, err := s.jobs.Get(workCtx, jobID)
		if err != nil {
			return Result{}, err
		}
		if fresh.Download != nil && fresh.Download.Available {
			return s.existing(workCtx, fresh)
		}
		return s.generate(workCtx, fresh)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		return res.Val.(Result), nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SignedDownloadURL signs the stored artifact of jobID afresh.
func (s *Service) SignedDownloadURL(ctx context.Context, jobID string, ttl time.Duration) (string, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.Download == nil || !job.Download.Available {
		return "", fmt.Errorf("%w: no download for job %s", shared.ErrJobNotReady, job.ID)
	}
	if ttl <= 0 {
		ttl = s.cfg.URLTTL
	}
	return s.store.SignedDownloadURL(ctx, job.Download.ObjectKey, ttl)
}

// ConfirmDownloaded records that the client fetched the file, which purges
// the streaming artifacts.
func (s *Service) ConfirmDownloaded(ctx context.Context, jobID string) (*shared.Job, error) {
	return s.jobs.MarkDownloadCompleted(ctx, jobID)
}

func (s *Service) existing(ctx context.Context, job *shared.Job) (Result, error) {
	url, err := s.store.SignedDownloadURL(ctx, job.Download.ObjectKey, s.cfg.URLTTL)
	if err != nil {
		return Result{}, err
	}
	return Result{URL: url, ObjectKey: job.Download.ObjectKey}, nil
}

func (s *Service) generate(ctx context.Context, job *shared.Job) (Result, error) {
	ns := segstore.NamespaceFor(job)
	total := job.SegmentsCompleted()
	if job.Streaming != nil && job.Streaming.SegmentsTotal != nil {
		total = *job.Streaming.SegmentsTotal
	}
	if total == 0 {
		return Result{}, fmt.Errorf("%w: job %s has no segments", shared.ErrIncompleteStream, job.ID)
	}

	indexes, err := s.store.ListSegments(ctx, ns)
	if err != nil {
		return Result{}, err
	}
	if err := checkContiguous(indexes, total); err != nil {
		return Result{}, fmt.Errorf("job %s: %w", job.ID, err)
	}

	workDir, err := os.MkdirTemp(s.cfg.WorkDir, "download-*")
	if err != nil {
		return Result{}, &encoder.EncodingError{Stage: encoder.StageSetup, Message: "cannot create work directory", Err: err}
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			shared.Warn("failed to remove download work directory", "job_id", job.ID, "error", err)
		}
	}()

	var list strings.Builder
	for i := 0; i < total; i++ {
		data, err := s.store.FetchSegment(ctx, ns, i)
		if err != nil {
			if errors.Is(err, segstore.ErrObjectNotFound) {
				return Result{}, fmt.Errorf("%w: segment %d of job %s vanished", shared.ErrIncompleteStream, i, job.ID)
			}
			return Result{}, err
		}
		p := filepath.Join(workDir, fmt.Sprintf("segment_%05d.ts", i))
		if err := os.WriteFile(p, data, 0o640); err != nil {
			return Result{}, &encoder.EncodingError{Stage: encoder.StageSetup, Message: "cannot stage segment", Err: err}
		}
		fmt.Fprintf(&list, "file '%s'\n", p)
	}
	listPath := filepath.Join(workDir, "concat.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o640); err != nil {
		return Result{}, &encoder.EncodingError{Stage: encoder.StageSetup, Message: "cannot write concat list", Err: err}
	}

	outPath := filepath.Join(workDir, "session.m4a")
	args := encoder.BuildConcatArgs(listPath, outPath)
	out, runErr := s.runner.Run(ctx, s.cfg.FFmpegPath, args...)
	if runErr != nil {
		return Result{}, &encoder.EncodingError{
			Stage:      encoder.StageConcat,
			Message:    "concatenating segments failed",
			CommandLog: encoder.NewCommandLog(s.cfg.FFmpegPath, args, out),
			Err:        runErr,
		}
	}
	data, err := os.ReadFile(outPath)
	if err != nil || len(data) == 0 {
		return Result{}, &encoder.EncodingError{Stage: encoder.StageNoOutput, Message: "concatenation produced no file", Err: err}
	}

	key, err := s.store.UploadDownload(ctx, ns, data)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.jobs.MarkDownloadReady(ctx, job.ID, key); err != nil {
		return Result{}, err
	}
	s.metrics.DownloadsGenerated.Inc()
	shared.Info("download generated", "job_id", job.ID, "segments", total, "bytes", len(data))

	url, err := s.store.SignedDownloadURL(ctx, key, s.cfg.URLTTL)
	if err != nil {
		return Result{}, err
	}
	return Result{URL: url, ObjectKey: key, Generated: true}, nil
}

// checkContiguous requires indexes to start with exactly 0..total-1. Stale
// segments past total, left by an earlier failed attempt, are not part of
// the stream.
func checkContiguous(indexes []int, total int) error {
	for i := 0; i < total; i++ {
		if i >= len(indexes) || indexes[i] != i {
			return fmt.Errorf("%w: missing segment %d", shared.ErrIncompleteStream, i)
		}
	}
	return nil
}
