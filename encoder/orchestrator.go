// Package encoder runs the external encoder that mixes a voice track over
// background music, and publishes each fixed-duration segment as soon as the
// encoder closes it.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"guided-audio-stream/segstore"
	"guided-audio-stream/shared"
)

// Publisher is the storage side of the pipeline.
type Publisher interface {
	UploadSegment(ctx context.Context, ns segstore.Namespace, index int, data []byte) error
	RewritePlaylist(ctx context.Context, ns segstore.Namespace, refs []segstore.SegmentRef, finalized bool) (string, error)
}

// SegmentFunc is called after a segment is uploaded and before the playlist
// is rewritten to include it. An error stops the run.
type SegmentFunc func(ctx context.Context, index int) error

// Config holds encoder settings.
type Config struct {
	FFmpegPath       string
	WorkDir          string
	SegmentSeconds   int
	LeadInSeconds    float64
	BackgroundVolume float64
	Bitrate          string
	PollInterval     time.Duration
}

// ConfigFrom maps the service configuration.
func ConfigFrom(c shared.EncoderConfig) Config {
	return Config{
		FFmpegPath:       c.FFmpegPath,
		WorkDir:          c.WorkDir,
		SegmentSeconds:   c.SegmentSeconds,
		LeadInSeconds:    c.LeadInSeconds,
		BackgroundVolume: c.BackgroundVolume,
		Bitrate:          c.Bitrate,
	}
}

// Request is one encoding run.
type Request struct {
	Namespace       segstore.Namespace
	Voice           []byte
	BackgroundTrack string
	DurationMinutes int
	OnSegment       SegmentFunc
}

// Result describes a finished run. Segments is also filled on failure with
// whatever was published before it.
type Result struct {
	Segments         []segstore.SegmentRef
	BackgroundTracks []string
	PlaylistKey      string
	Log              CommandLog
}

// RenderResult is a single rendered file.
type RenderResult struct {
	Data             []byte
	BackgroundTracks []string
	Log              CommandLog
}

// Orchestrator is the Audio Pipeline Orchestrator.
type Orchestrator struct {
	cfg       Config
	runner    Runner
	tracks    TrackLibrary
	publisher Publisher
}

// NewOrchestrator builds an orchestrator; a nil runner runs real processes.
func NewOrchestrator(cfg Config, runner Runner, tracks TrackLibrary, publisher Publisher) *Orchestrator {
	if runner == nil {
		runner = ExecRunner{}
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = shared.DefaultSegmentSeconds
	}
	if cfg.Bitrate == "" {
		cfg.Bitrate = "128k"
	}
	return &Orchestrator{cfg: cfg, runner: runner, tracks: tracks, publisher: publisher}
}

// Run encodes the mix and publishes segments in index order: upload, then
// OnSegment, then a live playlist rewrite. After the encoder exits cleanly
// the playlist is rewritten once more as finalized. Uploaded segments are
// left in place on failure. The working directory is always removed.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	var res Result
	if !shared.IsDurationPreset(req.DurationMinutes) {
		return res, shared.Validationf("duration %d minutes is not a supported preset", req.DurationMinutes)
	}
	if len(req.Voice) == 0 {
		return res, shared.Validationf("voice track is empty")
	}
	track, err := o.tracks.Resolve(req.BackgroundTrack)
	if err != nil {
		return res, err
	}
	res.BackgroundTracks = []string{track.Name}

	workDir, voicePath, err := o.prepare(req.Namespace.JobID, req.Voice)
	if err != nil {
		return res, err
	}
	defer o.cleanup(workDir)

	mix := o.buildMix(voicePath, track.Path, req.DurationMinutes)
	args := buildSegmentArgs(mix, workDir, o.cfg.SegmentSeconds)

	done := make(chan struct{})
	watcher := NewSegmentWatcher(workDir, segmentListName, done, o.cfg.PollInterval)
	defer watcher.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(done)
		out, runErr := o.runner.Run(gctx, o.cfg.FFmpegPath, args...)
		res.Log = NewCommandLog(o.cfg.FFmpegPath, args, out)
		if runErr != nil {
			stage, msg := StageEncode, "encoder exited with an error"
			if ctx.Err() != nil {
				stage, msg = StageTimeout, "generation time budget exceeded"
			}
			return &EncodingError{Stage: stage, Message: msg, CommandLog: res.Log, Err: runErr}
		}
		return nil
	})
	var refs []segstore.SegmentRef
	g.Go(func() error {
		for {
			seg, err := watcher.Next(gctx)
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if errors.Is(err, shared.ErrOutOfOrder) {
					return err
				}
				if gctx.Err() != nil {
					// the encoder side reports why the run stopped
					return nil
				}
				return &EncodingError{Stage: StageMonitor, Message: "reading encoder output failed", Err: err}
			}
			if err := o.publisher.UploadSegment(gctx, req.Namespace, seg.Index, seg.Data); err != nil {
				return err
			}
			if req.OnSegment != nil {
				if err := req.OnSegment(gctx, seg.Index); err != nil {
					return err
				}
			}
			refs = append(refs, segstore.SegmentRef{Index: seg.Index, Duration: seg.Duration})
			if _, err := o.publisher.RewritePlaylist(gctx, req.Namespace, refs, false); err != nil {
				return err
			}
			shared.Debug("segment published", "job_id", req.Namespace.JobID, "segment", seg.Index)
		}
	})
	err = g.Wait()
	res.Segments = refs
	if err == nil && ctx.Err() != nil {
		err = &EncodingError{Stage: StageTimeout, Message: "generation time budget exceeded", CommandLog: res.Log, Err: ctx.Err()}
	}
	if err != nil {
		var encErr *EncodingError
		if errors.As(err, &encErr) {
			encErr.SegmentsCompleted = len(refs)
		}
		shared.Warn("encoding attempt failed", "job_id", req.Namespace.JobID, "segments_completed", len(refs), "error", err)
		return res, err
	}
	if len(refs) == 0 {
		return res, &EncodingError{Stage: StageNoOutput, Message: "encoder produced no segments", CommandLog: res.Log}
	}

	key, err := o.publisher.RewritePlaylist(ctx, req.Namespace, refs, true)
	if err != nil {
		return res, err
	}
	res.PlaylistKey = key
	shared.Info("encoding finished", "job_id", req.Namespace.JobID, "segments", len(refs), "track", track.Name)
	return res, nil
}

// RenderFile renders the whole mix as one file, for jobs that do not stream.
func (o *Orchestrator) RenderFile(ctx context.Context, req Request) (RenderResult, error) {
	var res RenderResult
	if !shared.IsDurationPreset(req.DurationMinutes) {
		return res, shared.Validationf("duration %d minutes is not a supported preset", req.DurationMinutes)
	}
	if len(req.Voice) == 0 {
		return res, shared.Validationf("voice track is empty")
	}
	track, err := o.tracks.Resolve(req.BackgroundTrack)
	if err != nil {
		return res, err
	}
	res.BackgroundTracks = []string{track.Name}

	workDir, voicePath, err := o.prepare(req.Namespace.JobID, req.Voice)
	if err != nil {
		return res, err
	}
	defer o.cleanup(workDir)

	outPath := filepath.Join(workDir, "session.m4a")
	args := buildRenderArgs(o.buildMix(voicePath, track.Path, req.DurationMinutes), outPath)
	out, runErr := o.runner.Run(ctx, o.cfg.FFmpegPath, args...)
	res.Log = NewCommandLog(o.cfg.FFmpegPath, args, out)
	if runErr != nil {
		stage := StageRender
		if ctx.Err() != nil {
			stage = StageTimeout
		}
		return res, &EncodingError{Stage: stage, Message: "rendering the session failed", CommandLog: res.Log, Err: runErr}
	}
	data, err := os.ReadFile(outPath)
	if err != nil || len(data) == 0 {
		return res, &EncodingError{Stage: StageNoOutput, Message: "encoder produced no output file", CommandLog: res.Log, Err: err}
	}
	res.Data = data
	return res, nil
}

func (o *Orchestrator) buildMix(voicePath, trackPath string, minutes int) mixSpec {
	return mixSpec{
		VoicePath:        voicePath,
		TrackPath:        trackPath,
		TargetSeconds:    minutes * 60,
		LeadInSeconds:    o.cfg.LeadInSeconds,
		BackgroundVolume: o.cfg.BackgroundVolume,
		Bitrate:          o.cfg.Bitrate,
	}
}

// prepare creates the job's private working directory and writes the voice.
func (o *Orchestrator) prepare(jobID string, voice []byte) (string, string, error) {
	if o.cfg.WorkDir != "" {
		if err := os.MkdirAll(o.cfg.WorkDir, 0o750); err != nil {
			return "", "", &EncodingError{Stage: StageSetup, Message: "cannot create work directory", Err: err}
		}
	}
	workDir, err := os.MkdirTemp(o.cfg.WorkDir, "job-"+safeName(jobID)+"-*")
	if err != nil {
		return "", "", &EncodingError{Stage: StageSetup, Message: "cannot create job work directory", Err: err}
	}
	voicePath := filepath.Join(workDir, "voice.audio")
	if err := os.WriteFile(voicePath, voice, 0o640); err != nil {
		o.cleanup(workDir)
		return "", "", &EncodingError{Stage: StageSetup, Message: "cannot write voice track", Err: err}
	}
	return workDir, voicePath, nil
}

func (o *Orchestrator) cleanup(workDir string) {
	if err := os.RemoveAll(workDir); err != nil {
		shared.Warn("failed to remove work directory", "error", err)
	}
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, s)
}

// String renders a CommandLog as a shell-like line for logs.
func (l CommandLog) String() string {
	return fmt.Sprintf("%s %s (exit=%d)", l.Command, strings.Join(l.Args, " "), l.ExitCode)
}
