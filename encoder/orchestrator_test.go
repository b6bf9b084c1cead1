package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guided-audio-stream/segstore"
	"guided-audio-stream/shared"
)

// fakeRunner simulates ffmpeg: it writes segment files and appends their
// lines to the segment list, one at a time.
type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	args     [][]string
	segments int
	failAt   int // fail after writing this many segments; -1 never
	delay    time.Duration
}

func newFakeRunner(segments int) *fakeRunner {
	return &fakeRunner{segments: segments, failAt: -1, delay: 5 * time.Millisecond}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	f.mu.Lock()
	f.calls++
	f.args = append(f.args, args)
	f.mu.Unlock()

	listPath := argValue(args, "-segment_list")
	out := args[len(args)-1]
	if listPath == "" {
		if err := os.WriteFile(out, []byte("rendered"), 0o644); err != nil {
			return CommandResult{ExitCode: 1}, err
		}
		return CommandResult{}, nil
	}

	list, err := os.OpenFile(listPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return CommandResult{ExitCode: 1}, err
	}
	defer list.Close()
	for i := 0; i < f.segments; i++ {
		if f.failAt == i {
			return CommandResult{ExitCode: 1, Stderr: "Error while filtering: /tmp/secret/path"}, errors.New("exit status 1")
		}
		select {
		case <-ctx.Done():
			return CommandResult{ExitCode: -1}, ctx.Err()
		case <-time.After(f.delay):
		}
		seg := filepath.Join(filepath.Dir(out), fmt.Sprintf(filepath.Base(out), i))
		if err := os.WriteFile(seg, []byte(fmt.Sprintf("ts-%d", i)), 0o644); err != nil {
			return CommandResult{ExitCode: 1}, err
		}
		start := float64(i * 10)
		if _, err := fmt.Fprintf(list, "%s,%f,%f\n", filepath.Base(seg), start, start+10); err != nil {
			return CommandResult{ExitCode: 1}, err
		}
	}
	return CommandResult{}, nil
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// recordingPublisher remembers every call in order.
type recordingPublisher struct {
	mu        sync.Mutex
	events    []string
	uploads   map[int][]byte
	playlists [][]segstore.SegmentRef
	finalized []bool
	failOn    int
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{uploads: map[int][]byte{}, failOn: -1}
}

func (p *recordingPublisher) UploadSegment(_ context.Context, _ segstore.Namespace, index int, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index == p.failOn {
		return shared.NewStorageError("upload segment", "k", errors.New("unavailable"))
	}
	p.events = append(p.events, fmt.Sprintf("upload %d", index))
	p.uploads[index] = data
	return nil
}

func (p *recordingPublisher) RewritePlaylist(_ context.Context, ns segstore.Namespace, refs []segstore.SegmentRef, finalized bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, fmt.Sprintf("playlist %d final=%v", len(refs), finalized))
	p.playlists = append(p.playlists, append([]segstore.SegmentRef(nil), refs...))
	p.finalized = append(p.finalized, finalized)
	return ns.PlaylistKey(), nil
}

func newTestOrchestrator(t *testing.T, runner Runner, pub Publisher) (*Orchestrator, string) {
	t.Helper()
	tracksDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(tracksDir, "ambient.mp3"), []byte("music"), 0o644))
	workDir := t.TempDir()
	o := NewOrchestrator(Config{
		FFmpegPath:       "ffmpeg-test",
		WorkDir:          workDir,
		SegmentSeconds:   10,
		LeadInSeconds:    3,
		BackgroundVolume: 0.25,
		PollInterval:     5 * time.Millisecond,
	}, runner, NewDirLibrary(tracksDir, "ambient"), pub)
	return o, workDir
}

var ns = segstore.Namespace{UserID: "u1", JobID: "job-1"}

func TestRunPublishesSegmentsInOrder(t *testing.T) {
	runner := newFakeRunner(4)
	pub := newRecordingPublisher()
	o, workDir := newTestOrchestrator(t, runner, pub)

	var recorded []int
	res, err := o.Run(context.Background(), Request{
		Namespace:       ns,
		Voice:           []byte("voice"),
		BackgroundTrack: "rain",
		DurationMinutes: 5,
		OnSegment: func(_ context.Context, index int) error {
			recorded = append(recorded, index)
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2, 3}, recorded)
	assert.Equal(t, []string{"ambient"}, res.BackgroundTracks, "missing track falls back to the default")
	assert.Equal(t, ns.PlaylistKey(), res.PlaylistKey)
	require.Len(t, res.Segments, 4)
	assert.InDelta(t, 10.0, res.Segments[3].Duration, 0.001)

	assert.Equal(t, []string{
		"upload 0", "playlist 1 final=false",
		"upload 1", "playlist 2 final=false",
		"upload 2", "playlist 3 final=false",
		"upload 3", "playlist 4 final=false",
		"playlist 4 final=true",
	}, pub.events)
	assert.Equal(t, "ts-2", string(pub.uploads[2]))
	for i, refs := range pub.playlists {
		for j, r := range refs {
			assert.Equal(t, j, r.Index, "playlist %d entry %d", i, j)
		}
	}

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "work directory must be removed")

	require.Len(t, runner.args, 1)
	args := runner.args[0]
	assert.Equal(t, "10", argValue(args, "-segment_time"))
	assert.Contains(t, argValue(args, "-filter_complex"), "apad=whole_dur=300")
	assert.Contains(t, argValue(args, "-filter_complex"), "adelay=delays=3000:all=1")
	assert.Contains(t, args, "-stream_loop")
}

func TestRunEncoderFailureReportsProgress(t *testing.T) {
	runner := newFakeRunner(5)
	runner.failAt = 2
	pub := newRecordingPublisher()
	o, workDir := newTestOrchestrator(t, runner, pub)

	res, err := o.Run(context.Background(), Request{Namespace: ns, Voice: []byte("v"), DurationMinutes: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrEncodingTool)

	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, StageEncode, encErr.Stage)
	assert.Equal(t, 1, encErr.CommandLog.ExitCode)
	assert.LessOrEqual(t, encErr.SegmentsCompleted, 2)
	assert.Equal(t, len(res.Segments), encErr.SegmentsCompleted)
	assert.NotContains(t, shared.PublicReason(err), "/tmp/secret")

	for _, f := range pub.finalized {
		assert.False(t, f, "a failed run never finalizes the playlist")
	}
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunUploadFailureStopsEncoder(t *testing.T) {
	runner := newFakeRunner(50)
	pub := newRecordingPublisher()
	pub.failOn = 1
	o, _ := newTestOrchestrator(t, runner, pub)

	res, err := o.Run(context.Background(), Request{Namespace: ns, Voice: []byte("v"), DurationMinutes: 10})
	assert.ErrorIs(t, err, shared.ErrStorage)
	assert.Len(t, res.Segments, 1)
}

func TestRunTimeout(t *testing.T) {
	runner := newFakeRunner(1000)
	runner.delay = 20 * time.Millisecond
	o, _ := newTestOrchestrator(t, runner, newRecordingPublisher())

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := o.Run(ctx, Request{Namespace: ns, Voice: []byte("v"), DurationMinutes: 5})
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, StageTimeout, encErr.Stage)
}

func TestRunNoSegments(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeRunner(0), newRecordingPublisher())
	_, err := o.Run(context.Background(), Request{Namespace: ns, Voice: []byte("v"), DurationMinutes: 5})
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, StageNoOutput, encErr.Stage)
}

func TestRunValidatesInput(t *testing.T) {
	runner := newFakeRunner(1)
	o, _ := newTestOrchestrator(t, runner, newRecordingPublisher())

	_, err := o.Run(context.Background(), Request{Namespace: ns, Voice: []byte("v"), DurationMinutes: 7})
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, err = o.Run(context.Background(), Request{Namespace: ns, DurationMinutes: 5})
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, err = o.Run(context.Background(), Request{Namespace: ns, Voice: []byte("v"), DurationMinutes: 5, BackgroundTrack: "../etc/passwd"})
	assert.ErrorIs(t, err, shared.ErrValidation)
	assert.Zero(t, runner.calls)
}

func TestRenderFile(t *testing.T) {
	runner := newFakeRunner(0)
	o, workDir := newTestOrchestrator(t, runner, newRecordingPublisher())

	res, err := o.RenderFile(context.Background(), Request{Namespace: ns, Voice: []byte("v"), DurationMinutes: 15})
	require.NoError(t, err)
	assert.Equal(t, "rendered", string(res.Data))
	assert.Equal(t, []string{"ambient"}, res.BackgroundTracks)
	assert.True(t, strings.HasSuffix(runner.args[0][len(runner.args[0])-1], "session.m4a"))
	assert.Contains(t, argValue(runner.args[0], "-filter_complex"), "apad=whole_dur=900")

	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
