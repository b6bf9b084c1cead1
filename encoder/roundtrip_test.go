package encoder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// requireTools skips unless the real encoder binaries are installed.
func requireTools(t *testing.T) (ffmpeg, ffprobe string) {
	t.Helper()
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	ffprobe, err = exec.LookPath("ffprobe")
	if err != nil {
		t.Skip("ffprobe not installed")
	}
	return ffmpeg, ffprobe
}

func runTool(t *testing.T, ctx context.Context, name string, args ...string) CommandResult {
	t.Helper()
	res, err := ExecRunner{}.Run(ctx, name, args...)
	require.NoError(t, err, "%s %s\n%s", name, strings.Join(args, " "), res.Stderr)
	return res
}

func sineFile(t *testing.T, ctx context.Context, ffmpeg, path string, freq, seconds int) {
	t.Helper()
	runTool(t, ctx, ffmpeg, "-hide_banner", "-nostdin", "-y",
		"-f", "lavfi", "-i", fmt.Sprintf("sine=frequency=%d:duration=%d", freq, seconds),
		path)
}

// TestSegmentThenConcatKeepsDuration runs the real segmenting mix and the
// download concatenation and checks that no audio is lost or added between
// the segment list and the joined file.
func TestSegmentThenConcatKeepsDuration(t *testing.T) {
	ffmpeg, ffprobe := requireTools(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dir := t.TempDir()
	workDir := filepath.Join(dir, "work")
	require.NoError(t, os.MkdirAll(workDir, 0o755))
	voice := filepath.Join(dir, "voice.wav")
	track := filepath.Join(dir, "bed.wav")
	sineFile(t, ctx, ffmpeg, voice, 440, 8)
	sineFile(t, ctx, ffmpeg, track, 220, 3)

	const target = 25
	mix := mixSpec{
		VoicePath:        voice,
		TrackPath:        track,
		TargetSeconds:    target,
		LeadInSeconds:    1,
		BackgroundVolume: 0.3,
		Bitrate:          "128k",
	}
	runTool(t, ctx, ffmpeg, buildSegmentArgs(mix, workDir, 10)...)

	raw, err := os.ReadFile(filepath.Join(workDir, segmentListName))
	require.NoError(t, err)
	var (
		listed float64
		concat strings.Builder
		count  int
	)
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		seg, err := parseListLine(strings.TrimSpace(line))
		require.NoError(t, err)
		require.Equal(t, count, seg.Index, "segments are listed in order")
		listed += seg.Duration
		fmt.Fprintf(&concat, "file '%s'\n", filepath.Join(workDir, segmentFileName(seg.Index)))
		count++
	}
	assert.Equal(t, 3, count)
	assert.InDelta(t, target, listed, 0.5)

	listPath := filepath.Join(dir, "concat.txt")
	require.NoError(t, os.WriteFile(listPath, []byte(concat.String()), 0o644))
	outPath := filepath.Join(dir, "session.m4a")
	runTool(t, ctx, ffmpeg, BuildConcatArgs(listPath, outPath)...)

	durOut := runTool(t, ctx, ffprobe, "-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		outPath)
	joined, err := strconv.ParseFloat(strings.TrimSpace(durOut.Stdout), 64)
	require.NoError(t, err)
	assert.InDelta(t, listed, joined, 0.25, "joined file must match the sum of its segments")
}
