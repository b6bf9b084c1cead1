package encoder

import (
	"fmt"
	"path/filepath"
	"strconv"
)

const (
	segmentListName = "segments.csv"
	segmentPattern  = "segment_%05d.ts"
)

// mixSpec describes one voice-over-music mix.
type mixSpec struct {
	VoicePath        string
	TrackPath        string
	TargetSeconds    int
	LeadInSeconds    float64
	BackgroundVolume float64
	Bitrate          string
}

// filterGraph delays the voice by the lead-in, pads it with silence to the
// target length and mixes it over the looped, attenuated background track.
// amix follows the voice, so a voice longer than the target is never cut.
func (m mixSpec) filterGraph() string {
	delayMS := int(m.LeadInSeconds * 1000)
	return fmt.Sprintf(
		"[0:a]aresample=44100,adelay=delays=%d:all=1,apad=whole_dur=%d[voice];"+
			"[1:a]aresample=44100,volume=%s[bed];"+
			"[voice][bed]amix=inputs=2:duration=first:dropout_transition=0[out]",
		delayMS,
		m.TargetSeconds,
		strconv.FormatFloat(m.BackgroundVolume, 'f', -1, 64),
	)
}

func (m mixSpec) inputArgs() []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", m.VoicePath,
		"-stream_loop", "-1", "-i", m.TrackPath,
		"-filter_complex", m.filterGraph(),
		"-map", "[out]",
		"-c:a", "aac",
		"-b:a", m.Bitrate,
		"-ac", "2",
	}
}

// buildSegmentArgs runs the mix once and splits the output into fixed
// duration MPEG-TS segments, appending each to a CSV list when it closes.
func buildSegmentArgs(m mixSpec, workDir string, segmentSeconds int) []string {
	args := m.inputArgs()
	return append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-segment_format", "mpegts",
		"-segment_list", filepath.Join(workDir, segmentListName),
		"-segment_list_type", "csv",
		filepath.Join(workDir, segmentPattern),
	)
}

// buildRenderArgs renders the same mix into one MP4 audio file.
func buildRenderArgs(m mixSpec, outPath string) []string {
	args := m.inputArgs()
	return append(args,
		"-movflags", "+faststart",
		outPath,
	)
}

// BuildConcatArgs joins the files named in listPath (concat demuxer format)
// without re-encoding.
func BuildConcatArgs(listPath, outPath string) []string {
	return []string{
		"-hide_banner", "-nostdin", "-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-movflags", "+faststart",
		outPath,
	}
}
