package encoder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"guided-audio-stream/shared"
)

// ErrWatcherClosed is returned by Next after Close.
var ErrWatcherClosed = errors.New("segment watcher closed")

// Segment is one completed segment read from the working directory.
type Segment struct {
	Index    int
	Duration float64
	Data     []byte
}

// SegmentWatcher yields completed segments in index order. The encoder's
// segment muxer appends a line to its CSV segment list only after a segment
// file is closed, so a listed segment is never read half-written.
//
// A watcher serves exactly one encoder run. Once Next has returned io.EOF or
// an error it keeps returning it.
type SegmentWatcher struct {
	dir      string
	listPath string
	done     <-chan struct{}
	poll     time.Duration
	fsw      *fsnotify.Watcher

	seenLines int
	next      int
	pending   []Segment
	err       error
}

// NewSegmentWatcher watches dir for entries appended to listName. done must
// be closed once the encoder process has exited.
func NewSegmentWatcher(dir, listName string, done <-chan struct{}, poll time.Duration) *SegmentWatcher {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	w := &SegmentWatcher{
		dir:      dir,
		listPath: filepath.Join(dir, listName),
		done:     done,
		poll:     poll,
	}
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err = fsw.Add(dir); err != nil {
			_ = fsw.Close()
			fsw = nil
		}
	}
	if err != nil {
		shared.Debug("fsnotify unavailable, polling segment list", "dir", dir, "error", err)
	}
	w.fsw = fsw
	return w
}

// Next blocks until the next segment is complete. It returns io.EOF after the
// encoder exited and every listed segment was yielded.
func (w *SegmentWatcher) Next(ctx context.Context) (Segment, error) {
	for {
		if w.err != nil {
			return Segment{}, w.err
		}
		if len(w.pending) > 0 {
			seg := w.pending[0]
			w.pending = w.pending[1:]
			data, err := os.ReadFile(filepath.Join(w.dir, segmentFileName(seg.Index)))
			if err != nil {
				w.err = fmt.Errorf("read segment %d: %w", seg.Index, err)
				return Segment{}, w.err
			}
			seg.Data = data
			return seg, nil
		}

		exited := isClosed(w.done)
		if err := w.scan(); err != nil {
			w.err = err
			return Segment{}, err
		}
		if len(w.pending) > 0 {
			continue
		}
		if exited {
			w.err = io.EOF
			continue
		}
		if err := w.wait(ctx); err != nil {
			return Segment{}, err
		}
	}
}

func (w *SegmentWatcher) wait(ctx context.Context) error {
	timer := time.NewTimer(w.poll)
	defer timer.Stop()

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.fsw != nil {
		events = w.fsw.Events
		errs = w.fsw.Errors
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
	case <-events:
	case err := <-errs:
		if err != nil {
			shared.Debug("fsnotify error, relying on polling", "error", err)
		}
	case <-timer.C:
	}
	return nil
}

// scan reads newly completed lines of the segment list.
func (w *SegmentWatcher) scan() error {
	raw, err := os.ReadFile(w.listPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read segment list: %w", err)
	}
	text := string(raw)
	end := strings.LastIndexByte(text, '\n')
	if end < 0 {
		return nil
	}
	lines := strings.Split(text[:end], "\n")
	for i := w.seenLines; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		seg, err := parseListLine(line)
		if err != nil {
			return err
		}
		if seg.Index != w.next {
			return fmt.Errorf("%w: encoder listed segment %d, expected %d", shared.ErrOutOfOrder, seg.Index, w.next)
		}
		w.next++
		w.pending = append(w.pending, seg)
	}
	w.seenLines = len(lines)
	return nil
}

// parseListLine parses "segment_00003.ts,30.000000,40.000000".
func parseListLine(line string) (Segment, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 3 {
		return Segment{}, fmt.Errorf("malformed segment list line %q", line)
	}
	idx, ok := segmentIndex(parts[0])
	if !ok {
		return Segment{}, fmt.Errorf("unexpected segment file %q", parts[0])
	}
	start, err := strconv.ParseFloat(parts[len(parts)-2], 64)
	if err != nil {
		return Segment{}, fmt.Errorf("segment %d start: %w", idx, err)
	}
	stop, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil {
		return Segment{}, fmt.Errorf("segment %d end: %w", idx, err)
	}
	return Segment{Index: idx, Duration: stop - start}, nil
}

// Close releases the filesystem watch. Next fails afterwards.
func (w *SegmentWatcher) Close() error {
	if w.err == nil || errors.Is(w.err, io.EOF) {
		w.err = ErrWatcherClosed
	}
	if w.fsw == nil {
		return nil
	}
	err := w.fsw.Close()
	w.fsw = nil
	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func segmentFileName(index int) string {
	return fmt.Sprintf("segment_%05d.ts", index)
}

func segmentIndex(name string) (int, bool) {
	name = filepath.Base(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".ts") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".ts"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
