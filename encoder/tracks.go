package encoder

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"guided-audio-stream/shared"
)

var trackExtensions = []string{".mp3", ".m4a", ".aac", ".wav", ".ogg", ".flac"}

// Track is a resolved background track.
type Track struct {
	Name string
	Path string
}

// TrackLibrary resolves background track names to local files.
type TrackLibrary interface {
	Resolve(name string) (Track, error)
}

// DirLibrary looks tracks up by base name in one directory and falls back to
// a default track when the requested one is missing.
type DirLibrary struct {
	dir      string
	fallback string
}

func NewDirLibrary(dir, fallback string) *DirLibrary {
	return &DirLibrary{dir: dir, fallback: fallback}
}

func (l *DirLibrary) Resolve(name string) (Track, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = l.fallback
	}
	if strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return Track{}, shared.Validationf("invalid background track name %q", name)
	}
	if t, ok := l.lookup(name); ok {
		return t, nil
	}
	if name != l.fallback && l.fallback != "" {
		if t, ok := l.lookup(l.fallback); ok {
			shared.Warn("background track not found, using default", "track", name, "default", l.fallback)
			return t, nil
		}
	}
	return Track{}, fmt.Errorf("%w: background track %q not available", shared.ErrValidation, name)
}

func (l *DirLibrary) lookup(name string) (Track, bool) {
	for _, ext := range trackExtensions {
		p := filepath.Join(l.dir, name+ext)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return Track{Name: name, Path: p}, true
		}
	}
	return Track{}, false
}
