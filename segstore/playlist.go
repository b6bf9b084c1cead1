package segstore

import (
	"bytes"
	"fmt"
	"math"

	"github.com/grafov/m3u8"
)

// PlaylistEntry is one segment line of a media playlist.
type PlaylistEntry struct {
	Duration float64
	URI      string
}

// Playlist is an HLS EVENT media playlist. Segments are only ever appended;
// a finalized playlist keeps the EVENT type and ends with EXT-X-ENDLIST.
type Playlist struct {
	TargetDuration int
	Finalized      bool
	Entries        []PlaylistEntry
}

// Render encodes the playlist in m3u8 form.
func (p Playlist) Render() ([]byte, error) {
	mp, err := m3u8.NewMediaPlaylist(0, uint(max(len(p.Entries), 1)))
	if err != nil {
		return nil, fmt.Errorf("new media playlist: %w", err)
	}
	mp.MediaType = m3u8.EVENT
	mp.TargetDuration = float64(max(p.TargetDuration, 1))
	for _, e := range p.Entries {
		if err := mp.Append(e.URI, e.Duration, ""); err != nil {
			return nil, fmt.Errorf("append %s: %w", e.URI, err)
		}
	}
	if p.Finalized {
		mp.Close()
	}
	return mp.Encode().Bytes(), nil
}

// ParsePlaylist reads a media playlist such as one produced by Render.
func ParsePlaylist(data []byte) (Playlist, error) {
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), true)
	if err != nil {
		return Playlist{}, fmt.Errorf("decode playlist: %w", err)
	}
	mp, ok := pl.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		return Playlist{}, fmt.Errorf("not a media playlist")
	}
	p := Playlist{
		TargetDuration: int(math.Ceil(mp.TargetDuration)),
		Finalized:      mp.Closed,
	}
	for _, seg := range mp.GetAllSegments() {
		if seg == nil {
			continue
		}
		p.Entries = append(p.Entries, PlaylistEntry{Duration: seg.Duration, URI: seg.URI})
	}
	return p, nil
}
