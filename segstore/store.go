// Package segstore lays out a job's artifacts in object storage: segments,
// the playlist, the cached voice track and the download artifact, all under
// one prefix per job so cleanup is a prefix delete.
package segstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/h2non/filetype"

	"guided-audio-stream/shared"
)

const (
	segmentDir    = "segments/"
	segmentPrefix = "segment_"
	segmentExt    = ".ts"
	playlistName  = "playlist.m3u8"
	voiceName     = "cache/voice"
	downloadDir   = "download/"
	downloadName  = downloadDir + "session.m4a"

	ContentTypePlaylist = "application/vnd.apple.mpegurl"
	ContentTypeSegment  = "video/mp2t"
	ContentTypeDownload = "audio/mp4"
	ContentTypeVoice    = "application/octet-stream"
)

// Namespace identifies the owner of a set of artifacts.
type Namespace struct {
	UserID string
	JobID  string
}

// NamespaceFor returns the namespace of job.
func NamespaceFor(job *shared.Job) Namespace {
	return Namespace{UserID: job.UserID, JobID: job.ID}
}

// Prefix is the key prefix every artifact of the job lives under.
func (n Namespace) Prefix() string {
	return "users/" + n.UserID + "/jobs/" + n.JobID + "/"
}

// SegmentKey uses a zero-padded index so key order is playback order.
func (n Namespace) SegmentKey(index int) string {
	return fmt.Sprintf("%s%s%s%05d%s", n.Prefix(), segmentDir, segmentPrefix, index, segmentExt)
}

func (n Namespace) PlaylistKey() string { return n.Prefix() + playlistName }
func (n Namespace) VoiceKey() string    { return n.Prefix() + voiceName }
func (n Namespace) DownloadKey() string { return n.Prefix() + downloadName }

// SegmentRef is a published segment as listed in the playlist.
type SegmentRef struct {
	Index    int
	Duration float64
}

// Options tune URL lifetimes and the playlist target duration.
type Options struct {
	TargetDuration int
	// URLTTL is the default lifetime of URLs returned to clients.
	URLTTL time.Duration
	// SegmentURLTTL is the lifetime of segment URLs embedded in playlists.
	SegmentURLTTL time.Duration
}

// Store is the Segment & Playlist Store over an ObjectStore.
type Store struct {
	objects ObjectStore
	opts    Options
}

// New wraps objects. Zero options fall back to 10s segments, 1h client URLs
// and 6h playlist segment URLs.
func New(objects ObjectStore, opts Options) *Store {
	if opts.TargetDuration <= 0 {
		opts.TargetDuration = shared.DefaultSegmentSeconds
	}
	if opts.URLTTL <= 0 {
		opts.URLTTL = time.Hour
	}
	if opts.SegmentURLTTL <= 0 {
		opts.SegmentURLTTL = 6 * time.Hour
	}
	return &Store{objects: objects, opts: opts}
}

// Objects exposes the underlying object store.
func (s *Store) Objects() ObjectStore { return s.objects }

func (s *Store) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.opts.URLTTL
	}
	return ttl
}

// UploadSegment stores segment index of the job.
func (s *Store) UploadSegment(ctx context.Context, ns Namespace, index int, data []byte) error {
	if index < 0 {
		return shared.Validationf("segment index %d is negative", index)
	}
	key := ns.SegmentKey(index)
	return shared.NewStorageError("upload segment", key, s.objects.Put(ctx, key, data, ContentTypeSegment))
}

// ListSegments returns the indexes of stored segments in ascending order.
func (s *Store) ListSegments(ctx context.Context, ns Namespace) ([]int, error) {
	prefix := ns.Prefix() + segmentDir
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return nil, shared.NewStorageError("list segments", prefix, err)
	}
	indexes := make([]int, 0, len(keys))
	for _, key := range keys {
		if idx, ok := parseSegmentIndex(path.Base(key)); ok {
			indexes = append(indexes, idx)
		}
	}
	return indexes, nil
}

func parseSegmentIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// FetchSegment reads segment index of the job.
func (s *Store) FetchSegment(ctx context.Context, ns Namespace, index int) ([]byte, error) {
	key := ns.SegmentKey(index)
	data, err := s.objects.Get(ctx, key)
	if err != nil {
		return nil, shared.NewStorageError("fetch segment", key, err)
	}
	return data, nil
}

// RewritePlaylist replaces the job's playlist with refs, which must be the
// contiguous run 0..len(refs)-1. Segment URLs are signed fresh on every
// rewrite. The end marker is written only when finalized.
func (s *Store) RewritePlaylist(ctx context.Context, ns Namespace, refs []SegmentRef, finalized bool) (string, error) {
	pl := Playlist{TargetDuration: s.opts.TargetDuration, Finalized: finalized}
	for i, ref := range refs {
		if ref.Index != i {
			return "", fmt.Errorf("%w: playlist entry %d references segment %d", shared.ErrOutOfOrder, i, ref.Index)
		}
		url, err := s.objects.SignedURL(ctx, ns.SegmentKey(ref.Index), s.opts.SegmentURLTTL)
		if err != nil {
			return "", shared.NewStorageError("sign segment", ns.SegmentKey(ref.Index), err)
		}
		pl.Entries = append(pl.Entries, PlaylistEntry{Duration: ref.Duration, URI: url})
	}
	key := ns.PlaylistKey()
	data, err := pl.Render()
	if err != nil {
		return "", fmt.Errorf("render playlist %s: %w", key, err)
	}
	if err := s.objects.Put(ctx, key, data, ContentTypePlaylist); err != nil {
		return "", shared.NewStorageError("write playlist", key, err)
	}
	return key, nil
}

// SignedPlaylistURL returns a freshly signed playlist URL; ttl <= 0 means the
// default. A finalized playlist is rewritten first so the segment URLs inside
// it outlive the playlist URL, however long ago the job finished. Live
// playlists are left to the encoder, which re-signs them on every segment.
func (s *Store) SignedPlaylistURL(ctx context.Context, ns Namespace, ttl time.Duration) (string, error) {
	key := ns.PlaylistKey()
	if err := s.resignFinalized(ctx, ns); err != nil {
		return "", err
	}
	url, err := s.objects.SignedURL(ctx, key, s.ttl(ttl))
	if err != nil {
		return "", shared.NewStorageError("sign playlist", key, err)
	}
	return url, nil
}

func (s *Store) resignFinalized(ctx context.Context, ns Namespace) error {
	key := ns.PlaylistKey()
	raw, err := s.objects.Get(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil
	}
	if err != nil {
		return shared.NewStorageError("read playlist", key, err)
	}
	pl, err := ParsePlaylist(raw)
	if err != nil {
		return fmt.Errorf("parse playlist %s: %w", key, err)
	}
	if !pl.Finalized {
		return nil
	}
	refs := make([]SegmentRef, len(pl.Entries))
	for i, e := range pl.Entries {
		refs[i] = SegmentRef{Index: i, Duration: e.Duration}
	}
	_, err = s.RewritePlaylist(ctx, ns, refs, true)
	return err
}

// SignedSegmentURL returns a freshly signed URL for one segment.
func (s *Store) SignedSegmentURL(ctx context.Context, ns Namespace, index int, ttl time.Duration) (string, error) {
	key := ns.SegmentKey(index)
	url, err := s.objects.SignedURL(ctx, key, s.ttl(ttl))
	if err != nil {
		return "", shared.NewStorageError("sign segment", key, err)
	}
	return url, nil
}

// CacheVoice stores the synthesized voice track for reuse by retries.
func (s *Store) CacheVoice(ctx context.Context, ns Namespace, data []byte) error {
	key := ns.VoiceKey()
	return shared.NewStorageError("cache voice", key, s.objects.Put(ctx, key, data, voiceContentType(data)))
}

// voiceContentType sniffs the synthesized payload; providers differ in format.
func voiceContentType(data []byte) string {
	kind, err := filetype.Match(data)
	if err != nil || kind == filetype.Unknown || !filetype.IsAudio(data) {
		return ContentTypeVoice
	}
	return kind.MIME.Value
}

// FetchCachedVoice returns the cached voice track. A missing entry is
// reported as found == false, not as an error.
func (s *Store) FetchCachedVoice(ctx context.Context, ns Namespace) ([]byte, bool, error) {
	key := ns.VoiceKey()
	data, err := s.objects.Get(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, shared.NewStorageError("fetch cached voice", key, err)
	}
	return data, true, nil
}

// UploadDownload stores the single-file artifact and returns its key.
func (s *Store) UploadDownload(ctx context.Context, ns Namespace, data []byte) (string, error) {
	key := ns.DownloadKey()
	if err := s.objects.Put(ctx, key, data, ContentTypeDownload); err != nil {
		return "", shared.NewStorageError("upload download", key, err)
	}
	return key, nil
}

// SignedDownloadURL signs an already stored download artifact.
func (s *Store) SignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	url, err := s.objects.SignedURL(ctx, key, s.ttl(ttl))
	if err != nil {
		return "", shared.NewStorageError("sign download", key, err)
	}
	return url, nil
}

// Purge deletes every artifact of the job except the download artifact.
func (s *Store) Purge(ctx context.Context, ns Namespace) error {
	return s.purge(ctx, ns, false)
}

// PurgeAll deletes every artifact of the job, the download included.
func (s *Store) PurgeAll(ctx context.Context, ns Namespace) error {
	return s.purge(ctx, ns, true)
}

func (s *Store) purge(ctx context.Context, ns Namespace, all bool) error {
	prefix := ns.Prefix()
	keys, err := s.objects.List(ctx, prefix)
	if err != nil {
		return shared.NewStorageError("list for purge", prefix, err)
	}
	keep := prefix + downloadDir
	doomed := keys[:0]
	for _, k := range keys {
		if !all && strings.HasPrefix(k, keep) {
			continue
		}
		doomed = append(doomed, k)
	}
	if len(doomed) == 0 {
		return nil
	}
	if err := s.objects.Delete(ctx, doomed...); err != nil {
		return shared.NewStorageError("purge", prefix, err)
	}
	shared.Info("purged job artifacts", "job_id", ns.JobID, "objects", len(doomed), "include_download", all)
	return nil
}

// JobCleaner adapts Store to the tracker's cleanup hook.
type JobCleaner struct {
	Store *Store
}

// Purge removes the streaming artifacts of job.
func (c JobCleaner) Purge(ctx context.Context, job *shared.Job) error {
	return c.Store.Purge(ctx, NamespaceFor(job))
}
