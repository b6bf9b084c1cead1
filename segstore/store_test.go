package segstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guided-audio-stream/shared"
)

func newTestStore(t *testing.T) (*Store, *FileStore) {
	t.Helper()
	fs, err := NewFileStore(t.TempDir(), "http://localhost:8080", "test-secret")
	require.NoError(t, err)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	fs.SetClock(func() time.Time { return fixed })
	return New(fs, Options{TargetDuration: 10}), fs
}

var testNS = Namespace{UserID: "user-1", JobID: "job-1"}

func TestNamespaceLayout(t *testing.T) {
	assert.Equal(t, "users/user-1/jobs/job-1/", testNS.Prefix())
	assert.Equal(t, "users/user-1/jobs/job-1/segments/segment_00007.ts", testNS.SegmentKey(7))
	assert.True(t, testNS.SegmentKey(9) < testNS.SegmentKey(10), "lexicographic order must follow index order")
	assert.True(t, strings.HasPrefix(testNS.VoiceKey(), testNS.Prefix()))
	assert.True(t, strings.HasPrefix(testNS.DownloadKey(), testNS.Prefix()))
}

func TestUploadListAndFetchSegments(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	for _, i := range []int{2, 0, 1, 10} {
		require.NoError(t, store.UploadSegment(ctx, testNS, i, []byte(fmt.Sprintf("seg-%d", i))))
	}
	// Objects outside the segment directory are not segments.
	require.NoError(t, store.CacheVoice(ctx, testNS, []byte("voice")))

	idx, err := store.ListSegments(ctx, testNS)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 10}, idx)

	data, err := store.FetchSegment(ctx, testNS, 10)
	require.NoError(t, err)
	assert.Equal(t, "seg-10", string(data))

	_, err = store.FetchSegment(ctx, testNS, 3)
	assert.ErrorIs(t, err, shared.ErrStorage)
	assert.ErrorIs(t, err, ErrObjectNotFound)

	assert.ErrorIs(t, store.UploadSegment(ctx, testNS, -1, nil), shared.ErrValidation)
}

func TestRewritePlaylistLiveThenFinalized(t *testing.T) {
	ctx := context.Background()
	store, fs := newTestStore(t)

	refs := []SegmentRef{{Index: 0, Duration: 10}, {Index: 1, Duration: 10}}
	key, err := store.RewritePlaylist(ctx, testNS, refs, false)
	require.NoError(t, err)
	assert.Equal(t, testNS.PlaylistKey(), key)

	raw, err := fs.Get(ctx, key)
	require.NoError(t, err)
	live, err := ParsePlaylist(raw)
	require.NoError(t, err)
	assert.False(t, live.Finalized)
	assert.NotContains(t, string(raw), "#EXT-X-ENDLIST")
	assert.Contains(t, string(raw), "#EXT-X-PLAYLIST-TYPE:EVENT")
	require.Len(t, live.Entries, 2)

	refs = append(refs, SegmentRef{Index: 2, Duration: 4.5})
	_, err = store.RewritePlaylist(ctx, testNS, refs, true)
	require.NoError(t, err)

	raw, err = fs.Get(ctx, key)
	require.NoError(t, err)
	final, err := ParsePlaylist(raw)
	require.NoError(t, err)
	assert.True(t, final.Finalized)
	assert.True(t, strings.HasSuffix(string(raw), "#EXT-X-ENDLIST\n"))
	assert.Contains(t, string(raw), "#EXT-X-PLAYLIST-TYPE:EVENT", "finalizing appends the end marker, the type stays EVENT")
	assert.NotContains(t, string(raw), "VOD")
	require.Len(t, final.Entries, 3)

	// The live playlist is a prefix of the finalized one.
	for i, e := range live.Entries {
		assert.Equal(t, e.URI, final.Entries[i].URI)
	}
	for i, e := range final.Entries {
		u, err := url.Parse(e.URI)
		require.NoError(t, err)
		assert.Equal(t, "/objects/"+testNS.SegmentKey(i), u.Path)
	}
	assert.InDelta(t, 4.5, final.Entries[2].Duration, 0.001)
}

func TestRewritePlaylistRejectsGaps(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.RewritePlaylist(context.Background(), testNS, []SegmentRef{{Index: 0}, {Index: 2}}, true)
	assert.ErrorIs(t, err, shared.ErrOutOfOrder)
}

func TestSignedURLsVerify(t *testing.T) {
	ctx := context.Background()
	store, fs := newTestStore(t)

	raw, err := store.SignedPlaylistURL(ctx, testNS, 0)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	key := strings.TrimPrefix(u.Path, "/objects/")
	assert.Equal(t, testNS.PlaylistKey(), key)
	require.NoError(t, fs.Verify(key, u.Query().Get("expires"), u.Query().Get("sig")))

	assert.Error(t, fs.Verify(testNS.SegmentKey(0), u.Query().Get("expires"), u.Query().Get("sig")), "signature is bound to the key")

	fs.SetClock(func() time.Time { return time.Date(2026, 1, 2, 6, 0, 0, 0, time.UTC) })
	assert.Error(t, fs.Verify(key, u.Query().Get("expires"), u.Query().Get("sig")), "expired")
}

func segmentURLValid(t *testing.T, fs *FileStore, raw string) error {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return fs.Verify(strings.TrimPrefix(u.Path, "/objects/"), u.Query().Get("expires"), u.Query().Get("sig"))
}

func TestSignedPlaylistURLResignsFinalizedSegments(t *testing.T) {
	ctx := context.Background()
	store, fs := newTestStore(t)
	refs := []SegmentRef{{Index: 0, Duration: 10}, {Index: 1, Duration: 7.25}}
	_, err := store.RewritePlaylist(ctx, testNS, refs, true)
	require.NoError(t, err)

	raw, err := fs.Get(ctx, testNS.PlaylistKey())
	require.NoError(t, err)
	before, err := ParsePlaylist(raw)
	require.NoError(t, err)
	require.NoError(t, segmentURLValid(t, fs, before.Entries[0].URI))

	// long after the job finished, but well inside artifact retention
	later := time.Date(2026, 1, 2, 10, 4, 5, 0, time.UTC)
	fs.SetClock(func() time.Time { return later })
	require.Error(t, segmentURLValid(t, fs, before.Entries[0].URI))

	_, err = store.SignedPlaylistURL(ctx, testNS, time.Hour)
	require.NoError(t, err)
	raw, err = fs.Get(ctx, testNS.PlaylistKey())
	require.NoError(t, err)
	after, err := ParsePlaylist(raw)
	require.NoError(t, err)
	assert.True(t, after.Finalized)
	require.Len(t, after.Entries, 2)
	for _, e := range after.Entries {
		assert.NoError(t, segmentURLValid(t, fs, e.URI))
	}
	assert.InDelta(t, 7.25, after.Entries[1].Duration, 0.001)

	// still good for the whole lifetime of the playlist URL
	fs.SetClock(func() time.Time { return later.Add(time.Hour) })
	for _, e := range after.Entries {
		assert.NoError(t, segmentURLValid(t, fs, e.URI))
	}
}

func TestSignedPlaylistURLLeavesLivePlaylist(t *testing.T) {
	ctx := context.Background()
	store, fs := newTestStore(t)
	_, err := store.RewritePlaylist(ctx, testNS, []SegmentRef{{Index: 0, Duration: 10}}, false)
	require.NoError(t, err)
	before, err := fs.Get(ctx, testNS.PlaylistKey())
	require.NoError(t, err)

	fs.SetClock(func() time.Time { return time.Date(2026, 1, 2, 5, 0, 0, 0, time.UTC) })
	_, err = store.SignedPlaylistURL(ctx, testNS, 0)
	require.NoError(t, err)
	after, err := fs.Get(ctx, testNS.PlaylistKey())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestVoiceCacheMissIsNotAnError(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	_, found, err := store.FetchCachedVoice(ctx, testNS)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.CacheVoice(ctx, testNS, []byte("pcm")))
	data, found, err := store.FetchCachedVoice(ctx, testNS)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pcm", string(data))
}

func TestVoiceContentType(t *testing.T) {
	assert.Equal(t, "audio/mpeg", voiceContentType([]byte("ID3\x03\x00\x00\x00\x00\x00\x00")))
	assert.Equal(t, ContentTypeVoice, voiceContentType([]byte("raw pcm")))
	assert.Equal(t, ContentTypeVoice, voiceContentType(nil))
}

func TestPurgeKeepsDownload(t *testing.T) {
	ctx := context.Background()
	store, fs := newTestStore(t)
	other := Namespace{UserID: "user-1", JobID: "job-2"}

	require.NoError(t, store.UploadSegment(ctx, testNS, 0, []byte("a")))
	require.NoError(t, store.CacheVoice(ctx, testNS, []byte("v")))
	_, err := store.RewritePlaylist(ctx, testNS, []SegmentRef{{Index: 0, Duration: 10}}, true)
	require.NoError(t, err)
	dl, err := store.UploadDownload(ctx, testNS, []byte("whole"))
	require.NoError(t, err)
	require.NoError(t, store.UploadSegment(ctx, other, 0, []byte("b")))

	require.NoError(t, JobCleaner{Store: store}.Purge(ctx, &shared.Job{ID: "job-1", UserID: "user-1"}))

	keys, err := fs.List(ctx, testNS.Prefix())
	require.NoError(t, err)
	assert.Equal(t, []string{dl}, keys)

	otherKeys, err := fs.List(ctx, other.Prefix())
	require.NoError(t, err)
	assert.Len(t, otherKeys, 1, "purge is scoped to one job")

	require.NoError(t, store.PurgeAll(ctx, testNS))
	keys, err = fs.List(ctx, testNS.Prefix())
	require.NoError(t, err)
	assert.Empty(t, keys)
}

type failingObjects struct{ ObjectStore }

func (failingObjects) Put(context.Context, string, []byte, string) error {
	return errors.New("backend unavailable at 10.1.2.3")
}

func TestUploadFailureIsStorageError(t *testing.T) {
	store := New(failingObjects{}, Options{})
	err := store.UploadSegment(context.Background(), testNS, 0, []byte("x"))
	var se *shared.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, testNS.SegmentKey(0), se.Key)
	assert.Equal(t, "storing generated audio failed", shared.PublicReason(err))
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	_, fs := newTestStore(t)
	ctx := context.Background()
	assert.Error(t, fs.Put(ctx, "../escape", []byte("x"), ""))
	assert.Error(t, fs.Put(ctx, "/abs", []byte("x"), ""))
	_, err := fs.Get(ctx, "a/../../b")
	assert.Error(t, err)
}

func TestParsePlaylistErrors(t *testing.T) {
	_, err := ParsePlaylist([]byte("not a playlist"))
	assert.Error(t, err)
	_, err = ParsePlaylist([]byte("#EXTM3U\nsegment.ts\n"))
	assert.Error(t, err)

	raw, err := Playlist{TargetDuration: 6, Entries: []PlaylistEntry{{Duration: 6, URI: "a.ts"}}}.Render()
	require.NoError(t, err)
	p, err := ParsePlaylist(raw)
	require.NoError(t, err)
	assert.Equal(t, 6, p.TargetDuration)
	assert.False(t, p.Finalized)
}
