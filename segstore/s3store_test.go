package segstore

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeBucket = "sessions"

// fakeS3 is a path-style S3 endpoint holding objects in memory. List pages
// are two keys long so pagination is exercised.
type fakeS3 struct {
	mu          sync.Mutex
	objects     map[string][]byte
	listCalls   int
	deleteCalls int
}

type listEntry struct {
	Key  string
	Size int
}

type listResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	Xmlns                 string   `xml:"xmlns,attr"`
	Name                  string
	Prefix                string
	KeyCount              int
	MaxKeys               int
	IsTruncated           bool
	NextContinuationToken string `xml:",omitempty"`
	Contents              []listEntry
}

type deleteRequest struct {
	Objects []struct {
		Key string
	} `xml:"Object"`
}

const listPageSize = 2

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rest := strings.TrimPrefix(r.URL.Path, "/"+fakeBucket)
	key := strings.TrimPrefix(rest, "/")
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodPut && key != "":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.objects[key] = body
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && q.Get("list-type") == "2":
		f.list(w, q)
	case r.Method == http.MethodGet && key != "":
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message><Key>%s</Key></Error>`, key)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
	case r.Method == http.MethodPost && q.Has("delete"):
		f.deleteCalls++
		var req deleteRequest
		if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Objects) > maxDeleteBatch {
			http.Error(w, "too many keys", http.StatusBadRequest)
			return
		}
		for _, o := range req.Objects {
			delete(f.objects, o.Key)
		}
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><DeleteResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/"></DeleteResult>`)
	default:
		http.Error(w, "unsupported", http.StatusNotImplemented)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, q url.Values) {
	f.listCalls++
	prefix := q.Get("prefix")
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if tok := q.Get("continuation-token"); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	end := min(start+listPageSize, len(keys))
	res := listResult{
		Xmlns:    "http://s3.amazonaws.com/doc/2006-03-01/",
		Name:     fakeBucket,
		Prefix:   prefix,
		KeyCount: end - start,
		MaxKeys:  listPageSize,
	}
	for _, k := range keys[start:end] {
		res.Contents = append(res.Contents, listEntry{Key: k, Size: len(f.objects[k])})
	}
	if end < len(keys) {
		res.IsTruncated = true
		res.NextContinuationToken = strconv.Itoa(end)
	}
	w.Header().Set("Content-Type", "application/xml")
	io.WriteString(w, xml.Header)
	xml.NewEncoder(w).Encode(res)
}

func (f *fakeS3) seed(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeS3) snapshot() (objects map[string][]byte, listCalls, deleteCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	objects = make(map[string][]byte, len(f.objects))
	for k, v := range f.objects {
		objects[k] = v
	}
	return objects, f.listCalls, f.deleteCalls
}

func newFakeS3Store(t *testing.T) (*S3Store, *fakeS3) {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")
	fake := &fakeS3{objects: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	store, err := NewS3Store(context.Background(), S3Config{
		Bucket:    fakeBucket,
		Region:    "us-east-1",
		Endpoint:  srv.URL,
		PathStyle: true,
		AccessKey: "test-access",
		SecretKey: "test-secret",
	})
	require.NoError(t, err)
	return store, fake
}

func TestS3StorePutGetAndMissingKey(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeS3Store(t)

	key := testNS.SegmentKey(0)
	require.NoError(t, store.Put(ctx, key, []byte("segment-bytes"), ContentTypeSegment))
	objects, _, _ := fake.snapshot()
	assert.Equal(t, "segment-bytes", string(objects[key]))

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "segment-bytes", string(data))

	_, err = store.Get(ctx, testNS.VoiceKey())
	assert.ErrorIs(t, err, ErrObjectNotFound)

	// the voice cache treats a missing object as a miss
	_, found, err := New(store, Options{}).FetchCachedVoice(ctx, testNS)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestS3StoreListFollowsPages(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeS3Store(t)
	for _, i := range []int{3, 0, 4, 1, 2} {
		fake.seed(testNS.SegmentKey(i), []byte{byte(i)})
	}
	fake.seed("users/someone-else/jobs/x/segments/segment_00000.ts", []byte("x"))

	keys, err := store.List(ctx, testNS.Prefix())
	require.NoError(t, err)
	require.Len(t, keys, 5)
	for i, k := range keys {
		assert.Equal(t, testNS.SegmentKey(i), k)
	}
	_, listCalls, _ := fake.snapshot()
	assert.Equal(t, 3, listCalls, "five keys at two per page")
}

func TestS3StoreDeleteBatches(t *testing.T) {
	ctx := context.Background()
	store, fake := newFakeS3Store(t)
	keys := make([]string, 0, maxDeleteBatch+1)
	for i := 0; i <= maxDeleteBatch; i++ {
		k := testNS.SegmentKey(i)
		fake.seed(k, []byte("s"))
		keys = append(keys, k)
	}
	fake.seed(testNS.DownloadKey(), []byte("keep"))

	require.NoError(t, store.Delete(ctx, keys...))
	objects, _, deleteCalls := fake.snapshot()
	assert.Equal(t, 2, deleteCalls)
	assert.Len(t, objects, 1)
	assert.Contains(t, objects, testNS.DownloadKey())
}

func TestS3StoreSignedURL(t *testing.T) {
	store, _ := newFakeS3Store(t)
	raw, err := store.SignedURL(context.Background(), testNS.PlaylistKey(), 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/"+fakeBucket+"/"+testNS.PlaylistKey(), u.Path)
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}
