package segstore

import (
	"context"
	"errors"
	"time"
)

// ErrObjectNotFound is returned by ObjectStore.Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the object-storage collaborator: write-once puts, prefix
// listing, batch deletion and time-limited signed read URLs. No versioning or
// conditional writes are assumed.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// List returns every key under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, keys ...string) error
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
