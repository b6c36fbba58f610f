package storage

import (
	"context"
	"fmt"
	"io"
)

// Kind names a storage backend a caller can ask the factory for.
type Kind string

const (
	// KindBucket is a strongly consistent S3-compatible blob store (R2, MinIO).
	KindBucket Kind = "r2"

	// KindRepository is a version-controlled, content-addressed repository
	// reached through a Git-LFS style transfer protocol.
	KindRepository Kind = "hf"
)

// PutOptions carries the per-object attributes stored alongside the payload.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Range selects Length bytes starting at Offset.
type Range struct {
	Offset int64
	Length int64
}

// Header renders the range as an HTTP Range header value.
func (r Range) Header() string {
	return fmt.Sprintf("bytes=%d-%d", r.Offset, r.Offset+r.Length-1)
}

// GetOptions controls a read. A nil Range reads the whole object.
type GetOptions struct {
	Range *Range
}

// Result is returned by a successful Put.
type Result struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// ObjectInfo describes a stored object without its payload.
type ObjectInfo struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Object is a stored object with an open payload. Callers must close Body.
type Object struct {
	ObjectInfo
	Body io.ReadCloser
}

// Provider is the contract every storage backend implements. Get and Head
// report an absent key as a nil result with a nil error.
type Provider interface {
	// Put stores body under key and returns the normalized key and the
	// stored size.
	Put(ctx context.Context, key string, body io.Reader, opts PutOptions) (Result, error)

	// Get opens the object stored under key.
	Get(ctx context.Context, key string, opts GetOptions) (*Object, error)

	// Head returns the object's attributes without transferring the payload.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes key. Deleting an absent key succeeds.
	Delete(ctx context.Context, key string) error

	// PublicURL returns the URL the application serves key from. It never
	// touches the network.
	PublicURL(key string) string
}
