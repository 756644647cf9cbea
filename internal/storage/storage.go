// Package storage defines the blob store contract shared by the page archive
// and the checkpoint store. Implementations live in the subpackages (local
// filesystem, Google Cloud Storage, memory) and can be wrapped for
// encryption at rest.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when the path does not exist.
var ErrNotFound = errors.New("object not found")

// BlobStore reads and writes whole objects addressed by slash-separated paths.
// PutObject replaces the object in one step: readers observe the old or the
// new content, never a partial write.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
	// ListObjects returns the paths under prefix in lexical order.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
