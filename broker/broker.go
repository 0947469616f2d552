// Package broker connects the backend to external storage: the broker
// processes that proxy load data, and the remote filesystems (S3,
// MinIO) segments and small files are fetched from.
package broker

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a remote object does not exist.
//
// Providers return an error that satisfies errors.Is(err, ErrNotFound).
// The default maps to os.ErrNotExist.
var ErrNotFound = os.ErrNotExist

// Info describes one remote object.
type Info struct {
	Name string
	Size int64
}

// RemoteFS is the surface the backend needs from a remote filesystem.
type RemoteFS interface {
	// Stat verifies existence and returns the object's size.
	Stat(ctx context.Context, name string) (Info, error)
	// Open streams the whole object.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// OpenRange streams length bytes starting at off.
	OpenRange(ctx context.Context, name string, off, length int64) (io.ReadCloser, error)
	// Create opens a streaming writer. The object becomes visible
	// when the writer is closed.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// Download copies the whole object into w.
	Download(ctx context.Context, name string, w io.WriterAt) (int64, error)
	// Delete removes the object. Deleting a missing object is not an
	// error.
	Delete(ctx context.Context, name string) error
	// List returns the object names under prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
