// Package archive reads uploaded Apple Health export archives from blob storage.
//
// A BlobStore addresses archives as "<userId>/<file>" paths. The Reader picks a
// fetch strategy from the archive size, retrieves the bytes and opens the
// export.xml entry as a streaming reader.
package archive

import (
	"context"
	"errors"
	"time"
)

// Common errors for blob store operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrListFailed     = errors.New("list failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrSignFailed     = errors.New("signed url creation failed")
	ErrRemoveFailed   = errors.New("remove failed")
)

// ObjectInfo describes one object returned by List.
type ObjectInfo struct {
	// Name is the object name relative to the listed directory.
	Name string
	// Size is the object size in bytes.
	Size int64
}

// BlobStore abstracts the archive upload bucket.
// Implementations include S3 and the local filesystem for development and tests.
type BlobStore interface {
	// List returns the objects directly under dir. A missing dir yields an empty list.
	List(ctx context.Context, dir string) ([]ObjectInfo, error)

	// Download returns the full content of the object at path.
	Download(ctx context.Context, path string) ([]byte, error)

	// SignedURL returns a URL granting read access to path until expiry elapses.
	SignedURL(ctx context.Context, path string, expiry time.Duration) (string, error)

	// Remove deletes the object at path.
	Remove(ctx context.Context, path string) error
}
