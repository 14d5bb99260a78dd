package storage

import (
	"context"
	"io"
	"os"
	"time"
)

// FileInfo contains information about a package file in the cache directory
type FileInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Storage defines the operations the cache needs on the package directory.
// Names are flat file names; nested paths are rejected.
type Storage interface {
	// List returns every regular file in the directory
	List(ctx context.Context) ([]FileInfo, error)

	// GetInfo returns file information, or ErrNotExist
	GetInfo(ctx context.Context, name string) (*FileInfo, error)

	// Delete removes a file; a missing file is not an error
	Delete(ctx context.Context, name string) error

	// Open opens a file for streaming
	Open(ctx context.Context, name string) (ReadSeekCloser, error)

	// CreateTemp creates a new uniquely named file from pattern
	CreateTemp(ctx context.Context, pattern string) (*os.File, error)

	// Rename atomically renames a file within the directory
	Rename(ctx context.Context, from, to string) error

	// GetChecksum returns the "sha256:<hex>" checksum of a file
	GetChecksum(ctx context.Context, name string) (string, error)
}

// ReadSeekCloser is what a download streams from
type ReadSeekCloser interface {
	io.ReadSeeker
	io.Closer
	Stat() (os.FileInfo, error)
}
