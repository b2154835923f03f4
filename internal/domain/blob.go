package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage. PutMultipart is for payloads
// large enough to benefit from chunked concurrent upload; partSize below the
// backend minimum is clamped by the implementation.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver moves aged rows from the database to cold storage.
type Archiver interface {
	ArchiveCycleReports(ctx context.Context, before time.Time) (int64, error)
	ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error)
}
