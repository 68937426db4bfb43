package storage

import (
	"context"
	"io"
	"path"
	"time"
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStorage holds processed video artifacts between processing and
// publishing.
type ObjectStorage interface {
	// Upload stores size bytes from reader under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens the object under key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// Keys lays out artifact keys under a common prefix.
type Keys struct {
	Prefix string
}

// Video is the key of a job's rendered video.
func (k Keys) Video(jobID string) string {
	return path.Join(k.Prefix, jobID, "video.mp4")
}

// Thumbnail is the key of a job's thumbnail image.
func (k Keys) Thumbnail(jobID string) string {
	return path.Join(k.Prefix, jobID, "thumbnail.jpg")
}
