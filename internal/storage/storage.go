// Package storage wraps the object store that holds source videos, chunk
// artifacts and final reports.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrObjectNotFound is returned by Get for a missing key.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStore is the subset of object storage the pipeline depends on.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// SignedURL returns a time-limited GET URL that ffprobe and the pose
	// service can read without credentials.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// ChunkArtifactKey is the storage key for one chunk's pose artifact. The index
// is zero padded so keys list in merge order.
func ChunkArtifactKey(jobID uuid.UUID, chunkIndex int) string {
	return fmt.Sprintf("artifacts/%s/chunks/%05d.json", jobID, chunkIndex)
}

// ReportKey is the storage key for a job's final report.
func ReportKey(jobID uuid.UUID) string {
	return fmt.Sprintf("artifacts/%s/report.json", jobID)
}
