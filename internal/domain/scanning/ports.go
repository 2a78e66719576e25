package scanning

import (
	"context"
	"io"
	"time"
)

// Object describes a single remote object returned by a listing.
type Object struct {
	Key  string
	Size int64
}

// ObjectStore abstracts the remote object storage the scan reads from. The
// production implementation is backed by S3; tests substitute fakes.
type ObjectStore interface {
	// ListObjects returns every object under the given prefix, following
	// pagination. Folder placeholder keys (trailing slash) are excluded.
	ListObjects(ctx context.Context, prefix string) ([]Object, error)

	// GetObject opens a streaming read of the object body. The returned
	// size is the content length reported by the store, or -1 when unknown.
	// Callers own closing the reader.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)
}

// ProgressStore is the process-wide keyed store of progress records. It is
// safe for concurrent use; each session has a single logical writer.
type ProgressStore interface {
	// Update merges the partial fields into the session's record, creating
	// it when absent, and stamps the write time.
	Update(sessionID string, update ProgressUpdate) error

	// Get returns the current record for the session, or ErrSessionNotFound.
	Get(sessionID string) (ProgressRecord, error)

	// Clear removes the session's record immediately.
	Clear(sessionID string)
}

// Verifier runs the external verification step against an already-downloaded
// staging directory and returns the raw result artifact. A missing artifact
// on success yields a nil payload, which callers treat as a valid empty
// result. The interface is deliberately narrow so a future structured
// progress channel can replace synthetic ticks without touching callers.
type Verifier interface {
	Verify(ctx context.Context, sessionID, stagingDir string) ([]byte, error)
}

// DownloadTask tracks one in-flight transfer. A task is created when a batch
// slot opens and destroyed, success or failure, before the slot is released;
// it never outlives its owning batch.
type DownloadTask struct {
	Key            string
	TargetSize     int64
	BytesReceived  int64
	LastActivityAt time.Time
}
