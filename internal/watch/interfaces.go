package watch

import (
	"context"
	"time"
)

// Registry is the contract the checking engine consumes. Implementations must
// make every mutation atomic with respect to concurrent readers.
type Registry interface {
	// DueWatches returns copies of every watch that is due at now.
	DueWatches(ctx context.Context, now time.Time, globalMinutes int) ([]Watch, error)
	Get(ctx context.Context, id string) (Watch, error)
	Exists(ctx context.Context, id string) (bool, error)
	RecordCheckResult(ctx context.Context, id string, result CheckResult) error
	// AppendHistory stores entry and sets the watch fingerprint in one step.
	AppendHistory(ctx context.Context, id string, entry HistoryEntry, fingerprint string) error
}

// Store extends Registry with the management operations used by the control API.
type Store interface {
	Registry
	Add(ctx context.Context, w Watch) (Watch, error)
	Clone(ctx context.Context, id, newID string, now time.Time) (Watch, error)
	Update(ctx context.Context, w Watch) error
	SetPaused(ctx context.Context, id string, paused bool) error
	// Delete removes the watch and returns the removed record.
	Delete(ctx context.Context, id string) (Watch, error)
	List(ctx context.Context) ([]Watch, error)
}

// Fetcher retrieves the current content of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
	IsReady(ctx context.Context) error
}

// BlobStore persists snapshot content and returns a content reference.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
	DeleteObject(ctx context.Context, uri string) error
}

// WorkQueue carries watch IDs from the scheduler and the API to workers.
type WorkQueue interface {
	Push(id string) bool
	TryDequeue() (string, bool)
	Contains(id string) bool
	Done(id string)
	Len() int
}

// NotificationQueue carries resolved jobs to the dispatcher.
type NotificationQueue interface {
	Push(job NotificationJob)
	TryPop() (NotificationJob, bool)
}

// InFlight reports whether a worker currently owns a watch.
type InFlight interface {
	IsOwned(id string) bool
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces watch IDs.
type IDGenerator interface {
	NewID() (string, error)
}
