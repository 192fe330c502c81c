package crawl

import (
	"context"
	"errors"
	"time"
)

// Store errors shared by all JobStore implementations.
var (
	// ErrNotFound is returned when a job or page does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoPendingJobs is returned by ClaimNextPending when nothing is queued.
	ErrNoPendingJobs = errors.New("no pending jobs")
)

// JobStore persists jobs and pages. Claim and the per-page mutators must be
// atomic: two runners may never both claim the same job, and concurrent
// counter increments must never be lost.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	DeleteJob(ctx context.Context, jobID string) error

	// ClaimNextPending atomically moves the oldest pending job to
	// in_progress, stamps StartTime, and returns it. It returns
	// ErrNoPendingJobs when the queue is empty.
	ClaimNextPending(ctx context.Context) (Job, error)

	// FinishJob records a terminal status, the error text when failed, and
	// stamps EndTime.
	FinishJob(ctx context.Context, jobID string, status JobStatus, errText string) error

	AppendFailedURL(ctx context.Context, jobID string, failure FailedURL) error
	AddCounters(ctx context.Context, jobID string, processed, found int64) error
	SetSitemap(ctx context.Context, jobID string, sm *Sitemap) error

	// RequestCancel flags the job for cooperative cancellation; the runner
	// observes the flag at its next per-page checkpoint.
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)

	RecordPage(ctx context.Context, page Page) error
	ListPages(ctx context.Context, jobID string) ([]Page, error)
}

// Fetcher retrieves one URL and returns the raw HTML plus the final URL
// after redirects. Implementations apply their own timeout and return plain
// error values for ordinary network failures.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Extractor parses HTML into title, main text, markdown, metadata, and
// outbound links. It must tolerate malformed HTML; a returned error means
// the page record is stored with empty content, not that the page failed.
type Extractor interface {
	Extract(html string, baseURL string) (ExtractResult, error)
}

// Publisher pushes job completion events to an external topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobProvider archives raw artifacts and returns a URI.
type BlobProvider interface {
	Save(ctx context.Context, objectName string, data []byte) (string, error)
}

// Hasher computes digests used for archive object naming.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and page IDs.
type IDGenerator interface {
	NewID() (string, error)
}
