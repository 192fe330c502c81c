// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sitegraph/crawler/internal/crawl"
)

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// JobStore persists crawl jobs and scraped pages in Postgres. Atomic claim
// relies on FOR UPDATE SKIP LOCKED, so multiple engine instances can share
// one database.
type JobStore struct {
	pool  querier
	clock crawl.Clock
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig, clock crawl.Clock) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: pool, clock: clock}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewJobStoreWithPool(pool querier, clock crawl.Clock) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the job and page tables when they do not exist yet.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS crawl_jobs (
	id               TEXT PRIMARY KEY,
	start_url        TEXT NOT NULL,
	status           TEXT NOT NULL,
	options          JSONB NOT NULL DEFAULT '{}',
	processed_urls   BIGINT NOT NULL DEFAULT 0,
	found_urls       BIGINT NOT NULL DEFAULT 0,
	failed_urls      JSONB NOT NULL DEFAULT '[]',
	submitted_at     TIMESTAMPTZ NOT NULL,
	start_time       TIMESTAMPTZ,
	end_time         TIMESTAMPTZ,
	error_text       TEXT NOT NULL DEFAULT '',
	sitemap          JSONB,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS crawl_jobs_pending_idx
	ON crawl_jobs (submitted_at) WHERE status = 'pending';
CREATE TABLE IF NOT EXISTS scraped_pages (
	id               TEXT PRIMARY KEY,
	crawl_job_id     TEXT NOT NULL REFERENCES crawl_jobs (id) ON DELETE CASCADE,
	url              TEXT NOT NULL,
	parent_url       TEXT NOT NULL DEFAULT '',
	depth            INTEGER NOT NULL DEFAULT 0,
	title            TEXT NOT NULL DEFAULT '',
	content          TEXT NOT NULL DEFAULT '',
	markdown_content TEXT NOT NULL DEFAULT '',
	metadata         JSONB NOT NULL DEFAULT '{}',
	fetched_at       TIMESTAMPTZ NOT NULL,
	UNIQUE (crawl_job_id, url)
);`
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `id, start_url, status, options, processed_urls, found_urls, failed_urls,
	submitted_at, start_time, end_time, error_text, sitemap, cancel_requested`

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawl.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	query := `
INSERT INTO crawl_jobs (id, start_url, status, options, submitted_at)
VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.pool.Exec(ctx, query, job.ID, job.StartURL, string(job.Status), optionsJSON, job.Submitted); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob loads a single job row.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawl.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM crawl_jobs WHERE id = $1`
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, crawl.ErrNotFound
		}
		return crawl.Job{}, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// DeleteJob removes the job; pages go with it via the cascade constraint.
func (s *JobStore) DeleteJob(ctx context.Context, jobID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// ClaimNextPending atomically claims the oldest pending job. SKIP LOCKED
// keeps concurrent schedulers from blocking on or double-claiming one row.
func (s *JobStore) ClaimNextPending(ctx context.Context) (crawl.Job, error) {
	query := `
UPDATE crawl_jobs SET status = $1, start_time = $2
WHERE id = (
	SELECT id FROM crawl_jobs
	WHERE status = $3
	ORDER BY submitted_at
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns
	job, err := scanJob(s.pool.QueryRow(ctx, query,
		string(crawl.JobStatusInProgress), s.clock.Now(), string(crawl.JobStatusPending)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawl.Job{}, crawl.ErrNoPendingJobs
		}
		return crawl.Job{}, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// FinishJob records a terminal status. The status guard keeps a late cancel
// from clobbering an already-recorded result.
func (s *JobStore) FinishJob(ctx context.Context, jobID string, status crawl.JobStatus, errText string) error {
	query := `
UPDATE crawl_jobs SET status = $2, error_text = $3, end_time = $4
WHERE id = $1 AND status IN ($5, $6)`
	tag, err := s.pool.Exec(ctx, query, jobID, string(status), errText, s.clock.Now(),
		string(crawl.JobStatusPending), string(crawl.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.errIfMissing(ctx, jobID)
	}
	return nil
}

// AppendFailedURL appends one failure record to the jsonb array.
func (s *JobStore) AppendFailedURL(ctx context.Context, jobID string, failure crawl.FailedURL) error {
	failureJSON, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal failed url: %w", err)
	}
	query := `UPDATE crawl_jobs SET failed_urls = failed_urls || $2::jsonb WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, failureJSON)
	if err != nil {
		return fmt.Errorf("append failed url: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// AddCounters increments the processed and found counters in one statement,
// so concurrent increments from the page workers are never lost.
func (s *JobStore) AddCounters(ctx context.Context, jobID string, processed, found int64) error {
	query := `
UPDATE crawl_jobs
SET processed_urls = processed_urls + $2, found_urls = found_urls + $3
WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, processed, found)
	if err != nil {
		return fmt.Errorf("add counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// SetSitemap stores the final sitemap graph.
func (s *JobStore) SetSitemap(ctx context.Context, jobID string, sm *crawl.Sitemap) error {
	sitemapJSON, err := json.Marshal(sm)
	if err != nil {
		return fmt.Errorf("marshal sitemap: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE crawl_jobs SET sitemap = $2 WHERE id = $1`, jobID, sitemapJSON)
	if err != nil {
		return fmt.Errorf("set sitemap: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return crawl.ErrNotFound
	}
	return nil
}

// RequestCancel flags a live job for cooperative cancellation.
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	query := `UPDATE crawl_jobs SET cancel_requested = TRUE WHERE id = $1 AND status IN ($2, $3)`
	tag, err := s.pool.Exec(ctx, query, jobID,
		string(crawl.JobStatusPending), string(crawl.JobStatusInProgress))
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.errIfMissing(ctx, jobID)
	}
	return nil
}

// CancelRequested reports the cooperative cancel flag.
func (s *JobStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM crawl_jobs WHERE id = $1`, jobID).Scan(&flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, crawl.ErrNotFound
		}
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return flag, nil
}

// RecordPage inserts one scraped page row.
func (s *JobStore) RecordPage(ctx context.Context, page crawl.Page) error {
	metadataJSON, err := json.Marshal(normalizeMetadata(page.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	query := `
INSERT INTO scraped_pages (
	id, crawl_job_id, url, parent_url, depth, title, content, markdown_content, metadata, fetched_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	args := []any{
		page.ID,
		page.JobID,
		page.URL,
		page.ParentURL,
		page.Depth,
		page.Title,
		page.Content,
		page.MarkdownContent,
		metadataJSON,
		page.FetchedAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// ListPages returns the job's pages ordered by fetch time.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]crawl.Page, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	query := `
SELECT id, crawl_job_id, url, parent_url, depth, title, content, markdown_content, metadata, fetched_at
FROM scraped_pages WHERE crawl_job_id = $1 ORDER BY fetched_at`
	rows, err := s.pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("select pages: %w", err)
	}
	defer rows.Close()

	var pages []crawl.Page
	for rows.Next() {
		var page crawl.Page
		var metadataJSON []byte
		if err := rows.Scan(
			&page.ID, &page.JobID, &page.URL, &page.ParentURL, &page.Depth,
			&page.Title, &page.Content, &page.MarkdownContent, &metadataJSON, &page.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &page.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return pages, nil
}

func (s *JobStore) errIfMissing(ctx context.Context, jobID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM crawl_jobs WHERE id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return crawl.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (crawl.Job, error) {
	var (
		job         crawl.Job
		status      string
		optionsJSON []byte
		failedJSON  []byte
		sitemapJSON []byte
	)
	err := row.Scan(
		&job.ID, &job.StartURL, &status, &optionsJSON, &job.ProcessedURLs, &job.FoundURLs,
		&failedJSON, &job.Submitted, &job.StartTime, &job.EndTime, &job.Error, &sitemapJSON,
		&job.CancelRequested,
	)
	if err != nil {
		return crawl.Job{}, err
	}
	job.Status = crawl.JobStatus(status)
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &job.Options); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(failedJSON) > 0 {
		if err := json.Unmarshal(failedJSON, &job.FailedURLs); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal failed urls: %w", err)
		}
	}
	if len(sitemapJSON) > 0 {
		var sm crawl.Sitemap
		if err := json.Unmarshal(sitemapJSON, &sm); err != nil {
			return crawl.Job{}, fmt.Errorf("unmarshal sitemap: %w", err)
		}
		job.Sitemap = &sm
	}
	return job, nil
}

func normalizeMetadata(m map[string]string) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	return m
}

var _ crawl.JobStore = (*JobStore)(nil)
