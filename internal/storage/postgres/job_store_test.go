package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/sitegraph/crawler/internal/crawl"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Unix(1700000000, 0).UTC()

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *JobStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewJobStoreWithPool(mock, fixedClock{now: testNow})
	require.NoError(t, err)
	return mock, store
}

func jobRow() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "start_url", "status", "options", "processed_urls", "found_urls",
		"failed_urls", "submitted_at", "start_time", "end_time", "error_text",
		"sitemap", "cancel_requested",
	})
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	job := crawl.Job{
		ID:        "job-1",
		StartURL:  "https://example.com",
		Status:    crawl.JobStatusPending,
		Options:   crawl.JobOptions{MaxDepth: 2, DomainScope: crawl.ScopeStrict, Mode: crawl.ModeContent, BrowserType: crawl.BrowserDesktop},
		Submitted: testNow,
	}
	optionsJSON, err := json.Marshal(job.Options)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(job.ID, job.StartURL, "pending", optionsJSON, testNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	optionsJSON := []byte(`{"max_depth":1,"domain_scope":"strict","mode":"sitemap","use_browser":false,"browser_type":"desktop","use_cookies":false,"respect_robots":false}`)
	failedJSON := []byte(`[{"url":"https://example.com/bad","reason":"status 404"}]`)
	sitemapJSON := []byte(`{"root_url":"https://example.com","entries":[{"url":"https://example.com"}]}`)
	started := testNow.Add(time.Second)

	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow().AddRow(
			"job-1", "https://example.com", "in_progress", optionsJSON, int64(3), int64(7),
			failedJSON, testNow, &started, nil, "", sitemapJSON, true,
		))

	job, err := store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, crawl.JobStatusInProgress, job.Status)
	require.Equal(t, crawl.ModeSitemap, job.Options.Mode)
	require.Equal(t, int64(3), job.ProcessedURLs)
	require.Equal(t, int64(7), job.FoundURLs)
	require.Len(t, job.FailedURLs, 1)
	require.Equal(t, "status 404", job.FailedURLs[0].Reason)
	require.NotNil(t, job.StartTime)
	require.Nil(t, job.EndTime)
	require.NotNil(t, job.Sitemap)
	require.True(t, job.CancelRequested)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingReturnsClaimedJob(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	optionsJSON := []byte(`{"max_depth":0,"domain_scope":"strict","mode":"content","use_browser":false,"browser_type":"desktop","use_cookies":false,"respect_robots":false}`)
	mock.ExpectQuery("UPDATE crawl_jobs SET status").
		WithArgs("in_progress", testNow, "pending").
		WillReturnRows(jobRow().AddRow(
			"job-1", "https://example.com", "in_progress", optionsJSON, int64(0), int64(0),
			[]byte(`[]`), testNow, &testNow, nil, "", nil, false,
		))

	job, err := store.ClaimNextPending(context.Background())
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, crawl.JobStatusInProgress, job.Status)
	require.NotNil(t, job.StartTime)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextPendingEmptyQueue(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectQuery("UPDATE crawl_jobs SET status").
		WithArgs("in_progress", testNow, "pending").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.ClaimNextPending(context.Background())
	require.ErrorIs(t, err, crawl.ErrNoPendingJobs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobUpdatesLiveJob(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec("UPDATE crawl_jobs SET status").
		WithArgs("job-1", "completed_with_errors", "", testNow, "pending", "in_progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.FinishJob(context.Background(), "job-1", crawl.JobStatusCompletedWithErrors, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobMissingJob(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec("UPDATE crawl_jobs SET status").
		WithArgs("missing", "failed", "boom", testNow, "pending", "in_progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.FinishJob(context.Background(), "missing", crawl.JobStatusFailed, "boom")
	require.ErrorIs(t, err, crawl.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishJobAlreadyTerminalIsNoop(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec("UPDATE crawl_jobs SET status").
		WithArgs("job-1", "cancelled", "", testNow, "pending", "in_progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	require.NoError(t, store.FinishJob(context.Background(), "job-1", crawl.JobStatusCancelled, ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendFailedURL(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	failure := crawl.FailedURL{URL: "https://example.com/bad", Reason: "status 500"}
	failureJSON, err := json.Marshal(failure)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE crawl_jobs SET failed_urls").
		WithArgs("job-1", failureJSON).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.AppendFailedURL(context.Background(), "job-1", failure))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddCounters(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", int64(1), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.AddCounters(context.Background(), "job-1", 1, 4))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestCancelAndFlag(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	mock.ExpectExec("UPDATE crawl_jobs SET cancel_requested").
		WithArgs("job-1", "pending", "in_progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery("SELECT cancel_requested").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"cancel_requested"}).AddRow(true))

	ctx := context.Background()
	require.NoError(t, store.RequestCancel(ctx, "job-1"))
	flag, err := store.CancelRequested(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, flag)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordPageInsertsRow(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	page := crawl.Page{
		ID:              "page-1",
		JobID:           "job-1",
		URL:             "https://example.com/docs",
		ParentURL:       "https://example.com",
		Depth:           1,
		Title:           "Docs",
		Content:         "body text",
		MarkdownContent: "# Docs",
		Metadata:        map[string]string{"description": "docs page"},
		FetchedAt:       testNow,
	}
	metadataJSON, err := json.Marshal(page.Metadata)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO scraped_pages").
		WithArgs(page.ID, page.JobID, page.URL, page.ParentURL, page.Depth,
			page.Title, page.Content, page.MarkdownContent, metadataJSON, page.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordPage(context.Background(), page))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPagesOrdered(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)

	optionsJSON := []byte(`{"max_depth":0,"domain_scope":"strict","mode":"content","use_browser":false,"browser_type":"desktop","use_cookies":false,"respect_robots":false}`)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").
		WithArgs("job-1").
		WillReturnRows(jobRow().AddRow(
			"job-1", "https://example.com", "completed", optionsJSON, int64(2), int64(2),
			[]byte(`[]`), testNow, &testNow, &testNow, "", nil, false,
		))

	pageRows := pgxmock.NewRows([]string{
		"id", "crawl_job_id", "url", "parent_url", "depth", "title",
		"content", "markdown_content", "metadata", "fetched_at",
	}).
		AddRow("p1", "job-1", "https://example.com", "", 0, "Home", "home", "# Home", []byte(`{}`), testNow).
		AddRow("p2", "job-1", "https://example.com/docs", "https://example.com", 1, "Docs", "docs", "# Docs", []byte(`{"k":"v"}`), testNow.Add(time.Second))

	mock.ExpectQuery("SELECT (.+) FROM scraped_pages WHERE crawl_job_id").
		WithArgs("job-1").
		WillReturnRows(pageRows)

	pages, err := store.ListPages(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "p1", pages[0].ID)
	require.Equal(t, "v", pages[1].Metadata["k"])
	require.NoError(t, mock.ExpectationsWereMet())
}
