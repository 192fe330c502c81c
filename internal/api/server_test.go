package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sitegraph/crawler/internal/clock/system"
	"github.com/sitegraph/crawler/internal/crawl"
	"github.com/sitegraph/crawler/internal/id/uuid"
	"github.com/sitegraph/crawler/internal/storage/memory"
)

func newTestServer(t *testing.T, cfg Config) (*Server, *memory.JobStore) {
	t.Helper()
	store := memory.NewJobStore(system.New())
	srv := NewServer(store, uuid.NewGenerator(), system.New(), nil, nil, cfg)
	return srv, store
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestCreateJobAccepted(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/", map[string]any{
		"start_url": "https://Example.com/Docs#intro",
		"options":   map[string]any{"max_depth": 2, "domain_scope": "subdomains"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["job_id"])
	require.Equal(t, "pending", resp["status"])

	job, err := store.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	// The start URL is stored in normalized form.
	require.Equal(t, "https://example.com/Docs", job.StartURL)
	require.Equal(t, 2, job.Options.MaxDepth)
	require.Equal(t, crawl.ScopeSubdomains, job.Options.DomainScope)
	require.Equal(t, crawl.ModeContent, job.Options.Mode)
}

func TestCreateJobRejectsBadInput(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	tests := []struct {
		name string
		body any
	}{
		{name: "missing start url", body: map[string]any{}},
		{name: "non-http scheme", body: map[string]any{"start_url": "ftp://example.com"}},
		{name: "relative url", body: map[string]any{"start_url": "/docs"}},
		{
			name: "bad scope",
			body: map[string]any{
				"start_url": "https://example.com",
				"options":   map[string]any{"domain_scope": "everything"},
			},
		},
		{
			name: "bad pattern",
			body: map[string]any{
				"start_url": "https://example.com",
				"options":   map[string]any{"include_patterns": []string{"["}},
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})
	require.NoError(t, store.CreateJob(context.Background(), crawl.Job{
		ID:        "job-1",
		StartURL:  "https://example.com",
		Status:    crawl.JobStatusInProgress,
		Submitted: time.Now().UTC(),
	}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/job-1/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job crawl.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, crawl.JobStatusInProgress, job.Status)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/missing/", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobResultConflictWhileRunning(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})
	require.NoError(t, store.CreateJob(context.Background(), crawl.Job{
		ID:        "job-1",
		StartURL:  "https://example.com",
		Status:    crawl.JobStatusInProgress,
		Submitted: time.Now().UTC(),
	}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/job-1/result", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetJobResultContentTree(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})
	ctx := context.Background()
	opts := crawl.JobOptions{}
	require.NoError(t, opts.Validate())
	require.NoError(t, store.CreateJob(ctx, crawl.Job{
		ID:        "job-1",
		StartURL:  "https://example.com",
		Status:    crawl.JobStatusPending,
		Options:   opts,
		Submitted: time.Now().UTC(),
	}))
	require.NoError(t, store.FinishJob(ctx, "job-1", crawl.JobStatusCompleted, ""))

	base := time.Now().UTC()
	require.NoError(t, store.RecordPage(ctx, crawl.Page{
		ID: "p1", JobID: "job-1", URL: "https://example.com", Title: "Home", FetchedAt: base,
	}))
	require.NoError(t, store.RecordPage(ctx, crawl.Page{
		ID: "p2", JobID: "job-1", URL: "https://example.com/a",
		ParentURL: "https://example.com", Depth: 1, Title: "A", FetchedAt: base.Add(time.Second),
	}))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/job-1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result crawl.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, crawl.JobStatusCompleted, result.Job.Status)
	require.Len(t, result.Pages, 2)
	require.NotNil(t, result.Tree)
	require.Equal(t, "https://example.com", result.Tree.URL)
	require.Len(t, result.Tree.Children, 1)
	require.Equal(t, "https://example.com/a", result.Tree.Children[0].URL)
}

func TestGetJobResultSitemapMode(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})
	ctx := context.Background()
	opts := crawl.JobOptions{Mode: crawl.ModeSitemap}
	require.NoError(t, opts.Validate())
	require.NoError(t, store.CreateJob(ctx, crawl.Job{
		ID:        "job-1",
		StartURL:  "https://example.com",
		Status:    crawl.JobStatusPending,
		Options:   opts,
		Submitted: time.Now().UTC(),
	}))
	require.NoError(t, store.SetSitemap(ctx, "job-1", &crawl.Sitemap{
		RootURL: "https://example.com",
		Entries: []crawl.SitemapEntry{{URL: "https://example.com", Links: []string{"https://example.com/a"}}},
	}))
	require.NoError(t, store.FinishJob(ctx, "job-1", crawl.JobStatusCompleted, ""))

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/v1/jobs/job-1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result crawl.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Nil(t, result.Tree)
	require.Empty(t, result.Pages)
	require.NotNil(t, result.Job.Sitemap)
	require.Len(t, result.Job.Sitemap.Entries, 1)
}

func TestCancelJob(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})
	require.NoError(t, store.CreateJob(context.Background(), crawl.Job{
		ID:        "job-1",
		StartURL:  "https://example.com",
		Status:    crawl.JobStatusInProgress,
		Submitted: time.Now().UTC(),
	}))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/job-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	flagged, err := store.CancelRequested(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, flagged)

	rec = doJSON(t, srv.Handler(), http.MethodPost, "/v1/jobs/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()

	srv, store := newTestServer(t, Config{})
	require.NoError(t, store.CreateJob(context.Background(), crawl.Job{
		ID:        "job-1",
		StartURL:  "https://example.com",
		Status:    crawl.JobStatusCompleted,
		Submitted: time.Now().UTC(),
	}))

	rec := doJSON(t, srv.Handler(), http.MethodDelete, "/v1/jobs/job-1/", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	_, err := store.GetJob(context.Background(), "job-1")
	require.ErrorIs(t, err, crawl.ErrNotFound)
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{APIKey: "sekrit"})

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1/", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, Config{})

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("path %s", path))
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
