// Package memory provides an in-memory JobStore for tests and single-node
// development runs. All state is lost on process exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sitegraph/crawler/internal/crawl"
)

// JobStore keeps jobs and pages in mutex-guarded maps. Claim and the
// per-page mutators hold the lock for the full operation, so the atomicity
// contract of crawl.JobStore is met trivially.
type JobStore struct {
	mu    sync.Mutex
	jobs  map[string]*crawl.Job
	pages map[string][]crawl.Page
	clock crawl.Clock
}

// NewJobStore returns an empty store stamping times from clock.
func NewJobStore(clock crawl.Clock) *JobStore {
	return &JobStore{
		jobs:  make(map[string]*crawl.Job),
		pages: make(map[string][]crawl.Page),
		clock: clock,
	}
}

// CreateJob stores a new job. The caller is expected to have set ID, status,
// and the submitted timestamp already.
func (s *JobStore) CreateJob(_ context.Context, job crawl.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := job
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob returns a copy of the job or crawl.ErrNotFound.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.Job{}, crawl.ErrNotFound
	}
	return cloneJob(job), nil
}

// DeleteJob removes the job and its pages.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return crawl.ErrNotFound
	}
	delete(s.jobs, jobID)
	delete(s.pages, jobID)
	return nil
}

// ClaimNextPending moves the oldest pending job to in_progress under the
// store lock, so two concurrent claimers can never receive the same job.
func (s *JobStore) ClaimNextPending(_ context.Context) (crawl.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *crawl.Job
	for _, job := range s.jobs {
		if job.Status != crawl.JobStatusPending {
			continue
		}
		if oldest == nil || job.Submitted.Before(oldest.Submitted) {
			oldest = job
		}
	}
	if oldest == nil {
		return crawl.Job{}, crawl.ErrNoPendingJobs
	}
	now := s.clock.Now()
	oldest.Status = crawl.JobStatusInProgress
	oldest.StartTime = &now
	return cloneJob(oldest), nil
}

// FinishJob records a terminal status and stamps EndTime. Finishing an
// already-terminal job is a no-op so a late cancel cannot clobber a result.
func (s *JobStore) FinishJob(_ context.Context, jobID string, status crawl.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	now := s.clock.Now()
	job.Status = status
	job.Error = errText
	job.EndTime = &now
	return nil
}

// AppendFailedURL appends one non-fatal failure record.
func (s *JobStore) AppendFailedURL(_ context.Context, jobID string, failure crawl.FailedURL) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.FailedURLs = append(job.FailedURLs, failure)
	return nil
}

// AddCounters increments the processed and found counters under the lock.
func (s *JobStore) AddCounters(_ context.Context, jobID string, processed, found int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.ProcessedURLs += processed
	job.FoundURLs += found
	return nil
}

// SetSitemap stores the final sitemap graph for a job.
func (s *JobStore) SetSitemap(_ context.Context, jobID string, sm *crawl.Sitemap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	job.Sitemap = sm
	return nil
}

// RequestCancel flags the job. Terminal jobs are left untouched.
func (s *JobStore) RequestCancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawl.ErrNotFound
	}
	if job.Status.IsTerminal() {
		return nil
	}
	job.CancelRequested = true
	return nil
}

// CancelRequested reports the cooperative cancel flag.
func (s *JobStore) CancelRequested(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, crawl.ErrNotFound
	}
	return job.CancelRequested, nil
}

// RecordPage appends one scraped page to the job's page list.
func (s *JobStore) RecordPage(_ context.Context, page crawl.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[page.JobID]; !ok {
		return crawl.ErrNotFound
	}
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return nil
}

// ListPages returns the job's pages ordered by fetch time.
func (s *JobStore) ListPages(_ context.Context, jobID string) ([]crawl.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, crawl.ErrNotFound
	}
	out := append([]crawl.Page(nil), s.pages[jobID]...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FetchedAt.Before(out[j].FetchedAt)
	})
	return out, nil
}

func cloneJob(job *crawl.Job) crawl.Job {
	cp := *job
	cp.FailedURLs = append([]crawl.FailedURL(nil), job.FailedURLs...)
	cp.StartTime = cloneTime(job.StartTime)
	cp.EndTime = cloneTime(job.EndTime)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

var _ crawl.JobStore = (*JobStore)(nil)
