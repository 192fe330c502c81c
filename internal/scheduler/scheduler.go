// Package scheduler polls the job store for pending crawl jobs and hands
// them to runners, bounding how many jobs execute at once. One scheduler
// loop runs per engine instance; the store's atomic claim keeps multiple
// instances from double-running a job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sitegraph/crawler/internal/crawl"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultMaxConcurrentJobs = 2
)

// JobRunner executes one claimed job to its terminal status.
type JobRunner interface {
	Run(ctx context.Context, job crawl.Job) (crawl.JobStatus, error)
}

// Config controls polling and concurrency.
type Config struct {
	// PollInterval is how long to sleep when the queue is empty or full.
	PollInterval time.Duration
	// MaxConcurrentJobs bounds jobs running at once in this instance.
	MaxConcurrentJobs int64
	// CompletionTopic, when set with a publisher, receives an event per
	// finished job.
	CompletionTopic string
}

// CompletionEvent is the payload published when a job reaches a terminal
// status.
type CompletionEvent struct {
	JobID         string          `json:"job_id"`
	StartURL      string          `json:"start_url"`
	Status        crawl.JobStatus `json:"status"`
	ProcessedURLs int64           `json:"processed_urls"`
	FoundURLs     int64           `json:"found_urls"`
	FailedURLs    int             `json:"failed_urls"`
	Error         string          `json:"error,omitempty"`
	FinishedAt    time.Time       `json:"finished_at"`
}

// Scheduler is the engine's outer loop.
type Scheduler struct {
	store     crawl.JobStore
	runner    JobRunner
	publisher crawl.Publisher
	logger    *zap.Logger
	cfg       Config
	sem       *semaphore.Weighted
	wg        sync.WaitGroup
}

// New constructs a Scheduler. The publisher is optional.
func New(store crawl.JobStore, jobRunner JobRunner, publisher crawl.Publisher, logger *zap.Logger, cfg Config) (*Scheduler, error) {
	if store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if jobRunner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = defaultMaxConcurrentJobs
	}
	return &Scheduler{
		store:     store,
		runner:    jobRunner,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentJobs),
	}, nil
}

// Run blocks, claiming and executing pending jobs until the context is
// cancelled, then waits for in-flight jobs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	defer s.wg.Wait()
	for {
		if ctx.Err() != nil {
			return
		}
		if !s.sem.TryAcquire(1) {
			s.sleep(ctx)
			continue
		}

		job, err := s.store.ClaimNextPending(ctx)
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, crawl.ErrNoPendingJobs) {
				s.sleep(ctx)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			// A claim failure must never kill the loop; back off and retry.
			s.logger.Error("claim pending job failed", zap.Error(err))
			s.sleep(ctx)
			continue
		}

		s.wg.Add(1)
		go s.execute(ctx, job)
	}
}

// execute runs one job with panic isolation: a panicking runner marks its
// job failed and the scheduler keeps serving the queue.
func (s *Scheduler) execute(ctx context.Context, job crawl.Job) {
	defer s.wg.Done()
	defer s.sem.Release(1)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("runner panicked",
				zap.String("job_id", job.ID), zap.Any("panic", r))
			errText := fmt.Sprintf("internal fault: %v", r)
			if err := s.store.FinishJob(ctx, job.ID, crawl.JobStatusFailed, errText); err != nil {
				s.logger.Error("mark panicked job failed",
					zap.String("job_id", job.ID), zap.Error(err))
				return
			}
			s.publishCompletion(ctx, job.ID)
		}
	}()

	if _, err := s.runner.Run(ctx, job); err != nil {
		s.logger.Error("runner finished with error",
			zap.String("job_id", job.ID), zap.Error(err))
	}
	s.publishCompletion(ctx, job.ID)
}

func (s *Scheduler) publishCompletion(ctx context.Context, jobID string) {
	if s.publisher == nil || s.cfg.CompletionTopic == "" {
		return
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Warn("load job for completion event",
			zap.String("job_id", jobID), zap.Error(err))
		return
	}
	event := CompletionEvent{
		JobID:         job.ID,
		StartURL:      job.StartURL,
		Status:        job.Status,
		ProcessedURLs: job.ProcessedURLs,
		FoundURLs:     job.FoundURLs,
		FailedURLs:    len(job.FailedURLs),
		Error:         job.Error,
	}
	if job.EndTime != nil {
		event.FinishedAt = *job.EndTime
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.CompletionTopic, event); err != nil {
		s.logger.Warn("publish completion event",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Scheduler) sleep(ctx context.Context) {
	t := time.NewTimer(s.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
