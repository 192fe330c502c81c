// Package runner executes one claimed crawl job to its terminal status:
// breadth-first traversal from the start URL through the frontier, per-page
// fetch/extract/record, and the final state transition.
package runner

import (
	"context"
	"fmt"
	"net/http/cookiejar"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"github.com/sitegraph/crawler/internal/aggregate"
	"github.com/sitegraph/crawler/internal/crawl"
	"github.com/sitegraph/crawler/internal/crawl/frontier"
	"github.com/sitegraph/crawler/internal/policy/ratelimit"
	"github.com/sitegraph/crawler/internal/policy/scope"
	"github.com/sitegraph/crawler/internal/progress"
)

const defaultPageWorkers = 4

// Options carries the collaborators a Runner needs. Store, Fetcher,
// Extractor, IDs, and Clock are required; the rest are optional.
type Options struct {
	Store     crawl.JobStore
	Fetcher   crawl.Fetcher
	Extractor crawl.Extractor
	// Blobs enables raw-HTML archiving when non-nil; Hasher names the
	// archived objects.
	Blobs   crawl.BlobProvider
	Hasher  crawl.Hasher
	Limiter *ratelimit.Limiter
	IDs     crawl.IDGenerator
	Clock   crawl.Clock
	Emitter progress.Emitter
	Logger  *zap.Logger
	// PageWorkers bounds concurrent page fetches within one job.
	PageWorkers int
}

// Runner drives one job at a time. A single Runner may be reused for
// sequential jobs; the scheduler creates one per engine instance.
type Runner struct {
	store     crawl.JobStore
	fetcher   crawl.Fetcher
	extractor crawl.Extractor
	blobs     crawl.BlobProvider
	hasher    crawl.Hasher
	limiter   *ratelimit.Limiter
	ids       crawl.IDGenerator
	clock     crawl.Clock
	emitter   progress.Emitter
	logger    *zap.Logger
	workers   int
}

// New validates the options and builds a Runner.
func New(opts Options) (*Runner, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if opts.Extractor == nil {
		return nil, fmt.Errorf("extractor is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if opts.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if opts.Blobs != nil && opts.Hasher == nil {
		return nil, fmt.Errorf("hasher is required when archiving is enabled")
	}
	if opts.Emitter == nil {
		opts.Emitter = progress.NopEmitter{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.PageWorkers <= 0 {
		opts.PageWorkers = defaultPageWorkers
	}
	return &Runner{
		store:     opts.Store,
		fetcher:   opts.Fetcher,
		extractor: opts.Extractor,
		blobs:     opts.Blobs,
		hasher:    opts.Hasher,
		limiter:   opts.Limiter,
		ids:       opts.IDs,
		clock:     opts.Clock,
		emitter:   opts.Emitter,
		logger:    opts.Logger,
		workers:   opts.PageWorkers,
	}, nil
}

// Run executes a claimed job to completion and records its terminal status.
// The returned status mirrors what was stored; the error is non-nil only for
// store failures that kept the terminal transition itself from landing.
func (r *Runner) Run(ctx context.Context, job crawl.Job) (crawl.JobStatus, error) {
	logger := r.logger.With(zap.String("job_id", job.ID), zap.String("start_url", job.StartURL))
	started := r.clock.Now()
	r.emitter.Emit(progress.Event{JobID: job.ID, TS: started, Stage: progress.StageJobStart})

	status, runErr := r.crawl(ctx, job, logger)

	errText := ""
	if runErr != nil {
		errText = runErr.Error()
		logger.Error("crawl job failed", zap.Error(runErr))
	}
	if err := r.store.FinishJob(ctx, job.ID, status, errText); err != nil {
		return crawl.JobStatusFailed, fmt.Errorf("finish job %s: %w", job.ID, err)
	}

	finished := r.clock.Now()
	r.emitter.Emit(progress.Event{
		JobID:  job.ID,
		TS:     finished,
		Stage:  progress.StageJobFinished,
		Result: status,
		Dur:    finished.Sub(started),
		Note:   errText,
	})
	logger.Info("crawl job finished",
		zap.String("status", string(status)),
		zap.Duration("runtime", finished.Sub(started)))
	return status, nil
}

// crawl runs the traversal and picks the terminal status. It never writes
// the terminal transition itself; Run does that exactly once.
func (r *Runner) crawl(ctx context.Context, job crawl.Job, logger *zap.Logger) (crawl.JobStatus, error) {
	policy, err := scope.New(job.StartURL, job.Options)
	if err != nil {
		return crawl.JobStatusFailed, fmt.Errorf("build scope policy: %w", err)
	}

	front := frontier.New(job.Options.MaxDepth)
	if !front.Enqueue(job.StartURL, 0, "") {
		return crawl.JobStatusFailed, fmt.Errorf("start url %q is not crawlable", job.StartURL)
	}

	proc := &processor{
		runner:  r,
		job:     job,
		policy:  policy,
		front:   front,
		logger:  logger,
		sitemap: nil,
	}
	if job.Options.Mode == crawl.ModeSitemap {
		startKey, err := crawl.NormalizeURL(job.StartURL)
		if err != nil {
			return crawl.JobStatusFailed, fmt.Errorf("normalize start url: %w", err)
		}
		proc.sitemap = aggregate.NewSitemapCollector(startKey)
	}
	if job.Options.UseCookies {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return crawl.JobStatusFailed, fmt.Errorf("create cookie jar: %w", err)
		}
		proc.jar = jar
	}

	// The start URL is processed synchronously: its fetch failure fails the
	// whole job, and nothing can be in flight alongside it anyway.
	startEntry, _ := front.Dequeue()
	if err := proc.process(ctx, startEntry, true); err != nil {
		return crawl.JobStatusFailed, err
	}

	cancelled, fatal := r.dispatch(ctx, proc)
	if fatal != nil {
		return crawl.JobStatusFailed, fatal
	}
	if proc.sitemap != nil {
		if err := r.store.SetSitemap(ctx, job.ID, proc.sitemap.Sitemap()); err != nil {
			return crawl.JobStatusFailed, fmt.Errorf("store sitemap: %w", err)
		}
	}
	switch {
	case cancelled:
		return crawl.JobStatusCancelled, nil
	case proc.hadFailures():
		return crawl.JobStatusCompletedWithErrors, nil
	default:
		return crawl.JobStatusCompleted, nil
	}
}

// dispatch drains the frontier with a bounded worker pool. The cancel flag
// is checked before every dequeue, so a cancelled job stops claiming new
// pages while in-flight ones finish.
func (r *Runner) dispatch(ctx context.Context, proc *processor) (cancelled bool, fatal error) {
	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstFatal error
	recordFatal := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstFatal == nil {
			firstFatal = err
		}
	}
	loadFatal := func() error {
		mu.Lock()
		defer mu.Unlock()
		return firstFatal
	}

	for {
		// Take a worker slot before the cancel checkpoint so the flag is
		// observed between pages, never while one is mid-flight on the
		// same slot.
		sem <- struct{}{}

		if err := ctx.Err(); err != nil {
			<-sem
			wg.Wait()
			return false, fmt.Errorf("crawl interrupted: %w", err)
		}
		if err := loadFatal(); err != nil {
			<-sem
			wg.Wait()
			return false, err
		}

		flagged, err := r.store.CancelRequested(ctx, proc.job.ID)
		if err != nil {
			<-sem
			wg.Wait()
			return false, fmt.Errorf("read cancel flag: %w", err)
		}
		if flagged {
			<-sem
			wg.Wait()
			return true, loadFatal()
		}

		entry, ok := proc.front.Dequeue()
		if !ok {
			// Workers still in flight may enqueue more; wait and recheck.
			<-sem
			wg.Wait()
			if err := loadFatal(); err != nil {
				return false, err
			}
			if proc.front.IsEmpty() {
				return false, nil
			}
			continue
		}

		wg.Add(1)
		go func(entry frontier.Entry) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := proc.process(ctx, entry, false); err != nil {
				recordFatal(err)
			}
		}(entry)
	}
}
