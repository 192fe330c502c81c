package runner

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sitegraph/crawler/internal/aggregate"
	"github.com/sitegraph/crawler/internal/crawl"
	"github.com/sitegraph/crawler/internal/crawl/frontier"
	"github.com/sitegraph/crawler/internal/policy/scope"
	"github.com/sitegraph/crawler/internal/progress"
)

// processor holds the per-job traversal state shared by the page workers.
type processor struct {
	runner  *Runner
	job     crawl.Job
	policy  *scope.Policy
	front   *frontier.Frontier
	sitemap *aggregate.SitemapCollector
	jar     http.CookieJar
	logger  *zap.Logger

	failures atomic.Int64
}

func (p *processor) hadFailures() bool {
	return p.failures.Load() > 0
}

// process handles one dequeued frontier entry end to end. A fetch failure is
// non-fatal and lands in the job's failed list, except for the start URL
// where it fails the job. A returned error is an internal fault and fails
// the job.
func (p *processor) process(ctx context.Context, entry frontier.Entry, isStart bool) error {
	r := p.runner

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx, entry.URL); err != nil {
			return fmt.Errorf("rate limit %s: %w", entry.URL, err)
		}
	}

	resp, err := r.fetcher.Fetch(ctx, crawl.FetchRequest{
		JobID:         p.job.ID,
		URL:           entry.URL,
		UseBrowser:    p.job.Options.UseBrowser,
		BrowserType:   p.job.Options.BrowserType,
		Jar:           p.jar,
		RespectRobots: p.job.Options.RespectRobots,
	})
	if err != nil {
		if isStart {
			return fmt.Errorf("fetch start url %s: %w", entry.URL, err)
		}
		return p.recordFailure(ctx, entry, err)
	}

	p.archive(ctx, entry.URL, resp.HTML)

	// Extraction runs against the final URL so relative links on redirected
	// pages resolve correctly.
	baseURL := resp.FinalURL
	if baseURL == "" {
		baseURL = entry.URL
	}
	extracted, extractErr := r.extractor.Extract(resp.HTML, baseURL)
	if extractErr != nil {
		// Degraded extraction keeps the page with whatever was recovered.
		p.logger.Warn("extraction degraded",
			zap.String("url", entry.URL), zap.Error(extractErr))
	}

	found := p.enqueueLinks(entry, extracted.Links)

	if p.sitemap != nil {
		p.sitemap.Record(entry.URL, admittedLinks(p.policy, extracted.Links))
	} else {
		if err := p.recordPage(ctx, entry, extracted); err != nil {
			return err
		}
	}

	if err := r.store.AddCounters(ctx, p.job.ID, 1, found); err != nil {
		return fmt.Errorf("update counters for %s: %w", entry.URL, err)
	}

	host, _ := crawl.HostOf(entry.URL)
	r.emitter.Emit(progress.Event{
		JobID:       p.job.ID,
		TS:          r.clock.Now(),
		Stage:       progress.StagePageProcessed,
		Host:        host,
		URL:         entry.URL,
		Depth:       entry.Depth,
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         resp.Duration,
	})
	return nil
}

// recordFailure appends the page to the failed list and counts it as
// processed, preserving the one-increment-per-dequeue invariant.
func (p *processor) recordFailure(ctx context.Context, entry frontier.Entry, cause error) error {
	p.failures.Add(1)

	failure := crawl.FailedURL{URL: entry.URL, Reason: cause.Error()}
	if err := p.runner.store.AppendFailedURL(ctx, p.job.ID, failure); err != nil {
		return fmt.Errorf("append failed url %s: %w", entry.URL, err)
	}
	if err := p.runner.store.AddCounters(ctx, p.job.ID, 1, 0); err != nil {
		return fmt.Errorf("update counters for %s: %w", entry.URL, err)
	}

	host, _ := crawl.HostOf(entry.URL)
	p.runner.emitter.Emit(progress.Event{
		JobID: p.job.ID,
		TS:    p.runner.clock.Now(),
		Stage: progress.StagePageFailed,
		Host:  host,
		URL:   entry.URL,
		Depth: entry.Depth,
		Note:  cause.Error(),
	})
	p.logger.Warn("page fetch failed",
		zap.String("url", entry.URL), zap.Int("depth", entry.Depth), zap.Error(cause))
	return nil
}

// recordPage persists the extracted page. Store errors here are internal
// faults and fail the job.
func (p *processor) recordPage(ctx context.Context, entry frontier.Entry, extracted crawl.ExtractResult) error {
	pageID, err := p.runner.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate page id: %w", err)
	}
	page := crawl.Page{
		ID:              pageID,
		JobID:           p.job.ID,
		URL:             entry.URL,
		ParentURL:       entry.ParentURL,
		Depth:           entry.Depth,
		Title:           extracted.Title,
		Content:         extracted.Text,
		MarkdownContent: extracted.Markdown,
		Metadata:        extracted.Metadata,
		FetchedAt:       p.runner.clock.Now(),
	}
	if err := p.runner.store.RecordPage(ctx, page); err != nil {
		return fmt.Errorf("record page %s: %w", entry.URL, err)
	}
	return nil
}

// enqueueLinks admits outbound links through the scope policy and returns
// how many were newly queued.
func (p *processor) enqueueLinks(entry frontier.Entry, links []crawl.Link) int64 {
	var found int64
	for _, link := range links {
		if !p.policy.Admit(link.Href) {
			continue
		}
		if p.front.Enqueue(link.Href, entry.Depth+1, entry.URL) {
			found++
		}
	}
	return found
}

// archive saves the raw HTML when a blob provider is configured. Archive
// failures are logged and never affect the page outcome.
func (p *processor) archive(ctx context.Context, pageURL, html string) {
	r := p.runner
	if r.blobs == nil {
		return
	}
	digest, err := r.hasher.Hash([]byte(html))
	if err != nil {
		p.logger.Warn("archive hash failed", zap.String("url", pageURL), zap.Error(err))
		return
	}
	objectName := fmt.Sprintf("jobs/%s/%s.html", p.job.ID, digest)
	uri, err := r.blobs.Save(ctx, objectName, []byte(html))
	if err != nil {
		p.logger.Warn("archive save failed", zap.String("url", pageURL), zap.Error(err))
		return
	}
	p.logger.Debug("page archived", zap.String("url", pageURL), zap.String("blob_uri", uri))
}

// admittedLinks filters and normalizes links for the sitemap graph.
func admittedLinks(policy *scope.Policy, links []crawl.Link) []string {
	var out []string
	seen := make(map[string]struct{}, len(links))
	for _, link := range links {
		if !policy.Admit(link.Href) {
			continue
		}
		key, err := crawl.NormalizeURL(link.Href)
		if err != nil {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
