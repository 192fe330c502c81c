package fetcher

import (
	"context"

	"github.com/sitegraph/crawler/internal/crawl"
	"github.com/sitegraph/crawler/internal/fetcher/detector"
)

// Promoting retries plain fetches through the headless browser when the
// response looks like an unrendered client-side shell. Jobs that already
// requested the browser pass through untouched.
type Promoting struct {
	next      crawl.Fetcher
	heuristic *detector.Heuristic
}

// NewPromoting wraps next, which must route UseBrowser requests to a
// headless fetcher.
func NewPromoting(next crawl.Fetcher, heuristic *detector.Heuristic) *Promoting {
	if heuristic == nil {
		heuristic = detector.NewHeuristic(0)
	}
	return &Promoting{next: next, heuristic: heuristic}
}

// Fetch implements crawl.Fetcher. When the browser retry itself fails, the
// plain response is returned so a thin page degrades instead of failing.
func (p *Promoting) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	resp, err := p.next.Fetch(ctx, request)
	if err != nil || request.UseBrowser {
		return resp, err
	}
	if !p.heuristic.NeedsRendering(resp) {
		return resp, nil
	}

	promoted := request
	promoted.UseBrowser = true
	rendered, err := p.next.Fetch(ctx, promoted)
	if err != nil {
		return resp, nil
	}
	return rendered, nil
}
