// Package fetcher routes fetch requests to the plain HTTP fetcher or the
// headless browser fetcher based on the job's rendering mode.
package fetcher

import (
	"context"
	"errors"

	"github.com/sitegraph/crawler/internal/crawl"
)

// Selector dispatches each request to the transport its render mode asks
// for. The engine holds a single Fetcher capability and never manages
// browser lifecycle itself.
type Selector struct {
	plain    crawl.Fetcher
	headless crawl.Fetcher
}

// NewSelector builds a Selector. headless may be nil when rendering is
// disabled; requests asking for a browser then fail as fetch errors.
func NewSelector(plain, headless crawl.Fetcher) *Selector {
	return &Selector{plain: plain, headless: headless}
}

// Fetch implements crawl.Fetcher.
func (s *Selector) Fetch(ctx context.Context, request crawl.FetchRequest) (crawl.FetchResponse, error) {
	if request.UseBrowser {
		if s.headless == nil {
			return crawl.FetchResponse{}, errors.New("browser rendering requested but not enabled")
		}
		return s.headless.Fetch(ctx, request)
	}
	if s.plain == nil {
		return crawl.FetchResponse{}, errors.New("no http fetcher configured")
	}
	return s.plain.Fetch(ctx, request)
}
