package headless

import (
	"context"
	"errors"

	"github.com/sitegraph/crawler/internal/crawl"
)

// Noop is a stand-in for environments without a browser. Every fetch fails
// with a plain fetch error.
type Noop struct{}

// NewNoop creates a Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(context.Context, crawl.FetchRequest) (crawl.FetchResponse, error) {
	return crawl.FetchResponse{}, errors.New("headless rendering is disabled")
}
