package aggregate

import (
	"sort"
	"sync"

	"github.com/sitegraph/crawler/internal/crawl"
)

// SitemapCollector accumulates (url, discoveredLinks) edges while a
// sitemap-mode job runs. It is safe for concurrent page processors.
type SitemapCollector struct {
	mu      sync.Mutex
	rootURL string
	edges   map[string][]string
	order   []string
}

// NewSitemapCollector creates a collector rooted at the job's start URL.
func NewSitemapCollector(rootURL string) *SitemapCollector {
	return &SitemapCollector{
		rootURL: rootURL,
		edges:   make(map[string][]string),
	}
}

// Record stores the admitted outbound links of one visited page. Calling it
// again for the same URL is a no-op; the frontier guarantees a page is
// processed once, so a second call indicates a caller bug rather than data.
func (c *SitemapCollector) Record(pageURL string, links []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.edges[pageURL]; ok {
		return
	}
	c.edges[pageURL] = append([]string(nil), links...)
	c.order = append(c.order, pageURL)
}

// Sitemap serializes the collected graph. Entries appear in first-visit
// order; links within an entry are sorted for stable output.
func (c *SitemapCollector) Sitemap() *crawl.Sitemap {
	c.mu.Lock()
	defer c.mu.Unlock()
	sm := &crawl.Sitemap{RootURL: c.rootURL}
	for _, u := range c.order {
		links := append([]string(nil), c.edges[u]...)
		sort.Strings(links)
		sm.Entries = append(sm.Entries, crawl.SitemapEntry{URL: u, Links: links})
	}
	return sm
}
