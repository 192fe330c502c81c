// Package detector decides when a fetched page needs browser rendering.
package detector

import (
	"strings"

	"github.com/sitegraph/crawler/internal/crawl"
)

// DefaultThinBodyBytes is the body size under which heavy script coverage
// suggests a client-rendered shell.
const DefaultThinBodyBytes = 2048

// scriptCoveragePct is the share of the document occupied by script tags
// above which a thin page is treated as client-rendered.
const scriptCoveragePct = 25

// Heuristic flags HTML that looks like an empty client-side-rendered shell,
// so the fetch can be retried through the headless browser.
type Heuristic struct {
	thinBodyBytes int
}

// NewHeuristic builds a Heuristic. A zero threshold selects the default.
func NewHeuristic(thinBodyBytes int) *Heuristic {
	if thinBodyBytes <= 0 {
		thinBodyBytes = DefaultThinBodyBytes
	}
	return &Heuristic{thinBodyBytes: thinBodyBytes}
}

var spaMarkers = []string{
	"__next",
	`id="root"`,
	`id="app"`,
	"data-reactroot",
}

// NeedsRendering reports whether the response body looks like it requires
// JavaScript execution to produce real content.
func (h *Heuristic) NeedsRendering(resp crawl.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	if len(resp.HTML) == 0 {
		return true
	}
	if len(resp.HTML) < h.thinBodyBytes && scriptHeavy(resp.HTML) {
		return true
	}
	lower := strings.ToLower(resp.HTML)
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether script tags cover at least
// scriptCoveragePct percent of the document.
func scriptHeavy(html string) bool {
	lower := strings.ToLower(html)
	total := len(lower)
	if total == 0 {
		return false
	}

	covered := 0
	pos := 0
	for {
		start := strings.Index(lower[pos:], "<script")
		if start == -1 {
			break
		}
		start += pos

		tagEnd := strings.IndexByte(lower[start:], '>')
		if tagEnd == -1 {
			// Malformed open tag; count the remainder as script.
			covered += total - start
			break
		}

		end := strings.Index(lower[start+tagEnd+1:], "</script>")
		if end == -1 {
			covered += total - start
			break
		}
		next := start + tagEnd + 1 + end + len("</script>")
		covered += next - start
		pos = next
	}

	return covered*100 >= total*scriptCoveragePct
}
