// Package crawl defines the core types and interfaces for the crawl job
// engine: jobs, pages, fetch/extract contracts, and the job state machine.
package crawl

import (
	"fmt"
	"net/http"
	"regexp"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store. The four right-hand states
// of the machine (completed, completed_with_errors, failed, cancelled) are
// terminal; no transition ever leaves them.
const (
	JobStatusPending             JobStatus = "pending"
	JobStatusInProgress          JobStatus = "in_progress"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition can leave the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// DomainScope restricts which hosts a crawl may follow links into, relative
// to the start URL's host.
type DomainScope string

// Supported domain-scope modes.
const (
	ScopeStrict           DomainScope = "strict"
	ScopeParent           DomainScope = "parent"
	ScopeSubdomains       DomainScope = "subdomains"
	ScopeParentSubdomains DomainScope = "parent_subdomains"
	ScopeNone             DomainScope = "none"
)

// Mode selects which crawl output is produced.
type Mode string

// Supported crawl modes. Content mode keeps extracted page bodies and builds
// a parent/child tree; sitemap mode discards bodies and records only the
// link graph.
const (
	ModeContent Mode = "content"
	ModeSitemap Mode = "sitemap"
)

// BrowserType selects the device profile for headless rendering.
type BrowserType string

// Supported browser emulation profiles.
const (
	BrowserDesktop BrowserType = "desktop"
	BrowserMobile  BrowserType = "mobile"
)

// UnboundedDepth disables the hop-count bound when used as MaxDepth.
const UnboundedDepth = -1

// JobOptions is the immutable options snapshot captured at job creation.
// Patterns are validated (compiled) once here and never re-parsed during
// traversal.
type JobOptions struct {
	// MaxDepth bounds the hop count from the start URL. Zero crawls only
	// the start URL itself; UnboundedDepth removes the bound.
	MaxDepth        int         `json:"max_depth"`
	DomainScope     DomainScope `json:"domain_scope"`
	Mode            Mode        `json:"mode"`
	UseBrowser      bool        `json:"use_browser"`
	BrowserType     BrowserType `json:"browser_type"`
	UseCookies      bool        `json:"use_cookies"`
	RespectRobots   bool        `json:"respect_robots"`
	IncludePatterns []string    `json:"include_patterns,omitempty"`
	ExcludePatterns []string    `json:"exclude_patterns,omitempty"`
}

// Validate normalizes defaults and rejects options the engine cannot honor.
func (o *JobOptions) Validate() error {
	if o.MaxDepth < UnboundedDepth {
		return fmt.Errorf("max_depth must be >= 0 or %d for unbounded", UnboundedDepth)
	}
	if o.DomainScope == "" {
		o.DomainScope = ScopeStrict
	}
	switch o.DomainScope {
	case ScopeStrict, ScopeParent, ScopeSubdomains, ScopeParentSubdomains, ScopeNone:
	default:
		return fmt.Errorf("unknown domain scope %q", o.DomainScope)
	}
	if o.Mode == "" {
		o.Mode = ModeContent
	}
	switch o.Mode {
	case ModeContent, ModeSitemap:
	default:
		return fmt.Errorf("unknown mode %q", o.Mode)
	}
	if o.BrowserType == "" {
		o.BrowserType = BrowserDesktop
	}
	switch o.BrowserType {
	case BrowserDesktop, BrowserMobile:
	default:
		return fmt.Errorf("unknown browser type %q", o.BrowserType)
	}
	for _, p := range append(append([]string(nil), o.IncludePatterns...), o.ExcludePatterns...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("invalid url pattern %q: %w", p, err)
		}
	}
	return nil
}

// FailedURL records one non-fatal per-page failure. The failed list is
// append-only for the lifetime of a job.
type FailedURL struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// Job represents one crawl request and its running state. It is mutated
// exclusively by the single runner that claimed it.
type Job struct {
	ID              string      `json:"id"`
	StartURL        string      `json:"start_url"`
	Status          JobStatus   `json:"status"`
	Options         JobOptions  `json:"options"`
	ProcessedURLs   int64       `json:"processed_urls"`
	FoundURLs       int64       `json:"found_urls"`
	FailedURLs      []FailedURL `json:"failed_urls,omitempty"`
	Submitted       time.Time   `json:"submitted_at"`
	StartTime       *time.Time  `json:"start_time,omitempty"`
	EndTime         *time.Time  `json:"end_time,omitempty"`
	Error           string      `json:"error,omitempty"`
	Sitemap         *Sitemap    `json:"sitemap,omitempty"`
	CancelRequested bool        `json:"cancel_requested,omitempty"`
}

// Page is one fetched, extracted page belonging to a job. Exactly one row
// exists per distinct normalized URL per job; the frontier's visited set
// enforces this ahead of any database constraint.
type Page struct {
	ID              string            `json:"id"`
	JobID           string            `json:"crawl_job_id"`
	URL             string            `json:"url"`
	ParentURL       string            `json:"parent_url,omitempty"`
	Depth           int               `json:"depth"`
	Title           string            `json:"title,omitempty"`
	Content         string            `json:"content,omitempty"`
	MarkdownContent string            `json:"markdown_content,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	FetchedAt       time.Time         `json:"fetched_at"`
}

// Sitemap is the structural graph produced in sitemap mode: one entry per
// visited page with the outbound links that passed scope admission.
type Sitemap struct {
	RootURL string         `json:"root_url"`
	Entries []SitemapEntry `json:"entries"`
}

// SitemapEntry is a single (url, discoveredLinks) edge set.
type SitemapEntry struct {
	URL   string   `json:"url"`
	Links []string `json:"links,omitempty"`
}

// PageNode is one node of the content-mode result tree.
type PageNode struct {
	URL      string      `json:"url"`
	Title    string      `json:"title,omitempty"`
	Children []*PageNode `json:"children,omitempty"`
}

// FetchRequest captures everything needed to fetch a single URL.
type FetchRequest struct {
	JobID       string
	URL         string
	UseBrowser  bool
	BrowserType BrowserType
	// Jar carries the per-job cookie context; nil when cookies are
	// disabled for the job.
	Jar http.CookieJar
	// RespectRobots toggles robots.txt enforcement for plain HTTP fetches.
	RespectRobots bool
}

// FetchResponse is the result of a successful fetch. Network failures,
// timeouts, and non-2xx statuses are returned as errors, never encoded here.
type FetchResponse struct {
	HTML       string
	FinalURL   string
	StatusCode int
	Duration   time.Duration
}

// Link is one outbound anchor extracted from a page.
type Link struct {
	Href string `json:"href"`
	Text string `json:"text,omitempty"`
}

// ExtractResult is the best-effort output of the content extractor. Fields
// are empty when extraction degrades; degradation never fails a page.
type ExtractResult struct {
	Title    string
	Text     string
	Markdown string
	Metadata map[string]string
	Links    []Link
}

// Result is returned by the API result endpoint once a job is terminal.
type Result struct {
	Job   Job       `json:"job"`
	Tree  *PageNode `json:"tree,omitempty"`
	Pages []Page    `json:"pages,omitempty"`
}
