// Package scope implements the admission policy deciding which candidate
// URLs a crawl is allowed to follow, relative to its start URL.
package scope

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/sitegraph/crawler/internal/crawl"
)

// Policy is a pure admit/reject decision over candidate URLs. It carries no
// mutable state and is safe for concurrent use.
type Policy struct {
	startHost string
	// registrable is the eTLD+1 of the start host; parent scope never
	// admits anything shorter than it.
	registrable string
	domainScope crawl.DomainScope
	include     []*regexp.Regexp
	exclude     []*regexp.Regexp
}

// New compiles a Policy from the job's start URL and options. Patterns are
// compiled exactly once; traversal never re-parses them.
func New(startURL string, opts crawl.JobOptions) (*Policy, error) {
	host, err := crawl.HostOf(startURL)
	if err != nil {
		return nil, fmt.Errorf("scope start url: %w", err)
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		// Hosts without a public suffix (localhost, bare IPs) fall back
		// to the host itself.
		registrable = host
	}
	p := &Policy{
		startHost:   host,
		registrable: strings.ToLower(registrable),
		domainScope: opts.DomainScope,
	}
	for _, raw := range opts.IncludePatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile include pattern %q: %w", raw, err)
		}
		p.include = append(p.include, re)
	}
	for _, raw := range opts.ExcludePatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", raw, err)
		}
		p.exclude = append(p.exclude, re)
	}
	return p, nil
}

// Admit reports whether the candidate URL may be enqueued. Rejections are
// silent: a rejected link is not a page failure.
func (p *Policy) Admit(candidate string) bool {
	u, err := url.Parse(candidate)
	if err != nil || !u.IsAbs() {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	if !p.hostAllowed(host) {
		return false
	}
	for _, re := range p.exclude {
		if re.MatchString(candidate) {
			return false
		}
	}
	if len(p.include) > 0 {
		for _, re := range p.include {
			if re.MatchString(candidate) {
				return true
			}
		}
		return false
	}
	return true
}

func (p *Policy) hostAllowed(host string) bool {
	switch p.domainScope {
	case crawl.ScopeNone:
		return true
	case crawl.ScopeStrict:
		return host == p.startHost
	case crawl.ScopeParent:
		return host == p.startHost || p.isParent(host)
	case crawl.ScopeSubdomains:
		return host == p.startHost || isSubdomain(host, p.startHost)
	case crawl.ScopeParentSubdomains:
		return host == p.startHost || p.isParent(host) || isSubdomain(host, p.startHost)
	default:
		return host == p.startHost
	}
}

// isParent reports whether the start host is a subdomain of the candidate
// host, with the candidate no shorter than the registrable domain. It keeps
// parent scope from walking up into bare public suffixes.
func (p *Policy) isParent(host string) bool {
	if !isSubdomain(p.startHost, host) {
		return false
	}
	return host == p.registrable || isSubdomain(host, p.registrable)
}

func isSubdomain(host, parent string) bool {
	return strings.HasSuffix(host, "."+parent)
}
