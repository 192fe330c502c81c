// Package aggregate builds the two crawl outputs: the parent/child page
// tree for content mode and the structural sitemap graph for sitemap mode.
package aggregate

import (
	"sort"

	"github.com/sitegraph/crawler/internal/crawl"
)

// BuildTree assembles the content-mode result: a tree over the job's pages
// keyed by parent URL, rooted at the start URL. Pages whose parent does not
// resolve to any visited page are attached directly under the root instead
// of being dropped, so the result is always one connected structure.
func BuildTree(startURL string, pages []crawl.Page) *crawl.PageNode {
	rootKey := nodeKey(startURL)
	nodes := make(map[string]*crawl.PageNode, len(pages)+1)

	root := &crawl.PageNode{URL: rootKey}
	nodes[rootKey] = root

	for _, p := range pages {
		key := nodeKey(p.URL)
		if n, ok := nodes[key]; ok {
			if n.Title == "" {
				n.Title = p.Title
			}
			continue
		}
		nodes[key] = &crawl.PageNode{URL: key, Title: p.Title}
	}

	var orphans []*crawl.PageNode
	for _, p := range pages {
		key := nodeKey(p.URL)
		if key == rootKey {
			continue
		}
		node := nodes[key]
		parent, ok := nodes[nodeKey(p.ParentURL)]
		if !ok || p.ParentURL == "" {
			orphans = append(orphans, node)
			continue
		}
		parent.Children = append(parent.Children, node)
	}
	root.Children = append(root.Children, orphans...)

	sortChildren(root, make(map[*crawl.PageNode]bool))
	return root
}

func nodeKey(rawURL string) string {
	if normalized, err := crawl.NormalizeURL(rawURL); err == nil {
		return normalized
	}
	return rawURL
}

// sortChildren makes sibling order deterministic for API responses and
// tests; discovery order across concurrent workers is not stable.
func sortChildren(n *crawl.PageNode, seen map[*crawl.PageNode]bool) {
	if seen[n] {
		return
	}
	seen[n] = true
	sort.Slice(n.Children, func(i, j int) bool {
		return n.Children[i].URL < n.Children[j].URL
	})
	for _, c := range n.Children {
		sortChildren(c, seen)
	}
}
