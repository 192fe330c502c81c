// Package extract parses fetched HTML into the fields the engine persists:
// title, main text, markdown, metadata, and outbound links.
package extract

import (
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"

	"github.com/sitegraph/crawler/internal/crawl"
)

// Extractor implements crawl.Extractor using goquery for parsing and
// html-to-markdown for the markdown rendition. Extraction is best-effort:
// a returned error downgrades the page to a partial record, it never fails
// the page.
type Extractor struct {
	converter *md.Converter
}

// New builds an Extractor.
func New() *Extractor {
	conv := md.NewConverter("", true, nil)
	return &Extractor{converter: conv}
}

// Extract parses the document and resolves every anchor href against
// baseURL. Malformed HTML never panics; goquery parses what it can and the
// rest comes back empty.
func (e *Extractor) Extract(html string, baseURL string) (crawl.ExtractResult, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return crawl.ExtractResult{}, fmt.Errorf("parse html: %w", err)
	}

	base, baseErr := url.Parse(baseURL)

	result := crawl.ExtractResult{
		Title:    strings.TrimSpace(doc.Find("title").First().Text()),
		Metadata: extractMeta(doc),
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		if base != nil && baseErr == nil {
			resolved, err := base.Parse(href)
			if err != nil {
				return
			}
			href = resolved.String()
		}
		result.Links = append(result.Links, crawl.Link{
			Href: href,
			Text: strings.TrimSpace(s.Text()),
		})
	})

	// Text and markdown come from a copy with boilerplate removed so the
	// link pass above still sees the full document.
	doc.Find("script, style, noscript").Remove()
	body := doc.Find("body")
	result.Text = collapseWhitespace(body.Text())

	markdown, err := e.converter.ConvertString(html)
	if err != nil {
		// Degradation: keep what we have, report the miss upstream.
		return result, fmt.Errorf("convert markdown: %w", err)
	}
	result.Markdown = strings.TrimSpace(markdown)
	return result, nil
}

func extractMeta(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	doc.Find("meta").Each(func(_ int, s *goquery.Selection) {
		content, ok := s.Attr("content")
		if !ok || content == "" {
			return
		}
		key, _ := s.Attr("name")
		if property, ok := s.Attr("property"); ok && property != "" {
			key = property
		}
		if key != "" {
			meta[key] = content
		}
	})
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
