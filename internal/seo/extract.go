// Package seo turns fetched documents into SEO signals: link extraction,
// page analysis, issue scoring and sitemap discovery.
package seo

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/IshaanNene/seocrawl/internal/types"
	"github.com/IshaanNene/seocrawl/internal/urlnorm"
)

// Links is the outbound link set of one page.
type Links struct {
	Internal []string `json:"internal"`
	External []string `json:"external"`
}

// ignoredSchemes are href schemes that never lead to a crawlable page.
var ignoredSchemes = []string{"javascript:", "mailto:", "tel:", "data:", "sms:", "ftp:"}

// Extract parses an HTML document and returns its links resolved against
// pageURL. Hosts equal up to a leading "www." are internal; subdomains are
// external here even though the frontier admits them from sitemaps and the
// seed, so link discovery never leaves the page's own host. Links are
// deduplicated by normalized form within the page.
func Extract(body []byte, pageURL string) Links {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return Links{}
	}
	return extractLinks(doc, pageURL)
}

func extractLinks(doc *goquery.Document, pageURL string) Links {
	base, err := url.Parse(pageURL)
	if err != nil {
		return Links{}
	}
	baseHost := urlnorm.HostKey(base.Hostname())

	links := Links{Internal: []string{}, External: []string{}}
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		lower := strings.ToLower(href)
		for _, scheme := range ignoredSchemes {
			if strings.HasPrefix(lower, scheme) {
				return
			}
		}

		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs, err := urlnorm.NormalizeURL(base.ResolveReference(ref).String())
		if err != nil || seen[abs] {
			return
		}
		seen[abs] = true

		u, _ := url.Parse(abs)
		if urlnorm.HostKey(u.Hostname()) == baseHost {
			links.Internal = append(links.Internal, abs)
		} else {
			links.External = append(links.External, abs)
		}
	})
	return links
}

// Extractor builds PageRecords from fetch results.
type Extractor struct {
	logger *slog.Logger
	now    func() time.Time
}

// NewExtractor creates a new Extractor.
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{
		logger: logger.With("component", "extractor"),
		now:    time.Now,
	}
}

// Analyze extracts signals from an HTML fetch result and scores them. The
// returned links are the page's outbound links for frontier feedback.
func (e *Extractor) Analyze(res *types.FetchResult, depth int) (*types.PageRecord, Links) {
	pageURL := res.FinalURL
	if pageURL == "" {
		pageURL = res.RequestedURL
	}

	rec := &types.PageRecord{
		URL:            res.RequestedURL,
		FinalURL:       pageURL,
		StatusCode:     res.StatusCode,
		ResponseTimeMs: res.ResponseTimeMs(),
		ContentType:    res.ContentType,
		CrawlDepth:     depth,
		CrawledAt:      e.now(),
		Headings:       []types.Heading{},
		InternalLinks:  []string{},
		ExternalLinks:  []string{},
		Images:         []types.Image{},
		StructuredData: []map[string]any{},
	}

	root, err := html.Parse(bytes.NewReader(res.Body))
	if err != nil {
		e.logger.Warn("html parse failed", "url", pageURL, "error", err)
		rec.Issues = Score(rec)
		return rec, Links{}
	}
	doc := goquery.NewDocumentFromNode(root)
	base, _ := url.Parse(pageURL)

	rec.Title = collapseSpace(doc.Find("title").First().Text())
	rec.MetaDescription = collapseSpace(metaContent(doc, "description"))
	rec.Lang = strings.TrimSpace(doc.Find("html").AttrOr("lang", ""))
	if href, ok := doc.Find(`link[rel="canonical"]`).First().Attr("href"); ok {
		rec.Canonical = resolve(base, href)
	}
	rec.MetaRobots = metaRobots(root)

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, sel *goquery.Selection) {
		level := int(goquery.NodeName(sel)[1] - '0')
		rec.Headings = append(rec.Headings, types.Heading{Level: level, Text: collapseSpace(sel.Text())})
	})

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src := sel.AttrOr("src", sel.AttrOr("data-src", ""))
		alt, hasAlt := sel.Attr("alt")
		alt = strings.TrimSpace(alt)
		rec.Images = append(rec.Images, types.Image{
			Src:    resolve(base, src),
			Alt:    alt,
			HasAlt: hasAlt && alt != "",
		})
	})

	rec.StructuredData = e.jsonLD(root, pageURL)

	text := visibleText(doc)
	rec.WordCount = len(strings.Fields(text))
	sum := sha256.Sum256([]byte(text))
	rec.ContentHash = hex.EncodeToString(sum[:])

	links := extractLinks(doc, pageURL)
	rec.InternalLinks = links.Internal
	rec.ExternalLinks = links.External

	rec.Issues = Score(rec)
	return rec, links
}

// jsonLD decodes every application/ld+json block. Arrays are flattened and
// malformed blocks are skipped.
func (e *Extractor) jsonLD(root *html.Node, pageURL string) []map[string]any {
	out := []map[string]any{}
	nodes, err := htmlquery.QueryAll(root, `//script[@type="application/ld+json"]`)
	if err != nil {
		return out
	}
	for _, n := range nodes {
		raw := strings.TrimSpace(htmlquery.InnerText(n))
		if raw == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err == nil {
			out = append(out, obj)
			continue
		}
		var arr []map[string]any
		if err := json.Unmarshal([]byte(raw), &arr); err == nil {
			out = append(out, arr...)
			continue
		}
		e.logger.Debug("malformed json-ld", "url", pageURL)
	}
	return out
}

// metaRobots returns the robots meta directives, lowercased. A
// googlebot-specific tag is used when no generic one exists.
func metaRobots(root *html.Node) string {
	for _, name := range []string{"robots", "googlebot"} {
		expr := `//meta[translate(@name,"ABCDEFGHIJKLMNOPQRSTUVWXYZ","abcdefghijklmnopqrstuvwxyz")="` + name + `"]`
		if n := htmlquery.FindOne(root, expr); n != nil {
			return strings.ToLower(strings.TrimSpace(htmlquery.SelectAttr(n, "content")))
		}
	}
	return ""
}

// visibleText returns body text with scripts and styles removed and
// whitespace collapsed.
func visibleText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	if body.Length() == 0 {
		return ""
	}
	body.Find("script, style, noscript, template, svg").Remove()
	return collapseSpace(body.Text())
}

func metaContent(doc *goquery.Document, name string) string {
	var content string
	doc.Find("meta[name]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if strings.EqualFold(sel.AttrOr("name", ""), name) {
			content = sel.AttrOr("content", "")
			return false
		}
		return true
	})
	return content
}

func resolve(base *url.URL, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || base == nil {
		return ref
	}
	u, err := base.Parse(ref)
	if err != nil {
		return ref
	}
	return u.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
