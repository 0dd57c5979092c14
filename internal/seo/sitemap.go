package seo

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/IshaanNene/seocrawl/internal/config"
)

// DefaultSitemapPaths are tried when robots.txt declares no sitemap.
var DefaultSitemapPaths = []string{"/sitemap.xml", "/sitemap_index.xml"}

// SitemapURL is one <url> entry. Priority is -1 when the entry declares none.
type SitemapURL struct {
	Loc        string  `json:"loc"`
	LastMod    string  `json:"lastmod,omitempty"`
	ChangeFreq string  `json:"changefreq,omitempty"`
	Priority   float64 `json:"priority"`
	Sitemap    string  `json:"sitemap"`
}

// SitemapError is a non-fatal failure for one sitemap document.
type SitemapError struct {
	URL string `json:"url"`
	Err string `json:"error"`
}

// SitemapResult is the outcome of ParseAll.
type SitemapResult struct {
	URLs         []SitemapURL   `json:"urls"`
	SitemapCount int            `json:"sitemap_count"`
	Errors       []SitemapError `json:"errors,omitempty"`
}

// SitemapDocument covers both <urlset> and <sitemapindex> roots.
type SitemapDocument struct {
	XMLName  xml.Name
	URLs     []sitemapURLEntry `xml:"url"`
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

type sitemapURLEntry struct {
	Loc        string `xml:"loc"`
	LastMod    string `xml:"lastmod"`
	ChangeFreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

// SitemapCrawler fetches and parses sitemaps.
type SitemapCrawler struct {
	client    *http.Client
	cfg       config.SitemapConfig
	userAgent string
	logger    *slog.Logger
}

// NewSitemapCrawler creates a new sitemap crawler. A nil client gets one
// with the configured timeout and no cookie jar.
func NewSitemapCrawler(client *http.Client, cfg config.SitemapConfig, userAgent string, logger *slog.Logger) *SitemapCrawler {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxSitemaps <= 0 {
		cfg.MaxSitemaps = 50
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 50 * 1024 * 1024
	}
	return &SitemapCrawler{
		client:    client,
		cfg:       cfg,
		userAgent: userAgent,
		logger:    logger.With("component", "sitemap_crawler"),
	}
}

// DiscoverSitemapLocations returns the sitemaps declared in robots.txt, or
// the well-known default locations on origin when none are declared.
func DiscoverSitemapLocations(origin string, declared []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, loc := range declared {
		loc = strings.TrimSpace(loc)
		if loc == "" || seen[loc] {
			continue
		}
		seen[loc] = true
		out = append(out, loc)
	}
	if len(out) > 0 {
		return out
	}
	origin = strings.TrimSuffix(origin, "/")
	for _, p := range DefaultSitemapPaths {
		out = append(out, origin+p)
	}
	return out
}

// ParseAll expands the given sitemaps breadth-first. Index entries are
// queued for expansion, each sitemap is processed at most once and at most
// MaxSitemaps documents are fetched. URL entries are deduplicated by loc.
// A failing sitemap is recorded in Errors and does not stop discovery.
func (sc *SitemapCrawler) ParseAll(ctx context.Context, locations []string) *SitemapResult {
	result := &SitemapResult{}
	processed := make(map[string]bool)
	seenLocs := make(map[string]bool)
	queue := append([]string(nil), locations...)

	for len(queue) > 0 {
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, SitemapError{Err: ctx.Err().Error()})
			break
		}
		if result.SitemapCount >= sc.cfg.MaxSitemaps {
			sc.logger.Warn("sitemap cap reached", "max_sitemaps", sc.cfg.MaxSitemaps, "remaining", len(queue))
			break
		}

		loc := queue[0]
		queue = queue[1:]
		if processed[loc] {
			continue
		}
		processed[loc] = true
		result.SitemapCount++

		doc, err := sc.fetch(ctx, loc)
		if err != nil {
			sc.logger.Warn("sitemap error", "url", loc, "error", err)
			result.Errors = append(result.Errors, SitemapError{URL: loc, Err: err.Error()})
			continue
		}

		for _, sub := range doc.Sitemaps {
			if next := resolveLoc(loc, sub.Loc); next != "" && !processed[next] {
				queue = append(queue, next)
			}
		}
		for _, u := range doc.URLs {
			abs := resolveLoc(loc, u.Loc)
			if abs == "" || seenLocs[abs] {
				continue
			}
			if sc.cfg.MaxURLs > 0 && len(result.URLs) >= sc.cfg.MaxURLs {
				break
			}
			seenLocs[abs] = true
			result.URLs = append(result.URLs, SitemapURL{
				Loc:        abs,
				LastMod:    strings.TrimSpace(u.LastMod),
				ChangeFreq: strings.TrimSpace(u.ChangeFreq),
				Priority:   parsePriority(u.Priority),
				Sitemap:    loc,
			})
		}
	}

	sc.logger.Info("sitemaps parsed",
		"sitemaps", result.SitemapCount,
		"urls", len(result.URLs),
		"errors", len(result.Errors),
	)
	return result
}

// fetch downloads and decodes one sitemap document.
func (sc *SitemapCrawler) fetch(ctx context.Context, loc string) (*SitemapDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc, nil)
	if err != nil {
		return nil, err
	}
	if sc.userAgent != "" {
		req.Header.Set("User-Agent", sc.userAgent)
	}
	req.Header.Set("Accept", "application/xml,text/xml;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, sc.cfg.MaxSize))
	if err != nil {
		return nil, fmt.Errorf("read sitemap: %w", err)
	}
	if isGzip(body) {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gunzip sitemap: %w", err)
		}
		body, err = io.ReadAll(io.LimitReader(zr, sc.cfg.MaxSize))
		zr.Close()
		if err != nil {
			return nil, fmt.Errorf("gunzip sitemap: %w", err)
		}
	}

	doc, err := ParseSitemap(body)
	if err != nil {
		return nil, err
	}
	sc.logger.Debug("sitemap fetched",
		"url", loc,
		"kind", doc.XMLName.Local,
		"urls", len(doc.URLs),
		"sitemaps", len(doc.Sitemaps),
		"duration", time.Since(start),
	)
	return doc, nil
}

// ParseSitemap decodes a <urlset> or <sitemapindex> document.
func ParseSitemap(body []byte) (*SitemapDocument, error) {
	var doc SitemapDocument
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = false
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	switch doc.XMLName.Local {
	case "urlset", "sitemapindex":
		return &doc, nil
	default:
		return nil, fmt.Errorf("parse sitemap: unexpected root element <%s>", doc.XMLName.Local)
	}
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

// resolveLoc makes loc absolute against the sitemap that listed it.
func resolveLoc(base, loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	u, err := b.Parse(loc)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return u.String()
}

func parsePriority(s string) float64 {
	p, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || p < 0 || p > 1 {
		return -1
	}
	return p
}
