package types

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Severity ranks an SEO issue.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Issue is a single finding produced by signal scoring.
type Issue struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Category string   `json:"category"`
	Message  string   `json:"message"`
}

// Heading is one h1-h6 element.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// Image is one img element.
type Image struct {
	Src    string `json:"src"`
	Alt    string `json:"alt,omitempty"`
	HasAlt bool   `json:"has_alt"`
}

// PageRecord holds the SEO signals extracted from one fetched page.
// Re-crawls produce new records; a record is never mutated after creation.
type PageRecord struct {
	TenantID        string           `json:"tenant_id,omitempty"      bson:"tenant_id,omitempty"`
	JobID           string           `json:"job_id,omitempty"         bson:"job_id,omitempty"`
	URL             string           `json:"url"                      bson:"url"`
	FinalURL        string           `json:"final_url,omitempty"      bson:"final_url,omitempty"`
	StatusCode      int              `json:"status_code"              bson:"status_code"`
	ResponseTimeMs  int64            `json:"response_time_ms"         bson:"response_time_ms"`
	ContentType     string           `json:"content_type,omitempty"   bson:"content_type,omitempty"`
	Title           string           `json:"title"                    bson:"title"`
	MetaDescription string           `json:"meta_description"         bson:"meta_description"`
	Canonical       string           `json:"canonical,omitempty"      bson:"canonical,omitempty"`
	MetaRobots      string           `json:"meta_robots,omitempty"    bson:"meta_robots,omitempty"`
	Lang            string           `json:"lang,omitempty"           bson:"lang,omitempty"`
	Headings        []Heading        `json:"headings"                 bson:"headings"`
	InternalLinks   []string         `json:"internal_links"           bson:"internal_links"`
	ExternalLinks   []string         `json:"external_links"           bson:"external_links"`
	Images          []Image          `json:"images"                   bson:"images"`
	StructuredData  []map[string]any `json:"structured_data"          bson:"structured_data"`
	WordCount       int              `json:"word_count"               bson:"word_count"`
	Issues          []Issue          `json:"issues"                   bson:"issues"`
	CrawlDepth      int              `json:"crawl_depth"              bson:"crawl_depth"`
	Source          Source           `json:"source,omitempty"         bson:"source,omitempty"`
	ContentHash     string           `json:"content_hash"             bson:"content_hash"`
	CrawledAt       time.Time        `json:"crawled_at"               bson:"crawled_at"`
}

// HeadingCount returns how many headings of the given level the page has.
func (p *PageRecord) HeadingCount(level int) int {
	n := 0
	for _, h := range p.Headings {
		if h.Level == level {
			n++
		}
	}
	return n
}

// IssueCount returns the number of issues with the given severity.
func (p *PageRecord) IssueCount(sev Severity) int {
	n := 0
	for _, is := range p.Issues {
		if is.Severity == sev {
			n++
		}
	}
	return n
}

// HasCritical reports whether any issue is critical.
func (p *PageRecord) HasCritical() bool {
	return p.IssueCount(SeverityCritical) > 0
}

// ToFlatMap returns a flat map suitable for CSV export.
func (p *PageRecord) ToFlatMap() map[string]string {
	codes := make([]string, 0, len(p.Issues))
	for _, is := range p.Issues {
		codes = append(codes, is.Code)
	}
	h1 := ""
	for _, h := range p.Headings {
		if h.Level == 1 {
			h1 = h.Text
			break
		}
	}
	sd, _ := json.Marshal(p.StructuredData)
	return map[string]string{
		"url":              p.URL,
		"status_code":      strconv.Itoa(p.StatusCode),
		"response_time_ms": strconv.FormatInt(p.ResponseTimeMs, 10),
		"title":            p.Title,
		"meta_description": p.MetaDescription,
		"canonical":        p.Canonical,
		"h1":               h1,
		"word_count":       strconv.Itoa(p.WordCount),
		"internal_links":   strconv.Itoa(len(p.InternalLinks)),
		"external_links":   strconv.Itoa(len(p.ExternalLinks)),
		"images":           strconv.Itoa(len(p.Images)),
		"structured_data":  string(sd),
		"crawl_depth":      strconv.Itoa(p.CrawlDepth),
		"content_hash":     p.ContentHash,
		"issues":           strings.Join(codes, ";"),
		"crawled_at":       p.CrawledAt.Format(time.RFC3339),
	}
}

// CSVColumns is the column order used by ToFlatMap consumers.
var CSVColumns = []string{
	"url", "status_code", "response_time_ms", "title", "meta_description",
	"canonical", "h1", "word_count", "internal_links", "external_links",
	"images", "structured_data", "crawl_depth", "content_hash", "issues", "crawled_at",
}
