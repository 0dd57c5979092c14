package types

import "time"

// Source records how a URL entered the frontier.
type Source string

const (
	SourceSeed       Source = "seed"
	SourceSitemap    Source = "sitemap"
	SourceDiscovered Source = "discovered"
)

// Priority bounds for frontier scheduling (higher = crawled sooner).
const (
	PriorityMax            = 1.0
	PrioritySitemapDefault = 0.5
	PriorityFloor          = 0.1
)

// FrontierEntry is a canonical URL waiting to be crawled. Entries are
// immutable once created.
type FrontierEntry struct {
	URL          string    `json:"url"`
	Source       Source    `json:"source"`
	Depth        int       `json:"depth"`
	Priority     float64   `json:"priority"`
	DiscoveredAt time.Time `json:"discovered_at"`
	ParentURL    string    `json:"parent_url,omitempty"`
}

// DiscoveredPriority is the priority of an in-page link found at depth.
func DiscoveredPriority(depth int) float64 {
	p := 0.8 - 0.1*float64(depth)
	if p < PriorityFloor {
		return PriorityFloor
	}
	return p
}
