package engine

import (
	"container/heap"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/IshaanNene/seocrawl/internal/types"
	"github.com/IshaanNene/seocrawl/internal/urlnorm"
)

// DefaultPrivatePaths are path segments that mark authenticated or
// transactional areas the crawler must never visit.
var DefaultPrivatePaths = []string{
	"account", "accounts", "my-account", "cart", "basket", "checkout",
	"admin", "administrator", "wp-admin", "wp-login.php", "login", "logout",
	"signin", "sign-in", "signup", "sign-up", "register", "password",
	"reset-password", "profile", "dashboard", "orders", "wishlist",
}

// skipPatterns match binary/static assets and action URLs.
var skipPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\.(jpe?g|png|gif|webp|svg|ico|bmp|tiff?|avif|css|js|mjs|map|json|xml|txt|pdf|docx?|xlsx?|pptx?|zip|rar|7z|gz|tgz|tar|exe|dmg|msi|apk|mp3|mp4|m4a|wav|ogg|webm|avi|mov|wmv|flv|woff2?|ttf|eot|otf)$`),
	regexp.MustCompile(`(?i)[?&](action|do|add-to-cart|add_to_cart|replytocom|share|print|download|logout|session(id)?|sid|token)=`),
	regexp.MustCompile(`(?i)/(cdn-cgi|wp-json|xmlrpc\.php|feed|trackback)(/|$)`),
}

// FrontierStats reports frontier counters.
type FrontierStats struct {
	Seeds       int `json:"seeds"`
	Sitemap     int `json:"sitemap"`
	Discovered  int `json:"discovered"`
	TotalQueued int `json:"total_queued"`
	Skipped     int `json:"skipped"`
	Duplicates  int `json:"duplicates"`
	Pending     int `json:"pending"`
}

// FrontierOptions configures URL scope and filtering.
type FrontierOptions struct {
	// SeedURL roots the same-site scope.
	SeedURL string

	// TrackingParams overrides urlnorm.DefaultTrackingParams when non-nil.
	TrackingParams []string

	// PrivatePaths overrides DefaultPrivatePaths when non-nil.
	PrivatePaths []string

	// IncludePatterns, when non-empty, admit only URLs matching one of them.
	IncludePatterns []string

	// ExcludePatterns reject URLs matching any of them.
	ExcludePatterns []string
}

// Frontier is the prioritized, deduplicated queue of URLs awaiting a visit.
// Entries come out highest priority first, then lowest depth, then in
// insertion order.
type Frontier struct {
	mu         sync.Mutex
	pq         priorityQueue
	seen       map[string]struct{}
	normalizer *urlnorm.Normalizer
	base       string
	private    map[string]bool
	include    []*regexp.Regexp
	exclude    []*regexp.Regexp
	seq        uint64
	stats      FrontierStats
	now        func() time.Time
}

// NewFrontier creates a Frontier scoped to the seed URL's site.
func NewFrontier(opts FrontierOptions) (*Frontier, error) {
	normalizer := urlnorm.NewNormalizer(opts.TrackingParams)
	seed, err := normalizer.Normalize(opts.SeedURL)
	if err != nil {
		return nil, &types.ConfigError{Field: "seed_url", Reason: err.Error()}
	}
	u, _ := url.Parse(seed)

	privatePaths := opts.PrivatePaths
	if privatePaths == nil {
		privatePaths = DefaultPrivatePaths
	}

	f := &Frontier{
		pq:         make(priorityQueue, 0, 256),
		seen:       make(map[string]struct{}, 1024),
		normalizer: normalizer,
		base:       urlnorm.HostKey(u.Host),
		private:    make(map[string]bool, len(privatePaths)),
		now:        time.Now,
	}
	for _, p := range privatePaths {
		f.private[strings.ToLower(p)] = true
	}
	if f.include, err = compilePatterns(opts.IncludePatterns); err != nil {
		return nil, err
	}
	if f.exclude, err = compilePatterns(opts.ExcludePatterns); err != nil {
		return nil, err
	}
	heap.Init(&f.pq)
	return f, nil
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, &types.ConfigError{Field: "patterns", Reason: fmt.Sprintf("invalid regex %q: %v", p, err)}
		}
		out = append(out, re)
	}
	return out, nil
}

// AddSeed adds an explicit seed at maximum priority.
func (f *Frontier) AddSeed(rawURL string) bool {
	return f.AddWithPriority(rawURL, types.SourceSeed, 0, "", types.PriorityMax)
}

// AddSitemapURL adds a sitemap-listed URL. declared is the sitemap's
// <priority> in [0,1]; a negative value means it was absent. Sitemap URLs
// rank between seeds and any in-page discovery: 0.5 + declared/2.
func (f *Frontier) AddSitemapURL(rawURL string, declared float64) bool {
	return f.AddWithPriority(rawURL, types.SourceSitemap, 0, "", SitemapPriority(declared))
}

// SitemapPriority maps a declared sitemap priority onto the frontier scale.
func SitemapPriority(declared float64) float64 {
	if declared < 0 || declared > 1 {
		declared = types.PrioritySitemapDefault
	}
	return 0.5 + declared/2
}

// Add adds a URL with the priority implied by its source and depth.
func (f *Frontier) Add(rawURL string, source types.Source, depth int, parentURL string) bool {
	var priority float64
	switch source {
	case types.SourceSeed:
		priority = types.PriorityMax
	case types.SourceSitemap:
		priority = SitemapPriority(-1)
	default:
		priority = types.DiscoveredPriority(depth)
	}
	return f.AddWithPriority(rawURL, source, depth, parentURL, priority)
}

// AddWithPriority normalizes, filters, and enqueues a URL. It returns false
// when the URL was rejected; rejection never panics or errors.
func (f *Frontier) AddWithPriority(rawURL string, source types.Source, depth int, parentURL string, priority float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	canonical, err := f.check(rawURL)
	if err != nil {
		if errors.Is(err, types.ErrDuplicate) {
			f.stats.Duplicates++
		} else {
			f.stats.Skipped++
		}
		return false
	}

	f.seen[canonical] = struct{}{}
	f.seq++
	heap.Push(&f.pq, &pqItem{
		entry: types.FrontierEntry{
			URL:          canonical,
			Source:       source,
			Depth:        depth,
			Priority:     priority,
			DiscoveredAt: f.now(),
			ParentURL:    parentURL,
		},
		seq: f.seq,
	})

	switch source {
	case types.SourceSeed:
		f.stats.Seeds++
	case types.SourceSitemap:
		f.stats.Sitemap++
	default:
		f.stats.Discovered++
	}
	f.stats.TotalQueued++
	return true
}

// Check reports why a URL would be rejected, or nil if it would be accepted.
func (f *Frontier) Check(rawURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := f.check(rawURL)
	return err
}

// check applies the filters in order: scope, skip patterns, private paths,
// already seen. Callers hold f.mu.
func (f *Frontier) check(rawURL string) (string, error) {
	canonical, err := f.normalizer.Normalize(rawURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(canonical)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}

	// Subdomains are in scope for seeds and sitemap entries. Links found on
	// pages only reach here when seo.Extract classed them internal, which
	// requires the page's own host.
	if !urlnorm.SameSite(f.base, u.Host) {
		return "", fmt.Errorf("%w: off-site host %s", types.ErrFiltered, u.Hostname())
	}
	for _, re := range skipPatterns {
		if re.MatchString(u.Path) || (u.RawQuery != "" && re.MatchString("?"+u.RawQuery)) {
			return "", fmt.Errorf("%w: skip pattern", types.ErrFiltered)
		}
	}
	for _, re := range f.exclude {
		if re.MatchString(canonical) {
			return "", fmt.Errorf("%w: exclude pattern", types.ErrFiltered)
		}
	}
	if len(f.include) > 0 && !matchesAny(f.include, canonical) {
		return "", fmt.Errorf("%w: include pattern", types.ErrFiltered)
	}
	if f.isPrivate(u.Path) {
		return "", fmt.Errorf("%w: private path", types.ErrFiltered)
	}
	if _, ok := f.seen[canonical]; ok {
		return "", types.ErrDuplicate
	}
	return canonical, nil
}

func (f *Frontier) isPrivate(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		seg = strings.ToLower(seg)
		if f.private[seg] || f.private[strings.TrimSuffix(seg, path.Ext(seg))] {
			return true
		}
	}
	return false
}

func matchesAny(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Next removes and returns the best remaining entry.
func (f *Frontier) Next() (types.FrontierEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pq.Len() == 0 {
		return types.FrontierEntry{}, false
	}
	item := heap.Pop(&f.pq).(*pqItem)
	return item.entry, true
}

// HasMore reports whether entries remain.
func (f *Frontier) HasMore() bool {
	return f.Len() > 0
}

// Len returns the number of pending entries.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pq.Len()
}

// Seen reports whether a URL (after normalization) was ever accepted.
func (f *Frontier) Seen(rawURL string) bool {
	canonical, err := f.normalizer.Normalize(rawURL)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.seen[canonical]
	return ok
}

// MarkSeen records a URL as visited without queueing it, so a redirect
// target is not crawled a second time.
func (f *Frontier) MarkSeen(rawURL string) {
	canonical, err := f.normalizer.Normalize(rawURL)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[canonical] = struct{}{}
}

// Stats returns a copy of the frontier counters.
func (f *Frontier) Stats() FrontierStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.stats
	s.Pending = f.pq.Len()
	return s
}

// Snapshot returns the pending entries and the seen set without removing
// anything, for checkpointing.
func (f *Frontier) Snapshot() ([]types.FrontierEntry, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries := make([]types.FrontierEntry, len(f.pq))
	for i, item := range f.pq {
		entries[i] = item.entry
	}
	seen := make([]string, 0, len(f.seen))
	for u := range f.seen {
		seen = append(seen, u)
	}
	return entries, seen
}

// Restore loads checkpointed state. Pending entries keep their priority;
// insertion order among ties follows the slice order.
func (f *Frontier) Restore(entries []types.FrontierEntry, seen []string, stats FrontierStats) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range seen {
		f.seen[u] = struct{}{}
	}
	for _, e := range entries {
		f.seen[e.URL] = struct{}{}
		f.seq++
		heap.Push(&f.pq, &pqItem{entry: e, seq: f.seq})
	}
	stats.Pending = 0
	f.stats = stats
}

// --- Priority Queue Implementation ---

type pqItem struct {
	entry types.FrontierEntry
	seq   uint64
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	a, b := pq[i], pq[j]
	if a.entry.Priority != b.entry.Priority {
		return a.entry.Priority > b.entry.Priority
	}
	if a.entry.Depth != b.entry.Depth {
		return a.entry.Depth < b.entry.Depth
	}
	return a.seq < b.seq
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	n := len(*pq)
	item := x.(*pqItem)
	item.index = n
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // GC
	item.index = -1
	*pq = old[:n-1]
	return item
}
