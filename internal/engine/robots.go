package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/IshaanNene/seocrawl/internal/config"
)

// MinCrawlDelay is the lowest delay the robots engine will ever report.
const MinCrawlDelay = config.MinRequestDelay

// RestrictivePaths are disallowed when robots.txt cannot be retrieved for
// any reason other than a 404.
var RestrictivePaths = []string{
	"/admin", "/administrator", "/wp-admin", "/wp-login.php",
	"/login", "/signin", "/logout", "/account", "/user", "/auth",
	"/api", "/graphql", "/cart", "/checkout", "/cgi-bin",
}

// RulesetOrigin records how a ruleset was obtained.
type RulesetOrigin string

const (
	OriginFetched  RulesetOrigin = "fetched"
	OriginMissing  RulesetOrigin = "missing"
	OriginFallback RulesetOrigin = "fallback"
)

// robotsRule is one Allow or Disallow line compiled for matching.
type robotsRule struct {
	pattern string
	prefix  string         // set when the pattern has no wildcards
	re      *regexp.Regexp // set otherwise
}

func compileRobotsRule(pattern string) robotsRule {
	r := robotsRule{pattern: pattern}
	anchored := strings.HasSuffix(pattern, "$")
	body := strings.TrimSuffix(pattern, "$")
	if !anchored && !strings.Contains(body, "*") {
		r.prefix = body
		return r
	}

	var sb strings.Builder
	sb.WriteString("^")
	for i, part := range strings.Split(body, "*") {
		if i > 0 {
			sb.WriteString(".*")
		}
		sb.WriteString(regexp.QuoteMeta(part))
	}
	if anchored {
		sb.WriteString("$")
	}
	r.re = regexp.MustCompile(sb.String())
	return r
}

func (r robotsRule) match(path string) bool {
	if r.re != nil {
		return r.re.MatchString(path)
	}
	return strings.HasPrefix(path, r.prefix)
}

// robotsGroup holds the rules for one user-agent token.
type robotsGroup struct {
	allow      []robotsRule
	disallow   []robotsRule
	crawlDelay time.Duration
}

// decide returns (allowed, matched). Allow rules are consulted first and
// win on any match.
func (g *robotsGroup) decide(path string) (bool, bool) {
	for _, r := range g.allow {
		if r.match(path) {
			return true, true
		}
	}
	for _, r := range g.disallow {
		if r.match(path) {
			return false, true
		}
	}
	return true, false
}

// RobotsRuleset is the parsed form of one robots.txt. It is immutable once
// built.
type RobotsRuleset struct {
	groups    map[string]*robotsGroup
	sitemaps  []string
	origin    RulesetOrigin
	fetchedAt time.Time
}

// ParseRobots parses robots.txt content. Directive names are
// case-insensitive. A User-agent line that follows rules begins a new group;
// naming an agent seen earlier resumes that agent's rules.
func ParseRobots(content []byte) *RobotsRuleset {
	rs := &RobotsRuleset{
		groups:    make(map[string]*robotsGroup),
		origin:    OriginFetched,
		fetchedAt: time.Now(),
	}

	var current []*robotsGroup
	lastWasAgent := false

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		switch key {
		case "user-agent":
			if !lastWasAgent {
				current = current[:0:0]
			}
			agent := strings.ToLower(value)
			g, exists := rs.groups[agent]
			if !exists {
				g = &robotsGroup{}
				rs.groups[agent] = g
			}
			current = append(current, g)
			lastWasAgent = true
			continue
		case "allow", "disallow":
			// An empty Disallow means "allow everything" and adds nothing.
			if value != "" {
				rule := compileRobotsRule(value)
				for _, g := range current {
					if key == "allow" {
						g.allow = append(g.allow, rule)
					} else {
						g.disallow = append(g.disallow, rule)
					}
				}
			}
		case "crawl-delay":
			if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
				for _, g := range current {
					g.crawlDelay = time.Duration(secs * float64(time.Second))
				}
			}
		case "sitemap":
			if value != "" {
				rs.sitemaps = append(rs.sitemaps, value)
			}
		}
		lastWasAgent = false
	}
	return rs
}

// AllowAllRuleset is used when the site has no robots.txt.
func AllowAllRuleset() *RobotsRuleset {
	return &RobotsRuleset{
		groups:    map[string]*robotsGroup{},
		origin:    OriginMissing,
		fetchedAt: time.Now(),
	}
}

// RestrictiveRuleset is used when robots.txt could not be read. It blocks
// administrative and account-like paths and allows the rest.
func RestrictiveRuleset() *RobotsRuleset {
	g := &robotsGroup{}
	for _, p := range RestrictivePaths {
		g.disallow = append(g.disallow, compileRobotsRule(p))
	}
	return &RobotsRuleset{
		groups:    map[string]*robotsGroup{"*": g},
		origin:    OriginFallback,
		fetchedAt: time.Now(),
	}
}

// Origin reports how the ruleset was obtained.
func (rs *RobotsRuleset) Origin() RulesetOrigin { return rs.origin }

// FetchedAt reports when the ruleset was built.
func (rs *RobotsRuleset) FetchedAt() time.Time { return rs.fetchedAt }

// groupFor returns the most specific group for the user agent and the
// wildcard group. Either may be nil.
func (rs *RobotsRuleset) groupFor(userAgent string) (*robotsGroup, *robotsGroup) {
	ua := strings.ToLower(userAgent)
	product := ua
	if idx := strings.IndexAny(product, "/ "); idx >= 0 {
		product = product[:idx]
	}

	var best *robotsGroup
	bestLen := 0
	for agent, g := range rs.groups {
		if agent == "*" || agent == "" {
			continue
		}
		if (agent == product || strings.Contains(ua, agent)) && len(agent) > bestLen {
			best, bestLen = g, len(agent)
		}
	}
	return best, rs.groups["*"]
}

// IsAllowed reports whether the user agent may fetch the URL.
func (rs *RobotsRuleset) IsAllowed(rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	specific, wildcard := rs.groupFor(userAgent)
	if specific != nil {
		if allowed, matched := specific.decide(path); matched {
			return allowed
		}
	}
	if wildcard != nil {
		allowed, _ := wildcard.decide(path)
		return allowed
	}
	return true
}

// CrawlDelay returns the declared crawl delay for the agent, raised to the
// MinCrawlDelay floor.
func (rs *RobotsRuleset) CrawlDelay(userAgent string) time.Duration {
	var d time.Duration
	specific, wildcard := rs.groupFor(userAgent)
	switch {
	case specific != nil && specific.crawlDelay > 0:
		d = specific.crawlDelay
	case wildcard != nil:
		d = wildcard.crawlDelay
	}
	return max(d, MinCrawlDelay)
}

// Sitemaps returns the Sitemap directives in declaration order.
func (rs *RobotsRuleset) Sitemaps() []string {
	out := make([]string, len(rs.sitemaps))
	copy(out, rs.sitemaps)
	return out
}

// Robots fetches and answers robots.txt queries for a single site.
type Robots struct {
	origin  string
	client  *http.Client
	maxSize int64
	logger  *slog.Logger

	mu        sync.RWMutex
	ruleset   *RobotsRuleset
	userAgent string
}

// NewRobots creates a Robots engine for the site of seedURL.
func NewRobots(seedURL string, client *http.Client, cfg config.RobotsConfig, logger *slog.Logger) (*Robots, error) {
	u, err := url.Parse(seedURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("robots: invalid seed url %q", seedURL)
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = 512 * 1024
	}
	return &Robots{
		origin:  u.Scheme + "://" + u.Host,
		client:  client,
		maxSize: maxSize,
		logger:  logger.With("component", "robots"),
	}, nil
}

// URL returns the robots.txt location.
func (r *Robots) URL() string { return r.origin + "/robots.txt" }

// Fetch retrieves and parses robots.txt. It always installs a ruleset: a 404
// yields allow-all and every other failure yields RestrictiveRuleset. The
// returned error describes why the fallback was used.
func (r *Robots) Fetch(ctx context.Context, userAgent string) (*RobotsRuleset, error) {
	rs, err := r.fetch(ctx, userAgent)
	if err != nil {
		r.logger.Warn("robots.txt unavailable, using restrictive rules", "url", r.URL(), "error", err)
		rs = RestrictiveRuleset()
	}

	r.mu.Lock()
	r.ruleset = rs
	r.userAgent = userAgent
	r.mu.Unlock()

	r.logger.Info("robots.txt loaded",
		"origin", rs.origin,
		"sitemaps", len(rs.sitemaps),
		"crawl_delay", rs.CrawlDelay(userAgent),
	)
	return rs, err
}

func (r *Robots) fetch(ctx context.Context, userAgent string) (*RobotsRuleset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/plain,*/*;q=0.5")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return AllowAllRuleset(), nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("robots.txt returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxSize))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt: %w", err)
	}
	if looksLikeHTML(body) {
		return nil, fmt.Errorf("robots.txt is an HTML document")
	}
	return ParseRobots(body), nil
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body[:min(len(body), 512)]))
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// current returns the installed ruleset, or the restrictive fallback if
// Fetch has not completed.
func (r *Robots) current() (*RobotsRuleset, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.ruleset == nil {
		return RestrictiveRuleset(), r.userAgent
	}
	return r.ruleset, r.userAgent
}

// IsAllowed reports whether the URL may be fetched by userAgent.
func (r *Robots) IsAllowed(rawURL, userAgent string) bool {
	rs, _ := r.current()
	return rs.IsAllowed(rawURL, userAgent)
}

// GetCrawlDelay returns the effective crawl delay, never below MinCrawlDelay.
func (r *Robots) GetCrawlDelay() time.Duration {
	rs, ua := r.current()
	return rs.CrawlDelay(ua)
}

// GetSitemaps returns sitemap URLs declared in robots.txt.
func (r *Robots) GetSitemaps() []string {
	rs, _ := r.current()
	return rs.Sitemaps()
}
