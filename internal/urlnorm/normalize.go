// Package urlnorm canonicalizes URLs and decides crawl scope.
package urlnorm

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// DefaultTrackingParams are query parameters stripped during normalization.
// Entries ending in "*" match by prefix.
var DefaultTrackingParams = []string{
	"utm_*", "fbclid", "gclid", "dclid", "msclkid", "yclid", "igshid",
	"mc_cid", "mc_eid", "_ga", "_gl", "ref", "ref_src",
}

// Normalizer canonicalizes URLs for deduplication. Unlike generic
// canonicalization it keeps path case and trailing slashes, both of which
// search engines treat as distinct URLs.
type Normalizer struct {
	exact    map[string]bool
	prefixes []string
}

// NewNormalizer creates a Normalizer that strips the given tracking
// parameters. A nil slice selects DefaultTrackingParams.
func NewNormalizer(trackingParams []string) *Normalizer {
	if trackingParams == nil {
		trackingParams = DefaultTrackingParams
	}
	n := &Normalizer{exact: make(map[string]bool, len(trackingParams))}
	for _, p := range trackingParams {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, "*") {
			n.prefixes = append(n.prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		n.exact[p] = true
	}
	return n
}

var defaultNormalizer = NewNormalizer(nil)

// NormalizeURL canonicalizes rawURL with the default tracking parameter set.
func NormalizeURL(rawURL string) (string, error) {
	return defaultNormalizer.Normalize(rawURL)
}

// Normalize canonicalizes an absolute URL:
//   - requires http/https and a host
//   - lowercases scheme and host, drops userinfo and fragment
//   - removes default ports (80 for http, 443 for https)
//   - removes tracking query parameters
//   - sorts the remaining query parameters
//
// Path case and trailing slash are preserved. An empty path becomes "/".
func (n *Normalizer) Normalize(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidURL, err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", types.ErrInvalidURL, u.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", types.ErrInvalidURL)
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		host += ":" + port
	}
	u.Host = host
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	u.Opaque = ""

	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}

	u.RawQuery = n.cleanQuery(u.RawQuery)
	u.ForceQuery = false

	return u.String(), nil
}

// cleanQuery drops tracking parameters and sorts what remains.
func (n *Normalizer) cleanQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	// Malformed pairs are dropped; everything that parsed is kept.
	params, _ := url.ParseQuery(rawQuery)

	keys := make([]string, 0, len(params))
	for k := range params {
		if n.isTracking(k) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sorted []string
	for _, k := range keys {
		vals := append([]string(nil), params[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			sorted = append(sorted, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(sorted, "&")
}

func (n *Normalizer) isTracking(key string) bool {
	key = strings.ToLower(key)
	if n.exact[key] {
		return true
	}
	for _, p := range n.prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// HostKey returns a lowercase host with any leading "www." removed, the form
// used for same-site comparisons.
func HostKey(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if h, _, ok := strings.Cut(host, ":"); ok && !strings.HasPrefix(host, "[") {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}

// SameSite reports whether host belongs to the crawl scope rooted at base
// (a HostKey): the base itself or any subdomain of it.
func SameSite(base, host string) bool {
	h := HostKey(host)
	return h == base || strings.HasSuffix(h, "."+base)
}
