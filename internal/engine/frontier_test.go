package engine

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IshaanNene/seocrawl/internal/types"
)

func newTestFrontier(t *testing.T) *Frontier {
	t.Helper()
	f, err := NewFrontier(FrontierOptions{SeedURL: "https://example.test/"})
	require.NoError(t, err)
	return f
}

func TestFrontierDedup(t *testing.T) {
	f := newTestFrontier(t)

	inputs := []string{
		"https://example.test/a",
		"https://example.test/a#section",
		"https://EXAMPLE.test:443/a",
		"https://example.test/a?utm_source=x",
		"https://example.test/b?y=2&x=1",
		"https://example.test/b?x=1&y=2",
		"https://example.test/b?x=1&y=2&fbclid=abc",
		"https://example.test/a/",
		"https://example.test/A",
	}
	accepted := 0
	for _, u := range inputs {
		if f.Add(u, types.SourceDiscovered, 1, "") {
			accepted++
		}
	}

	// Distinct: /a, /b?x=1&y=2, /a/, /A
	assert.Equal(t, 4, accepted)
	stats := f.Stats()
	assert.Equal(t, 4, stats.TotalQueued)
	assert.Equal(t, 5, stats.Duplicates)
	assert.Equal(t, 4, f.Len())
}

func TestFrontierFiltering(t *testing.T) {
	f := newTestFrontier(t)

	tests := []struct {
		url    string
		accept bool
	}{
		{"https://example.test/page", true},
		{"https://blog.example.test/post", true},
		{"https://www.example.test/about", true},
		{"https://other.test/page", false},
		{"https://notexample.test/page", false},
		{"https://example.test/logo.png", false},
		{"https://example.test/files/report.PDF", false},
		{"https://example.test/item?add-to-cart=12", false},
		{"https://example.test/cart", false},
		{"https://example.test/shop/checkout/step1", false},
		{"https://example.test/wp-admin/options.php", false},
		{"https://example.test/login.php", false},
		{"https://example.test/cartography", true},
		{"mailto:someone@example.test", false},
		{"ftp://example.test/file", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.accept, f.Add(tt.url, types.SourceDiscovered, 1, ""))
		})
	}

	stats := f.Stats()
	assert.Equal(t, 4, stats.TotalQueued)
	assert.Equal(t, 12, stats.Skipped)
}

func TestFrontierIncludeExcludePatterns(t *testing.T) {
	f, err := NewFrontier(FrontierOptions{
		SeedURL:         "https://example.test/",
		IncludePatterns: []string{`/blog/`},
		ExcludePatterns: []string{`/blog/drafts/`},
	})
	require.NoError(t, err)

	assert.True(t, f.Add("https://example.test/blog/post-1", types.SourceDiscovered, 1, ""))
	assert.False(t, f.Add("https://example.test/blog/drafts/post-2", types.SourceDiscovered, 1, ""))
	assert.False(t, f.Add("https://example.test/shop", types.SourceDiscovered, 1, ""))

	_, err = NewFrontier(FrontierOptions{SeedURL: "https://example.test/", ExcludePatterns: []string{"("}})
	var cfgErr *types.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestFrontierSourcePriorities(t *testing.T) {
	f := newTestFrontier(t)

	require.True(t, f.Add("https://example.test/deep", types.SourceDiscovered, 3, ""))
	require.True(t, f.Add("https://example.test/b", types.SourceDiscovered, 1, ""))
	require.True(t, f.AddSitemapURL("https://example.test/a", -1))
	require.True(t, f.AddSitemapURL("https://example.test/important", 0.9))
	require.True(t, f.AddSeed("https://example.test/"))

	var order []string
	for f.HasMore() {
		e, ok := f.Next()
		require.True(t, ok)
		order = append(order, e.URL)
	}
	assert.Equal(t, []string{
		"https://example.test/",
		"https://example.test/important",
		"https://example.test/a",
		"https://example.test/b",
		"https://example.test/deep",
	}, order)

	stats := f.Stats()
	assert.Equal(t, 1, stats.Seeds)
	assert.Equal(t, 2, stats.Sitemap)
	assert.Equal(t, 2, stats.Discovered)
	assert.Equal(t, 0, stats.Pending)
}

func TestFrontierPriorityOrderingRandom(t *testing.T) {
	f := newTestFrontier(t)
	rng := rand.New(rand.NewSource(42))

	for i := 0; i < 500; i++ {
		priority := float64(rng.Intn(10)) / 10
		depth := rng.Intn(6)
		ok := f.AddWithPriority(fmt.Sprintf("https://example.test/p/%d", i), types.SourceDiscovered, depth, "", priority)
		require.True(t, ok)
	}

	prev, ok := f.Next()
	require.True(t, ok)
	count := 1
	for {
		e, ok := f.Next()
		if !ok {
			break
		}
		count++
		require.LessOrEqual(t, e.Priority, prev.Priority, "priority must not increase")
		if e.Priority == prev.Priority {
			require.GreaterOrEqual(t, e.Depth, prev.Depth, "depth must not decrease within a priority")
		}
		prev = e
	}
	assert.Equal(t, 500, count)
	assert.False(t, f.HasMore())
}

func TestFrontierFIFOWithinTies(t *testing.T) {
	f := newTestFrontier(t)
	for i := 0; i < 5; i++ {
		f.Add(fmt.Sprintf("https://example.test/%d", i), types.SourceDiscovered, 2, "")
	}
	for i := 0; i < 5; i++ {
		e, ok := f.Next()
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("https://example.test/%d", i), e.URL)
	}
}

func TestFrontierEmpty(t *testing.T) {
	f := newTestFrontier(t)
	_, ok := f.Next()
	assert.False(t, ok)
	assert.False(t, f.HasMore())
}

func TestFrontierMarkSeen(t *testing.T) {
	f := newTestFrontier(t)
	f.MarkSeen("https://example.test/landing#top")
	assert.False(t, f.Add("https://example.test/landing", types.SourceDiscovered, 1, ""))
	assert.True(t, f.Seen("https://example.test/landing"))
}

func TestFrontierSnapshotRestore(t *testing.T) {
	f := newTestFrontier(t)
	f.AddSeed("https://example.test/")
	f.Add("https://example.test/a", types.SourceDiscovered, 1, "https://example.test/")
	f.Add("https://example.test/b", types.SourceDiscovered, 2, "https://example.test/a")
	_, _ = f.Next()

	pending, seen := f.Snapshot()
	assert.Len(t, pending, 2)
	assert.Len(t, seen, 3)
	assert.Equal(t, 2, f.Len(), "snapshot must not consume entries")

	g := newTestFrontier(t)
	g.Restore(pending, seen, f.Stats())
	assert.Equal(t, 2, g.Len())
	assert.False(t, g.AddSeed("https://example.test/"), "restored seen set rejects visited URLs")

	e, ok := g.Next()
	require.True(t, ok)
	assert.Equal(t, "https://example.test/a", e.URL)
	assert.Equal(t, 3, g.Stats().TotalQueued)
}

func TestDiscoveredPriority(t *testing.T) {
	assert.InDelta(t, 0.8, types.DiscoveredPriority(0), 1e-9)
	assert.InDelta(t, 0.7, types.DiscoveredPriority(1), 1e-9)
	assert.InDelta(t, 0.1, types.DiscoveredPriority(7), 1e-9)
	assert.InDelta(t, 0.1, types.DiscoveredPriority(20), 1e-9)
	assert.InDelta(t, 0.75, SitemapPriority(-1), 1e-9)
	assert.InDelta(t, 1.0, SitemapPriority(1), 1e-9)
}
