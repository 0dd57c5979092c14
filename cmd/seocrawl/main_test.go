package main

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/engine"
	"github.com/IshaanNene/seocrawl/internal/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitFailure, exitCode(errors.New("boom")))
	assert.Equal(t, exitCritical, exitCode(&exitError{code: exitCritical}))
	assert.Equal(t, exitFailure, exitCode(&exitError{code: exitFailure, err: errors.New("bad")}))
}

func TestCrawlOutcome(t *testing.T) {
	critical := &types.PageRecord{Issues: []types.Issue{{Code: "missing_title", Severity: types.SeverityCritical}}}
	clean := &types.PageRecord{}

	assert.NoError(t, crawlOutcome(&engine.Result{State: engine.StateCompleted, Pages: []*types.PageRecord{clean}}))
	assert.Equal(t, exitCritical, exitCode(crawlOutcome(&engine.Result{State: engine.StateCompleted, Pages: []*types.PageRecord{critical}})))
	assert.Equal(t, exitCritical, exitCode(crawlOutcome(&engine.Result{State: engine.StateCancelled, Pages: []*types.PageRecord{critical}})))
	assert.Equal(t, exitFailure, exitCode(crawlOutcome(&engine.Result{State: engine.StateFailed})))
}

func TestCrawlJobID(t *testing.T) {
	assert.Equal(t, "cli-example.com", crawlJobID("https://www.Example.com/path"))
	assert.Equal(t, "cli", crawlJobID("::"))
}

func TestApplyCLIOverrides(t *testing.T) {
	newRootCmd() // resets flag variables to their defaults
	cfg := config.DefaultConfig()
	applyCLIOverrides(cfg, "https://acme.example.com/")
	assert.Equal(t, "https://acme.example.com/", cfg.Crawl.SeedURL)
	assert.Equal(t, config.DefaultConfig().Crawl.MaxPages, cfg.Crawl.MaxPages)
	assert.True(t, cfg.Crawl.UseSitemap)

	maxPages, depth, noSitemap, outputPath = 25, 0, true, "out/site.csv"
	excludePatterns = []string{`\?page=`}
	applyCLIOverrides(cfg, "https://acme.example.com/")
	assert.Equal(t, 25, cfg.Crawl.MaxPages)
	assert.Equal(t, 0, cfg.Crawl.MaxDepth)
	assert.False(t, cfg.Crawl.UseSitemap)
	assert.Equal(t, "out/site.csv", cfg.Storage.OutputPath)
	assert.Equal(t, []string{`\?page=`}, cfg.Crawl.ExcludePatterns)
	newRootCmd()
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "seocrawl "+config.Version+"\n", out)
}

func TestConfigCommandPrintsYAML(t *testing.T) {
	out, err := execute(t, "config")
	require.NoError(t, err)
	assert.Contains(t, out, "crawl:")
	assert.Contains(t, out, "max_pages: 500")
	assert.Contains(t, out, "scheduler:")
}

func TestCrawlRejectsUnknownExtension(t *testing.T) {
	_, err := execute(t, "crawl", "https://acme.example.com/", "-o", filepath.Join(t.TempDir(), "out.xml"))
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
}

func TestCrawlCommandEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		// No <title>: a critical issue.
		_, _ = w.Write([]byte(`<html><body><h1>Only page</h1></body></html>`))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "site.jsonl")
	stdout, err := execute(t, "crawl", srv.URL+"/", "-o", out, "--no-sitemap", "--max-pages", "1")
	require.Error(t, err)
	assert.Equal(t, exitCritical, exitCode(err))
	assert.Contains(t, stdout, "Crawl complete")
	assert.Contains(t, stdout, "1 pages with critical issues")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"title_missing"`)
}
