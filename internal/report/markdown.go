// Package report renders a finished crawl as a Markdown audit.
package report

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/IshaanNene/seocrawl/internal/engine"
	"github.com/IshaanNene/seocrawl/internal/types"
)

const defaultMaxPages = 200

// Summary is the crawl data a report is rendered from.
type Summary struct {
	SeedURL     string
	JobID       string
	State       engine.State
	Progress    engine.Progress
	Frontier    engine.FrontierStats
	Sitemaps    int
	SitemapURLs int
	Pages       []*types.PageRecord
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// FromResult builds a Summary from an orchestrator result.
func FromResult(seedURL string, res *engine.Result) *Summary {
	s := &Summary{
		SeedURL:    seedURL,
		JobID:      res.JobID,
		State:      res.State,
		Progress:   res.Progress,
		Frontier:   res.Frontier,
		Pages:      res.Pages,
		Error:      types.UserMessage(res.Err),
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	if res.State == engine.StateCompleted {
		s.Error = ""
	}
	if res.Sitemap != nil {
		s.Sitemaps = res.Sitemap.SitemapCount
		s.SitemapURLs = len(res.Sitemap.URLs)
	}
	return s
}

// IssueStat counts pages affected by one issue code.
type IssueStat struct {
	Code     string
	Severity types.Severity
	Category string
	Pages    int
}

// SeverityCounts returns the number of issues per severity.
func (s *Summary) SeverityCounts() map[types.Severity]int {
	counts := map[types.Severity]int{}
	for _, p := range s.Pages {
		for _, is := range p.Issues {
			counts[is.Severity]++
		}
	}
	return counts
}

// TopIssues aggregates issues by code, most severe first, then by the
// number of pages affected.
func (s *Summary) TopIssues() []IssueStat {
	byCode := map[string]*IssueStat{}
	for _, p := range s.Pages {
		seen := map[string]bool{}
		for _, is := range p.Issues {
			if seen[is.Code] {
				continue
			}
			seen[is.Code] = true
			st, ok := byCode[is.Code]
			if !ok {
				st = &IssueStat{Code: is.Code, Severity: is.Severity, Category: is.Category}
				byCode[is.Code] = st
			}
			st.Pages++
		}
	}

	out := make([]IssueStat, 0, len(byCode))
	for _, st := range byCode {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if ri != rj {
			return ri < rj
		}
		if out[i].Pages != out[j].Pages {
			return out[i].Pages > out[j].Pages
		}
		return out[i].Code < out[j].Code
	})
	return out
}

func severityRank(s types.Severity) int {
	switch s {
	case types.SeverityCritical:
		return 0
	case types.SeverityWarning:
		return 1
	default:
		return 2
	}
}

// MarkdownWriter renders Summaries as Markdown.
type MarkdownWriter struct {
	output   io.Writer
	maxPages int
}

// WriteFile renders the report for res to path, creating parent directories.
func WriteFile(path, seedURL string, res *engine.Result) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer f.Close()
	if err := NewMarkdownWriter(f, 0).Write(FromResult(seedURL, res)); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// NewMarkdownWriter creates a MarkdownWriter. maxPages caps the per-page
// table; zero selects the default.
func NewMarkdownWriter(output io.Writer, maxPages int) *MarkdownWriter {
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}
	return &MarkdownWriter{output: output, maxPages: maxPages}
}

// Write renders the full report.
func (w *MarkdownWriter) Write(s *Summary) error {
	md := markdown.NewMarkdown(w.output)

	w.writeHeader(md, s)
	w.writeSeverity(md, s)
	w.writeIssues(md, s)
	w.writePages(md, s)

	return md.Build()
}

func (w *MarkdownWriter) writeHeader(md *markdown.Markdown, s *Summary) {
	md.H1("SEO Crawl Report")
	md.PlainText("")

	duration := "-"
	if !s.FinishedAt.IsZero() && !s.StartedAt.IsZero() {
		duration = s.FinishedAt.Sub(s.StartedAt).Round(time.Second).String()
	}
	rows := [][]string{
		{"Seed URL", "`" + s.SeedURL + "`"},
		{"Status", statusText(s)},
		{"Started", formatTime(s.StartedAt)},
		{"Duration", duration},
		{"Pages Crawled", strconv.Itoa(s.Progress.Crawled)},
		{"Failed", strconv.Itoa(s.Progress.Failed)},
		{"Skipped", strconv.Itoa(s.Progress.Skipped)},
		{"Discovered", strconv.Itoa(s.Progress.Discovered)},
		{"Sitemap URLs", fmt.Sprintf("%d (from %d sitemaps)", s.SitemapURLs, s.Sitemaps)},
	}
	if s.JobID != "" {
		rows = append([][]string{{"Job", s.JobID}}, rows...)
	}
	md.Table(markdown.TableSet{Header: []string{"Property", "Value"}, Rows: rows})
	md.PlainText("")
}

func statusText(s *Summary) string {
	switch s.State {
	case engine.StateCompleted:
		return "Complete"
	case engine.StateCancelled:
		return "Cancelled (partial results)"
	case engine.StateFailed:
		if s.Error != "" {
			return "Failed: " + s.Error
		}
		return "Failed"
	default:
		return string(s.State)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func (w *MarkdownWriter) writeSeverity(md *markdown.Markdown, s *Summary) {
	counts := s.SeverityCounts()
	critical, warning, info := counts[types.SeverityCritical], counts[types.SeverityWarning], counts[types.SeverityInfo]

	md.H2("Issue Summary")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Severity", "Issues"},
		Rows: [][]string{
			{"Critical", strconv.Itoa(critical)},
			{"Warning", strconv.Itoa(warning)},
			{"Info", strconv.Itoa(info)},
			{"**Total**", "**" + strconv.Itoa(critical+warning+info) + "**"},
		},
	})
	md.PlainText("")

	if critical+warning+info > 0 {
		chart := piechart.NewPieChart(io.Discard, piechart.WithTitle("Issues by Severity"), piechart.WithShowData(true))
		if critical > 0 {
			chart.LabelAndIntValue("Critical", uint64(critical))
		}
		if warning > 0 {
			chart.LabelAndIntValue("Warning", uint64(warning))
		}
		if info > 0 {
			chart.LabelAndIntValue("Info", uint64(info))
		}
		md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
		md.PlainText("")
	}

	switch {
	case critical > 0:
		md.Cautionf("%d critical issue(s) found. Missing titles, missing H1s and error statuses hurt indexing.", critical)
	case warning > 0:
		md.Warningf("%d warning(s) found.", warning)
	case len(s.Pages) == 0:
		md.Note("No pages were crawled.")
	default:
		md.Tip("No significant SEO issues detected.")
	}
	md.PlainText("")
}

func (w *MarkdownWriter) writeIssues(md *markdown.Markdown, s *Summary) {
	md.H2("Top Issues")
	md.PlainText("")

	stats := s.TopIssues()
	if len(stats) == 0 {
		md.PlainText("No issues detected.")
		md.PlainText("")
		return
	}
	rows := make([][]string, len(stats))
	for i, st := range stats {
		rows[i] = []string{"`" + st.Code + "`", string(st.Severity), st.Category, strconv.Itoa(st.Pages)}
	}
	md.Table(markdown.TableSet{Header: []string{"Issue", "Severity", "Category", "Pages"}, Rows: rows})
	md.PlainText("")
}

func (w *MarkdownWriter) writePages(md *markdown.Markdown, s *Summary) {
	md.H2("Pages")
	md.PlainText("")

	if len(s.Pages) == 0 {
		md.PlainText("No pages crawled.")
		md.PlainText("")
		return
	}

	pages := s.Pages
	if len(pages) > w.maxPages {
		pages = pages[:w.maxPages]
	}
	rows := make([][]string, len(pages))
	for i, p := range pages {
		title := p.Title
		if title == "" {
			title = "-"
		}
		rows[i] = []string{
			truncate(p.URL, 80),
			strconv.Itoa(p.StatusCode),
			truncate(title, 60),
			strconv.Itoa(p.WordCount),
			strconv.Itoa(p.IssueCount(types.SeverityCritical)),
			strconv.Itoa(p.IssueCount(types.SeverityWarning)),
			strconv.Itoa(p.IssueCount(types.SeverityInfo)),
		}
	}
	md.Table(markdown.TableSet{
		Header: []string{"URL", "Status", "Title", "Words", "Critical", "Warning", "Info"},
		Rows:   rows,
	})
	md.PlainText("")
	if len(s.Pages) > w.maxPages {
		md.PlainText(fmt.Sprintf("_%d more pages omitted._", len(s.Pages)-w.maxPages))
		md.PlainText("")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
