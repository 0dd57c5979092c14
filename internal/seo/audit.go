package seo

import (
	"fmt"
	"strings"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// Scoring thresholds.
const (
	TitleMinLength       = 30
	TitleMaxLength       = 60
	DescriptionMinLength = 70
	DescriptionMaxLength = 160
	ThinContentWords     = 300
	SlowResponseMs       = 3000
)

// Score audits a PageRecord and returns its issues. It is pure: the same
// record always yields the same issues in the same order.
func Score(p *types.PageRecord) []types.Issue {
	issues := []types.Issue{}
	add := func(code string, sev types.Severity, category, msg string) {
		issues = append(issues, types.Issue{Code: code, Severity: sev, Category: category, Message: msg})
	}

	switch {
	case p.StatusCode >= 500:
		add("status_5xx", types.SeverityCritical, "status", fmt.Sprintf("Server error (HTTP %d)", p.StatusCode))
	case p.StatusCode >= 400:
		add("status_4xx", types.SeverityCritical, "status", fmt.Sprintf("Client error (HTTP %d)", p.StatusCode))
	}
	if p.ResponseTimeMs > SlowResponseMs {
		add("slow_response", types.SeverityInfo, "performance", fmt.Sprintf("Slow response (%dms, max %dms)", p.ResponseTimeMs, SlowResponseMs))
	}
	if p.StatusCode >= 400 {
		return issues
	}

	titleLen := len([]rune(p.Title))
	switch {
	case titleLen == 0:
		add("title_missing", types.SeverityCritical, "title", "Missing title tag")
	case titleLen < TitleMinLength:
		add("title_too_short", types.SeverityWarning, "title", fmt.Sprintf("Title too short (%d chars, min %d)", titleLen, TitleMinLength))
	case titleLen > TitleMaxLength:
		add("title_too_long", types.SeverityWarning, "title", fmt.Sprintf("Title too long (%d chars, max %d)", titleLen, TitleMaxLength))
	}

	descLen := len([]rune(p.MetaDescription))
	switch {
	case descLen == 0:
		add("description_missing", types.SeverityWarning, "description", "Missing meta description")
	case descLen < DescriptionMinLength:
		add("description_too_short", types.SeverityInfo, "description", fmt.Sprintf("Description too short (%d chars, min %d)", descLen, DescriptionMinLength))
	case descLen > DescriptionMaxLength:
		add("description_too_long", types.SeverityInfo, "description", fmt.Sprintf("Description too long (%d chars, max %d)", descLen, DescriptionMaxLength))
	}

	switch h1 := p.HeadingCount(1); {
	case h1 == 0:
		add("h1_missing", types.SeverityCritical, "headings", "Missing H1 tag")
	case h1 > 1:
		add("h1_multiple", types.SeverityWarning, "headings", fmt.Sprintf("Multiple H1 tags (%d)", h1))
	}

	if p.WordCount < ThinContentWords {
		add("thin_content", types.SeverityWarning, "content", fmt.Sprintf("Thin content (%d words, min %d)", p.WordCount, ThinContentWords))
	}

	missingAlt := 0
	for _, img := range p.Images {
		if !img.HasAlt {
			missingAlt++
		}
	}
	if missingAlt > 0 {
		add("images_missing_alt", types.SeverityWarning, "images", fmt.Sprintf("%d of %d images without alt text", missingAlt, len(p.Images)))
	}

	if strings.Contains(p.MetaRobots, "noindex") {
		add("noindex", types.SeverityInfo, "robots", "Page is set to noindex")
	}
	if p.Canonical == "" {
		add("canonical_missing", types.SeverityInfo, "canonical", "Missing canonical URL")
	}

	return issues
}
