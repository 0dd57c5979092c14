package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/IshaanNene/seocrawl/internal/types"
)

// SavePages upserts page records. A tenant holds one row per URL; a
// re-crawl replaces the previous snapshot.
func (g *SQLiteGateway) SavePages(ctx context.Context, pages []*types.PageRecord) error {
	if len(pages) == 0 {
		return nil
	}
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin save pages", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pages (id, tenant_id, job_id, url, final_url, status_code, response_time_ms,
			content_type, title, meta_description, canonical, meta_robots, lang, headings,
			internal_links, external_links, images, structured_data, word_count, issues,
			crawl_depth, source, content_hash, crawled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, url) DO UPDATE SET
			job_id = excluded.job_id,
			final_url = excluded.final_url,
			status_code = excluded.status_code,
			response_time_ms = excluded.response_time_ms,
			content_type = excluded.content_type,
			title = excluded.title,
			meta_description = excluded.meta_description,
			canonical = excluded.canonical,
			meta_robots = excluded.meta_robots,
			lang = excluded.lang,
			headings = excluded.headings,
			internal_links = excluded.internal_links,
			external_links = excluded.external_links,
			images = excluded.images,
			structured_data = excluded.structured_data,
			word_count = excluded.word_count,
			issues = excluded.issues,
			crawl_depth = excluded.crawl_depth,
			source = excluded.source,
			content_hash = excluded.content_hash,
			crawled_at = excluded.crawled_at`)
	if err != nil {
		return storageErr("prepare save pages", err)
	}
	defer stmt.Close()

	for _, p := range pages {
		args, err := pageArgs(p)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return storageErr("save page", fmt.Errorf("%s: %w", p.URL, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit save pages", err)
	}
	g.logger.Debug("pages saved", "count", len(pages))
	return nil
}

func pageArgs(p *types.PageRecord) ([]any, error) {
	headings, err := marshalJSON(p.Headings)
	if err != nil {
		return nil, err
	}
	internal, err := marshalJSON(p.InternalLinks)
	if err != nil {
		return nil, err
	}
	external, err := marshalJSON(p.ExternalLinks)
	if err != nil {
		return nil, err
	}
	images, err := marshalJSON(p.Images)
	if err != nil {
		return nil, err
	}
	sd, err := marshalJSON(p.StructuredData)
	if err != nil {
		return nil, err
	}
	issues, err := marshalJSON(p.Issues)
	if err != nil {
		return nil, err
	}
	return []any{
		NewID(), p.TenantID, nullString(p.JobID), p.URL, nullString(p.FinalURL), p.StatusCode, p.ResponseTimeMs,
		nullString(p.ContentType), p.Title, p.MetaDescription, nullString(p.Canonical), nullString(p.MetaRobots),
		nullString(p.Lang), headings, internal, external, images, sd, p.WordCount, issues,
		p.CrawlDepth, nullString(string(p.Source)), p.ContentHash, formatTime(p.CrawledAt),
	}, nil
}

// ListPages returns a tenant's stored pages ordered by URL.
func (g *SQLiteGateway) ListPages(ctx context.Context, tenantID string, limit int) ([]*types.PageRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := g.db.QueryContext(ctx, `
		SELECT tenant_id, job_id, url, final_url, status_code, response_time_ms, content_type,
			title, meta_description, canonical, meta_robots, lang, headings, internal_links,
			external_links, images, structured_data, word_count, issues, crawl_depth, source,
			content_hash, crawled_at
		FROM pages WHERE tenant_id = ? ORDER BY url ASC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, storageErr("list pages", err)
	}
	defer rows.Close()

	var out []*types.PageRecord
	for rows.Next() {
		var (
			p                                                          types.PageRecord
			jobID, finalURL, contentType, canonical, robots, lang, src sql.NullString
			headings, internal, external, images, sd, issues, crawled  string
		)
		if err := rows.Scan(&p.TenantID, &jobID, &p.URL, &finalURL, &p.StatusCode, &p.ResponseTimeMs,
			&contentType, &p.Title, &p.MetaDescription, &canonical, &robots, &lang, &headings,
			&internal, &external, &images, &sd, &p.WordCount, &issues, &p.CrawlDepth, &src,
			&p.ContentHash, &crawled); err != nil {
			return nil, storageErr("scan page", err)
		}
		p.JobID = jobID.String
		p.FinalURL = finalURL.String
		p.ContentType = contentType.String
		p.Canonical = canonical.String
		p.MetaRobots = robots.String
		p.Lang = lang.String
		p.Source = types.Source(src.String)
		p.CrawledAt = parseTime(crawled)
		for _, f := range []struct {
			raw string
			dst any
		}{
			{headings, &p.Headings},
			{internal, &p.InternalLinks},
			{external, &p.ExternalLinks},
			{images, &p.Images},
			{sd, &p.StructuredData},
			{issues, &p.Issues},
		} {
			if err := unmarshalJSON(f.raw, f.dst); err != nil {
				return nil, storageErr("decode page", err)
			}
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

var _ Gateway = (*SQLiteGateway)(nil)
