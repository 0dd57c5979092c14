package storage

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/IshaanNene/seocrawl/internal/types"
)

func createOutput(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create output file: %w", err)
	}
	return f, nil
}

// --- JSON ---

// JSONSink buffers pages and writes them as one JSON array on Close.
type JSONSink struct {
	path   string
	pages  []*types.PageRecord
	mu     sync.Mutex
	logger *slog.Logger
}

// NewJSONSink creates a JSON array sink.
func NewJSONSink(path string, logger *slog.Logger) (*JSONSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &JSONSink{
		path:   path,
		pages:  make([]*types.PageRecord, 0),
		logger: logger.With("component", "json_sink"),
	}, nil
}

func (s *JSONSink) Name() string { return "json" }

func (s *JSONSink) SavePages(_ context.Context, pages []*types.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages = append(s.pages, pages...)
	s.logger.Debug("pages buffered", "count", len(pages), "total", len(s.pages))
	return nil
}

func (s *JSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := createOutput(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s.pages); err != nil {
		return fmt.Errorf("encode JSON: %w", err)
	}
	s.logger.Info("JSON written", "path", s.path, "pages", len(s.pages))
	return nil
}

// --- JSONL ---

// JSONLSink streams one JSON object per line.
type JSONLSink struct {
	path   string
	file   *os.File
	enc    *json.Encoder
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewJSONLSink creates a newline-delimited JSON sink.
func NewJSONLSink(path string, logger *slog.Logger) (*JSONLSink, error) {
	f, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	return &JSONLSink{
		path:   path,
		file:   f,
		enc:    json.NewEncoder(f),
		logger: logger.With("component", "jsonl_sink"),
	}, nil
}

func (s *JSONLSink) Name() string { return "jsonl" }

func (s *JSONLSink) SavePages(_ context.Context, pages []*types.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pages {
		if err := s.enc.Encode(p); err != nil {
			return fmt.Errorf("encode JSONL: %w", err)
		}
		s.count++
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.logger.Info("JSONL written", "path", s.path, "pages", s.count)
	return s.file.Close()
}

// --- CSV ---

// CSVSink writes one row per page using types.CSVColumns.
type CSVSink struct {
	path        string
	file        *os.File
	writer      *csv.Writer
	wroteHeader bool
	mu          sync.Mutex
	count       int
	logger      *slog.Logger
}

// NewCSVSink creates a CSV sink.
func NewCSVSink(path string, logger *slog.Logger) (*CSVSink, error) {
	f, err := createOutput(path)
	if err != nil {
		return nil, err
	}
	return &CSVSink{
		path:   path,
		file:   f,
		writer: csv.NewWriter(f),
		logger: logger.With("component", "csv_sink"),
	}, nil
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) SavePages(_ context.Context, pages []*types.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wroteHeader {
		if err := s.writer.Write(types.CSVColumns); err != nil {
			return fmt.Errorf("write CSV header: %w", err)
		}
		s.wroteHeader = true
	}
	for _, p := range pages {
		flat := p.ToFlatMap()
		row := make([]string, len(types.CSVColumns))
		for i, col := range types.CSVColumns {
			row[i] = flat[col]
		}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("write CSV row: %w", err)
		}
		s.count++
	}
	s.writer.Flush()
	return s.writer.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.wroteHeader {
		_ = s.writer.Write(types.CSVColumns)
	}
	s.writer.Flush()
	s.logger.Info("CSV written", "path", s.path, "pages", s.count)
	if err := s.writer.Error(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
