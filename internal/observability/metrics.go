package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Page outcomes recorded by PageCrawled.
const (
	OutcomeCrawled = "crawled"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds the crawler's Prometheus collectors on a private registry.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	pagesCrawled  *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	frontierSize  prometheus.Gauge
	jobsTotal     *prometheus.CounterVec
	activeCrawls  prometheus.Gauge
	safetyAborts  *prometheus.CounterVec

	logger *slog.Logger
}

// NewMetrics creates a new Metrics instance.
func NewMetrics(logger *slog.Logger) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pagesCrawled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seocrawl_pages_crawled_total",
				Help: "Pages processed, by outcome",
			},
			[]string{"outcome"},
		),
		fetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "seocrawl_fetch_duration_seconds",
				Help:    "Page fetch duration in seconds, retries included",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 30},
			},
		),
		frontierSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "seocrawl_frontier_size",
				Help: "URLs waiting in the frontier of the most recently active crawl",
			},
		),
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seocrawl_jobs_total",
				Help: "Crawl jobs reaching a status",
			},
			[]string{"status"},
		),
		activeCrawls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "seocrawl_active_crawls",
				Help: "Crawls currently running in this process",
			},
		),
		safetyAborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seocrawl_safety_aborts_total",
				Help: "Crawls halted by the safety circuit breaker, by reason",
			},
			[]string{"reason"},
		),
		logger: logger.With("component", "metrics"),
	}

	m.registry.MustRegister(
		m.pagesCrawled,
		m.fetchDuration,
		m.frontierSize,
		m.jobsTotal,
		m.activeCrawls,
		m.safetyAborts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// PageCrawled counts one processed frontier entry.
func (m *Metrics) PageCrawled(outcome string) {
	if m == nil {
		return
	}
	m.pagesCrawled.WithLabelValues(outcome).Inc()
}

// ObserveFetch records a fetch duration.
func (m *Metrics) ObserveFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

// SetFrontierSize records the pending frontier length.
func (m *Metrics) SetFrontierSize(n int) {
	if m == nil {
		return
	}
	m.frontierSize.Set(float64(n))
}

// JobFinished counts a job reaching status.
func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}

// CrawlStarted increments the active crawl gauge.
func (m *Metrics) CrawlStarted() {
	if m == nil {
		return
	}
	m.activeCrawls.Inc()
}

// CrawlStopped decrements the active crawl gauge.
func (m *Metrics) CrawlStopped() {
	if m == nil {
		return
	}
	m.activeCrawls.Dec()
}

// SafetyAbort counts a circuit-breaker abort.
func (m *Metrics) SafetyAbort(reason string) {
	if m == nil {
		return
	}
	m.safetyAborts.WithLabelValues(reason).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves metrics on port until ctx is done.
func (m *Metrics) StartServer(ctx context.Context, port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.logger.Info("metrics server starting", "addr", srv.Addr, "path", path)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", "error", err)
		}
	}()
	return nil
}
