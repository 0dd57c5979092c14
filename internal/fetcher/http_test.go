package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IshaanNene/seocrawl/internal/config"
	"github.com/IshaanNene/seocrawl/internal/types"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testFetcherConfig() config.FetcherConfig {
	cfg := config.DefaultConfig().Fetcher
	cfg.RetryDelay = 10 * time.Millisecond
	return cfg
}

func newTestFetcher(maxRetries int, cfg config.FetcherConfig) *HTTPFetcher {
	job := types.JobConfig{UserAgent: "seocrawl-test/1.0", TimeoutMs: 5000, MaxRetries: maxRetries}
	return NewHTTPFetcher(job, cfg, testLogger)
}

func TestFetchHTML(t *testing.T) {
	var ua, accept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.Header.Get("User-Agent")
		accept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html><title>Hi</title></html>")
	}))
	defer srv.Close()

	f := newTestFetcher(2, testFetcherConfig())
	defer f.Close()
	res := f.Fetch(context.Background(), srv.URL+"/")

	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, res.IsHTML())
	assert.Equal(t, "<html><title>Hi</title></html>", string(res.Body))
	assert.Equal(t, srv.URL+"/", res.FinalURL)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.RedirectChain)
	assert.Equal(t, "seocrawl-test/1.0", ua)
	assert.Contains(t, accept, "text/html")
	assert.Equal(t, "http", f.Type())
}

func TestFetchDecompresses(t *testing.T) {
	const page = "<html><body>compressed body</body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		switch r.URL.Path {
		case "/br":
			bw := brotli.NewWriter(&buf)
			_, _ = bw.Write([]byte(page))
			_ = bw.Close()
			w.Header().Set("Content-Encoding", "br")
		case "/gzip":
			gw := gzip.NewWriter(&buf)
			_, _ = gw.Write([]byte(page))
			_ = gw.Close()
			w.Header().Set("Content-Encoding", "gzip")
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write(buf.Bytes())
	}))
	defer srv.Close()

	f := newTestFetcher(0, testFetcherConfig())
	for _, path := range []string{"/br", "/gzip"} {
		res := f.Fetch(context.Background(), srv.URL+path)
		require.NoError(t, res.Err, path)
		assert.Equal(t, page, string(res.Body), path)
	}
}

func TestFetchConvertsCharset(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		_, _ = w.Write([]byte("<p>caf\xe9</p>"))
	}))
	defer srv.Close()

	res := newTestFetcher(0, testFetcherConfig()).Fetch(context.Background(), srv.URL)
	require.NoError(t, res.Err)
	assert.Equal(t, "<p>café</p>", string(res.Body))
}

func TestFetchSniffsMissingContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>x</body></html>")
	}))
	defer srv.Close()

	res := newTestFetcher(0, testFetcherConfig()).Fetch(context.Background(), srv.URL)
	require.NoError(t, res.Err)
	assert.True(t, res.IsHTML(), res.ContentType)
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	start := time.Now()
	res := newTestFetcher(2, testFetcherConfig()).Fetch(context.Background(), srv.URL)
	require.NoError(t, res.Err)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
	// Linear delay: 10ms after the first attempt, 20ms after the second.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFetchExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := newTestFetcher(2, testFetcherConfig()).Fetch(context.Background(), srv.URL)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, types.ErrMaxRetries)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, 3, res.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestFetchRetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	res := newTestFetcher(1, testFetcherConfig()).Fetch(context.Background(), srv.URL)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestFetchClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "<h1>not found</h1>")
	}))
	defer srv.Close()

	res := newTestFetcher(3, testFetcherConfig()).Fetch(context.Background(), srv.URL)
	assert.NoError(t, res.Err, "a 404 page is a response, not a failure")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchNeverSendsCookies(t *testing.T) {
	var mu sync.Mutex
	var cookies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		cookies = append(cookies, r.Header.Get("Cookie"))
		mu.Unlock()
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	f := newTestFetcher(0, testFetcherConfig())
	f.Fetch(context.Background(), srv.URL+"/one")
	f.Fetch(context.Background(), srv.URL+"/two")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"", ""}, cookies)
}

func TestFetchWithClientDropsJar(t *testing.T) {
	client := &http.Client{Jar: &fakeJar{}}
	NewHTTPFetcherWithClient(client, types.JobConfig{}, testFetcherConfig(), testLogger)
	assert.Nil(t, client.Jar)
}

type fakeJar struct{ http.CookieJar }

func TestFetchTruncatesNonHTML(t *testing.T) {
	payload := strings.Repeat("x", 100)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/doc.pdf" {
			w.Header().Set("Content-Type", "application/pdf")
		} else {
			w.Header().Set("Content-Type", "text/html")
		}
		_, _ = io.WriteString(w, payload)
	}))
	defer srv.Close()

	cfg := testFetcherConfig()
	cfg.MaxNonHTMLBodySize = 10
	cfg.MaxBodySize = 1000
	f := newTestFetcher(0, cfg)

	res := f.Fetch(context.Background(), srv.URL+"/doc.pdf")
	require.NoError(t, res.Err)
	assert.Len(t, res.Body, 10)
	assert.True(t, res.Truncated)
	assert.False(t, res.IsHTML())

	res = f.Fetch(context.Background(), srv.URL+"/page")
	assert.Len(t, res.Body, 100)
	assert.False(t, res.Truncated)
}

func TestFetchFollowsRedirects(t *testing.T) {
	var authOnFinal string
	mux := http.NewServeMux()
	mux.HandleFunc("/r1", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/r2", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/r2", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		authOnFinal = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "done")
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(2, testFetcherConfig())
	res := f.Fetch(context.Background(), srv.URL+"/r1")
	require.NoError(t, res.Err)
	assert.Equal(t, srv.URL+"/final", res.FinalURL)
	assert.Equal(t, []string{srv.URL + "/r1", srv.URL + "/r2"}, res.RedirectChain)
	assert.Empty(t, authOnFinal)

	res = f.Fetch(context.Background(), srv.URL+"/loop")
	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts, "redirect loops are not retried")
}

func TestFetchNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	res := newTestFetcher(1, testFetcherConfig()).Fetch(context.Background(), addr+"/")
	require.Error(t, res.Err)
	assert.Equal(t, 0, res.StatusCode)
	assert.Equal(t, 2, res.Attempts)
	assert.ErrorIs(t, res.Err, types.ErrMaxRetries)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := newTestFetcher(0, testFetcherConfig())
	f.timeout = 50 * time.Millisecond
	res := f.Fetch(context.Background(), srv.URL)
	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, types.ErrTimeout)
	assert.Equal(t, 0, res.StatusCode)
}

func TestFetchCancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := newTestFetcher(3, testFetcherConfig()).Fetch(ctx, srv.URL)
	require.Error(t, res.Err)
	assert.Equal(t, 0, res.StatusCode)
	assert.LessOrEqual(t, res.Attempts, 1)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseRetryAfter(""))
	assert.Equal(t, 5*time.Second, parseRetryAfter("soon"))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, maxRetryAfter, parseRetryAfter("3600"))
	assert.Equal(t, time.Second, parseRetryAfter(time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)))
}

func TestNewSelectsFetcher(t *testing.T) {
	f, err := New(types.JobConfig{}, testFetcherConfig(), testLogger)
	require.NoError(t, err)
	assert.Equal(t, "http", f.Type())
}
