package types

import (
	"mime"
	"net/http"
	"strings"
	"time"
)

// FetchResult is the normalized outcome of one fetch, including the final
// attempt after retries. Err is set when no usable response was received.
type FetchResult struct {
	// RequestedURL is the URL handed to the fetcher.
	RequestedURL string `json:"requested_url"`

	// FinalURL is the URL after any redirects.
	FinalURL string `json:"final_url"`

	// StatusCode is the HTTP status code, or 0 when the request never completed.
	StatusCode int `json:"status_code"`

	// Body is the (possibly truncated) response body.
	Body []byte `json:"-"`

	// Headers are the response HTTP headers.
	Headers http.Header `json:"-"`

	// ResponseTime is how long the final attempt took.
	ResponseTime time.Duration `json:"response_time"`

	// ContentType is the MIME type of the response.
	ContentType string `json:"content_type"`

	// RedirectChain lists every URL visited before FinalURL.
	RedirectChain []string `json:"redirect_chain,omitempty"`

	// Truncated is true when the body was cut at the size limit.
	Truncated bool `json:"truncated,omitempty"`

	// Attempts is the number of requests issued, retries included.
	Attempts int `json:"attempts"`

	// FetchedAt is when the final attempt finished.
	FetchedAt time.Time `json:"fetched_at"`

	// Err is the terminal error when the fetch failed.
	Err error `json:"-"`
}

// ResponseTimeMs returns the response time in whole milliseconds.
func (r *FetchResult) ResponseTimeMs() int64 {
	return r.ResponseTime.Milliseconds()
}

// IsSuccess returns true if the response status is 2xx.
func (r *FetchResult) IsSuccess() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsClientError returns true if the response status is 4xx.
func (r *FetchResult) IsClientError() bool {
	return r.StatusCode >= 400 && r.StatusCode < 500
}

// IsServerError returns true if the response status is 5xx.
func (r *FetchResult) IsServerError() bool {
	return r.StatusCode >= 500 && r.StatusCode < 600
}

// IsHTML reports whether the response carries an HTML document.
func (r *FetchResult) IsHTML() bool {
	return IsHTMLContentType(r.ContentType)
}

// IsHTMLContentType reports whether a Content-Type header denotes HTML.
func IsHTMLContentType(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
