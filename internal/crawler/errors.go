package crawler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error taxonomy shared by the pipeline stages. Stage errors wrap one of these
// so callers can classify with errors.Is.
var (
	// ErrPolicyDenied aborts a run before any listing page is fetched.
	ErrPolicyDenied = errors.New("crawl disallowed by robots policy")
	// ErrFetchFailed marks a page that still failed after bounded retries.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrPageNotFound signals a permanent 4xx: no further listing pages exist.
	ErrPageNotFound = errors.New("listing page not found")
	// ErrParseAnomaly marks a table row that was dropped by the parser.
	ErrParseAnomaly = errors.New("parse anomaly")
	// ErrMissingURL rejects a record without its identifying URL.
	ErrMissingURL = errors.New("record has no url")
	// ErrValidationFailed marks a record missing a required column.
	ErrValidationFailed = errors.New("record failed validation")
	// ErrStoreConflict marks a uniqueness violation on insert; callers skip the record.
	ErrStoreConflict = errors.New("store conflict")
	// ErrStoreFailure marks a batch that was rolled back.
	ErrStoreFailure = errors.New("store failure")
	// ErrBusy is returned when a job kind cannot be admitted.
	ErrBusy = errors.New("job already running")
)

// HTTPStatusError carries a non-success listing response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
	// RetryAfter is the server's requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// Transient reports whether a retry could plausibly succeed.
func (e *HTTPStatusError) Transient() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// ClassifyStatus maps a non-2xx status to the error the pipeline acts on.
// Permanent 4xx responses wrap ErrPageNotFound.
func ClassifyStatus(url string, code int) error {
	return ClassifyResponse(url, code, nil)
}

// ClassifyResponse is ClassifyStatus plus the Retry-After header of a 429 or
// 503 response.
func ClassifyResponse(url string, code int, header http.Header) error {
	statusErr := &HTTPStatusError{URL: url, StatusCode: code}
	if code == http.StatusTooManyRequests || code == http.StatusServiceUnavailable {
		statusErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"), time.Now())
	}
	if code >= 400 && code < 500 && !statusErr.Transient() {
		return fmt.Errorf("%w: %w", ErrPageNotFound, statusErr)
	}
	return statusErr
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
