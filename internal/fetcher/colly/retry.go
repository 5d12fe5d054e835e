package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/metrics"
)

// attemptsHeader carries the round-trip count from the transport up to the
// collector's response hook.
const attemptsHeader = "X-Harvester-Attempts"

// retryTransport re-issues requests that come back with a 5xx status. It makes
// at most maxAttempts round trips, each bounded by timeout, and hands back the
// last response once they are spent. Connection errors pass straight through.
type retryTransport struct {
	base          http.RoundTripper
	maxAttempts   int
	backoffFactor time.Duration
	timeout       time.Duration
	sleep         harvest.SleepFunc
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request passed to retryTransport")
	}
	attempts := max(t.maxAttempts, 1)
	for attempt := 1; ; attempt++ {
		resp, err := t.roundTrip(req)
		if err != nil {
			return nil, &attemptsError{attempts: attempt, err: err}
		}
		if resp.StatusCode < http.StatusInternalServerError || attempt >= attempts {
			if resp.Header == nil {
				resp.Header = http.Header{}
			}
			resp.Header.Set(attemptsHeader, strconv.Itoa(attempt))
			dropCharset(resp.Header)
			return resp, nil
		}
		metrics.ObserveHTTPRetry(resp.StatusCode)
		drainAndClose(resp.Body)
		if err := t.sleep(req.Context(), backoff(t.backoffFactor, attempt)); err != nil {
			return nil, &attemptsError{attempts: attempt, err: fmt.Errorf("retry backoff sleep: %w", err)}
		}
	}
}

// roundTrip makes one request. The timeout also covers reading the body, so
// the deadline is released when the body is closed.
func (t *retryTransport) roundTrip(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.base.RoundTrip(cloneRequest(req.Context(), req))
	}
	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.base.RoundTrip(cloneRequest(ctx, req))
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Body == nil {
		cancel()
		return resp, nil
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// chainTimeout bounds a whole Fetch: every round trip at its own timeout plus
// the backoff between them.
func chainTimeout(timeout, factor time.Duration, attempts int) time.Duration {
	attempts = max(attempts, 1)
	total := time.Duration(attempts) * timeout
	for attempt := 1; attempt < attempts; attempt++ {
		total += backoff(factor, attempt)
	}
	return total
}

// dropCharset strips the Content-Type parameters. The collector transcodes
// bodies that declare a non-UTF-8 charset; without one it hands back the bytes
// as served.
func dropCharset(h http.Header) {
	contentType := h.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "charset") {
		return
	}
	mediaType, _, _ := strings.Cut(contentType, ";")
	h.Set("Content-Type", strings.TrimSpace(mediaType))
}

// attemptsFrom reads the round-trip count stamped by retryTransport.
func attemptsFrom(h *http.Header) int {
	if h == nil {
		return 1
	}
	n, err := strconv.Atoi(h.Get(attemptsHeader))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

type attemptsError struct {
	attempts int
	err      error
}

func (e *attemptsError) Error() string { return e.err.Error() }

func (e *attemptsError) Unwrap() error { return e.err }

// attemptsOf reports how many round trips a failed Fetch spent.
func attemptsOf(err error) int {
	var ae *attemptsError
	if errors.As(err, &ae) && ae.attempts > 0 {
		return ae.attempts
	}
	return 1
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// backoff is factor * 2^(attempt-1).
func backoff(factor time.Duration, attempt int) time.Duration {
	if factor <= 0 || attempt < 1 {
		return 0
	}
	return factor << (attempt - 1)
}

func cloneRequest(ctx context.Context, req *http.Request) *http.Request {
	clone := req.Clone(ctx)
	clone.Body = req.Body
	return clone
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
