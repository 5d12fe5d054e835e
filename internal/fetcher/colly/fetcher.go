// Package collyfetcher implements the CSV download client using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/metrics"
)

// Config controls collector and retry behavior.
type Config struct {
	Username           string
	Password           string
	UserAgent          string
	Timeout            time.Duration
	MaxRetries         int
	BackoffFactor      time.Duration
	RetryJitter        time.Duration
	InsecureSkipVerify bool
	MaxBodyBytes       int
}

const (
	defaultUserAgent  = "Mozilla/5.0"
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 4
	csvContentType    = "text/csv"
)

// Fetcher performs validated CSV downloads through a shared Colly collector.
type Fetcher struct {
	cfg           Config
	store         harvest.BlobStore
	logger        *zap.Logger
	sleep         harvest.SleepFunc
	jitter        func(limit time.Duration) time.Duration
	baseCollector *colly.Collector
}

// Option customizes a Fetcher.
type Option func(*fetcherOptions)

type fetcherOptions struct {
	transport http.RoundTripper
	sleep     harvest.SleepFunc
	jitter    func(limit time.Duration) time.Duration
}

// WithTransport replaces the base HTTP transport below the retry layer.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *fetcherOptions) { o.transport = rt }
}

// WithSleep replaces the sleep used between retries.
func WithSleep(fn harvest.SleepFunc) Option {
	return func(o *fetcherOptions) { o.sleep = fn }
}

// WithClock times retry pauses on clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *fetcherOptions) { o.sleep = harvest.ClockSleep(clock) }
}

// WithJitter replaces the random pause generator used between connection retries.
func WithJitter(fn func(limit time.Duration) time.Duration) Option {
	return func(o *fetcherOptions) { o.jitter = fn }
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher that writes accepted payloads to store.
func New(cfg Config, store harvest.BlobStore, logger *zap.Logger, opts ...Option) *Fetcher {
	metrics.Init()
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	o := fetcherOptions{sleep: harvest.Sleep, jitter: uniformJitter}
	for _, opt := range opts {
		opt(&o)
	}
	base := o.transport
	if base == nil {
		base = NewTransport(cfg.InsecureSkipVerify)
	}
	if cfg.InsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled for downloads")
	}

	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.DetectCharset = false
	c.MaxBodySize = cfg.MaxBodyBytes
	c.UserAgent = cfg.UserAgent
	// Timeout applies per round trip inside retryTransport; the client only
	// bounds the whole retry chain.
	c.SetRequestTimeout(chainTimeout(cfg.Timeout, cfg.BackoffFactor, cfg.MaxRetries))
	c.WithTransport(&retryTransport{
		base:          base,
		maxAttempts:   cfg.MaxRetries,
		backoffFactor: cfg.BackoffFactor,
		timeout:       cfg.Timeout,
		sleep:         o.sleep,
	})

	return &Fetcher{
		cfg:           cfg,
		store:         store,
		logger:        logger.Named("fetcher"),
		sleep:         o.sleep,
		jitter:        o.jitter,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly. Non-200 responses are
// returned as data; only connection-level failures produce an error. The body
// is returned as served, without charset conversion.
func (f *Fetcher) Fetch(ctx context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error) {
	var (
		result   harvest.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return harvest.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request harvest.FetchRequest,
	start time.Time,
	result *harvest.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		if f.cfg.Username != "" {
			r.Headers.Set("Authorization", BasicAuth(f.cfg.Username, f.cfg.Password))
		}
		for key, value := range request.Headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = harvest.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Attempts:   attemptsFrom(r.Headers),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// Download fetches link, validates the payload and writes it under the link
// title. Every failure is reported through the returned Outcome.
func (f *Fetcher) Download(ctx context.Context, link harvest.CsvLink) harvest.Outcome {
	outcome := f.download(ctx, link)
	metrics.ObserveDownload(link.URL, string(outcome.Status), outcome.Attempts, outcome.Bytes)
	return outcome
}

func (f *Fetcher) download(ctx context.Context, link harvest.CsvLink) harvest.Outcome {
	logger := f.logger.With(zap.String("url", link.URL), zap.String("title", link.Title))
	failed := func(attempts, code int, err error) harvest.Outcome {
		return harvest.Outcome{
			Status:     harvest.StatusFailed,
			File:       link.Title,
			URL:        link.URL,
			Title:      link.Title,
			Attempts:   attempts,
			StatusCode: code,
			Err:        err,
		}
	}

	request := harvest.FetchRequest{URL: link.URL}
	spent := 0
	for attempt := 1; attempt <= f.cfg.MaxRetries; attempt++ {
		resp, err := f.Fetch(ctx, request)
		if err != nil {
			spent += attemptsOf(err)
			if ctx.Err() != nil {
				return failed(spent, 0, fmt.Errorf("download canceled: %w", ctx.Err()))
			}
			logger.Error("download attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			if attempt == f.cfg.MaxRetries {
				return failed(spent, 0, fmt.Errorf("%w: %d attempts: %v", harvest.ErrTransient, spent, err))
			}
			if err := f.sleep(ctx, f.jitter(f.cfg.RetryJitter)); err != nil {
				return failed(spent, 0, fmt.Errorf("download canceled: %w", err))
			}
			continue
		}
		spent += max(resp.Attempts, 1)

		if resp.StatusCode != http.StatusOK {
			logger.Warn("download rejected", zap.Int("status", resp.StatusCode), zap.Int("attempts", spent))
			return failed(spent, resp.StatusCode, fmt.Errorf("%w: %d", harvest.ErrUnexpectedStatus, resp.StatusCode))
		}
		if err := ValidateCSV(resp.Body); err != nil {
			logger.Warn("download rejected", zap.Int("status", resp.StatusCode), zap.Error(err))
			return failed(spent, resp.StatusCode, err)
		}

		path, err := f.store.PutObject(ctx, link.Title, csvContentType, bytes.NewReader(resp.Body))
		if err != nil {
			logger.Error("write failed", zap.Error(err))
			return failed(spent, resp.StatusCode, fmt.Errorf("write %q: %w", link.Title, err))
		}
		sum := sha256.Sum256(resp.Body)
		logger.Info("file saved", zap.String("path", path), zap.Int("bytes", len(resp.Body)))
		return harvest.Outcome{
			Status:     harvest.StatusSuccess,
			File:       path,
			URL:        link.URL,
			Title:      link.Title,
			Attempts:   spent,
			StatusCode: resp.StatusCode,
			Bytes:      int64(len(resp.Body)),
			SHA256:     hex.EncodeToString(sum[:]),
		}
	}
	return failed(0, 0, errors.New("no download attempts configured"))
}

// BasicAuth renders an Authorization header value for user and pass.
func BasicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func uniformJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit)
}

// NewTransport returns the pooled transport shared by the download client and
// the static page driver.
func NewTransport(insecureSkipVerify bool) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: insecureSkipVerify, //nolint:gosec // target hosts use self-signed certificates
		},
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
