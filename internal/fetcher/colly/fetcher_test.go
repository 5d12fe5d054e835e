package collyfetcher

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/storage/local"
)

const sampleCSV = "date,price\n2024-01-01,10.5\n2024-01-02,11.0\n"

func TestDownloadWritesValidCSV(t *testing.T) {
	t.Parallel()

	var gotAuth, gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotUA.Store(r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, sampleCSV)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore("downloads_csv")
	f := newTestFetcher(t, Config{Username: "usuario", Password: "senha", MaxRetries: 4}, store)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/prices.csv", Title: "prices.csv"})

	require.Equal(t, harvest.StatusSuccess, outcome.Status, "err: %v", outcome.Err)
	require.Equal(t, "downloads_csv/prices.csv", outcome.File)
	require.Equal(t, 1, outcome.Attempts)
	require.Equal(t, http.StatusOK, outcome.StatusCode)
	require.EqualValues(t, len(sampleCSV), outcome.Bytes)
	sum := sha256.Sum256([]byte(sampleCSV))
	require.Equal(t, hex.EncodeToString(sum[:]), outcome.SHA256)
	require.Equal(t, sampleCSV, store.get("prices.csv"))
	require.Equal(t, "Basic dXN1YXJpbzpzZW5oYQ==", gotAuth.Load())
	require.Equal(t, "Mozilla/5.0", gotUA.Load())
}

func TestDownloadRetriesServerErrorsThenFails(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	sleeps := &sleepRecorder{}
	store := newFakeStore("out")
	f := New(Config{MaxRetries: 3, BackoffFactor: time.Second}, store, zap.NewNop(), WithSleep(sleeps.sleep))

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/a.csv", Title: "a.csv"})

	require.Equal(t, harvest.StatusFailed, outcome.Status)
	require.Equal(t, "a.csv", outcome.File)
	require.ErrorIs(t, outcome.Err, harvest.ErrUnexpectedStatus)
	require.Equal(t, http.StatusServiceUnavailable, outcome.StatusCode)
	require.Equal(t, 3, outcome.Attempts)
	require.EqualValues(t, 3, hits.Load())
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeps.all())
	require.Empty(t, store.get("a.csv"))
}

func TestDownloadRecoversAfterServerError(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, sampleCSV)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore("out")
	f := newTestFetcher(t, Config{MaxRetries: 4}, store)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/b.csv", Title: "b.csv"})

	require.Equal(t, harvest.StatusSuccess, outcome.Status, "err: %v", outcome.Err)
	require.Equal(t, 2, outcome.Attempts)
	require.EqualValues(t, 2, hits.Load())
	require.Equal(t, sampleCSV, store.get("b.csv"))
}

func TestDownloadRejectsHTMLWithoutRetry(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<!DOCTYPE html><html><body>login</body></html>")
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore("out")
	f := newTestFetcher(t, Config{MaxRetries: 4}, store)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/c.csv", Title: "c.csv"})

	require.Equal(t, harvest.StatusFailed, outcome.Status)
	require.Equal(t, "c.csv", outcome.File)
	require.ErrorIs(t, outcome.Err, harvest.ErrInvalidContent)
	require.EqualValues(t, 1, hits.Load())
	require.Zero(t, store.writes())
}

func TestDownloadKeepsServedBytesDespiteCharset(t *testing.T) {
	t.Parallel()

	const latin1 = "id,name\n1,Jos\xe9\n"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv; charset=iso-8859-1")
		_, _ = io.WriteString(w, latin1)
	}))
	t.Cleanup(srv.Close)

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	f := newTestFetcher(t, Config{MaxRetries: 4}, store)

	resp, err := f.Fetch(context.Background(), harvest.FetchRequest{URL: srv.URL + "/names.csv"})
	require.NoError(t, err)
	require.Equal(t, []byte(latin1), resp.Body)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/names.csv", Title: "names.csv"})

	require.Equal(t, harvest.StatusFailed, outcome.Status)
	require.ErrorIs(t, outcome.Err, harvest.ErrInvalidContent)
	require.Equal(t, 1, outcome.Attempts)
	_, statErr := os.Stat(filepath.Join(dir, "names.csv"))
	require.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestDownloadTimeoutIsPerAttempt(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(50 * time.Millisecond)
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, sampleCSV)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore("out")
	f := newTestFetcher(t, Config{MaxRetries: 4, Timeout: 150 * time.Millisecond}, store)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/slow.csv", Title: "slow.csv"})

	require.Equal(t, harvest.StatusSuccess, outcome.Status, "err: %v", outcome.Err)
	require.Equal(t, 4, outcome.Attempts)
	require.EqualValues(t, 4, hits.Load())
	require.Equal(t, sampleCSV, store.get("slow.csv"))
}

func TestDownloadRetriesAfterAttemptTimeout(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			<-r.Context().Done()
			return
		}
		_, _ = io.WriteString(w, sampleCSV)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore("out")
	f := newTestFetcher(t, Config{MaxRetries: 2, Timeout: 100 * time.Millisecond}, store)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/hang.csv", Title: "hang.csv"})

	require.Equal(t, harvest.StatusSuccess, outcome.Status, "err: %v", outcome.Err)
	require.Equal(t, 2, outcome.Attempts)
	require.EqualValues(t, 2, hits.Load())
	require.Equal(t, sampleCSV, store.get("hang.csv"))
}

func TestDownloadNotFoundFailsOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)

	f := newTestFetcher(t, Config{MaxRetries: 4}, newFakeStore("out"))
	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/d.csv", Title: "d.csv"})

	require.ErrorIs(t, outcome.Err, harvest.ErrUnexpectedStatus)
	require.Equal(t, http.StatusNotFound, outcome.StatusCode)
	require.EqualValues(t, 1, hits.Load())
}

func TestDownloadConnectionErrorsExhaustRetries(t *testing.T) {
	t.Parallel()

	rt := &stubRoundTripper{err: errors.New("connection refused")}
	sleeps := &sleepRecorder{}
	f := New(
		Config{MaxRetries: 4, RetryJitter: 500 * time.Millisecond},
		newFakeStore("out"),
		zap.NewNop(),
		WithTransport(rt),
		WithSleep(sleeps.sleep),
		WithJitter(func(limit time.Duration) time.Duration { return limit / 2 }),
	)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: "http://unreachable.test/e.csv", Title: "e.csv"})

	require.Equal(t, harvest.StatusFailed, outcome.Status)
	require.Equal(t, "e.csv", outcome.File)
	require.ErrorIs(t, outcome.Err, harvest.ErrTransient)
	require.Equal(t, 4, outcome.Attempts)
	require.EqualValues(t, 4, rt.calls.Load())
	require.Len(t, sleeps.all(), 3)
	for _, d := range sleeps.all() {
		require.Equal(t, 250*time.Millisecond, d)
	}
}

func TestDownloadStoreFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, sampleCSV)
	}))
	t.Cleanup(srv.Close)

	store := newFakeStore("out")
	store.err = errors.New("path is required")
	f := newTestFetcher(t, Config{MaxRetries: 2}, store)

	outcome := f.Download(context.Background(), harvest.CsvLink{URL: srv.URL + "/f.csv", Title: ""})

	require.Equal(t, harvest.StatusFailed, outcome.Status)
	require.Equal(t, "", outcome.File)
	require.ErrorContains(t, outcome.Err, "path is required")
}

func TestDownloadCanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rt := &stubRoundTripper{err: errors.New("unreachable")}
	f := New(Config{MaxRetries: 4}, newFakeStore("out"), zap.NewNop(), WithTransport(rt), WithSleep(harvest.NoSleep))
	outcome := f.Download(ctx, harvest.CsvLink{URL: "http://unreachable.test/g.csv", Title: "g.csv"})

	require.Equal(t, harvest.StatusFailed, outcome.Status)
	require.ErrorIs(t, outcome.Err, context.Canceled)
	require.Equal(t, 1, outcome.Attempts)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{Username: "u", Password: "p"}, newFakeStore("out"), zap.NewNop())
	req := harvest.FetchRequest{
		URL:     "https://example.com",
		Headers: map[string]string{"X-Trace": "yes"},
	}
	var result harvest.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	assert.Equal(t, "Basic dTpw", collyReq.Headers.Get("Authorization"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusAccepted,
		Body:       []byte("body"),
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	if result.StatusCode != http.StatusAccepted || string(result.Body) != "body" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, backoff(time.Second, 1))
	assert.Equal(t, 2*time.Second, backoff(time.Second, 2))
	assert.Equal(t, 8*time.Second, backoff(time.Second, 4))
	assert.Zero(t, backoff(0, 3))
}

func newTestFetcher(t *testing.T, cfg Config, store harvest.BlobStore) *Fetcher {
	t.Helper()
	return New(cfg, store, zap.NewNop(), WithSleep(harvest.NoSleep))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type stubRoundTripper struct {
	err   error
	calls atomic.Int32
}

func (s *stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	s.calls.Add(1)
	return nil, s.err
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func (s *sleepRecorder) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

type fakeStore struct {
	dir string
	err error

	mu      sync.Mutex
	objects map[string]string
	count   int
}

func newFakeStore(dir string) *fakeStore {
	return &fakeStore{dir: dir, objects: make(map[string]string)}
}

func (s *fakeStore) PutObject(_ context.Context, name, _ string, data io.Reader) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, data); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[name] = buf.String()
	s.count++
	return s.dir + "/" + name, nil
}

func (s *fakeStore) get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objects[name]
}

func (s *fakeStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
