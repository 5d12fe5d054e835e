package dispatcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/csv-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/storage/local"
)

// fakeDownloader fails any link whose title starts with "bad" and tracks
// the peak number of concurrent calls.
type fakeDownloader struct {
	delay   time.Duration
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	started []string
}

func (f *fakeDownloader) Download(_ context.Context, link harvest.CsvLink) harvest.Outcome {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	f.mu.Lock()
	f.started = append(f.started, link.Title)
	f.mu.Unlock()
	time.Sleep(f.delay)

	if strings.HasPrefix(link.Title, "bad") {
		return harvest.Outcome{Status: harvest.StatusFailed, File: link.Title, URL: link.URL, Title: link.Title}
	}
	return harvest.Outcome{Status: harvest.StatusSuccess, File: "downloads_csv/" + link.Title, URL: link.URL, Title: link.Title}
}

func links(titles ...string) []harvest.CsvLink {
	out := make([]harvest.CsvLink, 0, len(titles))
	for _, title := range titles {
		out = append(out, harvest.CsvLink{URL: "https://x/" + title, Title: title})
	}
	return out
}

func TestDownloadAllPartitionsOutcomes(t *testing.T) {
	t.Parallel()

	d := New(3, &fakeDownloader{})
	result := d.DownloadAll(context.Background(), links("a.csv", "bad1.csv", "b.csv", "bad2.csv", "c.csv"))

	require.Equal(t, 5, result.Total())
	succeeded := result.SucceededFiles()
	failed := result.FailedFiles()
	sort.Strings(succeeded)
	sort.Strings(failed)
	require.Equal(t, []string{"downloads_csv/a.csv", "downloads_csv/b.csv", "downloads_csv/c.csv"}, succeeded)
	require.Equal(t, []string{"bad1.csv", "bad2.csv"}, failed)
}

func TestDownloadAllEmpty(t *testing.T) {
	t.Parallel()

	downloader := &fakeDownloader{}
	result := New(5, downloader).DownloadAll(context.Background(), nil)
	require.Zero(t, result.Total())
	require.NotNil(t, result.Succeeded)
	require.NotNil(t, result.Failed)
	require.Empty(t, downloader.started)
}

func TestDownloadAllBoundsConcurrency(t *testing.T) {
	t.Parallel()

	titles := make([]string, 0, 20)
	for i := range 20 {
		titles = append(titles, fmt.Sprintf("f%02d.csv", i))
	}
	downloader := &fakeDownloader{delay: 10 * time.Millisecond}

	result := New(4, downloader).DownloadAll(context.Background(), links(titles...))
	require.Len(t, result.Succeeded, 20)
	require.LessOrEqual(t, downloader.peak.Load(), int32(4))
	require.GreaterOrEqual(t, downloader.peak.Load(), int32(2))
}

func TestDownloadAllAllFailed(t *testing.T) {
	t.Parallel()

	result := New(0, &fakeDownloader{}).DownloadAll(context.Background(), links("bad.csv", "bad.csv"))
	require.Empty(t, result.Succeeded)
	require.Equal(t, []string{"bad.csv", "bad.csv"}, result.FailedFiles())
}

func TestDownloadAllOverHTTP(t *testing.T) {
	t.Parallel()

	var gHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/f", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.WriteString(w, "a,b\n1,2\n")
	})
	mux.HandleFunc("/g", func(w http.ResponseWriter, _ *http.Request) {
		gHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/h", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html><body>session expired</body></html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	dir := filepath.Join(t.TempDir(), "downloads_csv")
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	fetcher := collyfetcher.New(
		collyfetcher.Config{MaxRetries: 3},
		store,
		zap.NewNop(),
		collyfetcher.WithSleep(harvest.NoSleep),
	)

	result := New(5, fetcher).DownloadAll(context.Background(), []harvest.CsvLink{
		{URL: srv.URL + "/f", Title: "f"},
		{URL: srv.URL + "/g", Title: "g"},
		{URL: srv.URL + "/h", Title: "h"},
	})

	require.Equal(t, 3, result.Total())
	require.Equal(t, []string{filepath.Join(dir, "f")}, result.SucceededFiles())
	failed := result.FailedFiles()
	sort.Strings(failed)
	require.Equal(t, []string{"g", "h"}, failed)
	require.EqualValues(t, 3, gHits.Load())

	data, err := os.ReadFile(filepath.Join(dir, "f"))
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(data))
	for _, name := range []string{"g", "h"} {
		_, err := os.Stat(filepath.Join(dir, name))
		require.ErrorIs(t, err, os.ErrNotExist, name)
	}
}

func TestNewDefaultsThreads(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultThreads, New(-1, &fakeDownloader{}).threads)
	require.Equal(t, 2, New(2, &fakeDownloader{}).threads)
}
