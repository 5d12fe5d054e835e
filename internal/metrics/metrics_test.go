package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := downloadsTotal
	Init()

	if downloadsTotal == nil || downloadsTotal != first {
		t.Fatal("Init() did not keep a single set of collectors")
	}
}

func TestObserveDownload(t *testing.T) {
	Init()

	before := testutil.ToFloat64(downloadsTotal.WithLabelValues("reports.test", "success"))
	beforeBytes := testutil.ToFloat64(downloadBytesTotal.WithLabelValues("reports.test"))

	ObserveDownload("https://reports.test/a.csv", "success", 2, 128)

	if got := testutil.ToFloat64(downloadsTotal.WithLabelValues("reports.test", "success")); got != before+1 {
		t.Errorf("expected downloads to grow by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(downloadBytesTotal.WithLabelValues("reports.test")); got != beforeBytes+128 {
		t.Errorf("expected bytes to grow by 128, got %f -> %f", beforeBytes, got)
	}
}

func TestObserveCycleSetsLinksGauge(t *testing.T) {
	Init()

	ObserveCycle("success", 7, 3*time.Second)
	if got := testutil.ToFloat64(linksDiscovered); got != 7 {
		t.Errorf("expected links gauge 7, got %f", got)
	}
	if got := testutil.CollectAndCount(cycleDurationSeconds); got != 1 {
		t.Errorf("expected cycle histogram to be collected, got %d", got)
	}
}

func TestActiveDownloadsGauge(t *testing.T) {
	Init()

	base := testutil.ToFloat64(activeDownloads)
	IncActiveDownloads()
	IncActiveDownloads()
	DecActiveDownloads()
	if got := testutil.ToFloat64(activeDownloads); got != base+1 {
		t.Errorf("expected gauge %f, got %f", base+1, got)
	}
	DecActiveDownloads()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
