package collyfetcher

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDropCharset(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "text/csv; charset=iso-8859-1", want: "text/csv"},
		{in: "text/html;Charset=Windows-1252", want: "text/html"},
		{in: "text/csv", want: "text/csv"},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		h := http.Header{}
		if tt.in != "" {
			h.Set("Content-Type", tt.in)
		}
		dropCharset(h)
		assert.Equal(t, tt.want, h.Get("Content-Type"), tt.in)
	}
}

func TestChainTimeout(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 30*time.Second, chainTimeout(30*time.Second, time.Second, 1))
	assert.Equal(t, 4*30*time.Second+7*time.Second, chainTimeout(30*time.Second, time.Second, 4))
	assert.Equal(t, 10*time.Second, chainTimeout(10*time.Second, 0, 0))
}

func TestAttemptCounts(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("colly visit failed: %w", &url.Error{
		Op:  "Get",
		URL: "https://x/a.csv",
		Err: &attemptsError{attempts: 3, err: errors.New("connection reset")},
	})
	assert.Equal(t, 3, attemptsOf(wrapped))
	assert.ErrorContains(t, wrapped, "connection reset")
	assert.Equal(t, 1, attemptsOf(errors.New("plain")))

	h := http.Header{}
	assert.Equal(t, 1, attemptsFrom(&h))
	h.Set(attemptsHeader, "4")
	assert.Equal(t, 4, attemptsFrom(&h))
	assert.Equal(t, 1, attemptsFrom(nil))
}
