package harvest

import (
	"context"
	"io"
	"time"
)

// Element is an opaque handle to a DOM node owned by a PageDriver session.
type Element interface {
	// ID identifies the node within its session, for logging.
	ID() string
}

// PageDriver is one live browser-like session.
type PageDriver interface {
	Navigate(ctx context.Context, url string) error
	WaitClickable(ctx context.Context, selector string, timeout time.Duration) (Element, error)
	WaitPresentAll(ctx context.Context, selector string, timeout time.Duration) ([]Element, error)
	Click(ctx context.Context, el Element) error
	Text(ctx context.Context, el Element) (string, error)
	Attribute(ctx context.Context, el Element, name string) (string, error)
	ExecuteScript(ctx context.Context, script string, el Element) error
	Close() error
}

// DriverFactory opens a fresh PageDriver session per cycle.
type DriverFactory interface {
	Open(ctx context.Context) (PageDriver, error)
}

// BlobStore writes downloaded artifacts and returns their location.
type BlobStore interface {
	PutObject(ctx context.Context, name string, contentType string, data io.Reader) (string, error)
}

// DocumentStore persists ingested rows.
type DocumentStore interface {
	Insert(ctx context.Context, doc Document) error
}

// Publisher pushes cycle summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// IDGenerator produces cycle and document IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Downloader fetches, validates and stores one link. It never fails; the
// failure is carried in the Outcome.
type Downloader interface {
	Download(ctx context.Context, link CsvLink) Outcome
}
