// Package static implements harvest.PageDriver over plain HTTP and goquery.
// It has no JavaScript runtime, so clicks and scripts are no-ops.
package static

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

// PageFetcher performs a single GET. The colly fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, request harvest.FetchRequest) (harvest.FetchResponse, error)
}

// Factory opens static sessions sharing one fetcher.
type Factory struct {
	fetcher PageFetcher
}

// NewFactory returns a Factory backed by fetcher.
func NewFactory(fetcher PageFetcher) *Factory {
	return &Factory{fetcher: fetcher}
}

// Open returns a fresh session with no page loaded.
func (f *Factory) Open(_ context.Context) (harvest.PageDriver, error) {
	if f.fetcher == nil {
		return nil, errors.New("static driver: fetcher is nil")
	}
	return &Driver{fetcher: f.fetcher}, nil
}

// Element is a node of the currently loaded document.
type Element struct {
	index int
	sel   *goquery.Selection
}

// ID returns the document-order index of the node.
func (e Element) ID() string {
	return strconv.Itoa(e.index)
}

// Driver holds the last page loaded by Navigate.
type Driver struct {
	fetcher PageFetcher

	mu     sync.Mutex
	doc    *goquery.Document
	base   *url.URL
	closed bool
}

// Navigate fetches pageURL and parses the response. Anything but 200 fails.
func (d *Driver) Navigate(ctx context.Context, pageURL string) error {
	base, err := url.Parse(pageURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	resp, err := d.fetcher.Fetch(ctx, harvest.FetchRequest{URL: pageURL})
	if err != nil {
		return fmt.Errorf("navigate %s: %w", pageURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("navigate %s: %w: %d", pageURL, harvest.ErrUnexpectedStatus, resp.StatusCode)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return fmt.Errorf("parse page: %w", err)
	}
	if resp.URL != "" {
		if final, err := url.Parse(resp.URL); err == nil {
			base = final
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.New("static driver: session closed")
	}
	d.doc = doc
	d.base = base
	return nil
}

func (d *Driver) find(selector string) (*goquery.Selection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.doc == nil {
		return nil, errors.New("static driver: no page loaded")
	}
	matches := d.doc.Find(selector)
	if matches.Length() == 0 {
		return nil, fmt.Errorf("%w: %s", harvest.ErrElementNotFound, selector)
	}
	return matches, nil
}

// WaitClickable returns the first match of selector. The document is static,
// so the timeout is not used.
func (d *Driver) WaitClickable(_ context.Context, selector string, _ time.Duration) (harvest.Element, error) {
	matches, err := d.find(selector)
	if err != nil {
		return nil, err
	}
	return Element{index: 0, sel: matches.First()}, nil
}

// WaitPresentAll returns every match of selector in document order.
func (d *Driver) WaitPresentAll(_ context.Context, selector string, _ time.Duration) ([]harvest.Element, error) {
	matches, err := d.find(selector)
	if err != nil {
		return nil, err
	}
	elements := make([]harvest.Element, 0, matches.Length())
	matches.Each(func(i int, s *goquery.Selection) {
		elements = append(elements, Element{index: i, sel: s})
	})
	return elements, nil
}

// Click is a no-op.
func (d *Driver) Click(_ context.Context, el harvest.Element) error {
	_, err := selectionOf(el)
	return err
}

// Text returns the concatenated text of el.
func (d *Driver) Text(_ context.Context, el harvest.Element) (string, error) {
	sel, err := selectionOf(el)
	if err != nil {
		return "", err
	}
	return sel.Text(), nil
}

// Attribute returns the attribute value. href and src are resolved against
// the page URL the way a browser resolves the DOM property.
func (d *Driver) Attribute(_ context.Context, el harvest.Element, name string) (string, error) {
	sel, err := selectionOf(el)
	if err != nil {
		return "", err
	}
	value, ok := sel.Attr(name)
	if !ok {
		return "", nil
	}
	value = strings.TrimSpace(value)
	if name != "href" && name != "src" {
		return value, nil
	}

	d.mu.Lock()
	base := d.base
	d.mu.Unlock()
	if base == nil {
		return value, nil
	}
	ref, err := url.Parse(value)
	if err != nil {
		return "", fmt.Errorf("parse %s %q: %w", name, value, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// ExecuteScript is a no-op.
func (d *Driver) ExecuteScript(_ context.Context, _ string, el harvest.Element) error {
	_, err := selectionOf(el)
	return err
}

// Close drops the loaded document.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doc = nil
	d.closed = true
	return nil
}

func selectionOf(el harvest.Element) (*goquery.Selection, error) {
	e, ok := el.(Element)
	if !ok || e.sel == nil {
		return nil, fmt.Errorf("%w: foreign element %T", harvest.ErrElementNotFound, el)
	}
	return e.sel, nil
}
