// Package fake provides a scripted harvest.PageDriver for tests.
package fake

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

// Anchor scripts one link on the fake page.
type Anchor struct {
	Text      string
	Href      string
	TextErr   error
	HrefErr   error
	ScriptErr error
}

// Element is a handle to a scripted node.
type Element struct {
	id     string
	anchor int
}

// ID returns the scripted node id.
func (e Element) ID() string { return e.id }

// Driver replays a scripted page and records every interaction.
type Driver struct {
	// NavigateErr fails Navigate.
	NavigateErr error
	// Clickable lists selectors WaitClickable can find.
	Clickable map[string]bool
	// ClickErr fails Click.
	ClickErr error
	// Anchors are returned by WaitPresentAll in order.
	Anchors []Anchor
	// LookupErr replaces the WaitPresentAll result when set.
	LookupErr error
	// CloseErr is returned by Close.
	CloseErr error

	mu        sync.Mutex
	navigated []string
	clicked   []string
	scripts   []string
	closed    int
}

var _ harvest.PageDriver = (*Driver)(nil)

// Navigate records url.
func (d *Driver) Navigate(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.navigated = append(d.navigated, url)
	return d.NavigateErr
}

// WaitClickable finds selector when it is listed in Clickable.
func (d *Driver) WaitClickable(_ context.Context, selector string, _ time.Duration) (harvest.Element, error) {
	if !d.Clickable[selector] {
		return nil, fmt.Errorf("%w: %s", harvest.ErrElementNotFound, selector)
	}
	return Element{id: selector, anchor: -1}, nil
}

// WaitPresentAll returns one element per scripted anchor.
func (d *Driver) WaitPresentAll(_ context.Context, selector string, _ time.Duration) ([]harvest.Element, error) {
	if d.LookupErr != nil {
		return nil, d.LookupErr
	}
	if len(d.Anchors) == 0 {
		return nil, fmt.Errorf("%w: %s", harvest.ErrElementNotFound, selector)
	}
	elements := make([]harvest.Element, 0, len(d.Anchors))
	for i := range d.Anchors {
		elements = append(elements, Element{id: "a" + strconv.Itoa(i), anchor: i})
	}
	return elements, nil
}

// Click records the element id.
func (d *Driver) Click(_ context.Context, el harvest.Element) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ClickErr != nil {
		return d.ClickErr
	}
	d.clicked = append(d.clicked, el.ID())
	return nil
}

// Text returns the scripted anchor text.
func (d *Driver) Text(_ context.Context, el harvest.Element) (string, error) {
	anchor, err := d.anchor(el)
	if err != nil {
		return "", err
	}
	return anchor.Text, anchor.TextErr
}

// Attribute returns the scripted href for name "href" and "" otherwise.
func (d *Driver) Attribute(_ context.Context, el harvest.Element, name string) (string, error) {
	anchor, err := d.anchor(el)
	if err != nil {
		return "", err
	}
	if name != "href" {
		return "", nil
	}
	return anchor.Href, anchor.HrefErr
}

// ExecuteScript records the element id the script ran against.
func (d *Driver) ExecuteScript(_ context.Context, script string, el harvest.Element) error {
	anchor, err := d.anchor(el)
	if err != nil {
		return err
	}
	if anchor.ScriptErr != nil {
		return anchor.ScriptErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.scripts = append(d.scripts, el.ID()+":"+script)
	return nil
}

// Close counts calls.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return d.CloseErr
}

func (d *Driver) anchor(el harvest.Element) (Anchor, error) {
	e, ok := el.(Element)
	if !ok || e.anchor < 0 || e.anchor >= len(d.Anchors) {
		return Anchor{}, fmt.Errorf("%w: %v", harvest.ErrElementNotFound, el)
	}
	return d.Anchors[e.anchor], nil
}

// Navigated lists the visited URLs.
func (d *Driver) Navigated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.navigated...)
}

// Clicked lists the ids passed to Click.
func (d *Driver) Clicked() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.clicked...)
}

// Scripts lists "id:script" for every ExecuteScript call.
func (d *Driver) Scripts() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.scripts...)
}

// Closed reports how many times Close ran.
func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Factory hands out Driver, or fails with Err.
type Factory struct {
	Driver *Driver
	Err    error

	mu     sync.Mutex
	opened int
}

// Open returns the scripted driver.
func (f *Factory) Open(_ context.Context) (harvest.PageDriver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	if f.Err != nil {
		return nil, f.Err
	}
	return f.Driver, nil
}

// Opened reports how many sessions were requested.
func (f *Factory) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}
