// Package discovery finds downloadable CSV links on the target page through a
// harvest.PageDriver session.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

// ClickScript triggers the browser's own download of an anchor.
const ClickScript = "function(el) { el.click(); }"

// Config holds the selectors and waits used while walking the page.
type Config struct {
	DetailsSelector     string
	ProceedSelector     string
	LinkSelector        string
	InterstitialTimeout time.Duration
	LinkTimeout         time.Duration
	ClickSettle         time.Duration
}

// DefaultConfig returns the selectors of a Chrome certificate warning page and
// anchors whose href mentions ".csv".
func DefaultConfig() Config {
	return Config{
		DetailsSelector:     "#details-button",
		ProceedSelector:     "#proceed-link",
		LinkSelector:        "a[href*='.csv']",
		InterstitialTimeout: 2 * time.Second,
		LinkTimeout:         2 * time.Second,
		ClickSettle:         time.Second,
	}
}

// SkippedLink records an anchor that could not be read.
type SkippedLink struct {
	Index   int    `json:"index"`
	Element string `json:"element"`
	Reason  string `json:"reason"`
}

// Report is the outcome of one discovery pass.
type Report struct {
	Links        []harvest.CsvLink
	Skipped      []SkippedLink
	Interstitial bool
}

// Discoverer walks a page and collects CSV links in document order.
type Discoverer struct {
	cfg    Config
	logger *zap.Logger
	sleep  harvest.SleepFunc
}

// Option customizes a Discoverer.
type Option func(*Discoverer)

// WithSleep replaces the pause used after each link click.
func WithSleep(fn harvest.SleepFunc) Option {
	return func(d *Discoverer) { d.sleep = fn }
}

// WithClock times the click pause on clock.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Discoverer) { d.sleep = harvest.ClockSleep(clock) }
}

// New builds a Discoverer. Empty selectors and zero waits take defaults,
// except ClickSettle which may be zero.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Discoverer {
	defaults := DefaultConfig()
	if cfg.DetailsSelector == "" {
		cfg.DetailsSelector = defaults.DetailsSelector
	}
	if cfg.ProceedSelector == "" {
		cfg.ProceedSelector = defaults.ProceedSelector
	}
	if cfg.LinkSelector == "" {
		cfg.LinkSelector = defaults.LinkSelector
	}
	if cfg.InterstitialTimeout <= 0 {
		cfg.InterstitialTimeout = defaults.InterstitialTimeout
	}
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = defaults.LinkTimeout
	}
	if cfg.ClickSettle < 0 {
		cfg.ClickSettle = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Discoverer{cfg: cfg, logger: logger.Named("discovery"), sleep: harvest.Sleep}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Discover navigates to targetURL, dismisses a certificate interstitial when
// one is shown, and returns every CSV anchor with its trimmed text as title.
// Navigation and lookup failures return an empty Report and an error
// wrapping harvest.ErrDiscovery. A page without CSV anchors is not an error.
func (d *Discoverer) Discover(ctx context.Context, driver harvest.PageDriver, targetURL string) (Report, error) {
	var report Report
	if err := driver.Navigate(ctx, targetURL); err != nil {
		return Report{}, fmt.Errorf("%w: %w", harvest.ErrDiscovery, err)
	}

	dismissed, err := d.dismissInterstitial(ctx, driver)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %w", harvest.ErrDiscovery, err)
	}
	report.Interstitial = dismissed

	anchors, err := driver.WaitPresentAll(ctx, d.cfg.LinkSelector, d.cfg.LinkTimeout)
	if errors.Is(err, harvest.ErrElementNotFound) {
		return report, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("%w: find links: %w", harvest.ErrDiscovery, err)
	}

	for i, anchor := range anchors {
		link, ok, err := d.collect(ctx, driver, anchor)
		if err != nil {
			if ctx.Err() != nil {
				return Report{}, fmt.Errorf("%w: %w", harvest.ErrDiscovery, ctx.Err())
			}
			report.Skipped = append(report.Skipped, SkippedLink{
				Index:   i,
				Element: anchor.ID(),
				Reason:  err.Error(),
			})
			continue
		}
		if ok {
			report.Links = append(report.Links, link)
		}
	}
	return report, nil
}

// dismissInterstitial clicks through "details" then "proceed". A missing
// button means there is no interstitial.
func (d *Discoverer) dismissInterstitial(ctx context.Context, driver harvest.PageDriver) (bool, error) {
	for _, selector := range []string{d.cfg.DetailsSelector, d.cfg.ProceedSelector} {
		button, err := driver.WaitClickable(ctx, selector, d.cfg.InterstitialTimeout)
		if errors.Is(err, harvest.ErrElementNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("wait for %s: %w", selector, err)
		}
		if err := driver.Click(ctx, button); err != nil {
			return false, fmt.Errorf("click %s: %w", selector, err)
		}
	}
	d.logger.Debug("certificate interstitial dismissed")
	return true, nil
}

// collect reads one anchor. Anchors with an empty href are ignored.
func (d *Discoverer) collect(ctx context.Context, driver harvest.PageDriver, anchor harvest.Element) (harvest.CsvLink, bool, error) {
	text, err := driver.Text(ctx, anchor)
	if err != nil {
		return harvest.CsvLink{}, false, fmt.Errorf("read text: %w", err)
	}
	href, err := driver.Attribute(ctx, anchor, "href")
	if err != nil {
		return harvest.CsvLink{}, false, fmt.Errorf("read href: %w", err)
	}
	if href == "" {
		return harvest.CsvLink{}, false, nil
	}
	if err := driver.ExecuteScript(ctx, ClickScript, anchor); err != nil {
		return harvest.CsvLink{}, false, fmt.Errorf("click link: %w", err)
	}
	if err := d.sleep(ctx, d.cfg.ClickSettle); err != nil {
		return harvest.CsvLink{}, false, err
	}
	return harvest.CsvLink{URL: href, Title: strings.TrimSpace(text)}, true, nil
}
