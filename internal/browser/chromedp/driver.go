// Package chromedpdriver implements harvest.PageDriver on top of a real
// Chrome session driven by chromedp.
package chromedpdriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/security"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

const defaultNavTimeout = 30 * time.Second

// Config controls the browser launched for each session.
type Config struct {
	Headless    bool
	UserAgent   string
	DownloadDir string
	NavTimeout  time.Duration
	// Headers are sent with every page request (for example basic auth).
	Headers map[string]string
}

// Factory launches one Chrome process per Open call.
type Factory struct {
	cfg    Config
	logger *zap.Logger
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, logger *zap.Logger) (*Factory, error) {
	if cfg.DownloadDir == "" {
		return nil, errors.New("download dir is required")
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = defaultNavTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, logger: logger.Named("chromedp")}, nil
}

func (f *Factory) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", true),
		chromedp.Flag("incognito", true),
		chromedp.Flag("start-maximized", true),
		chromedp.Flag("disable-popup-blocking", true),
	)
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	return opts
}

// Open starts a browser, accepts downloads into the output directory and
// ignores certificate errors for the session.
func (f *Factory) Open(ctx context.Context) (harvest.PageDriver, error) {
	downloadDir, err := filepath.Abs(f.cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("resolve download dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, f.allocatorOptions()...)
	sugar := f.logger.Sugar()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Errorf),
	)

	setup := []chromedp.Action{
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(downloadDir),
		security.SetIgnoreCertificateErrors(true),
		headersAction(f.cfg.Headers),
	}
	if err := chromedp.Run(browserCtx, setup...); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	f.logger.Debug("browser session opened", zap.String("download_dir", downloadDir))

	return &Driver{
		ctx:         browserCtx,
		cancel:      browserCancel,
		allocCancel: allocCancel,
		navTimeout:  f.cfg.NavTimeout,
	}, nil
}

func headersAction(headers map[string]string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if len(headers) == 0 {
			return nil
		}
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

func toNetworkHeaders(headers map[string]string) network.Headers {
	out := make(network.Headers, len(headers))
	for key, value := range headers {
		out[key] = value
	}
	return out
}

// Element wraps a DOM node resolved in a Driver session.
type Element struct {
	node *cdp.Node
}

// ID returns the CDP node id.
func (e Element) ID() string {
	if e.node == nil {
		return ""
	}
	return strconv.FormatInt(int64(e.node.NodeID), 10)
}

// Driver is one open Chrome tab.
type Driver struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	navTimeout  time.Duration
}

// run executes actions on the tab, bounded by timeout and by the caller's ctx.
func (d *Driver) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(d.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Navigate loads url and waits for the document body.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	err := d.run(ctx, d.navTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// WaitClickable waits for the first visible match of selector.
func (d *Driver) WaitClickable(ctx context.Context, selector string, timeout time.Duration) (harvest.Element, error) {
	var nodes []*cdp.Node
	err := d.run(ctx, timeout, chromedp.Nodes(selector, &nodes, chromedp.ByQuery, chromedp.NodeVisible))
	if err != nil {
		return nil, lookupError(ctx, selector, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", harvest.ErrElementNotFound, selector)
	}
	return Element{node: nodes[0]}, nil
}

// WaitPresentAll waits until selector matches at least one node and returns
// every match in document order.
func (d *Driver) WaitPresentAll(ctx context.Context, selector string, timeout time.Duration) ([]harvest.Element, error) {
	var nodes []*cdp.Node
	err := d.run(ctx, timeout, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll))
	if err != nil {
		return nil, lookupError(ctx, selector, err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: %s", harvest.ErrElementNotFound, selector)
	}
	elements := make([]harvest.Element, 0, len(nodes))
	for _, node := range nodes {
		elements = append(elements, Element{node: node})
	}
	return elements, nil
}

// lookupError maps a wait deadline to ErrElementNotFound. Cancellation of the
// caller's ctx is reported as-is.
func lookupError(ctx context.Context, selector string, err error) error {
	if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", harvest.ErrElementNotFound, selector)
	}
	return fmt.Errorf("query %s: %w", selector, err)
}

// Click dispatches a real mouse click at the center of el.
func (d *Driver) Click(ctx context.Context, el harvest.Element) error {
	node, err := nodeOf(el)
	if err != nil {
		return err
	}
	if err := d.run(ctx, d.navTimeout, chromedp.MouseClickNode(node)); err != nil {
		return fmt.Errorf("click node %s: %w", el.ID(), err)
	}
	return nil
}

const (
	textFunction      = `function(el) { return (el.innerText || el.textContent || ""); }`
	attributeFunction = `function(el, name) {
	const v = el[name];
	if (v !== undefined && v !== null && typeof v !== "object") { return String(v); }
	return el.getAttribute(name) || "";
}`
)

// Text returns the rendered text of el.
func (d *Driver) Text(ctx context.Context, el harvest.Element) (string, error) {
	var text string
	if err := d.callOn(ctx, el, textFunction, &text); err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return text, nil
}

// Attribute reads name as a DOM property, falling back to the raw attribute.
// For anchors this yields the absolute href.
func (d *Driver) Attribute(ctx context.Context, el harvest.Element, name string) (string, error) {
	var value string
	if err := d.callOn(ctx, el, attributeFunction, &value, name); err != nil {
		return "", fmt.Errorf("read attribute %s: %w", name, err)
	}
	return value, nil
}

// ExecuteScript calls the function declaration script with el as its first
// argument.
func (d *Driver) ExecuteScript(ctx context.Context, script string, el harvest.Element) error {
	if err := d.callOn(ctx, el, script, nil); err != nil {
		return fmt.Errorf("execute script: %w", err)
	}
	return nil
}

func (d *Driver) callOn(ctx context.Context, el harvest.Element, fn string, res *string, args ...any) error {
	node, err := nodeOf(el)
	if err != nil {
		return err
	}
	return d.run(ctx, d.navTimeout, callOnNode(node, fn, res, args...))
}

// callOnNode resolves node to a remote object and invokes fn with the object
// followed by args.
func callOnNode(node *cdp.Node, fn string, res *string, args ...any) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(node.NodeID).Do(ctx)
		if err != nil {
			return fmt.Errorf("resolve node: %w", err)
		}
		defer func() { _ = runtime.ReleaseObject(obj.ObjectID).Do(ctx) }()

		callArgs := []*runtime.CallArgument{{ObjectID: obj.ObjectID}}
		for _, arg := range args {
			raw, err := json.Marshal(arg)
			if err != nil {
				return fmt.Errorf("encode argument: %w", err)
			}
			callArgs = append(callArgs, &runtime.CallArgument{Value: raw})
		}

		result, exception, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithArguments(callArgs).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("call function: %w", err)
		}
		if exception != nil {
			return fmt.Errorf("script exception: %s", exception.Text)
		}
		if res == nil || result == nil || len(result.Value) == 0 {
			return nil
		}
		if err := json.Unmarshal([]byte(result.Value), res); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return nil
	})
}

func nodeOf(el harvest.Element) (*cdp.Node, error) {
	e, ok := el.(Element)
	if !ok || e.node == nil {
		return nil, fmt.Errorf("%w: foreign element %T", harvest.ErrElementNotFound, el)
	}
	return e.node, nil
}

// Close shuts the tab and the browser process.
func (d *Driver) Close() error {
	err := chromedp.Cancel(d.ctx)
	d.cancel()
	d.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}
