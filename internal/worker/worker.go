// Package worker runs one discovery and download cycle end to end.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/discovery"
	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/metrics"
	"github.com/JakeFAU/csv-harvester/internal/telemetry"
)

// Discoverer finds CSV links on a page.
type Discoverer interface {
	Discover(ctx context.Context, driver harvest.PageDriver, targetURL string) (discovery.Report, error)
}

// Fanout downloads a batch of links.
type Fanout interface {
	DownloadAll(ctx context.Context, links []harvest.CsvLink) harvest.Result
}

// Config controls Worker behavior.
type Config struct {
	TargetURL string
	// Topic receives the cycle report. Empty disables publishing.
	Topic string
}

// Cycle status labels used in metrics and logs.
const (
	statusSuccess = "success"
	statusPartial = "partial"
	statusFailed  = "failed"
	statusEmpty   = "empty"
)

// Worker executes cycles and keeps the most recent report.
type Worker struct {
	drivers    harvest.DriverFactory
	discoverer Discoverer
	fanout     Fanout
	publisher  harvest.Publisher
	ids        harvest.IDGenerator
	clock      clockwork.Clock
	cfg        Config
	logger     *zap.Logger

	mu   sync.RWMutex
	last *harvest.CycleReport
}

// New constructs a Worker.
func New(
	drivers harvest.DriverFactory,
	discoverer Discoverer,
	fanout Fanout,
	publisher harvest.Publisher,
	ids harvest.IDGenerator,
	clock clockwork.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	metrics.Init()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		drivers:    drivers,
		discoverer: discoverer,
		fanout:     fanout,
		publisher:  publisher,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("worker"),
	}
}

// Last returns the report of the most recent cycle.
func (w *Worker) Last() (harvest.CycleReport, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.last == nil {
		return harvest.CycleReport{}, false
	}
	return *w.last, true
}

// RunCycle opens a browser session, discovers links, downloads them and
// publishes the report. Only a failure to start the cycle or a canceled
// context is returned as an error wrapping harvest.ErrCycle. The browser
// session is closed on every path.
func (w *Worker) RunCycle(ctx context.Context) error {
	id, err := w.ids.NewID()
	if err != nil {
		return fmt.Errorf("%w: cycle id: %w", harvest.ErrCycle, err)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "harvest.cycle", trace.WithAttributes(
		attribute.String("cycle.id", id),
		attribute.String("cycle.target", w.cfg.TargetURL),
	))
	defer span.End()

	report := harvest.CycleReport{
		ID:        id,
		TargetURL: w.cfg.TargetURL,
		StartedAt: w.clock.Now(),
		Links:     []harvest.CsvLink{},
		Result:    harvest.Result{Succeeded: []harvest.Outcome{}, Failed: []harvest.Outcome{}},
	}
	logger := w.logger.With(zap.String("cycle_id", id), zap.String("target", w.cfg.TargetURL))

	cycleErr := w.run(ctx, logger, &report)
	if cycleErr == nil && ctx.Err() != nil {
		cycleErr = fmt.Errorf("%w: %w", harvest.ErrCycle, ctx.Err())
	}
	if cycleErr != nil {
		report.Err = cycleErr.Error()
	}
	report.FinishedAt = w.clock.Now()

	status := cycleStatus(report, cycleErr)
	metrics.ObserveCycle(status, len(report.Links), report.Duration())
	span.SetAttributes(
		attribute.String("cycle.status", status),
		attribute.Int("cycle.links", len(report.Links)),
	)
	if cycleErr != nil {
		span.RecordError(cycleErr)
		span.SetStatus(codes.Error, cycleErr.Error())
	}
	w.store(report)
	w.publish(ctx, logger, report)

	logger.Info("cycle complete",
		zap.String("status", status),
		zap.Int("links", len(report.Links)),
		zap.Int("succeeded", len(report.Result.Succeeded)),
		zap.Int("failed", len(report.Result.Failed)),
		zap.Duration("duration", report.Duration()),
	)
	return cycleErr
}

func (w *Worker) run(ctx context.Context, logger *zap.Logger, report *harvest.CycleReport) error {
	driver, err := w.drivers.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: open browser: %w", harvest.ErrCycle, err)
	}
	defer func() {
		if closeErr := driver.Close(); closeErr != nil {
			logger.Error("failed to close browser session", zap.Error(closeErr))
		}
	}()

	found, err := w.discoverer.Discover(ctx, driver, w.cfg.TargetURL)
	if err != nil {
		logger.Error("link discovery failed", zap.Error(err))
	}
	report.Interstitial = found.Interstitial
	report.Skipped = len(found.Skipped)
	for _, skipped := range found.Skipped {
		logger.Error("skipped link",
			zap.Int("index", skipped.Index),
			zap.String("element", skipped.Element),
			zap.String("reason", skipped.Reason),
		)
	}
	for _, link := range found.Links {
		logger.Info("found link", zap.String("title", link.Title), zap.String("url", link.URL))
	}
	if len(found.Links) == 0 {
		logger.Warn("no CSV links found")
		return nil
	}
	report.Links = found.Links

	report.Result = w.fanout.DownloadAll(ctx, found.Links)
	logResult(logger, report.Result)
	return nil
}

func logResult(logger *zap.Logger, result harvest.Result) {
	logger.Info("downloads finished",
		zap.Int("succeeded", len(result.Succeeded)),
		zap.Int("failed", len(result.Failed)),
	)
	for _, o := range result.Succeeded {
		logger.Info("downloaded", zap.String("file", o.File), zap.String("sha256", o.SHA256), zap.Int64("bytes", o.Bytes))
	}
	for _, o := range result.Failed {
		logger.Error("download failed", zap.String("file", o.File), zap.String("url", o.URL), zap.Error(o.Err))
	}
}

func cycleStatus(report harvest.CycleReport, err error) string {
	switch {
	case err != nil:
		return statusFailed
	case report.Result.Total() == 0:
		return statusEmpty
	case len(report.Result.Failed) == 0:
		return statusSuccess
	case len(report.Result.Succeeded) == 0:
		return statusFailed
	default:
		return statusPartial
	}
}

func (w *Worker) store(report harvest.CycleReport) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.last = &report
}

func (w *Worker) publish(ctx context.Context, logger *zap.Logger, report harvest.CycleReport) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	msgID, err := w.publisher.Publish(ctx, w.cfg.Topic, report)
	if err != nil {
		logger.Error("failed to publish cycle report", zap.Error(err))
		return
	}
	logger.Info("cycle report published", zap.String("topic", w.cfg.Topic), zap.String("message_id", msgID))
}
