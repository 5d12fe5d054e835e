// Package main wires together the csv-harvester binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/JakeFAU/csv-harvester/internal/api"
	chromedpdriver "github.com/JakeFAU/csv-harvester/internal/browser/chromedp"
	"github.com/JakeFAU/csv-harvester/internal/browser/static"
	"github.com/JakeFAU/csv-harvester/internal/config"
	"github.com/JakeFAU/csv-harvester/internal/discovery"
	"github.com/JakeFAU/csv-harvester/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/csv-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/id/uuid"
	"github.com/JakeFAU/csv-harvester/internal/ingest"
	"github.com/JakeFAU/csv-harvester/internal/logging"
	memorypublisher "github.com/JakeFAU/csv-harvester/internal/publisher/memory"
	pspublisher "github.com/JakeFAU/csv-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/csv-harvester/internal/scheduler"
	"github.com/JakeFAU/csv-harvester/internal/storage"
	"github.com/JakeFAU/csv-harvester/internal/storage/gcs"
	"github.com/JakeFAU/csv-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/csv-harvester/internal/storage/memory"
	"github.com/JakeFAU/csv-harvester/internal/storage/postgres"
	"github.com/JakeFAU/csv-harvester/internal/storage/sqlite"
	"github.com/JakeFAU/csv-harvester/internal/telemetry"
	"github.com/JakeFAU/csv-harvester/internal/worker"
)

// Run modes.
const (
	modeSchedule = "schedule"
	modeOnce     = "once"
	modeIngest   = "ingest"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	envPath := flag.String("env", ".env", "Path to a .env file with credentials")
	mode := flag.String("mode", modeSchedule, "Run mode: schedule, once or ingest")
	flag.Parse()

	if err := run(*cfgPath, *envPath, *mode); err != nil {
		fmt.Fprintf(os.Stderr, "harvester: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath, envPath, mode string) error {
	if err := config.LoadEnvFile(envPath); err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil && !errors.Is(syncErr, syscall.ENOTTY) && !errors.Is(syncErr, syscall.EINVAL) {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Tracing.ServiceName)
		if err != nil {
			return fmt.Errorf("tracing init failed: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logger.Warn("tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	var runErr error
	switch mode {
	case modeSchedule, modeOnce:
		runErr = runHarvester(ctx, cfg, mode, logger)
	case modeIngest:
		runErr = runIngest(ctx, cfg, logger)
	default:
		runErr = fmt.Errorf("unknown mode %q", mode)
	}
	if runErr != nil {
		logger.Error("harvester stopped with error", zap.Error(runErr))
		return runErr
	}
	logger.Info("shutdown complete")
	return nil
}

func runHarvester(ctx context.Context, cfg config.Config, mode string, logger *zap.Logger) error {
	if cfg.Target.URL == "" {
		return errors.New("target.url is required")
	}
	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	blobStore, closeBlob, err := buildBlobStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeBlob)

	clock := clockwork.NewRealClock()
	fetcher := collyfetcher.New(collyfetcher.Config{
		Username:           cfg.HTTP.Username,
		Password:           cfg.HTTP.Password,
		UserAgent:          cfg.HTTP.UserAgent,
		Timeout:            cfg.RequestTimeout(),
		MaxRetries:         cfg.HTTP.MaxRetries,
		BackoffFactor:      cfg.BackoffFactor(),
		RetryJitter:        cfg.RetryJitter(),
		InsecureSkipVerify: cfg.HTTP.InsecureSkipVerify,
		MaxBodyBytes:       cfg.HTTP.MaxBodyBytes,
	}, blobStore, logger, collyfetcher.WithClock(clock))

	drivers, err := buildDriverFactory(cfg, fetcher, logger)
	if err != nil {
		return err
	}

	publisher, topic, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	closers = append(closers, closePublisher)

	disc := discovery.New(discovery.Config{
		DetailsSelector:     cfg.Browser.DetailsSelector,
		ProceedSelector:     cfg.Browser.ProceedSelector,
		LinkSelector:        cfg.Browser.LinkSelector,
		InterstitialTimeout: cfg.InterstitialTimeout(),
		LinkTimeout:         cfg.LinkTimeout(),
		ClickSettle:         cfg.ClickSettle(),
	}, logger, discovery.WithClock(clock))
	cycles := worker.New(
		drivers,
		disc,
		dispatcher.New(cfg.Download.Threads, fetcher),
		publisher,
		uuid.NewUUIDGenerator(),
		clock,
		worker.Config{TargetURL: cfg.Target.URL, Topic: topic},
		logger,
	)

	if mode == modeOnce {
		return cycles.RunCycle(ctx)
	}

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("schedule timezone: %w", err)
	}
	sched, err := scheduler.New(scheduler.Config{
		At:           cfg.Schedule.At,
		PollInterval: cfg.PollInterval(),
		Location:     loc,
	}, cycles.RunCycle, logger, scheduler.WithClock(clock))
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	srv := startOpsServer(ctx, cfg, sched, cycles, logger)
	runErr := sched.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}
	if runErr != nil {
		return fmt.Errorf("scheduler: %w", runErr)
	}
	return nil
}

func startOpsServer(ctx context.Context, cfg config.Config, sched *scheduler.Scheduler, reports api.ReportSource, logger *zap.Logger) *http.Server {
	if cfg.Server.Port == 0 {
		return nil
	}
	apiServer := api.NewServer(ctx, sched, reports, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	return srv
}

func buildBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvest.BlobStore, func(), error) {
	primary, err := local.New(local.Config{BaseDir: cfg.Output.Dir})
	if err != nil {
		return nil, nil, fmt.Errorf("local blob store: %w", err)
	}
	if cfg.Output.GCSBucket == "" {
		return primary, func() {}, nil
	}

	client, err := gcsstorage.NewClient(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("gcs client: %w", err)
	}
	replica, err := gcs.New(client, gcs.Config{Bucket: cfg.Output.GCSBucket, Prefix: cfg.Output.GCSPrefix})
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("gcs blob store: %w", err)
	}
	mirror, err := storage.NewMirror(primary, logger, replica)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("blob mirror: %w", err)
	}
	logger.Info("mirroring downloads to gcs", zap.String("bucket", cfg.Output.GCSBucket))
	return mirror, func() {
		if err := client.Close(); err != nil {
			logger.Warn("gcs client close failed", zap.Error(err))
		}
	}, nil
}

func buildDriverFactory(cfg config.Config, fetcher *collyfetcher.Fetcher, logger *zap.Logger) (harvest.DriverFactory, error) {
	switch cfg.Browser.Driver {
	case config.DriverStatic:
		return static.NewFactory(fetcher), nil
	case config.DriverChromedp, "":
		headers := map[string]string{}
		if cfg.HTTP.Username != "" {
			headers["Authorization"] = collyfetcher.BasicAuth(cfg.HTTP.Username, cfg.HTTP.Password)
		}
		factory, err := chromedpdriver.NewFactory(chromedpdriver.Config{
			Headless:    cfg.Browser.Headless,
			UserAgent:   cfg.HTTP.UserAgent,
			DownloadDir: cfg.Output.Dir,
			NavTimeout:  cfg.NavTimeout(),
			Headers:     headers,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("chromedp driver: %w", err)
		}
		return factory, nil
	default:
		return nil, fmt.Errorf("unknown browser driver %q", cfg.Browser.Driver)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (harvest.Publisher, string, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return memorypublisher.New(), "cycle-reports", func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", nil, fmt.Errorf("pubsub client: %w", err)
	}
	publisher := pspublisher.New(client)
	return publisher, cfg.PubSub.TopicName, func() {
		publisher.Close()
		_ = client.Close()
	}, nil
}

func runIngest(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, closeStore, err := buildDocumentStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	job, err := ingest.New(ingest.Config{
		InputDir:   cfg.Ingest.InputDir,
		Collection: cfg.Ingest.Collection,
	}, store, uuid.NewUUIDGenerator(), clockwork.NewRealClock(), logger)
	if err != nil {
		return err
	}
	summary, err := job.Run(ctx)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	if len(summary.FailedFiles) > 0 {
		logger.Warn("some files could not be ingested", zap.Strings("files", summary.FailedFiles))
	}
	return nil
}

func buildDocumentStore(ctx context.Context, cfg config.Config) (harvest.DocumentStore, func(), error) {
	switch cfg.Ingest.Store {
	case config.StorePostgres:
		store, err := postgres.NewDocumentStore(ctx, postgres.Config{DSN: cfg.Ingest.DSN, Table: cfg.Ingest.Table})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		return store, store.Close, nil
	case config.StoreSQLite:
		store, err := sqlite.New(ctx, cfg.Ingest.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return memorystorage.NewDocumentStore(), func() {}, nil
	}
}
