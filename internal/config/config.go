// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Target   TargetConfig   `mapstructure:"target"`
	Output   OutputConfig   `mapstructure:"output"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Browser  BrowserConfig  `mapstructure:"browser"`
	Download DownloadConfig `mapstructure:"download"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Server   ServerConfig   `mapstructure:"server"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// TargetConfig names the page that lists the CSV resources.
type TargetConfig struct {
	URL string `mapstructure:"url"`
}

// OutputConfig controls where downloads land.
type OutputConfig struct {
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// HTTPConfig configures the download client and its retry behavior.
type HTTPConfig struct {
	Username           string `mapstructure:"username"`
	Password           string `mapstructure:"password"`
	UserAgent          string `mapstructure:"user_agent"`
	TimeoutSeconds     int    `mapstructure:"timeout_seconds"`
	MaxRetries         int    `mapstructure:"max_retries"`
	BackoffFactorMs    int    `mapstructure:"backoff_factor_ms"`
	RetryJitterMs      int    `mapstructure:"retry_jitter_ms"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	MaxBodyBytes       int    `mapstructure:"max_body_bytes"`
}

// BrowserConfig configures the page driver used for link discovery.
type BrowserConfig struct {
	Driver                string `mapstructure:"driver"`
	Headless              bool   `mapstructure:"headless"`
	NavTimeoutSeconds     int    `mapstructure:"nav_timeout_seconds"`
	InterstitialTimeoutMs int    `mapstructure:"interstitial_timeout_ms"`
	LinkTimeoutMs         int    `mapstructure:"link_timeout_ms"`
	ClickSettleMs         int    `mapstructure:"click_settle_ms"`
	DetailsSelector       string `mapstructure:"details_selector"`
	ProceedSelector       string `mapstructure:"proceed_selector"`
	LinkSelector          string `mapstructure:"link_selector"`
}

// DownloadConfig sizes the download worker pool.
type DownloadConfig struct {
	Threads int `mapstructure:"threads"`
}

// ScheduleConfig sets the daily trigger.
type ScheduleConfig struct {
	At                  string `mapstructure:"at"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	Timezone            string `mapstructure:"timezone"`
}

// IngestConfig configures the CSV to document store job.
type IngestConfig struct {
	InputDir   string `mapstructure:"input_dir"`
	Collection string `mapstructure:"collection"`
	Store      string `mapstructure:"store"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// ServerConfig controls the ops HTTP server. Port 0 disables it.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features and file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
	Compress    bool   `mapstructure:"compress"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// Browser driver names.
const (
	DriverChromedp = "chromedp"
	DriverStatic   = "static"
)

// Document store names.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Ingest.InputDir == "" {
		cfg.Ingest.InputDir = cfg.Output.Dir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("target.url", "")
	v.SetDefault("output.dir", "downloads_csv")
	v.SetDefault("output.gcs_bucket", "")
	v.SetDefault("output.gcs_prefix", "csv")
	v.SetDefault("http.username", "")
	v.SetDefault("http.password", "")
	v.SetDefault("http.user_agent", "Mozilla/5.0")
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_retries", 4)
	v.SetDefault("http.backoff_factor_ms", 1000)
	v.SetDefault("http.retry_jitter_ms", 1000)
	v.SetDefault("http.insecure_skip_verify", true)
	v.SetDefault("http.max_body_bytes", 0)
	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.interstitial_timeout_ms", 2000)
	v.SetDefault("browser.link_timeout_ms", 2000)
	v.SetDefault("browser.click_settle_ms", 1000)
	v.SetDefault("browser.details_selector", "#details-button")
	v.SetDefault("browser.proceed_selector", "#proceed-link")
	v.SetDefault("browser.link_selector", "a[href*='.csv']")
	v.SetDefault("download.threads", 5)
	v.SetDefault("schedule.at", "17:13")
	v.SetDefault("schedule.poll_interval_seconds", 60)
	v.SetDefault("schedule.timezone", "")
	v.SetDefault("ingest.input_dir", "")
	v.SetDefault("ingest.collection", "collection")
	v.SetDefault("ingest.store", StoreMemory)
	v.SetDefault("ingest.dsn", "")
	v.SetDefault("ingest.table", "documents")
	v.SetDefault("ingest.sqlite_path", "harvester.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "csv-harvester")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries <= 0 {
		return fmt.Errorf("http.max_retries must be > 0")
	}
	if c.HTTP.BackoffFactorMs < 0 || c.HTTP.RetryJitterMs < 0 {
		return fmt.Errorf("http.backoff_factor_ms and http.retry_jitter_ms must be >= 0")
	}
	if c.Download.Threads <= 0 {
		return fmt.Errorf("download.threads must be > 0")
	}
	switch c.Browser.Driver {
	case DriverChromedp, DriverStatic:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverStatic, c.Browser.Driver)
	}
	if c.Browser.NavTimeoutSeconds <= 0 {
		return fmt.Errorf("browser.nav_timeout_seconds must be > 0")
	}
	if c.Browser.LinkSelector == "" {
		return fmt.Errorf("browser.link_selector must be set")
	}
	if _, _, err := ParseClock(c.Schedule.At); err != nil {
		return fmt.Errorf("schedule.at: %w", err)
	}
	if c.Schedule.PollIntervalSeconds <= 0 {
		return fmt.Errorf("schedule.poll_interval_seconds must be > 0")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("schedule.timezone: %w", err)
	}
	switch c.Ingest.Store {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.Ingest.DSN == "" {
			return fmt.Errorf("ingest.dsn must be set when ingest.store is postgres")
		}
	default:
		return fmt.Errorf("ingest.store must be one of memory, postgres, sqlite; got %q", c.Ingest.Store)
	}
	if c.Ingest.Collection == "" {
		return fmt.Errorf("ingest.collection must be set")
	}
	if c.Server.Port < 0 {
		return fmt.Errorf("server.port must be >= 0")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// ParseClock parses an "HH:MM" time of day.
func ParseClock(s string) (hour, minute int, err error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return hour, minute, nil
}

// Location resolves schedule.timezone, defaulting to local time.
func (c Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load location: %w", err)
	}
	return loc, nil
}

// RequestTimeout is the per-request HTTP timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BackoffFactor is the base delay for 5xx retries.
func (c Config) BackoffFactor() time.Duration {
	return time.Duration(c.HTTP.BackoffFactorMs) * time.Millisecond
}

// RetryJitter bounds the random pause between connection retries.
func (c Config) RetryJitter() time.Duration {
	return time.Duration(c.HTTP.RetryJitterMs) * time.Millisecond
}

// NavTimeout bounds page navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSeconds) * time.Second
}

// PollInterval is the scheduler's wake-up cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Schedule.PollIntervalSeconds) * time.Second
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// InterstitialTimeout bounds each interstitial control lookup.
func (c Config) InterstitialTimeout() time.Duration { return millis(c.Browser.InterstitialTimeoutMs) }

// LinkTimeout bounds the CSV anchor lookup.
func (c Config) LinkTimeout() time.Duration { return millis(c.Browser.LinkTimeoutMs) }

// ClickSettle is the pause after each simulated link click.
func (c Config) ClickSettle() time.Duration { return millis(c.Browser.ClickSettleMs) }
