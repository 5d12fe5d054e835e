// Package ingest loads downloaded CSV files into a document store, one
// document per valid row.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/JakeFAU/csv-harvester/internal/harvest"
	"github.com/JakeFAU/csv-harvester/internal/metrics"
)

// ErrInvalidRow marks a row that was discarded.
var ErrInvalidRow = errors.New("invalid row")

// Row is one CSV record keyed by header.
type Row map[string]string

// Validate accepts a row only when every key and every value is non-blank.
func (r Row) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("%w: empty row", ErrInvalidRow)
	}
	for key, value := range r {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("%w: blank column name", ErrInvalidRow)
		}
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: blank value for %q", ErrInvalidRow, key)
		}
	}
	return nil
}

// Config selects what to read and where rows go.
type Config struct {
	InputDir   string
	Collection string
}

// FileSummary counts what happened to one file.
type FileSummary struct {
	File     string `json:"file"`
	Rows     int    `json:"rows"`
	Inserted int    `json:"inserted"`
	Rejected int    `json:"rejected"`
	Failed   int    `json:"failed"`
}

// Summary aggregates one Run.
type Summary struct {
	Files       []FileSummary `json:"files"`
	FailedFiles []string      `json:"failed_files"`
}

// Inserted is the number of documents written across all files.
func (s Summary) Inserted() int {
	total := 0
	for _, f := range s.Files {
		total += f.Inserted
	}
	return total
}

// Rejected is the number of rows discarded across all files.
func (s Summary) Rejected() int {
	total := 0
	for _, f := range s.Files {
		total += f.Rejected
	}
	return total
}

// Job reads CSV files and inserts their rows.
type Job struct {
	cfg    Config
	store  harvest.DocumentStore
	ids    harvest.IDGenerator
	clock  clockwork.Clock
	logger *zap.Logger
}

// New validates cfg and returns a Job.
func New(cfg Config, store harvest.DocumentStore, ids harvest.IDGenerator, clock clockwork.Clock, logger *zap.Logger) (*Job, error) {
	if cfg.InputDir == "" {
		return nil, errors.New("ingest: input dir is required")
	}
	if cfg.Collection == "" {
		return nil, errors.New("ingest: collection is required")
	}
	if store == nil || ids == nil {
		return nil, errors.New("ingest: store and id generator are required")
	}
	metrics.Init()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{cfg: cfg, store: store, ids: ids, clock: clock, logger: logger.Named("ingest")}, nil
}

// Run processes every *.csv file in the input directory in name order. A
// failure on one file is logged and recorded; the rest still run.
func (j *Job) Run(ctx context.Context) (Summary, error) {
	entries, err := os.ReadDir(j.cfg.InputDir)
	if err != nil {
		return Summary{}, fmt.Errorf("read input dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".csv") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	summary := Summary{Files: []FileSummary{}, FailedFiles: []string{}}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return summary, fmt.Errorf("ingest canceled: %w", err)
		}
		path := filepath.Join(j.cfg.InputDir, name)
		fs, err := j.ProcessFile(ctx, path)
		summary.Files = append(summary.Files, fs)
		if err != nil {
			j.logger.Error("failed to process file", zap.String("file", path), zap.Error(err))
			summary.FailedFiles = append(summary.FailedFiles, path)
			continue
		}
		j.logger.Info("file ingested",
			zap.String("file", path),
			zap.Int("inserted", fs.Inserted),
			zap.Int("rejected", fs.Rejected),
			zap.Int("failed", fs.Failed),
		)
	}
	j.logger.Info("ingest complete",
		zap.Int("files", len(summary.Files)),
		zap.Int("inserted", summary.Inserted()),
		zap.Int("rejected", summary.Rejected()),
	)
	return summary, nil
}

// ProcessFile inserts the valid rows of one file. Invalid rows and failed
// inserts are counted and skipped. A read or parse failure stops the file and
// returns the counts so far.
func (j *Job) ProcessFile(ctx context.Context, path string) (FileSummary, error) {
	summary := FileSummary{File: path}
	f, err := os.Open(path) //nolint:gosec // path comes from the configured input dir
	if err != nil {
		return summary, fmt.Errorf("read file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			j.logger.Warn("failed to close file", zap.String("file", path), zap.Error(closeErr))
		}
	}()

	// A leading byte order mark selects the decoder; without one the input is
	// read as UTF-8.
	reader := csv.NewReader(transform.NewReader(f, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return summary, nil
	}
	if err != nil {
		return summary, fmt.Errorf("read header: %w", err)
	}

	source := filepath.Base(path)
	logger := j.logger.With(zap.String("file", source))
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return summary, nil
		}
		if err != nil {
			return summary, fmt.Errorf("parse csv: %w", err)
		}
		summary.Rows++
		line, _ := reader.FieldPos(0)

		row, err := toRow(header, record)
		if err == nil {
			err = row.Validate()
		}
		if err != nil {
			summary.Rejected++
			metrics.ObserveIngestRow(j.cfg.Collection, "rejected")
			logger.Warn("invalid row discarded", zap.Int("line", line), zap.Error(err))
			continue
		}

		if err := j.insert(ctx, source, row); err != nil {
			if ctx.Err() != nil {
				return summary, fmt.Errorf("ingest canceled: %w", ctx.Err())
			}
			summary.Failed++
			metrics.ObserveIngestRow(j.cfg.Collection, "failed")
			logger.Error("failed to insert row", zap.Int("line", line), zap.Error(err))
			continue
		}
		summary.Inserted++
		metrics.ObserveIngestRow(j.cfg.Collection, "inserted")
		logger.Debug("row stored", zap.Int("line", line))
	}
}

func toRow(header, record []string) (Row, error) {
	if len(record) != len(header) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidRow, len(header), len(record))
	}
	row := make(Row, len(header))
	for i, key := range header {
		row[key] = record[i]
	}
	return row, nil
}

func (j *Job) insert(ctx context.Context, source string, row Row) error {
	id, err := j.ids.NewID()
	if err != nil {
		return fmt.Errorf("document id: %w", err)
	}
	doc := harvest.Document{
		ID:         id,
		Collection: j.cfg.Collection,
		Source:     source,
		Fields:     row,
		CreatedAt:  j.clock.Now().UTC(),
	}
	if err := j.store.Insert(ctx, doc); err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}
