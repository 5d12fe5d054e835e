// Package sqlite provides an embedded SQLite document store for ingested rows.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/JakeFAU/csv-harvester/internal/harvest"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// goose keeps its base FS and dialect in package state.
var migrateMu sync.Mutex

// DocumentStore persists documents in a single SQLite file.
type DocumentStore struct {
	conn *sql.DB
	path string
}

// New opens (creating if needed) the database at path and applies migrations.
func New(ctx context.Context, path string) (*DocumentStore, error) {
	if path == "" {
		return nil, fmt.Errorf("ingest.sqlite_path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &DocumentStore{conn: conn, path: path}
	if err := store.migrate(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return store, nil
}

func (s *DocumentStore) migrate() error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.Up(s.conn, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *DocumentStore) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// Insert stores one document.
func (s *DocumentStore) Insert(ctx context.Context, doc harvest.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	fields := doc.Fields
	if fields == nil {
		fields = map[string]string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	_, err = s.conn.ExecContext(ctx,
		`INSERT INTO documents (id, collection, source, fields, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Collection, doc.Source, string(fieldsJSON), doc.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// Documents returns every document in collection ordered by insertion.
func (s *DocumentStore) Documents(ctx context.Context, collection string) ([]harvest.Document, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, collection, source, fields, created_at FROM documents WHERE collection = ? ORDER BY rowid`,
		collection,
	)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []harvest.Document
	for rows.Next() {
		var (
			doc       harvest.Document
			rawFields string
			createdAt time.Time
		)
		if err := rows.Scan(&doc.ID, &doc.Collection, &doc.Source, &rawFields, &createdAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal([]byte(rawFields), &doc.Fields); err != nil {
			return nil, fmt.Errorf("decode fields for %s: %w", doc.ID, err)
		}
		doc.CreatedAt = createdAt
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}
