package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage keeps the payloads of all indexes in one SQLite database,
// keyed by (index_name, id).
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, path: dbPath}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		index_name TEXT NOT NULL,
		id INTEGER NOT NULL,
		payload TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (index_name, id)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// Documents returns the store of the named index.
func (s *SQLiteStorage) Documents(name string) (DocumentStore, error) {
	if name == "" {
		return nil, fmt.Errorf("index name cannot be empty")
	}
	return &sqliteDocuments{db: s.db, index: name}, nil
}

// Paths returns the database file and its WAL companions.
func (s *SQLiteStorage) Paths() []string {
	return []string{s.path, s.path + "-wal", s.path + "-shm"}
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// sqliteDocuments is the view of one index inside the shared database.
type sqliteDocuments struct {
	db    *sql.DB
	index string
}

// Write upserts the payload in a single statement.
func (d *sqliteDocuments) Write(ctx context.Context, id int64, payload json.RawMessage) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO documents (index_name, id, payload, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(index_name, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		d.index, id, string(payload), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to store document %d: %w", id, err)
	}
	return nil
}

func (d *sqliteDocuments) Read(ctx context.Context, id int64) (json.RawMessage, error) {
	var payload string
	err := d.db.QueryRowContext(ctx,
		`SELECT payload FROM documents WHERE index_name = ? AND id = ?`, d.index, id,
	).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read document %d: %w", id, err)
	}
	return json.RawMessage(payload), nil
}

func (d *sqliteDocuments) Delete(ctx context.Context, id int64) error {
	if _, err := d.db.ExecContext(ctx,
		`DELETE FROM documents WHERE index_name = ? AND id = ?`, d.index, id,
	); err != nil {
		return fmt.Errorf("failed to delete document %d: %w", id, err)
	}
	return nil
}

func (d *sqliteDocuments) Count(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE index_name = ?`, d.index,
	).Scan(&count)
	return count, err
}

// Close is a no-op; the database is closed by SQLiteStorage.Close.
func (d *sqliteDocuments) Close() error { return nil }
