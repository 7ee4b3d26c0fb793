package blob

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps every blob as a row of a single table.
type SQLiteStore struct {
	database *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	slog.Info("Opening database", "path", path)
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS blobs (
		key text not null primary key,
		content blob not null
		)`,
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create blobs table: %w", err)
	}
	return &SQLiteStore{database: db}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, key string) ([]byte, error) {
	var content []byte
	err := s.database.QueryRowContext(ctx, `SELECT content FROM blobs WHERE key = ?`, key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", key, err)
	}
	return content, nil
}

func (s *SQLiteStore) Write(ctx context.Context, key string, data []byte) error {
	if data == nil {
		data = []byte{}
	}
	if _, err := s.database.ExecContext(
		ctx, `INSERT INTO blobs (key, content) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET content = excluded.content`,
		key, data,
	); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	if err := s.database.QueryRowContext(ctx, `SELECT COUNT(1) FROM blobs WHERE key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to query %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Close() error {
	return s.database.Close()
}
