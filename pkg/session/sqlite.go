package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// SQLiteTokenStore persists resume tokens in a SQLite database.
type SQLiteTokenStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// OpenSQLiteTokenStore opens (and creates if needed) the database at path.
func OpenSQLiteTokenStore(path string, logger zerolog.Logger) (*SQLiteTokenStore, error) {
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteTokenStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info().Str("path", path).Msg("Token store opened")
	return s, nil
}

func (s *SQLiteTokenStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS resume_tokens (
			identity TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_resume_tokens_updated ON resume_tokens(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteTokenStore) Load(ctx context.Context, identity string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM resume_tokens WHERE identity = ?`, identity,
	).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load token: %w", err)
	}
	return token, nil
}

func (s *SQLiteTokenStore) Save(ctx context.Context, identity, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resume_tokens (identity, token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at
	`, identity, token, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

func (s *SQLiteTokenStore) Delete(ctx context.Context, identity string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM resume_tokens WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}

// Prune deletes tokens not updated since cutoff and returns how many were removed.
func (s *SQLiteTokenStore) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM resume_tokens WHERE updated_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune tokens: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Count returns the number of stored tokens.
func (s *SQLiteTokenStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resume_tokens`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQLiteTokenStore) Close() error {
	s.logger.Info().Msg("Closing token store")
	return s.db.Close()
}
