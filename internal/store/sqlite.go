package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openacl/aclsync/internal/utils"
)

// SQLite pragmas for optimal performance
const defaultPragma = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
`

const schemaSQL = `
CREATE TABLE IF NOT EXISTS resources (
	path TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	ts TEXT NOT NULL
);
`

// sqliteConfig holds internal configuration for store creation
type sqliteConfig struct {
	path    string
	pragmas string
}

// SqliteOption defines a function that configures the store
type SqliteOption func(*sqliteConfig)

// WithPath sets the path for the SQLite database.
// Use ":memory:" for an in-memory database.
func WithPath(path string) SqliteOption {
	return func(c *sqliteConfig) {
		c.path = path
	}
}

// WithPragmas sets custom pragmas for the SQLite connection.
// This replaces the default pragmas.
func WithPragmas(pragmas string) SqliteOption {
	return func(c *sqliteConfig) {
		c.pragmas = pragmas
	}
}

// SqliteStore persists resources in a local SQLite database.
type SqliteStore struct {
	db *sqlx.DB
}

// NewSqliteStore opens (creating if needed) a SQLite-backed store.
func NewSqliteStore(opts ...SqliteOption) (*SqliteStore, error) {
	cfg := &sqliteConfig{
		path:    ":memory:",
		pragmas: defaultPragma,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	var dsn string
	if cfg.path != ":memory:" {
		if err := utils.EnsureParent(cfg.path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", cfg.path)
	} else {
		dsn = ":memory:"
	}

	slog.Info("store", "driver", "sqlite3", "path", cfg.path)
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if _, err := db.Exec(cfg.pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := s.db.GetContext(ctx, &data, "SELECT data FROM resources WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get resource %q: %w", path, err)
	}
	return data, nil
}

func (s *SqliteStore) Put(ctx context.Context, path string, data []byte, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO resources (path, data, ts) VALUES (?, ?, ?)`,
		path, data, ts.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put resource %q: %w", path, err)
	}
	return nil
}

func (s *SqliteStore) ListRecursive(ctx context.Context, prefix string) ([]string, error) {
	paths := []string{}
	err := s.db.SelectContext(ctx, &paths,
		"SELECT path FROM resources WHERE path LIKE ? || '%' ORDER BY path", prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list resources %q: %w", prefix, err)
	}
	return paths, nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SqliteStore)(nil)
