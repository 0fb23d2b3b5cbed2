// Package store persists symbols, edges, graph snapshots, embeddings,
// reviews and PR state in a single SQLite database. Every table that
// holds graph data carries (repo_id, branch) in its primary key so
// branches never see each other's rows.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// Store wraps the SQLite handle. A single write connection with WAL
// and a busy timeout keeps writers from tripping over each other; the
// mutex serializes multi-statement operations.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
	logger *zap.Logger
	vecExt bool
}

// Open creates or opens the database at dbPath, applies the pragmas
// and runs migration. The embedding table is checked against dim and
// rebuilt on mismatch; pass 0 to leave it as is.
func Open(dbPath string, dim int, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &Store{
		db:     db,
		dbPath: dbPath,
		logger: logger,
	}
	s.vecExt = s.detectVecExtension()

	if err := s.Migrate(dim); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store opened",
		zap.String("path", dbPath),
		zap.Bool("vector_extension", s.vecExt))
	return s, nil
}

// detectVecExtension probes for the sqlite-vec extension. When the
// binary was built without it, vector search falls back to a linear
// scan in Go.
func (s *Store) detectVecExtension() bool {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		return false
	}
	s.logger.Debug("sqlite-vec available", zap.String("version", version))
	return true
}

// HasVectorExtension reports whether sqlite-vec distance functions are
// usable on this handle.
func (s *Store) HasVectorExtension() bool {
	return s.vecExt
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.dbPath
}
