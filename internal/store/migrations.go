package store

import (
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS repos (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	slug           TEXT NOT NULL UNIQUE,
	url            TEXT NOT NULL,
	platform       TEXT NOT NULL,
	default_branch TEXT NOT NULL DEFAULT 'main',
	clone_path     TEXT NOT NULL DEFAULT '',
	webhook_secret TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS symbols (
	id             TEXT NOT NULL,
	repo_id        TEXT NOT NULL,
	branch         TEXT NOT NULL DEFAULT 'main',
	file_path      TEXT NOT NULL,
	name           TEXT NOT NULL,
	qualified_name TEXT NOT NULL,
	kind           TEXT NOT NULL,
	signature      TEXT NOT NULL DEFAULT '',
	start_line     INTEGER NOT NULL DEFAULT 0,
	end_line       INTEGER NOT NULL DEFAULT 0,
	doc_comment    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (id, repo_id, branch)
);
CREATE INDEX IF NOT EXISTS idx_symbols_repo_branch ON symbols(repo_id, branch);
CREATE INDEX IF NOT EXISTS idx_symbols_file ON symbols(repo_id, branch, file_path);

CREATE TABLE IF NOT EXISTS edges (
	repo_id TEXT NOT NULL,
	branch  TEXT NOT NULL DEFAULT 'main',
	from_id TEXT NOT NULL,
	to_id   TEXT NOT NULL,
	kind    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_edges_repo_branch ON edges(repo_id, branch);
CREATE INDEX IF NOT EXISTS idx_edges_from ON edges(repo_id, branch, from_id);

CREATE TABLE IF NOT EXISTS graph_snapshots (
	repo_id    TEXT NOT NULL,
	branch     TEXT NOT NULL DEFAULT 'main',
	snapshot   TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (repo_id, branch)
);

CREATE TABLE IF NOT EXISTS embeddings (
	symbol_id TEXT NOT NULL,
	repo_id   TEXT NOT NULL,
	branch    TEXT NOT NULL DEFAULT 'main',
	dim       INTEGER NOT NULL,
	vector    BLOB NOT NULL,
	PRIMARY KEY (symbol_id, repo_id, branch)
);
CREATE INDEX IF NOT EXISTS idx_embeddings_repo ON embeddings(repo_id, branch);

CREATE TABLE IF NOT EXISTS reviews (
	id            TEXT PRIMARY KEY,
	repo_id       TEXT NOT NULL,
	pr_number     INTEGER NOT NULL,
	verdict       TEXT NOT NULL,
	comment_count INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_reviews_repo_pr ON reviews(repo_id, pr_number);

CREATE TABLE IF NOT EXISTS review_comments (
	id         TEXT PRIMARY KEY,
	review_id  TEXT NOT NULL,
	repo_id    TEXT NOT NULL,
	pr_number  INTEGER NOT NULL,
	file_path  TEXT NOT NULL,
	line       INTEGER NOT NULL,
	body       TEXT NOT NULL,
	severity   TEXT NOT NULL DEFAULT 'info',
	confidence REAL,
	embedding  BLOB,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_comments_repo ON review_comments(repo_id);

CREATE TABLE IF NOT EXISTS comment_feedback (
	comment_id TEXT PRIMARY KEY,
	signal     TEXT NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS pr_review_state (
	repo_id                 TEXT NOT NULL,
	pr_number               INTEGER NOT NULL,
	platform                TEXT NOT NULL,
	last_reviewed_iteration INTEGER NOT NULL DEFAULT 0,
	updated_at              TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (repo_id, pr_number, platform)
);

CREATE TABLE IF NOT EXISTS indexed_branches (
	repo_id    TEXT NOT NULL,
	branch     TEXT NOT NULL,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (repo_id, branch)
);
`

// branchedTable describes a graph table that gained the branch key
// after the single-branch era. Deployments created before that carry
// these tables without the column; migration rebuilds them in place
// because SQLite cannot recompose a primary key with ALTER TABLE.
type branchedTable struct {
	name    string
	create  string
	columns []string
}

var branchedTables = []branchedTable{
	{
		name: "symbols",
		create: `CREATE TABLE symbols (
			id TEXT NOT NULL, repo_id TEXT NOT NULL, branch TEXT NOT NULL DEFAULT 'main',
			file_path TEXT NOT NULL, name TEXT NOT NULL, qualified_name TEXT NOT NULL,
			kind TEXT NOT NULL, signature TEXT NOT NULL DEFAULT '',
			start_line INTEGER NOT NULL DEFAULT 0, end_line INTEGER NOT NULL DEFAULT 0,
			doc_comment TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (id, repo_id, branch))`,
		columns: []string{"id", "repo_id", "file_path", "name", "qualified_name", "kind", "signature", "start_line", "end_line", "doc_comment"},
	},
	{
		name: "edges",
		create: `CREATE TABLE edges (
			repo_id TEXT NOT NULL, branch TEXT NOT NULL DEFAULT 'main',
			from_id TEXT NOT NULL, to_id TEXT NOT NULL, kind TEXT NOT NULL)`,
		columns: []string{"repo_id", "from_id", "to_id", "kind"},
	},
	{
		name: "graph_snapshots",
		create: `CREATE TABLE graph_snapshots (
			repo_id TEXT NOT NULL, branch TEXT NOT NULL DEFAULT 'main',
			snapshot TEXT NOT NULL, updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (repo_id, branch))`,
		columns: []string{"repo_id", "snapshot"},
	},
	{
		name: "embeddings",
		create: `CREATE TABLE embeddings (
			symbol_id TEXT NOT NULL, repo_id TEXT NOT NULL, branch TEXT NOT NULL DEFAULT 'main',
			dim INTEGER NOT NULL, vector BLOB NOT NULL,
			PRIMARY KEY (symbol_id, repo_id, branch))`,
		columns: []string{"symbol_id", "repo_id", "dim", "vector"},
	},
}

// Migrate brings the schema up to date. It is idempotent: existing
// tables are left alone, single-branch tables are rebuilt with the
// branch key, and the embeddings table is dropped and recreated when
// its stored dimension differs from dim (the caller re-embeds after).
func (s *Store) Migrate(dim int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, bt := range branchedTables {
		exists, err := s.tableExists(bt.name)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		hasBranch, err := s.columnExists(bt.name, "branch")
		if err != nil {
			return err
		}
		if hasBranch {
			continue
		}
		if err := s.rebuildWithBranch(bt); err != nil {
			return fmt.Errorf("add branch column to %s: %w", bt.name, err)
		}
		s.logger.Info("migrated table to branch keys", zap.String("table", bt.name))
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if dim > 0 {
		if err := s.ensureEmbeddingDim(dim); err != nil {
			return err
		}
	}
	return nil
}

// rebuildWithBranch renames the old table aside, creates the branched
// layout and copies every row over with branch = 'main'.
func (s *Store) rebuildWithBranch(bt branchedTable) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	old := bt.name + "_pre_branch"
	if _, err := tx.Exec(fmt.Sprintf("ALTER TABLE %s RENAME TO %s", bt.name, old)); err != nil {
		return err
	}
	if _, err := tx.Exec(bt.create); err != nil {
		return err
	}
	cols := strings.Join(bt.columns, ", ")
	copyStmt := fmt.Sprintf(
		"INSERT INTO %s (%s, branch) SELECT %s, 'main' FROM %s",
		bt.name, cols, cols, old)
	if _, err := tx.Exec(copyStmt); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("DROP TABLE %s", old)); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureEmbeddingDim drops the embeddings table when its rows were
// written for a different model dimension.
func (s *Store) ensureEmbeddingDim(dim int) error {
	var stored int
	err := s.db.QueryRow("SELECT dim FROM embeddings LIMIT 1").Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		return nil
	case err != nil:
		return fmt.Errorf("read embedding dimension: %w", err)
	case stored == dim:
		return nil
	}

	s.logger.Warn("embedding dimension changed, dropping vectors",
		zap.Int("stored", stored), zap.Int("configured", dim))
	if _, err := s.db.Exec("DROP TABLE embeddings"); err != nil {
		return fmt.Errorf("drop embeddings: %w", err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("recreate embeddings: %w", err)
	}
	return nil
}

func (s *Store) tableExists(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return count > 0, nil
}

func (s *Store) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("inspect table %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dfltValue  sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &primaryKey); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// isMissingTable matches the sqlite error for a table that was never
// created, used by the backwards-compatible branch check.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
