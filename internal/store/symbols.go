package store

import (
	"context"
	"database/sql"
	"fmt"

	"reviewd/internal/graph"
)

// SaveSymbols upserts symbols under (id, repo_id, branch) in one
// transaction. Re-parsing a file overwrites the previous rows.
func (s *Store) SaveSymbols(ctx context.Context, symbols []*graph.Symbol, branch string) error {
	if len(symbols) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save symbols: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO symbols (id, repo_id, branch, file_path, name, qualified_name, kind, signature, start_line, end_line, doc_comment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, repo_id, branch) DO UPDATE SET
			file_path = excluded.file_path,
			name = excluded.name,
			qualified_name = excluded.qualified_name,
			kind = excluded.kind,
			signature = excluded.signature,
			start_line = excluded.start_line,
			end_line = excluded.end_line,
			doc_comment = excluded.doc_comment`)
	if err != nil {
		return fmt.Errorf("prepare save symbols: %w", err)
	}
	defer stmt.Close()

	for _, sym := range symbols {
		if _, err := stmt.ExecContext(ctx,
			sym.ID, sym.RepoID, branch, sym.FilePath, sym.Name, sym.QualifiedName,
			string(sym.Kind), sym.Signature, sym.StartLine, sym.EndLine, sym.DocComment,
		); err != nil {
			return fmt.Errorf("save symbol %s: %w", sym.ID, err)
		}
	}
	return tx.Commit()
}

// SaveEdges inserts edges without dedup; parsers may legitimately emit
// the same relation twice.
func (s *Store) SaveEdges(ctx context.Context, edges []graph.Edge, branch string) error {
	if len(edges) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save edges: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO edges (repo_id, branch, from_id, to_id, kind) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare save edges: %w", err)
	}
	defer stmt.Close()

	for _, e := range edges {
		if _, err := stmt.ExecContext(ctx, e.RepoID, branch, e.From, e.To, string(e.Kind)); err != nil {
			return fmt.Errorf("save edge %s -> %s: %w", e.From, e.To, err)
		}
	}
	return tx.Commit()
}

// DeleteByFile removes a file's symbols, every edge whose endpoint
// carries the file's symbol-id prefix, and the embeddings of those
// symbols, all in one transaction.
func (s *Store) DeleteByFile(ctx context.Context, filePath, repoID, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete by file: %w", err)
	}
	defer tx.Rollback()

	prefix := filePath + ":"
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM symbols WHERE repo_id = ? AND branch = ? AND file_path = ?",
		repoID, branch, filePath); err != nil {
		return fmt.Errorf("delete symbols of %s: %w", filePath, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE repo_id = ? AND branch = ?
		 AND (substr(from_id, 1, length(?)) = ? OR substr(to_id, 1, length(?)) = ?)`,
		repoID, branch, prefix, prefix, prefix, prefix); err != nil {
		return fmt.Errorf("delete edges of %s: %w", filePath, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM embeddings WHERE repo_id = ? AND branch = ? AND substr(symbol_id, 1, length(?)) = ?",
		repoID, branch, prefix, prefix); err != nil {
		return fmt.Errorf("delete embeddings of %s: %w", filePath, err)
	}
	return tx.Commit()
}

// DeleteAllForBranch clears every graph row of a branch. Full indexing
// starts here so stale symbols cannot survive a deletion upstream.
func (s *Store) DeleteAllForBranch(ctx context.Context, repoID, branch string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin branch delete: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"symbols", "edges", "embeddings", "graph_snapshots"} {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE repo_id = ? AND branch = ?", table),
			repoID, branch); err != nil {
			return fmt.Errorf("clear %s for %s/%s: %w", table, repoID, branch, err)
		}
	}
	return tx.Commit()
}

// LoadAll returns every symbol and edge of a branch, the row-level
// fallback when no snapshot exists.
func (s *Store) LoadAll(ctx context.Context, repoID, branch string) ([]*graph.Symbol, []graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, repo_id, file_path, name, qualified_name, kind, signature, start_line, end_line, doc_comment
		FROM symbols WHERE repo_id = ? AND branch = ?`, repoID, branch)
	if err != nil {
		return nil, nil, fmt.Errorf("load symbols: %w", err)
	}
	defer rows.Close()

	var symbols []*graph.Symbol
	for rows.Next() {
		var sym graph.Symbol
		var kind string
		if err := rows.Scan(&sym.ID, &sym.RepoID, &sym.FilePath, &sym.Name, &sym.QualifiedName,
			&kind, &sym.Signature, &sym.StartLine, &sym.EndLine, &sym.DocComment); err != nil {
			return nil, nil, fmt.Errorf("scan symbol: %w", err)
		}
		sym.Kind = graph.SymbolKind(kind)
		symbols = append(symbols, &sym)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	edgeRows, err := s.db.QueryContext(ctx,
		"SELECT repo_id, from_id, to_id, kind FROM edges WHERE repo_id = ? AND branch = ?",
		repoID, branch)
	if err != nil {
		return nil, nil, fmt.Errorf("load edges: %w", err)
	}
	defer edgeRows.Close()

	var edges []graph.Edge
	for edgeRows.Next() {
		var e graph.Edge
		var kind string
		if err := edgeRows.Scan(&e.RepoID, &e.From, &e.To, &kind); err != nil {
			return nil, nil, fmt.Errorf("scan edge: %w", err)
		}
		e.Kind = graph.EdgeKind(kind)
		edges = append(edges, e)
	}
	return symbols, edges, edgeRows.Err()
}

// SaveGraphSnapshot overwrites the serialized graph for a branch.
func (s *Store) SaveGraphSnapshot(ctx context.Context, repoID, branch, snapshot string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO graph_snapshots (repo_id, branch, snapshot, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(repo_id, branch) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = CURRENT_TIMESTAMP`,
		repoID, branch, snapshot)
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s: %w", repoID, branch, err)
	}
	return nil
}

// LoadGraphSnapshot returns the serialized graph, or "" when the
// branch has none.
func (s *Store) LoadGraphSnapshot(ctx context.Context, repoID, branch string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snapshot string
	err := s.db.QueryRowContext(ctx,
		"SELECT snapshot FROM graph_snapshots WHERE repo_id = ? AND branch = ?",
		repoID, branch).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load snapshot %s/%s: %w", repoID, branch, err)
	}
	return snapshot, nil
}

// CountSymbols reports how many symbols a branch holds.
func (s *Store) CountSymbols(ctx context.Context, repoID, branch string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM symbols WHERE repo_id = ? AND branch = ?",
		repoID, branch).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count symbols: %w", err)
	}
	return count, nil
}
