package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"reviewd/internal/embedding"
)

// SearchResult is one vector-search hit. Score is cosine similarity
// in [-1, 1].
type SearchResult struct {
	ID    string
	Score float64
}

// UpsertEmbedding stores a symbol's vector under (symbol_id, repo_id,
// branch).
func (s *Store) UpsertEmbedding(ctx context.Context, symbolID, repoID, branch string, vector []float32) error {
	if len(vector) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (symbol_id, repo_id, branch, dim, vector)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol_id, repo_id, branch) DO UPDATE SET
			dim = excluded.dim,
			vector = excluded.vector`,
		symbolID, repoID, branch, len(vector), encodeVector(vector))
	if err != nil {
		return fmt.Errorf("upsert embedding %s: %w", symbolID, err)
	}
	return nil
}

// SearchEmbeddings returns the topK nearest symbols by cosine
// similarity. With sqlite-vec present the distance is computed in SQL;
// otherwise the branch's vectors are scanned in Go.
func (s *Store) SearchEmbeddings(ctx context.Context, queryVec []float32, repoID, branch string, topK int) ([]SearchResult, error) {
	if len(queryVec) == 0 || topK <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.vecExt {
		return s.searchVec(ctx, queryVec, repoID, branch, topK)
	}
	return s.searchLinear(ctx, queryVec, repoID, branch, topK)
}

func (s *Store) searchVec(ctx context.Context, queryVec []float32, repoID, branch string, topK int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT symbol_id, vec_distance_cosine(vector, ?) AS distance
		FROM embeddings
		WHERE repo_id = ? AND branch = ? AND dim = ?
		ORDER BY distance ASC
		LIMIT ?`,
		encodeVector(queryVec), repoID, branch, len(queryVec), topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var distance float64
		if err := rows.Scan(&r.ID, &distance); err != nil {
			return nil, fmt.Errorf("scan vector hit: %w", err)
		}
		r.Score = 1 - distance
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) searchLinear(ctx context.Context, queryVec []float32, repoID, branch string, topK int) ([]SearchResult, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT symbol_id, vector FROM embeddings WHERE repo_id = ? AND branch = ? AND dim = ?",
		repoID, branch, len(queryVec))
	if err != nil {
		return nil, fmt.Errorf("load vectors: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan vector row: %w", err)
		}
		score, err := embedding.CosineSimilarity(queryVec, decodeVector(blob))
		if err != nil {
			continue
		}
		out = append(out, SearchResult{ID: id, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// encodeVector packs float32 values little-endian, the layout
// sqlite-vec expects for its distance functions.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec
}
