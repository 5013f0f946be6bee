package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrEmbeddingNotFound indicates no embedding row exists for a node.
var ErrEmbeddingNotFound = errors.New("embedding not found")

// Embedding is one stored vector, tagged with the model and the exact text
// it was generated from.
type Embedding struct {
	NodeID    string
	Model     string
	Dimension int
	InputText string
	Vector    []float32
	CreatedAt time.Time
}

// VectorHit is one vector search result. Distance is cosine distance
// (1 - cosine similarity); lower is closer.
type VectorHit struct {
	NodeID   string
	Distance float64
}

// PutEmbedding upserts the vector for a node.
func (s *Store) PutEmbedding(ctx context.Context, e Embedding) error {
	if len(e.Vector) == 0 {
		return fmt.Errorf("embedding vector must not be empty")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (node_id, model, dimension, input_text, vector, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			model = excluded.model,
			dimension = excluded.dimension,
			input_text = excluded.input_text,
			vector = excluded.vector,
			created_at = excluded.created_at`,
		e.NodeID, e.Model, len(e.Vector), e.InputText, encodeVector(e.Vector), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// GetEmbedding returns the stored embedding for a node.
func (s *Store) GetEmbedding(ctx context.Context, nodeID string) (*Embedding, error) {
	var e Embedding
	var blob []byte
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT node_id, model, dimension, input_text, vector, created_at FROM embeddings WHERE node_id = ?",
		nodeID).Scan(&e.NodeID, &e.Model, &e.Dimension, &e.InputText, &blob, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmbeddingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query embedding: %w", err)
	}
	e.Vector = decodeVector(blob)
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// DeleteEmbedding removes the vector for a node.
func (s *Store) DeleteEmbedding(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM embeddings WHERE node_id = ?", nodeID); err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

// VectorSearch scans stored vectors and returns the k closest nodes by
// cosine distance, honoring the same structured filters as text search.
// The scan is brute force; the corpus is per-user session history, not web
// scale.
func (s *Store) VectorSearch(ctx context.Context, query []float32, k int, filters SearchFilters) ([]VectorHit, error) {
	if len(query) == 0 {
		return nil, fmt.Errorf("query vector must not be empty")
	}
	if k <= 0 {
		k = 10
	}

	var sb strings.Builder
	sb.WriteString("SELECT e.node_id, e.vector FROM embeddings e JOIN nodes n ON n.node_id = e.node_id WHERE e.dimension = ?")
	args := []any{len(query)}
	where, filterArgs := buildFilterClauses("n", filters)
	for _, clause := range where {
		sb.WriteString(" AND ")
		sb.WriteString(clause)
	}
	args = append(args, filterArgs...)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []VectorHit
	for rows.Next() {
		var nodeID string
		var blob []byte
		if err := rows.Scan(&nodeID, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		hits = append(hits, VectorHit{NodeID: nodeID, Distance: CosineDistance(query, decodeVector(blob))})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// MissingEmbeddings lists node IDs that need (re-)embedding: no embedding
// row, a different model, or input text failing the isCurrent predicate.
func (s *Store) MissingEmbeddings(ctx context.Context, model string, isCurrent func(inputText string) bool, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.node_id, e.model, e.input_text
		FROM nodes n LEFT JOIN embeddings e ON e.node_id = n.node_id
		ORDER BY n.analyzed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query embedding coverage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var missing []string
	for rows.Next() {
		var nodeID string
		var gotModel, inputText sql.NullString
		if err := rows.Scan(&nodeID, &gotModel, &inputText); err != nil {
			return nil, fmt.Errorf("failed to scan embedding coverage row: %w", err)
		}
		stale := !gotModel.Valid || gotModel.String != model ||
			(isCurrent != nil && !isCurrent(inputText.String))
		if stale {
			missing = append(missing, nodeID)
			if limit > 0 && len(missing) >= limit {
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embedding coverage: %w", err)
	}
	return missing, nil
}

// Vectors are stored as little-endian float32 BLOBs.

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(blob []byte) []float32 {
	v := make([]float32, len(blob)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return v
}

// CosineDistance returns 1 - cosine similarity, in [0, 2].
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 2
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 2
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}
