package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

const kmeansMaxIterations = 25

// Cluster groups nodes whose embeddings sit near a shared centroid.
type Cluster struct {
	ID      int
	Label   string
	Size    int
	Members []ClusterMember
}

// ClusterMember is one node's assignment within a cluster.
type ClusterMember struct {
	NodeID   string
	Distance float64
}

// RecomputeClusters runs K-means++ over all stored embeddings of the given
// dimension and replaces the clusters tables. k is clamped to the corpus
// size; fewer than two vectors clears the tables.
func (s *Store) RecomputeClusters(ctx context.Context, dimension, k int) (int, error) {
	ids, vectors, err := s.allVectors(ctx, dimension)
	if err != nil {
		return 0, err
	}
	if len(vectors) < 2 || k < 1 {
		return 0, s.replaceClusters(ctx, nil, nil, nil)
	}
	if k > len(vectors) {
		k = len(vectors)
	}

	centroids := kmeansPlusPlusSeed(vectors, k)
	assignment := make([]int, len(vectors))
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := assignAll(vectors, centroids, assignment)
		recomputeCentroids(vectors, assignment, centroids)
		if !changed {
			break
		}
	}

	if err := s.replaceClusters(ctx, ids, vectors, assignment); err != nil {
		return 0, err
	}
	logger.Info(ctx, "clusters recomputed", tag.Count(k), tag.Size(len(vectors)))
	return k, nil
}

func (s *Store) allVectors(ctx context.Context, dimension int) ([]string, [][]float32, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT node_id, vector FROM embeddings WHERE dimension = ? ORDER BY node_id", dimension)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	var vectors [][]float32
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, nil, fmt.Errorf("failed to scan embedding: %w", err)
		}
		ids = append(ids, id)
		vectors = append(vectors, decodeVector(blob))
	}
	return ids, vectors, rows.Err()
}

// kmeansPlusPlusSeed picks initial centroids with probability proportional
// to squared distance from the nearest already-chosen centroid.
func kmeansPlusPlusSeed(vectors [][]float32, k int) [][]float32 {
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, cloneVector(vectors[rand.IntN(len(vectors))]))
	for len(centroids) < k {
		weights := make([]float64, len(vectors))
		var total float64
		for i, v := range vectors {
			best := 4.0 // > max cosine distance
			for _, c := range centroids {
				if d := CosineDistance(v, c); d < best {
					best = d
				}
			}
			weights[i] = best * best
			total += weights[i]
		}
		if total == 0 {
			centroids = append(centroids, cloneVector(vectors[rand.IntN(len(vectors))]))
			continue
		}
		target := rand.Float64() * total
		for i, w := range weights {
			target -= w
			if target <= 0 || i == len(weights)-1 {
				centroids = append(centroids, cloneVector(vectors[i]))
				break
			}
		}
	}
	return centroids
}

func assignAll(vectors, centroids [][]float32, assignment []int) bool {
	changed := false
	for i, v := range vectors {
		best := 0
		bestDist := CosineDistance(v, centroids[0])
		for c := 1; c < len(centroids); c++ {
			if d := CosineDistance(v, centroids[c]); d < bestDist {
				best, bestDist = c, d
			}
		}
		if assignment[i] != best {
			assignment[i] = best
			changed = true
		}
	}
	return changed
}

func recomputeCentroids(vectors [][]float32, assignment []int, centroids [][]float32) {
	dim := len(vectors[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for c := range sums {
		sums[c] = make([]float64, dim)
	}
	for i, v := range vectors {
		c := assignment[i]
		counts[c]++
		for d := range v {
			sums[c][d] += float64(v[d])
		}
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue // empty cluster keeps its previous centroid
		}
		for d := 0; d < dim; d++ {
			centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
		}
	}
}

func (s *Store) replaceClusters(ctx context.Context, ids []string, vectors [][]float32, assignment []int) error {
	now := formatTime(time.Now().UTC())
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"cluster_members", "clusters"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		centroids := make(map[int][]float32)
		sizes := make(map[int]int)
		for i := range ids {
			sizes[assignment[i]]++
		}
		// Recompute final centroids for persistence.
		dim := len(vectors[0])
		sums := make(map[int][]float64)
		for i, v := range vectors {
			c := assignment[i]
			if sums[c] == nil {
				sums[c] = make([]float64, dim)
			}
			for d := range v {
				sums[c][d] += float64(v[d])
			}
		}
		for c, sum := range sums {
			centroid := make([]float32, dim)
			for d := range sum {
				centroid[d] = float32(sum[d] / float64(sizes[c]))
			}
			centroids[c] = centroid
		}
		for c, centroid := range centroids {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO clusters (id, label, size, centroid, updated_at) VALUES (?, '', ?, ?, ?)",
				c, sizes[c], encodeVector(centroid), now); err != nil {
				return fmt.Errorf("failed to insert cluster: %w", err)
			}
		}
		for i, id := range ids {
			c := assignment[i]
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO cluster_members (cluster_id, node_id, distance) VALUES (?, ?, ?)",
				c, id, CosineDistance(vectors[i], centroids[c])); err != nil {
				return fmt.Errorf("failed to insert cluster member: %w", err)
			}
		}
		return nil
	})
}

func cloneVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
