package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Traversal direction over edges.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionBoth     Direction = "both"
)

// Depth bounds for graph traversal.
const (
	MinTraversalDepth = 1
	MaxTraversalDepth = 5
)

// ErrNoPath indicates no path exists between the requested nodes.
var ErrNoPath = errors.New("no path between nodes")

// PutEdge inserts or updates a directed edge. (Source, Target, Type) is
// unique; re-putting refreshes metadata. Self-edges are rejected except for
// the explicitly self-referential semantic types.
func (s *Store) PutEdge(ctx context.Context, e Edge) error {
	if e.Source == "" || e.Target == "" || e.Type == "" {
		return fmt.Errorf("edge source, target, and type must not be empty")
	}
	if e.Source == e.Target && e.Type != EdgeLessonApplication {
		return fmt.Errorf("self-edge not permitted for type %q", e.Type)
	}
	if e.CreatedBy == "" {
		e.CreatedBy = EdgeCreatorDaemon
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (source, target, type, created_by, confidence, similarity, unresolved_target, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, target, type) DO UPDATE SET
			created_by = excluded.created_by,
			confidence = excluded.confidence,
			similarity = excluded.similarity,
			unresolved_target = excluded.unresolved_target`,
		e.Source, e.Target, string(e.Type), e.CreatedBy, e.Confidence, e.Similarity,
		e.UnresolvedTarget, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert edge: %w", err)
	}
	return nil
}

// DeleteEdge removes one edge by its full key.
func (s *Store) DeleteEdge(ctx context.Context, source, target string, edgeType EdgeType) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM edges WHERE source = ? AND target = ? AND type = ?",
		source, target, string(edgeType))
	if err != nil {
		return fmt.Errorf("failed to delete edge: %w", err)
	}
	return nil
}

// Edges returns all edges touching the node in the given direction,
// optionally restricted to the listed types.
func (s *Store) Edges(ctx context.Context, nodeID string, dir Direction, types []EdgeType) ([]Edge, error) {
	query := "SELECT source, target, type, created_by, confidence, similarity, unresolved_target, created_at FROM edges WHERE "
	var args []any
	switch dir {
	case DirectionOutgoing:
		query += "source = ?"
		args = append(args, nodeID)
	case DirectionIncoming:
		query += "target = ?"
		args = append(args, nodeID)
	case DirectionBoth, "":
		query += "(source = ? OR target = ?)"
		args = append(args, nodeID, nodeID)
	default:
		return nil, fmt.Errorf("unknown direction %q", dir)
	}
	if len(types) > 0 {
		query += " AND type IN (" + placeholders(len(types)) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query edges: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var edges []Edge
	for rows.Next() {
		var e Edge
		var typ, createdAt string
		if err := rows.Scan(&e.Source, &e.Target, &typ, &e.CreatedBy, &e.Confidence, &e.Similarity, &e.UnresolvedTarget, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		e.Type = EdgeType(typ)
		e.CreatedAt = parseTime(createdAt)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate edges: %w", err)
	}
	return edges, nil
}

// Subgraph is the result of a traversal: the visited node IDs and the edges
// connecting them.
type Subgraph struct {
	Nodes []string
	Edges []Edge
}

// Neighborhood runs a breadth-first walk from the roots, bounded by
// maxDepth (clamped to [1,5]), following edges in the given direction and
// optionally restricted to the listed edge types. The unresolved sentinel
// is never expanded.
func (s *Store) Neighborhood(ctx context.Context, roots []string, maxDepth int, dir Direction, types []EdgeType) (*Subgraph, error) {
	if maxDepth < MinTraversalDepth {
		maxDepth = MinTraversalDepth
	}
	if maxDepth > MaxTraversalDepth {
		maxDepth = MaxTraversalDepth
	}

	visited := make(map[string]struct{})
	seenEdge := make(map[string]struct{})
	sub := &Subgraph{}
	frontier := make([]string, 0, len(roots))
	for _, r := range roots {
		if _, ok := visited[r]; ok {
			continue
		}
		visited[r] = struct{}{}
		sub.Nodes = append(sub.Nodes, r)
		frontier = append(frontier, r)
	}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, nodeID := range frontier {
			edges, err := s.Edges(ctx, nodeID, dir, types)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				edgeKey := e.Source + "\x00" + e.Target + "\x00" + string(e.Type)
				if _, ok := seenEdge[edgeKey]; !ok {
					seenEdge[edgeKey] = struct{}{}
					sub.Edges = append(sub.Edges, e)
				}
				for _, neighbor := range []string{e.Source, e.Target} {
					if neighbor == UnresolvedTargetID {
						continue
					}
					if _, ok := visited[neighbor]; ok {
						continue
					}
					visited[neighbor] = struct{}{}
					sub.Nodes = append(sub.Nodes, neighbor)
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}
	return sub, nil
}

// ShortestPath returns the node IDs along a shortest undirected path from
// source to target, inclusive, or ErrNoPath. The walk is bounded by the
// maximum traversal depth.
func (s *Store) ShortestPath(ctx context.Context, source, target string) ([]string, error) {
	if source == target {
		return []string{source}, nil
	}
	parent := map[string]string{source: ""}
	frontier := []string{source}
	for depth := 0; depth < MaxTraversalDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, nodeID := range frontier {
			edges, err := s.Edges(ctx, nodeID, DirectionBoth, nil)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				for _, neighbor := range []string{e.Source, e.Target} {
					if neighbor == UnresolvedTargetID {
						continue
					}
					if _, seen := parent[neighbor]; seen {
						continue
					}
					parent[neighbor] = nodeID
					if neighbor == target {
						return assemblePath(parent, source, target), nil
					}
					next = append(next, neighbor)
				}
			}
		}
		frontier = next
	}
	return nil, ErrNoPath
}

func assemblePath(parent map[string]string, source, target string) []string {
	var path []string
	for at := target; at != ""; at = parent[at] {
		path = append([]string{at}, path...)
		if at == source {
			break
		}
	}
	return path
}

// Ancestors walks incoming edges only.
func (s *Store) Ancestors(ctx context.Context, nodeID string, maxDepth int) (*Subgraph, error) {
	return s.Neighborhood(ctx, []string{nodeID}, maxDepth, DirectionIncoming, nil)
}

// Descendants walks outgoing edges only.
func (s *Store) Descendants(ctx context.Context, nodeID string, maxDepth int) (*Subgraph, error) {
	return s.Neighborhood(ctx, []string{nodeID}, maxDepth, DirectionOutgoing, nil)
}

// HasOutgoingSemanticEdges reports whether the node already has outgoing
// edges of the semantic kinds. Used by the scheduler to pick discovery
// candidates.
func (s *Store) HasOutgoingSemanticEdges(ctx context.Context, nodeID string) (bool, error) {
	edges, err := s.Edges(ctx, nodeID, DirectionOutgoing, []EdgeType{EdgeSemantic, EdgeReference, EdgeLessonApplication})
	if err != nil {
		return false, err
	}
	return len(edges) > 0, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
