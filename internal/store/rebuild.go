package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

// RebuildIndex clears the row projection and re-derives it from the
// document tree, which is the source of truth. Only the latest version of
// each node is projected; edges, embeddings, and jobs are left untouched.
func (s *Store) RebuildIndex(ctx context.Context) (int, error) {
	docs, err := s.ListDocuments()
	if err != nil {
		return 0, err
	}

	// Latest version per node wins.
	latest := make(map[string]string) // nodeID -> relative doc path
	versions := make(map[string]int)
	for _, rel := range docs {
		nodeID, version, _, _, err := ParseDocumentPath(rel)
		if err != nil {
			continue
		}
		if version >= versions[nodeID] {
			versions[nodeID] = version
			latest[nodeID] = rel
		}
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{
			"node_decisions", "node_lessons", "node_quirks", "node_tool_errors",
			"node_tags", "node_topics", "node_files", "nodes_fts", "nodes",
		} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
		for nodeID, rel := range latest {
			path := filepath.Join(s.nodesDir, rel)
			node, err := s.readDocument(path, nodeID, versions[nodeID])
			if err != nil {
				logger.Warn(ctx, "skipping unreadable document during rebuild", tag.File(path), tag.Error(err))
				continue
			}
			if err := upsertRow(ctx, tx, node, path); err != nil {
				return fmt.Errorf("failed to project %s: %w", nodeID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.Info(ctx, "index rebuilt from documents", tag.Count(len(latest)))
	return len(latest), nil
}
