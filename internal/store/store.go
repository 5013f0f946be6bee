// Package store is the knowledge store: node rows, JSON documents,
// full-text and vector indexes, and the edge graph, all backed by one
// SQLite database plus a document tree on disk.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite" // pure-Go sqlite driver

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

const documentCacheSize = 256

// Store provides the ingest-facing knowledge store operations.
type Store struct {
	db       *sql.DB
	nodesDir string
	docCache *lru.Cache[string, *Node] // key: nodeID@version
}

// New opens (creating if necessary) the database at dbPath and the document
// tree under nodesDir, and applies the schema.
func New(ctx context.Context, dbPath, nodesDir string) (*Store, error) {
	if err := os.MkdirAll(nodesDir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create nodes directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer; readers go through the same pool with WAL.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	cache, err := lru.New[string, *Node](documentCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create document cache: %w", err)
	}

	logger.Debug(ctx, "knowledge store opened", tag.File(dbPath), tag.Dir(nodesDir))
	return &Store{db: db, nodesDir: nodesDir, docCache: cache}, nil
}

// DB exposes the underlying connection pool so the job queue can share the
// single writer.
func (s *Store) DB() *sql.DB { return s.db }

// NodesDir returns the root of the document tree.
func (s *Store) NodesDir() string { return s.nodesDir }

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Counts returns node, edge, and embedding counts for status reporting.
func (s *Store) Counts(ctx context.Context) (nodes, edges, embeddings int, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM nodes").Scan(&nodes); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count nodes: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM edges").Scan(&edges); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count edges: %w", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM embeddings").Scan(&embeddings); err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count embeddings: %w", err)
	}
	return nodes, edges, embeddings, nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// timeFormat is how timestamps are stored in SQLite text columns. It is
// fixed width so string comparison in SQL matches chronological order;
// RFC3339Nano trims trailing fractional zeros and does not.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
