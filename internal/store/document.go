package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"
)

// ErrDocumentNotFound indicates no document exists for the requested
// (nodeID, version) pair.
var ErrDocumentNotFound = errors.New("node document not found")

// DocumentPath returns the document location for a node version:
// <nodesDir>/YYYY/MM/<nodeID>-v<version>.json, dated by the segment's
// source timestamp (falling back to the analysis time).
func (s *Store) DocumentPath(node *Node) string {
	t := node.Source.Timestamp
	if t.IsZero() {
		t = node.AnalyzedAt
	}
	if t.IsZero() {
		t = time.Now()
	}
	return filepath.Join(s.nodesDir,
		fmt.Sprintf("%04d", t.Year()),
		fmt.Sprintf("%02d", int(t.Month())),
		fmt.Sprintf("%s-v%d.json", node.ID, node.Version))
}

var documentPathRe = regexp.MustCompile(`^(\d{4})[/\\](\d{2})[/\\]([0-9a-f]{16})-v(\d+)\.json$`)

// ParseDocumentPath extracts (nodeID, version, year, month) from a document
// path relative to the nodes directory.
func ParseDocumentPath(rel string) (nodeID string, version, year, month int, err error) {
	m := documentPathRe.FindStringSubmatch(filepath.ToSlash(rel))
	if m == nil {
		return "", 0, 0, 0, fmt.Errorf("not a node document path: %q", rel)
	}
	year, _ = strconv.Atoi(m[1])
	month, _ = strconv.Atoi(m[2])
	version, _ = strconv.Atoi(m[4])
	return m[3], version, year, month, nil
}

// writeDocument persists the node document atomically: write to a temp file
// in the target directory, then rename over the final path.
func (s *Store) writeDocument(node *Node) (string, error) {
	path := s.DocumentPath(node)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create document directory: %w", err)
	}

	data, err := json.MarshalIndent(node, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal node document: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+node.ID+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to write document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp document: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("failed to rename document into place: %w", err)
	}

	s.docCache.Add(docCacheKey(node.ID, node.Version), node)
	return path, nil
}

// readDocument loads a node document, consulting the read cache first.
func (s *Store) readDocument(path, nodeID string, version int) (*Node, error) {
	if cached, ok := s.docCache.Get(docCacheKey(nodeID, version)); ok {
		return cached, nil
	}
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("failed to read node document: %w", err)
	}
	var node Node
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node document %s: %w", path, err)
	}
	s.docCache.Add(docCacheKey(node.ID, node.Version), &node)
	return &node, nil
}

// findDocument locates the document for (nodeID, version) by walking the
// year/month layout. Used when the row store cannot answer (older versions,
// index rebuilds).
func (s *Store) findDocument(nodeID string, version int) (string, error) {
	name := fmt.Sprintf("%s-v%d.json", nodeID, version)
	var found string
	err := filepath.WalkDir(s.nodesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if filepath.Base(path) == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to scan nodes directory: %w", err)
	}
	if found == "" {
		return "", ErrDocumentNotFound
	}
	return found, nil
}

// ListDocuments enumerates every node document under the nodes directory,
// relative paths sorted by walk order.
func (s *Store) ListDocuments() ([]string, error) {
	var docs []string
	err := filepath.WalkDir(s.nodesDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(s.nodesDir, path)
		if relErr != nil {
			return relErr
		}
		if _, _, _, _, parseErr := ParseDocumentPath(rel); parseErr == nil {
			docs = append(docs, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk nodes directory: %w", err)
	}
	return docs, nil
}

func docCacheKey(nodeID string, version int) string {
	return nodeID + "@" + strconv.Itoa(version)
}
