package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hindsight-dev/hindsight/internal/analyze"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/segment"
	"github.com/hindsight-dev/hindsight/internal/session"
	"github.com/hindsight-dev/hindsight/internal/store"
)

// boundaryEdgeTypes maps the boundary that opened a segment to the edge
// type linking it to its predecessor.
var boundaryEdgeTypes = map[segment.BoundaryKind]store.EdgeType{
	segment.BoundaryBranch:     store.EdgeBranch,
	segment.BoundaryTreeJump:   store.EdgeTreeJump,
	segment.BoundaryCompaction: store.EdgeCompaction,
	segment.BoundaryResume:     store.EdgeResume,
	segment.BoundaryHandoff:    store.EdgeHandoff,
}

// linkStructuralEdges wires the new node into the graph from session
// topology: predecessor segment, parent-session fork, and abandoned
// restarts. Edges to nodes that are not committed yet are skipped; they
// appear when those segments are analyzed.
func (p *Pool) linkStructuralEdges(ctx context.Context, sess *session.Session, segments []segment.Segment, segIndex int, node *store.Node) error {
	if segIndex > 0 {
		prev := segments[segIndex-1]
		prevID := store.NodeID(sess.Path, prev.Start, prev.End)
		exists, err := p.store.Exists(ctx, prevID)
		if err != nil {
			return err
		}
		if exists {
			edgeType := store.EdgeContinuation
			if b := segments[segIndex].Boundary; b != nil {
				if t, ok := boundaryEdgeTypes[b.Kind]; ok {
					edgeType = t
				}
			}
			if err := p.putEdge(ctx, store.Edge{
				Source:    prevID,
				Target:    node.ID,
				Type:      edgeType,
				CreatedBy: store.EdgeCreatorBoundary,
			}); err != nil {
				return err
			}
			if err := p.linkAbandonedRestart(ctx, prevID, node); err != nil {
				return err
			}
		}
	}

	if segIndex == 0 && sess.Header.ParentSession != nil {
		if err := p.linkFork(ctx, sess, node); err != nil {
			return err
		}
	}
	return nil
}

// linkFork connects the first node of a forked session back to the parent
// session's node containing the fork entry.
func (p *Pool) linkFork(ctx context.Context, sess *session.Session, node *store.Node) error {
	ref := sess.Header.ParentSession
	parentPath := resolveSessionPath(sess.Path, ref.Path)

	parentSess, err := session.Parse(ctx, parentPath)
	if err != nil {
		// The parent session may live on another machine; the fork stays
		// unlinked rather than failing the job.
		logger.Warn(ctx, "cannot parse parent session for fork edge", tag.File(parentPath), tag.Error(err))
		return nil
	}
	parentSegments, _ := segment.Split(parentSess.Entries, segment.Options{ResumeGap: p.segmenterCfg.ResumeGap})
	for _, parentSeg := range parentSegments {
		if !segmentContains(parentSeg, ref.EntryID) {
			continue
		}
		parentID := store.NodeID(parentSess.Path, parentSeg.Start, parentSeg.End)
		exists, err := p.store.Exists(ctx, parentID)
		if err != nil {
			return err
		}
		if !exists {
			logger.Debug(ctx, "fork target not analyzed yet", tag.Node(parentID))
			return nil
		}
		return p.putEdge(ctx, store.Edge{
			Source:    node.ID,
			Target:    parentID,
			Type:      store.EdgeFork,
			CreatedBy: store.EdgeCreatorBoundary,
		})
	}
	return nil
}

// linkAbandonedRestart adds the dedicated edge when the new segment picks
// up work a prior node abandoned.
func (p *Pool) linkAbandonedRestart(ctx context.Context, prevID string, node *store.Node) error {
	prev, err := p.store.Get(ctx, prevID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			return nil
		}
		return err
	}
	prior := segment.PriorOutcome{
		Outcome:      prev.Outcome,
		EndedAt:      prev.Source.Timestamp.Add(time.Duration(prev.DurationMinutes * float64(time.Minute))),
		FilesTouched: prev.FilesTouched,
	}
	if segment.IsAbandonedRestart(prior, node.Source.Timestamp, node.FilesTouched) {
		return p.putEdge(ctx, store.Edge{
			Source:    prevID,
			Target:    node.ID,
			Type:      store.EdgeAbandonedRestart,
			CreatedBy: store.EdgeCreatorBoundary,
		})
	}
	return nil
}

// linkDeclaredRelationships turns analyzer-declared relationships into
// edges. Unresolved ones target the sentinel and keep the description for
// later semantic resolution.
func (p *Pool) linkDeclaredRelationships(ctx context.Context, node *store.Node, rels []analyze.Relationship) error {
	for _, rel := range rels {
		edge := store.Edge{
			Source:     node.ID,
			Type:       relationshipEdgeType(rel.Type),
			CreatedBy:  store.EdgeCreatorDaemon,
			Confidence: rel.Confidence,
		}
		switch {
		case rel.Target != "":
			exists, err := p.store.Exists(ctx, rel.Target)
			if err != nil {
				return err
			}
			if !exists {
				logger.Debug(ctx, "declared relationship targets unknown node", tag.Node(rel.Target))
				continue
			}
			edge.Target = rel.Target
		case rel.UnresolvedTarget != "":
			edge.Target = store.UnresolvedTargetID
			edge.UnresolvedTarget = rel.UnresolvedTarget
		default:
			continue
		}
		if err := p.putEdge(ctx, edge); err != nil {
			return err
		}
	}
	return nil
}

func relationshipEdgeType(t string) store.EdgeType {
	switch store.EdgeType(t) {
	case store.EdgeSemantic, store.EdgeReference, store.EdgeLessonApplication:
		return store.EdgeType(t)
	default:
		return store.EdgeReference
	}
}

func (p *Pool) putEdge(ctx context.Context, e store.Edge) error {
	if err := p.store.PutEdge(ctx, e); err != nil {
		return fmt.Errorf("failed to link %s->%s: %w", e.Source, e.Target, err)
	}
	logger.Debug(ctx, "edge linked", tag.Edge(e.Source+"->"+e.Target), tag.Type(string(e.Type)))
	return nil
}

func segmentContains(seg segment.Segment, entryID string) bool {
	for _, e := range seg.Entries {
		if e.ID == entryID {
			return true
		}
	}
	return false
}

// resolveSessionPath resolves a parent session reference relative to the
// referring session's directory when it is not absolute.
func resolveSessionPath(fromSession, ref string) string {
	if ref == "" || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(filepath.Dir(fromSession), ref)
}
