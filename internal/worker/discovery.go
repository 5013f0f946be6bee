package worker

import (
	"context"
	"errors"

	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

const (
	// discoveryTopK bounds the candidate set per discovery run.
	discoveryTopK = 10
	// semanticMaxDistance is the cosine distance cutoff for creating a
	// semantic edge (similarity >= 0.65).
	semanticMaxDistance = 0.35
	// resolveMaxRank is the bm25 cutoff for resolving a text reference to
	// a concrete node; more negative is a stronger match.
	resolveMaxRank = -1.0
)

// discoverConnections links a node into the semantic graph: nearest
// neighbors by embedding become semantic edges, and text references the
// analyzer could not resolve are matched against the full-text index.
func (p *Pool) discoverConnections(ctx context.Context, job *queue.Job) error {
	node, err := p.store.Get(ctx, job.TargetNodeID)
	if err != nil {
		if errors.Is(err, store.ErrNodeNotFound) {
			// Re-segmentation can retire a node between enqueue and claim.
			logger.Debug(ctx, "discovery target no longer exists", tag.Node(job.TargetNodeID))
			return nil
		}
		return err
	}

	if err := p.discoverSemanticNeighbors(ctx, node); err != nil {
		return err
	}
	return p.resolveReferences(ctx, node)
}

// discoverSemanticNeighbors finds the node's nearest neighbors in the
// vector index and links the close ones with semantic edges.
func (p *Pool) discoverSemanticNeighbors(ctx context.Context, node *store.Node) error {
	if p.engine == nil {
		return nil
	}

	emb, err := p.store.GetEmbedding(ctx, node.ID)
	if errors.Is(err, store.ErrEmbeddingNotFound) {
		if err := p.embedNode(ctx, node); err != nil {
			return err
		}
		emb, err = p.store.GetEmbedding(ctx, node.ID)
	}
	if err != nil {
		return err
	}
	if !embed.IsRichFormat(emb.InputText) || emb.Model != p.engine.Name() {
		if err := p.embedNode(ctx, node); err != nil {
			return err
		}
		if emb, err = p.store.GetEmbedding(ctx, node.ID); err != nil {
			return err
		}
	}

	// One extra hit covers the node matching itself.
	hits, err := p.store.VectorSearch(ctx, emb.Vector, discoveryTopK+1, store.SearchFilters{})
	if err != nil {
		return err
	}
	linked := 0
	for _, hit := range hits {
		if hit.NodeID == node.ID || hit.Distance > semanticMaxDistance {
			continue
		}
		if err := p.putEdge(ctx, store.Edge{
			Source:     node.ID,
			Target:     hit.NodeID,
			Type:       store.EdgeSemantic,
			CreatedBy:  store.EdgeCreatorDaemon,
			Similarity: 1 - hit.Distance,
		}); err != nil {
			return err
		}
		linked++
	}
	if linked > 0 {
		logger.Info(ctx, "semantic neighbors linked", tag.Node(node.ID), tag.Count(linked))
	}
	return nil
}

// resolveReferences tries to replace sentinel-target edges with concrete
// ones by matching the unresolved description against the full-text index.
func (p *Pool) resolveReferences(ctx context.Context, node *store.Node) error {
	edges, err := p.store.Edges(ctx, node.ID, store.DirectionOutgoing, nil)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.Target != store.UnresolvedTargetID || edge.UnresolvedTarget == "" {
			continue
		}
		results, err := p.store.Search(ctx, edge.UnresolvedTarget, store.SearchOptions{Limit: 3})
		if err != nil {
			// A free-text description is not guaranteed to be a valid
			// match query; leave the sentinel in place.
			logger.Debug(ctx, "unresolved reference not searchable",
				tag.Node(node.ID), tag.Query(edge.UnresolvedTarget), tag.Error(err))
			continue
		}
		target := pickResolution(node.ID, results)
		if target == "" {
			continue
		}
		if err := p.putEdge(ctx, store.Edge{
			Source:           node.ID,
			Target:           target,
			Type:             edge.Type,
			CreatedBy:        store.EdgeCreatorDaemon,
			Confidence:       edge.Confidence,
			UnresolvedTarget: edge.UnresolvedTarget,
		}); err != nil {
			return err
		}
		if err := p.store.DeleteEdge(ctx, edge.Source, store.UnresolvedTargetID, edge.Type); err != nil {
			return err
		}
		logger.Info(ctx, "reference resolved",
			tag.Node(node.ID), tag.Edge(node.ID+"->"+target), tag.Type(string(edge.Type)))
	}
	return nil
}

// pickResolution returns the best full-text hit that is a confident match
// and not the node itself.
func pickResolution(selfID string, results []store.SearchResult) string {
	for _, r := range results {
		if r.NodeID == selfID {
			continue
		}
		if r.Rank > resolveMaxRank {
			return ""
		}
		return r.NodeID
	}
	return ""
}
