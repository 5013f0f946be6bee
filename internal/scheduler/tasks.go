package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hindsight-dev/hindsight/internal/analyze"
	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/store"
)

const (
	// discoveryLookback bounds how far back the discovery sweep considers
	// nodes without semantic edges.
	discoveryLookback = 14 * 24 * time.Hour
	// discoverySweepLimit caps nodes enqueued per sweep.
	discoverySweepLimit = 200
	// backfillBatchLimit caps nodes re-embedded per sweep.
	backfillBatchLimit = 100
	// clusterCount is the K for the K-means pass.
	clusterCount = 8
)

// Maintenance implements the recurring tasks over the store and queue.
// engine may be nil when embedding is disabled; the tasks that need it
// become no-ops.
type Maintenance struct {
	store  *store.Store
	queue  *queue.Queue
	engine embed.Engine
}

var _ Tasks = (*Maintenance)(nil)

// NewMaintenance builds the task set. engine may be nil.
func NewMaintenance(st *store.Store, q *queue.Queue, engine embed.Engine) *Maintenance {
	return &Maintenance{store: st, queue: q, engine: engine}
}

// Reanalysis enqueues one reanalysis job for every node produced by an
// older prompt version.
func (m *Maintenance) Reanalysis(ctx context.Context) error {
	current := analyze.PromptVersion()
	ids, err := m.store.NodesWithPromptVersionNot(ctx, current)
	if err != nil {
		return err
	}
	enqueued := 0
	for _, id := range ids {
		node, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			return err
		}
		exists, err := m.queue.HasExistingNodeJob(ctx, id, queue.KindReanalysis)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		span, err := json.Marshal(queue.ReanalysisContext{
			SegmentStart: node.Source.SegmentStart,
			SegmentEnd:   node.Source.SegmentEnd,
		})
		if err != nil {
			return err
		}
		if _, err := m.queue.Enqueue(ctx, queue.Job{
			Kind:         queue.KindReanalysis,
			SessionPath:  node.Source.SessionFile,
			TargetNodeID: id,
			Context:      span,
		}); err != nil {
			return err
		}
		enqueued++
	}
	if enqueued > 0 {
		logger.Info(ctx, "reanalysis sweep enqueued jobs", tag.Count(enqueued))
	}
	return nil
}

// ConnectionDiscovery enqueues discovery jobs for recent nodes that have
// no outgoing semantic edges yet.
func (m *Maintenance) ConnectionDiscovery(ctx context.Context) error {
	since := time.Now().Add(-discoveryLookback)
	ids, err := m.store.RecentNodes(ctx, since, discoverySweepLimit)
	if err != nil {
		return err
	}
	enqueued := 0
	for _, id := range ids {
		has, err := m.store.HasOutgoingSemanticEdges(ctx, id)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		exists, err := m.queue.HasExistingNodeJob(ctx, id, queue.KindConnectionDiscovery)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := m.queue.Enqueue(ctx, queue.Job{
			Kind:         queue.KindConnectionDiscovery,
			TargetNodeID: id,
		}); err != nil {
			return err
		}
		enqueued++
	}
	if enqueued > 0 {
		logger.Info(ctx, "discovery sweep enqueued jobs", tag.Count(enqueued))
	}
	return nil
}

// PatternAggregation recomputes the aggregate pattern tables in place.
func (m *Maintenance) PatternAggregation(ctx context.Context) error {
	return m.store.AggregatePatterns(ctx)
}

// Clustering reruns K-means over the stored embeddings.
func (m *Maintenance) Clustering(ctx context.Context) error {
	if m.engine == nil {
		return nil
	}
	n, err := m.store.RecomputeClusters(ctx, m.engine.Dimensions(), clusterCount)
	if err != nil {
		return err
	}
	logger.Info(ctx, "clusters recomputed", tag.Count(n))
	return nil
}

// BackfillEmbeddings embeds nodes whose vector is missing, produced by a
// different model, or generated from a pre-marker input text. Each node
// fails in isolation; one bad node does not stall the sweep.
func (m *Maintenance) BackfillEmbeddings(ctx context.Context) error {
	if m.engine == nil {
		return nil
	}
	ids, err := m.store.MissingEmbeddings(ctx, m.engine.Name(), embed.IsRichFormat, backfillBatchLimit)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	done := 0
	for _, id := range ids {
		node, err := m.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNodeNotFound) {
				continue
			}
			logger.Warn(ctx, "backfill cannot load node", tag.Node(id), tag.Error(err))
			continue
		}
		text := embed.BuildInputText(node)
		vector, err := m.engine.Embed(ctx, text)
		if err != nil {
			logger.Warn(ctx, "backfill embedding failed", tag.Node(id), tag.Error(err))
			continue
		}
		if err := m.store.PutEmbedding(ctx, store.Embedding{
			NodeID:    id,
			Model:     m.engine.Name(),
			InputText: text,
			Vector:    vector,
		}); err != nil {
			logger.Warn(ctx, "backfill store failed", tag.Node(id), tag.Error(err))
			continue
		}
		done++
	}
	logger.Info(ctx, "embedding backfill finished", tag.Count(done), tag.Size(len(ids)))
	return nil
}
