package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hindsight-dev/hindsight/internal/analyze"
	"github.com/hindsight-dev/hindsight/internal/embed"
	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
	"github.com/hindsight-dev/hindsight/internal/queue"
	"github.com/hindsight-dev/hindsight/internal/segment"
	"github.com/hindsight-dev/hindsight/internal/session"
	"github.com/hindsight-dev/hindsight/internal/store"
)

// process dispatches one claimed job.
func (p *Pool) process(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case queue.KindInitial, queue.KindReanalysis:
		return p.analyzeSession(ctx, job)
	case queue.KindConnectionDiscovery:
		return p.discoverConnections(ctx, job)
	default:
		return fmt.Errorf("unknown job kind %q", job.Kind)
	}
}

// analyzeSession runs the full pipeline for initial and reanalysis jobs:
// parse, segment, invoke the agent, commit the node, link edges, embed,
// and enqueue follow-on discovery. Every step is idempotent under the
// deterministic node ID, so retries after partial completion reconcile.
func (p *Pool) analyzeSession(ctx context.Context, job *queue.Job) error {
	sess, err := p.sessions.LoadLatest(job.SessionPath, func() (*session.Session, error) {
		return session.Parse(ctx, job.SessionPath)
	})
	if err != nil {
		if errors.Is(err, session.ErrInvalidHeader) {
			return fmt.Errorf("%w: %s: %s", queue.ErrInvalidSession, job.SessionPath, err)
		}
		return err
	}

	segments, _ := segment.Split(sess.Entries, segment.Options{ResumeGap: p.segmenterCfg.ResumeGap})
	if len(segments) == 0 {
		logger.Debug(ctx, "session has no segments", tag.Session(job.SessionPath))
		return nil
	}

	seg, segIndex, err := p.pickSegment(ctx, job, sess, segments)
	if err != nil {
		return err
	}
	if seg == nil {
		logger.Debug(ctx, "no unanalyzed segment", tag.Session(job.SessionPath))
		return nil
	}

	payload, err := p.invokeAgent(ctx, sess, seg)
	if err != nil {
		return err
	}

	node := p.buildNode(sess, *seg, segIndex == len(segments)-1, payload)
	node, _, err = p.store.Upsert(ctx, node)
	if err != nil {
		return err
	}
	logger.Info(ctx, "node committed",
		tag.Node(node.ID), tag.Type(node.Type), tag.Outcome(node.Outcome), tag.Version(node.Version))

	if err := p.linkStructuralEdges(ctx, sess, segments, segIndex, node); err != nil {
		return err
	}
	if err := p.linkDeclaredRelationships(ctx, node, payload.Relationships); err != nil {
		return err
	}
	if err := p.embedNode(ctx, node); err != nil {
		return err
	}

	if p.workerCfg.FollowOnDiscovery {
		if _, err := p.queue.Enqueue(ctx, queue.Job{
			Kind:         queue.KindConnectionDiscovery,
			TargetNodeID: node.ID,
			SessionPath:  job.SessionPath,
		}); err != nil {
			logger.Warn(ctx, "failed to enqueue follow-on discovery", tag.Node(node.ID), tag.Error(err))
		}
	}
	return nil
}

// pickSegment chooses which segment to analyze. Initial jobs take the
// earliest segment not yet represented in the store, so predecessor nodes
// are committed before successors link back to them; reanalysis jobs use
// the exact span from the job context.
func (p *Pool) pickSegment(ctx context.Context, job *queue.Job, sess *session.Session, segments []segment.Segment) (*segment.Segment, int, error) {
	if job.Kind == queue.KindReanalysis {
		var span queue.ReanalysisContext
		if err := json.Unmarshal(job.Context, &span); err != nil {
			return nil, 0, fmt.Errorf("%w: bad reanalysis context: %s", queue.ErrInvalidSession, err)
		}
		for i := range segments {
			if segments[i].Start == span.SegmentStart && segments[i].End == span.SegmentEnd {
				return &segments[i], i, nil
			}
		}
		return nil, 0, fmt.Errorf("%w: segment %s..%s no longer exists in %s",
			queue.ErrInvalidSession, span.SegmentStart, span.SegmentEnd, sess.Path)
	}

	for i := range segments {
		nodeID := store.NodeID(sess.Path, segments[i].Start, segments[i].End)
		exists, err := p.store.Exists(ctx, nodeID)
		if err != nil {
			return nil, 0, err
		}
		if !exists {
			return &segments[i], i, nil
		}
	}
	return nil, 0, nil
}

// invokeAgent builds the deterministic prompt and runs the external agent,
// returning the validated payload.
func (p *Pool) invokeAgent(ctx context.Context, sess *session.Session, seg *segment.Segment) (*analyze.NodePayload, error) {
	var sessionBytes int64
	if info, err := os.Stat(sess.Path); err == nil {
		sessionBytes = info.Size()
	}
	workDir := sess.Header.CWD
	if workDir == "" {
		workDir = filepath.Dir(sess.Path)
	}

	result, err := p.runner.Run(ctx, analyze.Invocation{
		Prompt:       analyze.BuildPrompt(sess.Path, seg.Entries),
		Skills:       analyze.SkillCSV(p.skills, p.analyzerCfg.LargeSessionSkill, sessionBytes, p.analyzerCfg.LargeSessionBytes),
		WorkDir:      workDir,
		SessionBytes: sessionBytes,
		Timeout:      p.workerCfg.JobTimeout,
	})
	if err != nil {
		return nil, err
	}
	if result.Payload == nil {
		if result.ExitCode != 0 {
			return nil, fmt.Errorf("agent exited with code %d: %s",
				result.ExitCode, firstLine(result.RawStderr))
		}
		return nil, fmt.Errorf("%w: no node payload in agent output", queue.ErrInvalidPayload)
	}
	return result.Payload, nil
}

// buildNode converts the agent payload into a full node, filling identity,
// source metadata, and signal scores.
func (p *Pool) buildNode(sess *session.Session, seg segment.Segment, isLast bool, payload *analyze.NodePayload) *store.Node {
	friction, delight := segment.ExtractSignals(seg, isLast)

	durationMinutes := payload.DurationMinutes
	if durationMinutes == 0 && !seg.StartTime().IsZero() && !seg.EndTime().IsZero() {
		durationMinutes = seg.EndTime().Sub(seg.StartTime()).Minutes()
	}

	return &store.Node{
		ID: store.NodeID(sess.Path, seg.Start, seg.End),
		Source: store.Source{
			SessionFile:  sess.Path,
			SegmentStart: seg.Start,
			SegmentEnd:   seg.End,
			ProjectPath:  sess.Header.CWD,
			Computer:     p.computer,
			Timestamp:    seg.StartTime(),
		},
		Type:            payload.Type,
		Outcome:         payload.Outcome,
		HadClearGoal:    payload.HadClearGoal,
		IsNewProject:    payload.IsNewProject,
		Summary:         payload.Summary,
		Decisions:       payload.Decisions,
		Lessons:         payload.Lessons,
		Quirks:          payload.Quirks,
		ToolErrors:      payload.ToolErrors,
		Tags:            payload.Tags,
		Topics:          payload.Topics,
		FilesTouched:    payload.FilesTouched,
		TokensUsed:      payload.TokensUsed,
		Cost:            payload.Cost,
		DurationMinutes: durationMinutes,
		Model:           payload.Model,
		FrictionScore:   friction.Score(),
		DelightScore:    delight.Score(),
		PromptVersion:   analyze.PromptVersion(),
		AnalyzedAt:      time.Now().UTC(),
		Extra:           payload.Extra,
	}
}

// embedNode computes and stores the node's embedding. A nil engine means
// embedding is disabled.
func (p *Pool) embedNode(ctx context.Context, node *store.Node) error {
	if p.engine == nil {
		return nil
	}
	text := embed.BuildInputText(node)
	vector, err := p.engine.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("failed to embed node %s: %w", node.ID, err)
	}
	return p.store.PutEmbedding(ctx, store.Embedding{
		NodeID:    node.ID,
		Model:     p.engine.Name(),
		InputText: text,
		Vector:    vector,
	})
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 300 {
		s = s[:300]
	}
	return s
}
