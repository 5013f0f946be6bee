package segment

import (
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/tidwall/gjson"

	"github.com/hindsight-dev/hindsight/internal/session"
)

// FrictionSignals captures per-segment evidence that the user was fighting
// the agent rather than working with it.
type FrictionSignals struct {
	// RephrasingCascades counts runs of >=3 consecutive user messages with
	// no meaningful assistant reply between them.
	RephrasingCascades int
	// ToolLoops counts runs of the same tool failing with the same error
	// kind >=3 times.
	ToolLoops int
	// ContextChurn is set when the segment is dominated by read/list
	// operations over many distinct files.
	ContextChurn bool
	// SilentTermination is set when the session ends mid-task inside this
	// segment and is never resumed.
	SilentTermination bool
	// ModelSwitches counts model_change entries.
	ModelSwitches int
	// ManualFlags counts explicit user friction markers.
	ManualFlags int
}

// Friction score weights. They sum to 1 so the score lands in [0,1].
var frictionWeights = struct {
	rephrasing, toolLoops, contextChurn, silentTermination, modelSwitches, manualFlags float64
}{0.25, 0.25, 0.15, 0.2, 0.05, 0.1}

// Score folds the signals into a weighted value in [0,1].
func (s FrictionSignals) Score() float64 {
	var score float64
	if s.RephrasingCascades > 0 {
		score += frictionWeights.rephrasing
	}
	if s.ToolLoops > 0 {
		score += frictionWeights.toolLoops
	}
	if s.ContextChurn {
		score += frictionWeights.contextChurn
	}
	if s.SilentTermination {
		score += frictionWeights.silentTermination
	}
	if s.ModelSwitches > 1 {
		score += frictionWeights.modelSwitches
	}
	if s.ManualFlags > 0 {
		score += frictionWeights.manualFlags
	}
	return clamp01(score)
}

// DelightSignals captures per-segment evidence of smooth, effective work.
type DelightSignals struct {
	// ResilientRecoveries counts tool errors the agent fixed on its own,
	// without user intervention, followed by a success of the same tool.
	ResilientRecoveries int
	// OneShotSuccess is set when a multi-tool-call segment completed with
	// zero corrections.
	OneShotSuccess bool
	// ExplicitPraise counts user messages expressing approval.
	ExplicitPraise int
}

var delightWeights = struct {
	resilientRecovery, oneShotSuccess, explicitPraise float64
}{0.4, 0.4, 0.2}

// Score folds the signals into a weighted value in [0,1].
func (s DelightSignals) Score() float64 {
	var score float64
	if s.ResilientRecoveries > 0 {
		score += delightWeights.resilientRecovery
	}
	if s.OneShotSuccess {
		score += delightWeights.oneShotSuccess
	}
	if s.ExplicitPraise > 0 {
		score += delightWeights.explicitPraise
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Context churn thresholds: at least this many distinct files touched by
// read/list tools, and such calls making up at least half the tool results.
const (
	churnMinDistinctFiles = 5
	churnMinRatio         = 0.5
)

// ExtractSignals computes friction and delight signals for one segment.
// isLastSegment marks the segment that closes the session, which enables
// silent-termination detection.
func ExtractSignals(seg Segment, isLastSegment bool) (FrictionSignals, DelightSignals) {
	var friction FrictionSignals
	var delight DelightSignals

	friction.RephrasingCascades = countRephrasingCascades(seg.Entries)
	friction.ToolLoops = countToolLoops(seg.Entries)
	friction.ContextChurn = detectContextChurn(seg.Entries)
	friction.ModelSwitches = lo.CountBy(seg.Entries, func(e session.Entry) bool {
		return e.Type == session.TypeModelChange
	})
	friction.ManualFlags = countManualFlags(seg.Entries)
	if isLastSegment {
		last := seg.Entries[len(seg.Entries)-1]
		friction.SilentTermination = last.Type != session.TypeAssistant
	}

	delight.ResilientRecoveries = countResilientRecoveries(seg.Entries)
	delight.OneShotSuccess = detectOneShotSuccess(seg.Entries)
	delight.ExplicitPraise = countExplicitPraise(seg.Entries)

	return friction, delight
}

// countRephrasingCascades counts runs of >=3 user messages uninterrupted by
// an assistant reply carrying text.
func countRephrasingCascades(entries []session.Entry) int {
	cascades := 0
	run := 0
	for _, e := range entries {
		switch e.Type {
		case session.TypeUser:
			run++
			if run == 3 {
				cascades++
			}
		case session.TypeAssistant:
			if assistantText(e) != "" {
				run = 0
			}
		}
	}
	return cascades
}

func assistantText(e session.Entry) string {
	if len(e.Payload) == 0 {
		return ""
	}
	return strings.TrimSpace(gjson.GetBytes(e.Payload, "text").String())
}

// toolResult is the slice of a tool_result payload the signal rules need.
type toolResult struct {
	tool      string
	errorKind string
	files     []string
	isError   bool
}

func parseToolResult(e session.Entry) (toolResult, bool) {
	if e.Type != session.TypeToolResult || len(e.Payload) == 0 {
		return toolResult{}, false
	}
	parsed := gjson.ParseBytes(e.Payload)
	tr := toolResult{
		tool:      parsed.Get("tool").String(),
		errorKind: parsed.Get("errorKind").String(),
	}
	tr.isError = tr.errorKind != "" || parsed.Get("error").Exists()
	if tr.isError && tr.errorKind == "" {
		tr.errorKind = "error"
	}
	for _, f := range parsed.Get("files").Array() {
		tr.files = append(tr.files, f.String())
	}
	if tr.tool == "" {
		return toolResult{}, false
	}
	return tr, true
}

// countToolLoops counts runs where the same tool fails with the same error
// kind three or more times in a row.
func countToolLoops(entries []session.Entry) int {
	loops := 0
	var lastTool, lastKind string
	run := 0
	for _, e := range entries {
		tr, ok := parseToolResult(e)
		if !ok {
			continue
		}
		if tr.isError && tr.tool == lastTool && tr.errorKind == lastKind {
			run++
			if run == 3 {
				loops++
			}
			continue
		}
		if tr.isError {
			lastTool, lastKind, run = tr.tool, tr.errorKind, 1
		} else {
			lastTool, lastKind, run = "", "", 0
		}
	}
	return loops
}

var readTools = map[string]struct{}{
	"read": {}, "list": {}, "glob": {}, "grep": {},
	"Read": {}, "List": {}, "Glob": {}, "Grep": {},
}

func detectContextChurn(entries []session.Entry) bool {
	total := 0
	reads := 0
	files := make(map[string]struct{})
	for _, e := range entries {
		tr, ok := parseToolResult(e)
		if !ok {
			continue
		}
		total++
		if _, isRead := readTools[tr.tool]; !isRead {
			continue
		}
		reads++
		for _, f := range tr.files {
			files[f] = struct{}{}
		}
	}
	if total == 0 || len(files) < churnMinDistinctFiles {
		return false
	}
	return float64(reads)/float64(total) >= churnMinRatio
}

func countManualFlags(entries []session.Entry) int {
	return lo.CountBy(entries, func(e session.Entry) bool {
		if e.Type != session.TypeMarker || len(e.Payload) == 0 {
			return false
		}
		return gjson.GetBytes(e.Payload, "name").String() == "friction"
	})
}

// countResilientRecoveries counts tool errors followed by a success of the
// same tool with no user message in between.
func countResilientRecoveries(entries []session.Entry) int {
	recoveries := 0
	failing := make(map[string]bool) // tool -> has unrecovered error
	for _, e := range entries {
		if e.Type == session.TypeUser {
			clear(failing)
			continue
		}
		tr, ok := parseToolResult(e)
		if !ok {
			continue
		}
		if tr.isError {
			failing[tr.tool] = true
		} else if failing[tr.tool] {
			recoveries++
			delete(failing, tr.tool)
		}
	}
	return recoveries
}

// detectOneShotSuccess reports a multi-tool-call segment with zero tool
// errors and at most one user message (the task statement itself).
func detectOneShotSuccess(entries []session.Entry) bool {
	toolCalls := 0
	userMsgs := 0
	for _, e := range entries {
		if e.Type == session.TypeUser {
			userMsgs++
			continue
		}
		if tr, ok := parseToolResult(e); ok {
			if tr.isError {
				return false
			}
			toolCalls++
		}
	}
	return toolCalls >= 3 && userMsgs <= 1
}

var praiseWords = []string{"thanks", "thank you", "perfect", "great", "awesome", "nice work", "well done", "excellent"}

func countExplicitPraise(entries []session.Entry) int {
	praise := 0
	for _, e := range entries {
		if e.Type != session.TypeUser || len(e.Payload) == 0 {
			continue
		}
		text := strings.ToLower(gjson.GetBytes(e.Payload, "text").String())
		for _, w := range praiseWords {
			if strings.Contains(text, w) {
				praise++
				break
			}
		}
	}
	return praise
}

// Abandoned-restart recognition thresholds.
const (
	restartMaxGap     = 30 * time.Minute
	restartMinOverlap = 0.30
)

// PriorOutcome is the slice of a stored node the restart check needs.
type PriorOutcome struct {
	Outcome      string
	EndedAt      time.Time
	FilesTouched []string
}

// IsAbandonedRestart reports whether a new segment restarts work that a
// prior segment abandoned: the prior outcome is "abandoned", the new
// segment starts within 30 minutes of it, and the file-touch sets overlap
// by at least 30% of the smaller set.
func IsAbandonedRestart(prior PriorOutcome, startedAt time.Time, filesTouched []string) bool {
	if prior.Outcome != "abandoned" {
		return false
	}
	if prior.EndedAt.IsZero() || startedAt.Sub(prior.EndedAt) > restartMaxGap || startedAt.Before(prior.EndedAt) {
		return false
	}
	return fileOverlap(prior.FilesTouched, filesTouched) >= restartMinOverlap
}

func fileOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := lo.SliceToMap(a, func(f string) (string, struct{}) { return f, struct{}{} })
	shared := lo.CountBy(lo.Uniq(b), func(f string) bool {
		_, ok := setA[f]
		return ok
	})
	smaller := min(len(lo.Uniq(a)), len(lo.Uniq(b)))
	return float64(shared) / float64(smaller)
}
