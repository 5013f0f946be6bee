// Package analyze invokes the external LLM agent over a session segment and
// parses its streamed output into a structured node payload.
package analyze

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/hindsight-dev/hindsight/internal/store"
)

// Relationship is an analyzer-declared link to other work. Target, when
// set, is a concrete node ID; otherwise UnresolvedTarget describes the
// destination in free text for later semantic resolution.
type Relationship struct {
	Type             string  `json:"type"`
	Target           string  `json:"target,omitempty"`
	UnresolvedTarget string  `json:"unresolvedTarget,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
}

// NodePayload is the analyzer's terminal output. It mirrors the content
// half of store.Node; identity and source metadata are filled by the
// worker.
type NodePayload struct {
	Summary      string              `json:"summary"`
	Type         string              `json:"type"`
	Outcome      string              `json:"outcome"`
	HadClearGoal bool                `json:"hadClearGoal"`
	IsNewProject bool                `json:"isNewProject"`
	Decisions    []store.Decision    `json:"decisions,omitempty"`
	Lessons      map[string][]string `json:"lessons,omitempty"`
	Quirks       []store.Quirk       `json:"quirks,omitempty"`
	ToolErrors   []store.ToolError   `json:"toolErrors,omitempty"`
	Tags         []string            `json:"tags,omitempty"`
	Topics       []string            `json:"topics,omitempty"`
	FilesTouched []string            `json:"filesTouched,omitempty"`

	TokensUsed      int64   `json:"tokensUsed,omitempty"`
	Cost            float64 `json:"cost,omitempty"`
	DurationMinutes float64 `json:"durationMinutes,omitempty"`
	Model           string  `json:"model,omitempty"`

	Relationships []Relationship `json:"relationships,omitempty"`

	// Extra holds fields this schema does not know about; they are
	// preserved in the node document verbatim.
	Extra map[string]json.RawMessage `json:"-"`
}

// knownPayloadFields are consumed by the typed fields above; everything
// else lands in Extra.
var knownPayloadFields = map[string]struct{}{
	"summary": {}, "type": {}, "outcome": {}, "hadClearGoal": {}, "isNewProject": {},
	"decisions": {}, "lessons": {}, "quirks": {}, "toolErrors": {}, "tags": {},
	"topics": {}, "filesTouched": {}, "tokensUsed": {}, "cost": {},
	"durationMinutes": {}, "model": {}, "relationships": {},
}

// decodePayload unmarshals a candidate payload, splitting unknown fields
// into Extra.
func decodePayload(raw []byte) (*NodePayload, error) {
	var p NodePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, err
	}
	for key, value := range all {
		if _, known := knownPayloadFields[key]; !known {
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[key] = value
		}
	}
	return &p, nil
}

// Validate checks the minimal schema the rest of the pipeline depends on.
func (p *NodePayload) Validate() error {
	if p.Summary == "" {
		return fmt.Errorf("payload missing summary")
	}
	if !slices.Contains(store.NodeTypes, p.Type) {
		return fmt.Errorf("payload type %q not recognized", p.Type)
	}
	if !slices.Contains(store.NodeOutcomes, p.Outcome) {
		return fmt.Errorf("payload outcome %q not recognized", p.Outcome)
	}
	for level := range p.Lessons {
		if !slices.Contains(store.LessonLevels, level) {
			return fmt.Errorf("payload lesson level %q not recognized", level)
		}
	}
	for _, d := range p.Decisions {
		if d.What == "" {
			return fmt.Errorf("payload decision missing what")
		}
	}
	for _, te := range p.ToolErrors {
		if te.Tool == "" {
			return fmt.Errorf("payload tool error missing tool")
		}
	}
	return nil
}
