package analyze

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hindsight-dev/hindsight/internal/store"
)

const validPayloadJSON = `{"summary":"fixed the flaky watcher test","type":"debugging","outcome":"success","hadClearGoal":true}`

func TestParseOutput(t *testing.T) {
	t.Run("NDJSONWithPayloadLine", func(t *testing.T) {
		stdout := `{"type":"started","msg":"reading"}
{"type":"tool_use","tool":"grep"}
` + validPayloadJSON + "\n"
		events, payload := parseOutput(stdout)
		assert.Len(t, events, 3)
		require.NotNil(t, payload)
		assert.Equal(t, "fixed the flaky watcher test", payload.Summary)
	})

	t.Run("LastWellFormedPayloadWins", func(t *testing.T) {
		stdout := `{"summary":"first attempt","type":"coding","outcome":"partial","hadClearGoal":false}
` + validPayloadJSON + "\n"
		_, payload := parseOutput(stdout)
		require.NotNil(t, payload)
		assert.Equal(t, "fixed the flaky watcher test", payload.Summary)
	})

	t.Run("PayloadWrappedInResultEvent", func(t *testing.T) {
		stdout := `{"type":"result","result":` + validPayloadJSON + `}` + "\n"
		events, payload := parseOutput(stdout)
		assert.Len(t, events, 1)
		require.NotNil(t, payload)
		assert.Equal(t, "debugging", payload.Type)
	})

	t.Run("NonJSONLinesIgnored", func(t *testing.T) {
		stdout := "thinking about it...\n" + validPayloadJSON + "\nbye\n"
		events, payload := parseOutput(stdout)
		assert.Len(t, events, 1)
		require.NotNil(t, payload)
	})

	t.Run("FencedBlockFallback", func(t *testing.T) {
		stdout := "Here is my analysis:\n\n```json\n" + validPayloadJSON + "\n```\n"
		_, payload := parseOutput(stdout)
		require.NotNil(t, payload)
		assert.Equal(t, "success", payload.Outcome)
	})

	t.Run("BalancedBraceFallback", func(t *testing.T) {
		stdout := "The result is " + validPayloadJSON + " as requested."
		_, payload := parseOutput(stdout)
		require.NotNil(t, payload)
		assert.Equal(t, "debugging", payload.Type)
	})

	t.Run("BracesInsideStringsDoNotConfuseScan", func(t *testing.T) {
		stdout := `prefix {"summary":"handled the {weird} case","type":"coding","outcome":"success","hadClearGoal":true} suffix`
		_, payload := parseOutput(stdout)
		require.NotNil(t, payload)
		assert.Equal(t, "handled the {weird} case", payload.Summary)
	})

	t.Run("InvalidPayloadYieldsNil", func(t *testing.T) {
		stdout := `{"summary":"x","type":"not-a-type","outcome":"success"}` + "\n"
		events, payload := parseOutput(stdout)
		assert.Len(t, events, 1)
		assert.Nil(t, payload)
	})

	t.Run("EmptyOutput", func(t *testing.T) {
		events, payload := parseOutput("")
		assert.Empty(t, events)
		assert.Nil(t, payload)
	})
}

func TestDecodePayload(t *testing.T) {
	t.Run("UnknownFieldsLandInExtra", func(t *testing.T) {
		raw := `{"summary":"s","type":"coding","outcome":"success","hadClearGoal":true,"mood":"optimistic","confidenceScore":0.8}`
		p, err := decodePayload([]byte(raw))
		require.NoError(t, err)
		assert.Len(t, p.Extra, 2)
		assert.JSONEq(t, `"optimistic"`, string(p.Extra["mood"]))
		assert.JSONEq(t, `0.8`, string(p.Extra["confidenceScore"]))
	})

	t.Run("KnownFieldsStayTyped", func(t *testing.T) {
		raw := `{"summary":"s","type":"coding","outcome":"success","tags":["a"],"relationships":[{"type":"reference","unresolvedTarget":"the auth refactor"}]}`
		p, err := decodePayload([]byte(raw))
		require.NoError(t, err)
		assert.Empty(t, p.Extra)
		assert.Equal(t, []string{"a"}, p.Tags)
		require.Len(t, p.Relationships, 1)
		assert.Equal(t, "the auth refactor", p.Relationships[0].UnresolvedTarget)
	})

	t.Run("NotJSON", func(t *testing.T) {
		_, err := decodePayload([]byte("nope"))
		assert.Error(t, err)
	})
}

func TestPayloadValidate(t *testing.T) {
	valid := func() *NodePayload {
		var p NodePayload
		require.NoError(t, json.Unmarshal([]byte(validPayloadJSON), &p))
		return &p
	}

	t.Run("Valid", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	tests := []struct {
		name   string
		mutate func(*NodePayload)
	}{
		{"MissingSummary", func(p *NodePayload) { p.Summary = "" }},
		{"UnknownType", func(p *NodePayload) { p.Type = "daydreaming" }},
		{"UnknownOutcome", func(p *NodePayload) { p.Outcome = "mixed" }},
		{"UnknownLessonLevel", func(p *NodePayload) { p.Lessons = map[string][]string{"galaxy": {"x"}} }},
		{"DecisionWithoutWhat", func(p *NodePayload) { p.Decisions = append(p.Decisions, store.Decision{Why: "because"}) }},
		{"ToolErrorWithoutTool", func(p *NodePayload) { p.ToolErrors = append(p.ToolErrors, store.ToolError{Kind: "exit_1"}) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valid()
			tc.mutate(p)
			assert.Error(t, p.Validate())
		})
	}
}
