package analyze

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/hindsight-dev/hindsight/internal/session"
)

// promptTemplate is the instruction block sent to the agent. Changing it
// changes PromptVersion, which makes the scheduler re-analyze old nodes.
const promptTemplate = `You are analyzing one task segment of a recorded agent session.
Read the transcript below and respond with a single JSON object on the final line.

Required fields:
  summary          one-paragraph description of what happened
  type             one of: coding, debugging, refactoring, sysadmin, research,
                   planning, qa, brainstorm, handoff, documentation,
                   configuration, data, other
  outcome          one of: success, partial, failed, abandoned
  hadClearGoal     boolean
  isNewProject     boolean
Optional fields:
  decisions        [{what, why, alternatives}]
  lessons          {project|task|user|model|tool|skill|subagent: [string]}
  quirks           [{observation, frequency, severity}]
  toolErrors       [{tool, kind, count}]
  tags, topics, filesTouched   [string]
  tokensUsed, cost, durationMinutes, model
  relationships    [{type, target|unresolvedTarget, confidence}]

Transcript:
`

// PromptVersion is the 16-hex hash identifying the current analysis
// prompt. Nodes remember the version that produced them.
func PromptVersion() string {
	sum := sha256.Sum256([]byte(promptTemplate))
	return hex.EncodeToString(sum[:])[:16]
}

// Transcript entries are truncated so pathological sessions cannot blow
// the agent's context.
const maxEntryChars = 2000

// BuildPrompt renders the analysis prompt for a segment deterministically:
// the same entries always produce the same prompt.
func BuildPrompt(sessionPath string, entries []session.Entry) string {
	var sb strings.Builder
	sb.WriteString(promptTemplate)
	fmt.Fprintf(&sb, "session: %s\n", sessionPath)
	for _, e := range entries {
		fmt.Fprintf(&sb, "[%s] %s", e.Type, e.ID)
		if !e.Timestamp.IsZero() {
			fmt.Fprintf(&sb, " @%s", e.Timestamp.UTC().Format("2006-01-02T15:04:05Z"))
		}
		if text := entryText(e); text != "" {
			sb.WriteString(": ")
			sb.WriteString(truncate(text, maxEntryChars))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

func entryText(e session.Entry) string {
	if len(e.Payload) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(e.Payload)
	if text := parsed.Get("text"); text.Exists() {
		return text.String()
	}
	if tool := parsed.Get("tool"); tool.Exists() {
		out := "tool=" + tool.String()
		if errKind := parsed.Get("errorKind"); errKind.Exists() {
			out += " error=" + errKind.String()
		}
		return out
	}
	return truncate(parsed.Raw, maxEntryChars)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
