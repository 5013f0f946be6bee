// Package session models conversational agent session logs: newline-delimited
// JSON files whose first line is a header and whose remaining lines form a
// tree of typed entries.
package session

import (
	"encoding/json"
	"time"
)

// Entry types observed in session files. Unknown types are preserved
// verbatim and ignored by payload-sensitive consumers.
const (
	TypeUser           = "user"
	TypeAssistant      = "assistant"
	TypeToolResult     = "tool_result"
	TypeCompaction     = "compaction"
	TypeBranchSummary  = "branch_summary"
	TypeModelChange    = "model_change"
	TypeThinkingChange = "thinking_change"
	TypeMarker         = "marker"
	TypeLabel          = "label"
	TypeSessionInfo    = "session_info"
)

// Header is the first line of a session file.
type Header struct {
	Version       int        `json:"version"`
	CWD           string     `json:"cwd"`
	ParentSession *ParentRef `json:"parentSession,omitempty"`
}

// ParentRef points at the session this one forked from.
type ParentRef struct {
	Path    string `json:"path"`
	EntryID string `json:"entryId"`
}

// Entry is one line of a session file. ParentID references a prior entry,
// forming a tree; an empty ParentID marks a root.
type Entry struct {
	ID        string          `json:"id"`
	ParentID  string          `json:"parentId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Session is a parsed session file.
type Session struct {
	Path         string
	Header       Header
	Entries      []Entry
	SkippedLines int
}

// Leaf returns the ID of the latest entry that no later entry references
// as a parent. Returns an empty string for an entry-less session.
func (s *Session) Leaf() string {
	if len(s.Entries) == 0 {
		return ""
	}
	referenced := make(map[string]struct{}, len(s.Entries))
	for _, e := range s.Entries {
		if e.ParentID != "" {
			referenced[e.ParentID] = struct{}{}
		}
	}
	for i := len(s.Entries) - 1; i >= 0; i-- {
		if _, ok := referenced[s.Entries[i].ID]; !ok {
			return s.Entries[i].ID
		}
	}
	return s.Entries[len(s.Entries)-1].ID
}
