package embed

import (
	"strings"

	"github.com/hindsight-dev/hindsight/internal/store"
)

// FormatMarker tags embedding input built with the current rich format
// (type + summary + decisions + lessons). Its absence marks older simpler
// texts, which the backfill re-embeds.
const FormatMarker = "[fmt:v2]"

// BuildInputText renders the embedding input for a node in the current
// rich format.
func BuildInputText(node *store.Node) string {
	var sb strings.Builder
	sb.WriteString(FormatMarker)
	sb.WriteByte('\n')
	sb.WriteString(node.Type)
	sb.WriteString(": ")
	sb.WriteString(node.Summary)
	for _, d := range node.Decisions {
		sb.WriteString("\ndecision: ")
		sb.WriteString(d.What)
		if d.Why != "" {
			sb.WriteString(" because ")
			sb.WriteString(d.Why)
		}
	}
	for _, level := range store.LessonLevels {
		for _, lesson := range node.Lessons[level] {
			sb.WriteString("\nlesson(")
			sb.WriteString(level)
			sb.WriteString("): ")
			sb.WriteString(lesson)
		}
	}
	return sb.String()
}

// IsRichFormat reports whether the input text was built with the current
// format.
func IsRichFormat(text string) bool {
	return strings.HasPrefix(text, FormatMarker)
}
