package analyze

import (
	"bufio"
	"strings"

	"github.com/tidwall/gjson"
)

// Event is one NDJSON line emitted by the agent subprocess.
type Event struct {
	Type string
	Raw  string
}

// parseOutput splits the agent's stdout into parsed events and the
// structured node payload. Lines that are not JSON stay in the raw
// transcript only. Among parsed events the last well-formed payload wins;
// when no event carries one, the raw text is scanned for a JSON object
// (plain or inside a fenced code block).
func parseOutput(stdout string) ([]Event, *NodePayload) {
	var events []Event
	var payload *NodePayload

	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) || !gjson.Parse(line).IsObject() {
			continue
		}
		events = append(events, Event{
			Type: gjson.Get(line, "type").String(),
			Raw:  line,
		})
		if p := tryDecodeNode(line); p != nil {
			payload = p
		}
	}

	if payload == nil {
		payload = scanForPayload(stdout)
	}
	return events, payload
}

// tryDecodeNode decodes a candidate line as a node payload. Events often
// wrap the payload under a "node" or "result" key; both are accepted.
func tryDecodeNode(line string) *NodePayload {
	candidates := []string{line}
	for _, key := range []string{"node", "result"} {
		if nested := gjson.Get(line, key); nested.IsObject() {
			candidates = append(candidates, nested.Raw)
		}
	}
	for i := len(candidates) - 1; i >= 0; i-- {
		p, err := decodePayload([]byte(candidates[i]))
		if err != nil {
			continue
		}
		if p.Validate() == nil {
			return p
		}
	}
	return nil
}

// scanForPayload falls back to scanning free-form text for a JSON object,
// preferring fenced code blocks, then balanced top-level braces.
func scanForPayload(text string) *NodePayload {
	for _, block := range fencedBlocks(text) {
		if p := tryDecodeNode(block); p != nil {
			return p
		}
	}
	for _, candidate := range balancedObjects(text) {
		if p := tryDecodeNode(candidate); p != nil {
			return p
		}
	}
	return nil
}

// fencedBlocks extracts the contents of ``` fenced blocks, last first.
func fencedBlocks(text string) []string {
	var blocks []string
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			break
		}
		rest = rest[start+3:]
		// Skip a language hint like "json" on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 && nl < 20 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end < 0 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		rest = rest[end+3:]
	}
	// Last block is the most likely terminal answer.
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return blocks
}

// balancedObjects finds top-level {...} spans in the text, last first,
// tracking strings so braces inside values do not confuse the scan.
func balancedObjects(text string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, text[start:i+1])
					start = -1
				}
			}
		}
	}
	for i, j := 0, len(spans)-1; i < j; i, j = i+1, j-1 {
		spans[i], spans[j] = spans[j], spans[i]
	}
	return spans
}
