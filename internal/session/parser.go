package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hindsight-dev/hindsight/internal/logger"
	"github.com/hindsight-dev/hindsight/internal/logger/tag"
)

// ErrInvalidHeader indicates the first line of a session file is not a
// well-formed header. This is fatal for the file.
var ErrInvalidHeader = errors.New("invalid session header")

// Lines can carry large tool outputs inline.
const maxLineBytes = 64 * 1024 * 1024

// Parse reads and parses the session file at path. Malformed entry lines are
// counted and skipped; a malformed header fails the whole file. A trailing
// partial line (an append in progress) is silently tolerated.
func Parse(ctx context.Context, path string) (*Session, error) {
	f, err := os.Open(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return ParseReader(ctx, path, f)
}

// ParseReader parses session content from r. The path is used only for
// logging and the returned Session.
func ParseReader(ctx context.Context, path string, r io.Reader) (*Session, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("failed to read session header: %w", err)
		}
		// A zero-byte file is a session that has not been written yet,
		// not an error.
		return &Session{Path: path}, nil
	}

	header, err := parseHeader(scanner.Bytes())
	if err != nil {
		return nil, err
	}

	sess := &Session{Path: path, Header: header}
	seen := make(map[string]struct{})
	lineNo := 1
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, ok := parseEntry(line)
		if !ok {
			sess.SkippedLines++
			logger.Debug(ctx, "skipping malformed session line", tag.File(path), tag.Count(lineNo))
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			sess.SkippedLines++
			logger.Warn(ctx, "skipping duplicate entry id", tag.File(path), tag.ID(entry.ID))
			continue
		}
		seen[entry.ID] = struct{}{}
		sess.Entries = append(sess.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan session file: %w", err)
	}
	if sess.SkippedLines > 0 {
		logger.Info(ctx, "parsed session with skipped lines",
			tag.File(path), tag.Count(sess.SkippedLines))
	}
	return sess, nil
}

func parseHeader(line []byte) (Header, error) {
	if !gjson.ValidBytes(line) {
		return Header{}, ErrInvalidHeader
	}
	parsed := gjson.ParseBytes(line)
	if !parsed.IsObject() {
		return Header{}, ErrInvalidHeader
	}
	cwd := parsed.Get("cwd")
	if !cwd.Exists() {
		return Header{}, fmt.Errorf("%w: missing cwd", ErrInvalidHeader)
	}
	h := Header{
		Version: int(parsed.Get("version").Int()),
		CWD:     cwd.String(),
	}
	if ps := parsed.Get("parentSession"); ps.Exists() {
		h.ParentSession = &ParentRef{
			Path:    ps.Get("path").String(),
			EntryID: ps.Get("entryId").String(),
		}
	}
	return h, nil
}

// parseEntry extracts the typed fields of a single entry line. The payload is
// kept as raw JSON so unknown shapes survive round-trips.
func parseEntry(line []byte) (Entry, bool) {
	if !gjson.ValidBytes(line) {
		return Entry{}, false
	}
	parsed := gjson.ParseBytes(line)
	id := parsed.Get("id").String()
	typ := parsed.Get("type").String()
	if id == "" || typ == "" {
		return Entry{}, false
	}
	entry := Entry{
		ID:       id,
		ParentID: parsed.Get("parentId").String(),
		Type:     typ,
	}
	if ts := parsed.Get("timestamp"); ts.Exists() {
		if t, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
			entry.Timestamp = t
		} else if t, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			entry.Timestamp = t
		}
	}
	if payload := parsed.Get("payload"); payload.Exists() {
		raw := payload.Raw
		entry.Payload = append(entry.Payload, raw...)
	}
	return entry, true
}
