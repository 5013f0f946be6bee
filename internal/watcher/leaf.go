package watcher

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tidwall/gjson"
)

// tailReadBytes bounds how much of the file is read when locating the
// leaf entry; session entries are far smaller than this.
const tailReadBytes = 256 * 1024

// readLeafEntryID returns the entry ID of the last well-formed line in a
// session file. A trailing partial line is skipped. An empty or
// header-only file yields an empty ID, not an error.
func readLeafEntryID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to read session tail: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat session: %w", err)
	}
	offset := max(info.Size()-tailReadBytes, 0)
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek session tail: %w", err)
	}
	buf, err := io.ReadAll(f)
	if err != nil {
		return "", fmt.Errorf("failed to read session tail: %w", err)
	}

	lines := strings.Split(string(buf), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" || !gjson.Valid(line) {
			continue
		}
		if id := gjson.Get(line, "id"); id.Exists() {
			return id.String(), nil
		}
	}
	return "", nil
}
