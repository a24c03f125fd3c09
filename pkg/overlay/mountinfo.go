package overlay

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Snapshot is the ordered, deduplicated set of mount points strictly inside
// one partition, captured once before composing it. It is never re-read
// mid-composition: the kernel mount table is shared mutable state, and the
// algorithm stays deterministic only against a frozen view.
type Snapshot []string

// CaptureSnapshot reads the process mount table and freezes the mount
// points strictly inside root.
func CaptureSnapshot(root string) (Snapshot, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return nil, fmt.Errorf("overlay: open mountinfo: %w", err)
	}
	defer f.Close()
	return snapshotFromMountinfo(f, root)
}

// snapshotFromMountinfo parses mountinfo(5) content. The mount point is the
// fifth whitespace-separated field, with spaces and control characters
// octal-escaped.
func snapshotFromMountinfo(r io.Reader, root string) (Snapshot, error) {
	root = filepath.Clean(root)
	prefix := root + "/"

	seen := map[string]bool{}
	var points []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		mp := unescapeMountPath(fields[4])
		// Strictly inside: excludes root itself and unrelated paths
		// that merely share a name prefix (/vendor vs /vendor2).
		if !strings.HasPrefix(mp, prefix) {
			continue
		}
		if !seen[mp] {
			seen[mp] = true
			points = append(points, mp)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("overlay: read mountinfo: %w", err)
	}

	sort.Strings(points)
	return points, nil
}

// unescapeMountPath decodes the \ooo octal escapes mountinfo uses for
// spaces, tabs, newlines, and backslashes.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isOctal(c byte) bool {
	return c >= '0' && c <= '7'
}
