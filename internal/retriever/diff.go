package retriever

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ChangedFiles extracts the set of file paths named by unified-diff
// headers, in order of first appearance. /dev/null entries (creations
// and deletions) contribute nothing.
func ChangedFiles(diffText string) []string {
	seen := make(map[string]bool)
	var files []string

	add := func(path string) {
		path = strings.TrimRight(path, " \t")
		if path == "" || path == "/dev/null" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}

	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git a/"):
			rest := strings.TrimPrefix(line, "diff --git a/")
			if i := strings.LastIndex(rest, " b/"); i >= 0 {
				add(rest[i+3:])
			}
		case strings.HasPrefix(line, "--- a/"):
			add(strings.TrimPrefix(line, "--- a/"))
		case strings.HasPrefix(line, "+++ b/"):
			add(strings.TrimPrefix(line, "+++ b/"))
		}
	}
	return files
}

// AddedLines walks every hunk and returns, per file, the set of
// new-file line numbers that are additions. Only those lines are legal
// anchors for inline comments.
func AddedLines(diffText string) map[string]map[int]bool {
	added := make(map[string]map[int]bool)
	var file string
	newLine := 0
	inHunk := false

	for _, line := range strings.Split(diffText, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			inHunk = false
		case strings.HasPrefix(line, "+++ "):
			file = strings.TrimRight(strings.TrimPrefix(line, "+++ "), " \t")
			file = strings.TrimPrefix(file, "b/")
			if file == "/dev/null" {
				file = ""
			}
			inHunk = false
		case strings.HasPrefix(line, "--- "):
			inHunk = false
		case strings.HasPrefix(line, "@@"):
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil || file == "" {
				inHunk = false
				continue
			}
			newLine, _ = strconv.Atoi(m[3])
			inHunk = true
		case !inHunk || file == "":
			// Preamble between headers.
		case strings.HasPrefix(line, "+"):
			if added[file] == nil {
				added[file] = make(map[int]bool)
			}
			added[file][newLine] = true
			newLine++
		case strings.HasPrefix(line, "-"):
			// Old-file line, does not advance the new-file counter.
		case strings.HasPrefix(line, `\`):
			// "\ No newline at end of file" belongs to neither side.
		default:
			newLine++
		}
	}
	return added
}

// diffFile is one file's block of a unified diff, split for formatting.
type diffFile struct {
	path  string
	lines []string
}

// splitByFile groups diff lines under the file their +++ header names.
func splitByFile(diffText string) []diffFile {
	var files []diffFile
	var current *diffFile

	for _, line := range strings.Split(diffText, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			current = nil
			continue
		}
		if strings.HasPrefix(line, "+++ ") {
			path := strings.TrimRight(strings.TrimPrefix(line, "+++ "), " \t")
			path = strings.TrimPrefix(path, "b/")
			if path == "/dev/null" {
				current = nil
				continue
			}
			files = append(files, diffFile{path: path})
			current = &files[len(files)-1]
			continue
		}
		if current != nil {
			current.lines = append(current.lines, line)
		}
	}
	return files
}

// FormatForLLM rewrites a unified diff into the shape the model is
// prompted with: per file a header pair and its hunks, every added
// line annotated with its explicit new-file line number, context lines
// dropped, removed lines kept. Output is capped at maxChars; files
// past the cap are announced rather than silently dropped.
func FormatForLLM(diffText string, maxChars int) string {
	files := splitByFile(diffText)
	var out strings.Builder

	for i, f := range files {
		block := formatFileBlock(f)
		if block == "" {
			continue
		}
		if maxChars > 0 && out.Len() > 0 && out.Len()+len(block) > maxChars {
			remaining := len(files) - i
			fmt.Fprintf(&out, "... [diff truncated: %d more changed file(s) omitted; review the files above] ...\n", remaining)
			break
		}
		out.WriteString(block)
	}
	return out.String()
}

func formatFileBlock(f diffFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", f.path, f.path)

	newLine := 0
	inHunk := false
	wroteHunk := false
	for _, line := range f.lines {
		switch {
		case strings.HasPrefix(line, "--- "):
			inHunk = false
		case strings.HasPrefix(line, "@@"):
			m := hunkHeader.FindStringSubmatch(line)
			if m == nil {
				inHunk = false
				continue
			}
			newLine, _ = strconv.Atoi(m[3])
			inHunk = true
			wroteHunk = true
			b.WriteString(line + "\n")
		case !inHunk:
		case strings.HasPrefix(line, "+"):
			fmt.Fprintf(&b, "[Line %d] %s\n", newLine, line)
			newLine++
		case strings.HasPrefix(line, "-"):
			b.WriteString(line + "\n")
		case strings.HasPrefix(line, `\`):
		default:
			newLine++
		}
	}
	if !wroteHunk {
		return ""
	}
	return b.String()
}
