package vcs

import (
	"regexp"
	"strconv"
	"strings"
)

var hunkHeaderRe = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// ParseUnifiedDiff splits git-style unified diff text into per-file
// changes with hunk coordinates and change counts. Files open on a
// "diff --git" line, which both GitHub's .diff media type and our own
// renderer emit.
func ParseUnifiedDiff(raw string) *Diff {
	d := &Diff{Raw: raw}

	var current *FileDiff
	var hunk *Hunk
	var body strings.Builder
	inHunk := false

	closeHunk := func() {
		if hunk != nil && current != nil {
			hunk.Content = body.String()
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
		body.Reset()
		inHunk = false
	}

	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			closeHunk()
			d.Files = append(d.Files, FileDiff{
				Path:   gitHeaderPath(line),
				Status: "modified",
			})
			current = &d.Files[len(d.Files)-1]
			continue
		}

		if current == nil {
			continue
		}

		if !inHunk {
			switch {
			case strings.HasPrefix(line, "new file mode"):
				current.Status = "added"
			case strings.HasPrefix(line, "deleted file mode"):
				current.Status = "deleted"
			case strings.HasPrefix(line, "rename to "):
				current.Status = "renamed"
				current.Path = strings.TrimPrefix(line, "rename to ")
			case strings.HasPrefix(line, "--- /dev/null"):
				current.Status = "added"
			case strings.HasPrefix(line, "+++ /dev/null"):
				current.Status = "deleted"
			case strings.HasPrefix(line, "+++ b/"):
				// The +++ path is authoritative: the git header line
				// cannot carry paths with spaces unambiguously.
				current.Path = strings.TrimRight(strings.TrimPrefix(line, "+++ b/"), " \t")
			}
		}

		if strings.HasPrefix(line, "@@") {
			m := hunkHeaderRe.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			closeHunk()
			hunk = &Hunk{
				OldStart: atoiDefault(m[1], 0),
				OldLines: atoiDefault(m[2], 1),
				NewStart: atoiDefault(m[3], 0),
				NewLines: atoiDefault(m[4], 1),
			}
			inHunk = true
			continue
		}

		if !inHunk {
			continue
		}
		switch {
		case strings.HasPrefix(line, "+"):
			current.Additions++
			d.Additions++
		case strings.HasPrefix(line, "-"):
			current.Deletions++
			d.Deletions++
		}
		body.WriteString(line + "\n")
	}
	closeHunk()
	return d
}

// gitHeaderPath pulls the b-side path out of "diff --git a/x b/x".
func gitHeaderPath(line string) string {
	idx := strings.LastIndex(line, " b/")
	if idx < 0 {
		return ""
	}
	return strings.TrimSpace(line[idx+len(" b/"):])
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
