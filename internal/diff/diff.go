// Package diff computes line-level diffs between two file versions
// using the sergi/go-diff engine. The Azure adapter builds PR diffs
// from fetched blob pairs with it; platforms that serve unified diffs
// directly never need it.
package diff

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineType classifies one diff line.
type LineType int

const (
	LineContext LineType = iota
	LineAdded
	LineRemoved
)

// Line is a single line of a hunk. LineNum is the old-file number for
// context and removed lines, the new-file number for added lines.
type Line struct {
	LineNum int
	Content string
	Type    LineType
}

// Hunk is one run of changes with its surrounding context.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// FileDiff is the computed change set for one file.
type FileDiff struct {
	Path   string
	Status string // added | deleted | modified
	Hunks  []Hunk
}

// contextLines is how much unchanged context each hunk keeps on both
// sides, matching git's default.
const contextLines = 3

// Engine computes diffs and memoizes identical input pairs, which
// webhook retries produce constantly.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	// Accuracy over latency: review diffs are small and computed off
	// the request path.
	dmp.DiffTimeout = 0
	return &Engine{dmp: dmp}
}

// Compute diffs one file's old and new contents. Empty old content
// marks the file added, empty new content deleted.
func (e *Engine) Compute(path, oldContent, newContent string) *FileDiff {
	fd := &FileDiff{Path: path, Status: "modified"}
	switch {
	case oldContent == "" && newContent == "":
		return fd
	case oldContent == "":
		fd.Status = "added"
	case newContent == "":
		fd.Status = "deleted"
	}

	key := cacheKey{fnv64(oldContent), fnv64(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		result := *cached.(*FileDiff)
		result.Path = path
		result.Status = fd.Status
		return &result
	}

	// Line-level reduction first so char diffs cannot split a line.
	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	fd.Hunks = groupIntoHunks(toOperations(diffs), contextLines)

	e.cache.Store(key, fd)
	return fd
}

// Additions counts added lines across all hunks.
func (fd *FileDiff) Additions() int {
	n := 0
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			if l.Type == LineAdded {
				n++
			}
		}
	}
	return n
}

// Deletions counts removed lines across all hunks.
func (fd *FileDiff) Deletions() int {
	n := 0
	for _, h := range fd.Hunks {
		for _, l := range h.Lines {
			if l.Type == LineRemoved {
				n++
			}
		}
	}
	return n
}

// Unified renders the diff as git-style unified text so it can flow
// through the same pipeline as a platform-served diff.
func (fd *FileDiff) Unified() string {
	if len(fd.Hunks) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", fd.Path, fd.Path)
	switch fd.Status {
	case "added":
		fmt.Fprintf(&b, "--- /dev/null\n+++ b/%s\n", fd.Path)
	case "deleted":
		fmt.Fprintf(&b, "--- a/%s\n+++ /dev/null\n", fd.Path)
	default:
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", fd.Path, fd.Path)
	}
	for _, h := range fd.Hunks {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
		for _, l := range h.Lines {
			switch l.Type {
			case LineAdded:
				b.WriteString("+" + l.Content + "\n")
			case LineRemoved:
				b.WriteString("-" + l.Content + "\n")
			default:
				b.WriteString(" " + l.Content + "\n")
			}
		}
	}
	return b.String()
}

// operation is one line with both coordinate spaces attached; -1 means
// the line does not exist on that side.
type operation struct {
	typ     LineType
	oldLine int
	newLine int
	content string
}

func toOperations(diffs []diffmatchpatch.Diff) []operation {
	var ops []operation
	oldLine, newLine := 0, 0

	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) == 1 && lines[0] == "" && d.Type != diffmatchpatch.DiffEqual {
			continue
		}
		// Split leaves a trailing empty element after the final
		// newline.
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}

		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				ops = append(ops, operation{typ: LineContext, oldLine: oldLine, newLine: newLine, content: line})
				oldLine++
				newLine++
			case diffmatchpatch.DiffDelete:
				ops = append(ops, operation{typ: LineRemoved, oldLine: oldLine, newLine: -1, content: line})
				oldLine++
			case diffmatchpatch.DiffInsert:
				ops = append(ops, operation{typ: LineAdded, oldLine: -1, newLine: newLine, content: line})
				newLine++
			}
		}
	}
	return ops
}

func groupIntoHunks(ops []operation, context int) []Hunk {
	if len(ops) == 0 {
		return nil
	}

	var hunks []Hunk
	var current *Hunk
	lastChangeIdx := -1

	for i, op := range ops {
		if op.typ != LineContext {
			if current == nil {
				current = &Hunk{}
				start := i - context
				if start < 0 {
					start = 0
				}
				for j := start; j < i; j++ {
					if ops[j].typ == LineContext {
						current.Lines = append(current.Lines, Line{
							LineNum: ops[j].oldLine + 1,
							Content: ops[j].content,
							Type:    LineContext,
						})
					}
				}
				current.OldStart = ops[start].oldLine + 1
				current.NewStart = ops[start].newLine + 1
				if ops[start].oldLine < 0 {
					current.OldStart = 0
				}
				if ops[start].newLine < 0 {
					current.NewStart = 0
				}
			}
			lastChangeIdx = i
		}

		if current == nil {
			continue
		}

		lineNum := op.oldLine + 1
		if op.typ == LineAdded {
			lineNum = op.newLine + 1
		}
		current.Lines = append(current.Lines, Line{LineNum: lineNum, Content: op.content, Type: op.typ})

		// Close the hunk once the trailing context is long enough.
		if op.typ == LineContext && i-lastChangeIdx > context {
			trimTo := len(current.Lines) - (i - lastChangeIdx - context)
			if trimTo > 0 && trimTo < len(current.Lines) {
				current.Lines = current.Lines[:trimTo]
			}
			finishHunk(current)
			hunks = append(hunks, *current)
			current = nil
		}
	}

	if current != nil && len(current.Lines) > 0 {
		finishHunk(current)
		hunks = append(hunks, *current)
	}
	return hunks
}

func finishHunk(h *Hunk) {
	for _, l := range h.Lines {
		if l.Type == LineRemoved || l.Type == LineContext {
			h.OldLines++
		}
		if l.Type == LineAdded || l.Type == LineContext {
			h.NewLines++
		}
	}
}

// fnv64 is FNV-1a, good enough to key the memo cache.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
