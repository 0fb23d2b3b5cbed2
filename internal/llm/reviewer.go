package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"reviewd/internal/graph"
	"reviewd/internal/retriever"
	"reviewd/internal/store"
)

// defaultDiffBudget caps how much annotated diff goes into one prompt.
const defaultDiffBudget = 24000

// Comment is one inline finding the model produced. Line numbers
// refer to the new side of the diff.
type Comment struct {
	Path       string   `json:"path"`
	Line       int      `json:"line"`
	Body       string   `json:"body"`
	Severity   string   `json:"severity"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// ReviewResponse is the decoded model output for one review.
type ReviewResponse struct {
	Summary  string    `json:"summary"`
	Verdict  string    `json:"verdict"`
	Comments []Comment `json:"comments"`
}

// Reviewer turns a diff plus its retrieved context into a structured
// review by prompting the completion client.
type Reviewer struct {
	client     Client
	diffBudget int
	logger     *zap.Logger
}

func NewReviewer(client Client, logger *zap.Logger) *Reviewer {
	return &Reviewer{client: client, diffBudget: defaultDiffBudget, logger: logger}
}

// SetDiffBudget overrides the character budget for the annotated diff
// section of the prompt. Values below one are ignored.
func (rv *Reviewer) SetDiffBudget(n int) {
	if n > 0 {
		rv.diffBudget = n
	}
}

const reviewSystemPrompt = `You are a senior engineer reviewing a pull request. Be precise and actionable: comment only where the change introduces a real problem or a clearly better alternative. Never restate the diff and never praise it.

Rules:
- Comment only on added lines, the ones prefixed with [Line N]; use that N as "line".
- "path" must be a file path exactly as it appears in the diff headers.
- "severity" is one of: critical, warning, info.
- "confidence" is your 0.0-1.0 estimate that the comment is correct and worth a human's time.
- "verdict" is one of: approve, request_changes, comment.

Respond with a single JSON object and nothing else:
{"summary": "one paragraph", "verdict": "comment", "comments": [{"path": "src/a.go", "line": 12, "body": "...", "severity": "warning", "confidence": 0.8}]}`

// GenerateReview prompts the client with the annotated diff and the
// retrieved context and decodes the JSON review it returns.
func (rv *Reviewer) GenerateReview(ctx context.Context, diffText string, rc *retriever.ReviewContext) (*ReviewResponse, error) {
	userPrompt := rv.buildUserPrompt(diffText, rc)

	raw, err := rv.client.CompleteWithSystem(ctx, reviewSystemPrompt, userPrompt)
	if err != nil {
		return nil, err
	}

	jsonStr := extractJSON(raw)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON object in model response")
	}

	var resp ReviewResponse
	if err := json.Unmarshal([]byte(jsonStr), &resp); err != nil {
		rv.logger.Debug("review JSON did not decode", zap.Error(err), zap.String("json", firstN(jsonStr, 500)))
		return nil, fmt.Errorf("decode review response: %w", err)
	}

	resp.Verdict = normalizeVerdict(resp.Verdict)
	for i := range resp.Comments {
		resp.Comments[i].Severity = normalizeSeverity(resp.Comments[i].Severity)
	}

	rv.logger.Info("review generated",
		zap.String("client", rv.client.Name()),
		zap.String("verdict", resp.Verdict),
		zap.Int("comments", len(resp.Comments)))
	return &resp, nil
}

func (rv *Reviewer) buildUserPrompt(diffText string, rc *retriever.ReviewContext) string {
	var sb strings.Builder

	sb.WriteString("# Pull request diff\n\n")
	sb.WriteString(retriever.FormatForLLM(diffText, rv.diffBudget))

	if rc == nil {
		return sb.String()
	}

	if br := rc.BlastRadius; br.RiskScore > 0 || len(br.DirectCallers) > 0 {
		sb.WriteString("\n## Blast radius\n")
		fmt.Fprintf(&sb, "Direct callers: %d\n", len(br.DirectCallers))
		fmt.Fprintf(&sb, "Transitive callers: %d\n", len(br.TransitiveCallers))
		fmt.Fprintf(&sb, "Affected files: %d\n", len(br.AffectedFiles))
		fmt.Fprintf(&sb, "Risk score: %d/100\n", br.RiskScore)
	}

	writeSymbolSection(&sb, "Changed symbols", rc.ChangedSymbols)
	writeSymbolSection(&sb, "Callers of changed code (may break)", rc.Callers)
	writeSymbolSection(&sb, "Code the changes call into", rc.Callees)
	writeSymbolSection(&sb, "Semantically related code", rc.SemanticNeighbors)

	if len(rc.PriorExamples) > 0 {
		sb.WriteString("\n## Feedback this team accepted before (match this style and bar)\n")
		writeExamples(&sb, rc.PriorExamples)
	}
	if len(rc.RejectedExamples) > 0 {
		sb.WriteString("\n## Feedback this team rejected before (do not produce comments like these)\n")
		writeExamples(&sb, rc.RejectedExamples)
	}

	return sb.String()
}

// symbolSectionCap bounds each context section so one huge fan-in
// cannot crowd out the diff.
const symbolSectionCap = 20

func writeSymbolSection(sb *strings.Builder, title string, symbols []*graph.Symbol) {
	if len(symbols) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n## %s\n", title)
	for i, s := range symbols {
		if i >= symbolSectionCap {
			fmt.Fprintf(sb, "... and %d more\n", len(symbols)-i)
			break
		}
		line := fmt.Sprintf("- %s (%s:%d)", s.QualifiedName, s.FilePath, s.StartLine)
		if s.Signature != "" {
			line += " — " + s.Signature
		}
		sb.WriteString(line + "\n")
	}
}

func writeExamples(sb *strings.Builder, examples []store.CommentExample) {
	for _, ex := range examples {
		fmt.Fprintf(sb, "- [%s] %s\n", ex.Severity, firstN(ex.Body, 400))
	}
}

// extractJSON pulls the review object out of a model response that may
// wrap it in markdown. Tries a ```json fence, then any fence, then the
// outermost braces.
func extractJSON(response string) string {
	if strings.Contains(response, "```json") {
		parts := strings.Split(response, "```json")
		if len(parts) > 1 {
			return strings.TrimSpace(strings.Split(parts[1], "```")[0])
		}
	}
	if strings.Contains(response, "```") {
		parts := strings.Split(response, "```")
		if len(parts) > 1 {
			if candidate := strings.TrimSpace(parts[1]); candidate != "" {
				return candidate
			}
		}
	}
	start := strings.Index(response, "{")
	end := strings.LastIndex(response, "}")
	if start != -1 && end > start {
		return strings.TrimSpace(response[start : end+1])
	}
	return ""
}

func normalizeVerdict(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "approve", "approved":
		return "approve"
	case "request_changes", "request-changes", "changes_requested":
		return "request_changes"
	default:
		return "comment"
	}
}

func normalizeSeverity(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical", "error", "high":
		return "critical"
	case "warning", "warn", "medium":
		return "warning"
	default:
		return "info"
	}
}

func firstN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
