package review

import (
	"strings"

	"go.uber.org/zap"

	"reviewd/internal/llm"
)

// filterByConfidence applies the precision threshold: scored comments
// need confidence >= threshold. When every scored comment falls below
// the bar the unscored ones pass through instead, so models that never
// report confidence keep working.
func filterByConfidence(comments []llm.Comment, threshold float64) []llm.Comment {
	var passing, unscored []llm.Comment
	for _, c := range comments {
		if c.Confidence == nil {
			unscored = append(unscored, c)
			continue
		}
		if *c.Confidence >= threshold {
			passing = append(passing, c)
		}
	}
	if len(passing) > 0 {
		return passing
	}
	return unscored
}

// validateAgainstDiff keeps only comments that target a `+` line of the
// diff the review was produced from. Platforms reject inline comments
// on unchanged lines, so anything else would fail to post anyway.
func (r *Runner) validateAgainstDiff(comments []llm.Comment, added map[string]map[int]bool) []llm.Comment {
	var valid []llm.Comment
	for _, c := range comments {
		path := strings.TrimPrefix(c.Path, "/")
		lines, ok := added[path]
		if !ok {
			r.logger.Warn("dropping comment on file outside diff",
				zap.String("path", c.Path),
				zap.Int("line", c.Line))
			continue
		}
		if !lines[c.Line] {
			r.logger.Warn("dropping comment on unchanged line",
				zap.String("path", path),
				zap.Int("line", c.Line))
			continue
		}
		c.Path = path
		valid = append(valid, c)
	}
	return valid
}
