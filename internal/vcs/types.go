// Package vcs speaks to the hosting platforms. One Adapter interface
// covers everything the review runner needs; GitHub and Azure DevOps
// implement it with nothing but an http.Client, and git.go holds the
// local checkout plumbing the indexer uses.
package vcs

import "context"

// PR is the platform-independent view of a pull request.
type PR struct {
	Number       int
	Title        string
	Description  string
	Author       string
	SourceBranch string
	TargetBranch string
	State        string
	URL          string
	HeadSHA      string
}

// Hunk is one change block of a file diff, in unified-diff
// coordinates.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Content  string
}

// FileDiff is one file's change in a PR.
type FileDiff struct {
	Path      string
	Status    string // added | modified | deleted | renamed
	Additions int
	Deletions int
	Hunks     []Hunk
}

// Diff is the full change set of a PR. Raw carries the unified diff
// text the retrieval pipeline consumes.
type Diff struct {
	Files     []FileDiff
	Additions int
	Deletions int
	Raw       string
}

// ChangedFiles lists the paths the diff touches.
func (d *Diff) ChangedFiles() []string {
	paths := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// Comment is one inline comment to place on a PR.
type Comment struct {
	Path     string
	Line     int
	Body     string
	Severity string
}

// Review is a complete review submission.
type Review struct {
	Summary  string
	Comments []Comment
	Verdict  string // approve | request_changes | comment
}

// ExistingComment is a comment already on the PR.
type ExistingComment struct {
	Author string
	Body   string
	Path   string
	Line   int
}

// Adapter is one hosting platform. Iteration methods only matter when
// SupportsIterations reports true; the others treat them as no-ops.
type Adapter interface {
	GetPR(ctx context.Context, prNumber int) (*PR, error)
	GetDiff(ctx context.Context, prNumber int) (*Diff, error)
	GetFiles(ctx context.Context, prNumber int) ([]string, error)
	AddInlineComment(ctx context.Context, prNumber int, c Comment) error
	SubmitReview(ctx context.Context, prNumber int, review Review) error
	GetReviewComments(ctx context.Context, prNumber int) ([]ExistingComment, error)
	GetPRComments(ctx context.Context, prNumber int) ([]ExistingComment, error)
	GetLatestIterationID(ctx context.Context, prNumber int) (int, error)
	SetCompareToIteration(iteration int)
	SupportsIterations() bool
}
