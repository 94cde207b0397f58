// Package workspace drives a session's repository checkout inside its
// sandbox: cloning, page discovery, validation, fix application and pushing.
package workspace

import (
	"context"
	"errors"

	"github.com/jxucoder/docfix/model"
)

var (
	// ErrSpanNotFound is returned by ApplyFix when the text to replace is
	// no longer on the page.
	ErrSpanNotFound = errors.New("span not found on page")
	// ErrNoChanges is returned by CommitAndPush when the worktree is clean.
	ErrNoChanges = errors.New("no changes to commit")
)

// PrepareOptions selects what to check out.
type PrepareOptions struct {
	Repo   string
	Branch string
	// CreateBranch creates Branch from BaseBranch instead of checking out an
	// existing remote branch.
	CreateBranch bool
	BaseBranch   string
}

// FixEdit replaces Before with After on a page. When Before occurs more than
// once, the occurrence closest to Line is used.
type FixEdit struct {
	Before string
	After  string
	Line   int
}

// Executor is the contract the orchestrator relies on to work inside a
// sandbox. Handles come from sandbox.Runtime.Start.
type Executor interface {
	Prepare(ctx context.Context, handle string, opts PrepareOptions) error
	// Discover lists documentation pages in path order.
	Discover(ctx context.Context, handle string) ([]model.Page, error)
	ReadPage(ctx context.Context, handle, page string) (string, error)
	// Validate returns the issues of a page in source order. Issues have no
	// IDs yet. Checks that could not run come back as issues with Failed set.
	Validate(ctx context.Context, handle, page string) ([]model.Issue, error)
	ApplyFix(ctx context.Context, handle, page string, edit FixEdit) error
	// ResetPage drops edits of a page that have not reached the remote.
	ResetPage(ctx context.Context, handle, page string) error
	CommitAndPush(ctx context.Context, handle, message, branch string) error
	// NeedsCluster reports whether page content runs cluster-level commands.
	NeedsCluster(content string) bool
}
