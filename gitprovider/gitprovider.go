// Package gitprovider defines the git hosting contract DocFix uses to open
// and maintain pull requests, plus the webhook event it consumes.
package gitprovider

import "context"

// PROptions configures a new pull request.
type PROptions struct {
	Repo   string // "owner/repo" or a repository URL
	Branch string // source branch
	Base   string // target branch; empty uses the repository default
	Title  string
	Body   string
}

// WebhookEvent is a pull request comment or review that may carry feedback.
type WebhookEvent struct {
	// Action is the webhook action (e.g. "created", "submitted").
	Action string
	// Repo is the full repository name ("owner/repo").
	Repo        string
	PRNumber    int
	CommentBody string
	CommentUser string
	CommentID   int64
}

// Provider is a git hosting service.
type Provider interface {
	// CreatePR opens a pull request and returns its URL and number.
	CreatePR(ctx context.Context, opts PROptions) (string, int, error)
	// UpdatePR replaces the description of an open pull request.
	UpdatePR(ctx context.Context, repo string, number int, body string) error
	GetDefaultBranch(ctx context.Context, repo string) (string, error)
	// ReplyToPRComment posts a comment on the pull request conversation.
	ReplyToPRComment(ctx context.Context, repo string, number int, body string) error
}
