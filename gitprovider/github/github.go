// Package github implements gitprovider.Provider for GitHub.
package github

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/docfix/gitprovider"
	"github.com/jxucoder/docfix/model"
)

// Client wraps the GitHub API.
type Client struct {
	gh *gogh.Client
}

var _ gitprovider.Provider = (*Client)(nil)

// New creates a GitHub client authenticated with the given token.
func New(token string) *Client {
	return &Client{
		gh: gogh.NewClient(nil).WithAuthToken(token),
	}
}

// WithBaseURL points the client at another API root, such as GitHub
// Enterprise or a test server.
func (c *Client) WithBaseURL(base string) (*Client, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	c.gh.BaseURL = u
	return c, nil
}

// CreatePR opens a pull request and returns the PR URL and number.
func (c *Client) CreatePR(ctx context.Context, opts gitprovider.PROptions) (string, int, error) {
	owner, repo, err := splitRepo(opts.Repo)
	if err != nil {
		return "", 0, err
	}

	base := opts.Base
	if base == "" {
		base, err = c.GetDefaultBranch(ctx, opts.Repo)
		if err != nil {
			return "", 0, err
		}
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gogh.NewPullRequest{
		Title: gogh.Ptr(opts.Title),
		Body:  gogh.Ptr(opts.Body),
		Head:  gogh.Ptr(opts.Branch),
		Base:  gogh.Ptr(base),
	})
	if err != nil {
		return "", 0, fmt.Errorf("creating pull request: %w", err)
	}

	return pr.GetHTMLURL(), pr.GetNumber(), nil
}

// UpdatePR replaces the pull request description.
func (c *Client) UpdatePR(ctx context.Context, repoName string, number int, body string) error {
	owner, repo, err := splitRepo(repoName)
	if err != nil {
		return err
	}
	_, _, err = c.gh.PullRequests.Edit(ctx, owner, repo, number, &gogh.PullRequest{
		Body: gogh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("updating pull request #%d: %w", number, err)
	}
	return nil
}

// GetDefaultBranch returns the default branch for a repository.
func (c *Client) GetDefaultBranch(ctx context.Context, repoName string) (string, error) {
	owner, repo, err := splitRepo(repoName)
	if err != nil {
		return "", err
	}

	r, _, err := c.gh.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return "", fmt.Errorf("getting repository: %w", err)
	}

	return r.GetDefaultBranch(), nil
}

// ReplyToPRComment posts a comment on the pull request conversation.
func (c *Client) ReplyToPRComment(ctx context.Context, repoName string, number int, body string) error {
	owner, repo, err := splitRepo(repoName)
	if err != nil {
		return err
	}
	_, _, err = c.gh.Issues.CreateComment(ctx, owner, repo, number, &gogh.IssueComment{
		Body: gogh.Ptr(body),
	})
	if err != nil {
		return fmt.Errorf("commenting on #%d: %w", number, err)
	}
	return nil
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(model.RepoSlug(fullName), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo format %q, expected \"owner/repo\"", fullName)
	}
	return parts[0], parts[1], nil
}
