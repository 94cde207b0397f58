// Package gitremote inspects remote repositories without cloning them.
package gitremote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Resolver lists remote refs over the git protocol.
type Resolver struct {
	token string
}

// NewResolver creates a Resolver that authenticates HTTPS remotes with token
// when it is non-empty.
func NewResolver(token string) *Resolver {
	return &Resolver{token: token}
}

// BranchExists reports whether branch exists on the remote repository.
func (r *Resolver) BranchExists(ctx context.Context, repo, branch string) (bool, error) {
	refs, err := r.list(ctx, repo)
	if err != nil {
		return false, err
	}
	want := plumbing.NewBranchReferenceName(branch)
	for _, ref := range refs {
		if ref.Name() == want {
			return true, nil
		}
	}
	return false, nil
}

// DefaultBranch returns the branch the remote HEAD points at.
func (r *Resolver) DefaultBranch(ctx context.Context, repo string) (string, error) {
	refs, err := r.list(ctx, repo)
	if err != nil {
		return "", err
	}
	for _, ref := range refs {
		if ref.Name() == plumbing.HEAD && ref.Type() == plumbing.SymbolicReference {
			return ref.Target().Short(), nil
		}
	}
	return "", fmt.Errorf("remote %s has no symbolic HEAD", repo)
}

func (r *Resolver) list(ctx context.Context, repo string) ([]*plumbing.Reference, error) {
	url := CloneURL(repo)
	remote := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})
	opts := &git.ListOptions{}
	if r.token != "" && strings.HasPrefix(url, "https://") {
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: r.token}
	}
	refs, err := remote.ListContext(ctx, opts)
	if errors.Is(err, transport.ErrEmptyRemoteRepository) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", url, err)
	}
	return refs, nil
}

// CloneURL turns "owner/repo" into a GitHub HTTPS URL and leaves URLs and
// local paths unchanged.
func CloneURL(repo string) string {
	repo = strings.TrimSpace(repo)
	switch {
	case strings.Contains(repo, "://"), strings.HasPrefix(repo, "git@"), strings.HasPrefix(repo, "/"):
		return repo
	}
	if strings.Count(repo, "/") == 1 {
		return "https://github.com/" + strings.TrimSuffix(repo, ".git") + ".git"
	}
	return repo
}
