package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/jxucoder/docfix/gitprovider/gitremote"
	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/pipeline"
	"github.com/jxucoder/docfix/sandbox"
)

// RepoDir is where the repository is cloned inside the sandbox.
const RepoDir = "/workspace/repo"

var docExtensions = []string{".md", ".mdx", ".markdown"}

var skipDirs = []string{"node_modules/", "vendor/", ".github/", "third_party/"}

// Shell implements Executor by running git and validators through a
// sandbox.Runtime.
type Shell struct {
	rt          sandbox.Runtime
	readability *pipeline.ReadabilityStage
	logger      *zap.Logger
	author      string
	email       string
}

var _ Executor = (*Shell)(nil)

// NewShell creates a Shell. readability may be nil to skip AI review.
func NewShell(rt sandbox.Runtime, readability *pipeline.ReadabilityStage, logger *zap.Logger) *Shell {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Shell{
		rt:          rt,
		readability: readability,
		logger:      logger.Named("workspace"),
		author:      "docfix",
		email:       "docfix@users.noreply.github.com",
	}
}

// WithAuthor sets the commit identity.
func (s *Shell) WithAuthor(name, email string) *Shell {
	s.author, s.email = name, email
	return s
}

// script runs a bash script with positional arguments, never interpolating
// arguments into the script text.
func (s *Shell) script(ctx context.Context, handle, body string, args ...string) (string, error) {
	cmd := append([]string{"bash", "-lc", body, "docfix"}, args...)
	return s.rt.ExecCollect(ctx, handle, cmd, nil)
}

const prepareScript = `set -eu
url="$1"; branch="$2"; create="$3"; base="$4"
if [ -n "${GITHUB_TOKEN:-}" ]; then
  case "$url" in
    https://github.com/*) url="https://x-access-token:${GITHUB_TOKEN}@${url#https://}" ;;
  esac
fi
if [ ! -d ` + RepoDir + `/.git ]; then
  git clone --quiet "$url" ` + RepoDir + `
fi
cd ` + RepoDir + `
git fetch --quiet origin
if [ "$create" = "1" ]; then
  git checkout --quiet -B "$branch" "origin/$base"
else
  git checkout --quiet -B "$branch" "origin/$branch"
fi
git branch --quiet --set-upstream-to="origin/$branch" "$branch" 2>/dev/null || true
`

// Prepare clones the repository and checks out the session branch.
func (s *Shell) Prepare(ctx context.Context, handle string, opts PrepareOptions) error {
	if opts.Branch == "" {
		return fmt.Errorf("prepare: no branch")
	}
	create := "0"
	if opts.CreateBranch {
		create = "1"
		if opts.BaseBranch == "" {
			return fmt.Errorf("prepare: creating %s needs a base branch", opts.Branch)
		}
	}
	out, err := s.script(ctx, handle, prepareScript, gitremote.CloneURL(opts.Repo), opts.Branch, create, opts.BaseBranch)
	if err != nil {
		return fmt.Errorf("preparing checkout of %s: %w: %s", opts.Branch, err, strings.TrimSpace(out))
	}
	return nil
}

// Discover lists tracked documentation pages in path order.
func (s *Shell) Discover(ctx context.Context, handle string) ([]model.Page, error) {
	out, err := s.rt.ExecCollect(ctx, handle, []string{"git", "-C", RepoDir, "ls-files"}, nil)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		p := strings.TrimSpace(line)
		if p != "" && isDocPage(p) {
			paths = append(paths, p)
		}
	}
	sort.Strings(paths)

	pages := make([]model.Page, 0, len(paths))
	for _, p := range paths {
		content, err := s.ReadPage(ctx, handle, p)
		if err != nil {
			return nil, err
		}
		pages = append(pages, model.Page{
			Path:   p,
			Title:  PageTitle(p, content),
			Status: model.PageNotSelected,
		})
	}
	return pages, nil
}

func isDocPage(p string) bool {
	for _, d := range skipDirs {
		if strings.HasPrefix(p, d) || strings.Contains(p, "/"+d) {
			return false
		}
	}
	ext := strings.ToLower(path.Ext(p))
	for _, e := range docExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func pagePath(page string) (string, error) {
	clean := path.Clean(page)
	if clean == "." || path.IsAbs(clean) || strings.HasPrefix(clean, "../") || clean == ".." {
		return "", fmt.Errorf("invalid page path %q", page)
	}
	return RepoDir + "/" + clean, nil
}

// ReadPage returns the page content.
func (s *Shell) ReadPage(ctx context.Context, handle, page string) (string, error) {
	p, err := pagePath(page)
	if err != nil {
		return "", err
	}
	out, err := s.rt.ExecCollect(ctx, handle, []string{"cat", "--", p}, nil)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", page, err)
	}
	return out, nil
}

func (s *Shell) writePage(ctx context.Context, handle, page, content string) error {
	p, err := pagePath(page)
	if err != nil {
		return err
	}
	_, err = s.rt.ExecCollect(ctx, handle, []string{"sh", "-c", `cat > "$1"`, "docfix", p}, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("writing %s: %w", page, err)
	}
	return nil
}

// Validate syntax-checks the page's code blocks and runs the readability
// review. Issues are returned in source order.
func (s *Shell) Validate(ctx context.Context, handle, page string) ([]model.Issue, error) {
	content, err := s.ReadPage(ctx, handle, page)
	if err != nil {
		return nil, err
	}

	var issues []model.Issue
	for _, b := range ExtractCodeBlocks(content) {
		is, err := s.checkBlock(ctx, handle, b)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			issues = append(issues, model.Issue{
				Page:     page,
				Location: model.Location{Line: b.StartLine, EndLine: b.EndLine},
				Kind:     model.KindExecution,
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("%s validator could not run: %v", b.Lang, err),
				Failed:   true,
			})
			continue
		}
		if is != nil {
			is.Page = page
			issues = append(issues, *is)
		}
	}

	if s.readability != nil {
		findings, err := s.readability.Review(ctx, page, content)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			issues = append(issues, model.Issue{
				Page:     page,
				Location: model.Location{Line: 1},
				Kind:     model.KindExecution,
				Severity: model.SeverityError,
				Message:  fmt.Sprintf("readability review failed: %v", err),
				Failed:   true,
			})
		default:
			for _, f := range findings {
				issues = append(issues, model.Issue{
					Page:     page,
					Location: model.Location{Line: f.Line, EndLine: f.EndLine},
					Kind:     model.KindReadability,
					Severity: f.Severity,
					Message:  f.Message,
					Span:     f.Span,
				})
			}
		}
	}

	sort.SliceStable(issues, func(i, j int) bool {
		return issues[i].Location.Line < issues[j].Location.Line
	})
	return issues, nil
}

// checkBlock returns a syntax issue for an invalid block, nil for a valid
// or unchecked one, or an error when the checker itself failed.
func (s *Shell) checkBlock(ctx context.Context, handle string, b CodeBlock) (*model.Issue, error) {
	var problem string
	switch b.Lang {
	case "bash", "sh", "shell", "zsh":
		out, err := s.rt.ExecCollect(ctx, handle, []string{"bash", "-n"}, strings.NewReader(b.Code))
		var exitErr *sandbox.ExitError
		switch {
		case errors.As(err, &exitErr):
			problem = firstNonEmpty(exitErr.Output, out)
		case err != nil:
			return nil, err
		}
	case "python", "py", "python3":
		out, err := s.rt.ExecCollect(ctx, handle,
			[]string{"python3", "-c", "import ast,sys; ast.parse(sys.stdin.read(), '<doc>')"},
			strings.NewReader(b.Code))
		var exitErr *sandbox.ExitError
		switch {
		case errors.As(err, &exitErr):
			problem = lastLines(firstNonEmpty(exitErr.Output, out), 3)
		case err != nil:
			return nil, err
		}
	case "json":
		var v any
		if err := json.Unmarshal([]byte(b.Code), &v); err != nil {
			problem = err.Error()
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(strings.NewReader(b.Code))
		for {
			var v any
			err := dec.Decode(&v)
			if err == nil {
				continue
			}
			if !errors.Is(err, io.EOF) {
				problem = err.Error()
			}
			break
		}
	default:
		return nil, nil
	}
	if problem == "" {
		return nil, nil
	}
	return &model.Issue{
		Location: model.Location{Line: b.StartLine, EndLine: b.EndLine},
		Kind:     model.KindSyntax,
		Severity: model.SeverityError,
		Message:  strings.TrimSpace(problem),
		Span:     b.Raw,
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return "invalid syntax"
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// ApplyFix replaces exactly one occurrence of edit.Before on the page.
func (s *Shell) ApplyFix(ctx context.Context, handle, page string, edit FixEdit) error {
	if edit.Before == "" {
		return fmt.Errorf("apply fix: empty span")
	}
	content, err := s.ReadPage(ctx, handle, page)
	if err != nil {
		return err
	}
	updated, err := ReplaceSpan(content, edit)
	if err != nil {
		return fmt.Errorf("%s: %w", page, err)
	}
	return s.writePage(ctx, handle, page, updated)
}

// ReplaceSpan replaces the occurrence of edit.Before nearest to edit.Line.
func ReplaceSpan(content string, edit FixEdit) (string, error) {
	best, bestDist := -1, 0
	for from := 0; from <= len(content); {
		i := strings.Index(content[from:], edit.Before)
		if i < 0 {
			break
		}
		off := from + i
		dist := lineOf(content, off) - edit.Line
		if dist < 0 {
			dist = -dist
		}
		if best < 0 || (edit.Line > 0 && dist < bestDist) {
			best, bestDist = off, dist
		}
		from = off + 1
	}
	if best < 0 {
		return "", ErrSpanNotFound
	}
	return content[:best] + edit.After + content[best+len(edit.Before):], nil
}

const resetScript = `set -eu
cd ` + RepoDir + `
branch=$(git rev-parse --abbrev-ref HEAD)
if git rev-parse --quiet --verify "refs/remotes/origin/$branch" >/dev/null; then
  git reset --quiet --mixed "refs/remotes/origin/$branch"
fi
git checkout -- "$1"
`

// ResetPage restores the pushed version of a page. Local commits the remote
// never accepted are unwound first so they cannot ride along on a later push.
func (s *Shell) ResetPage(ctx context.Context, handle, page string) error {
	if _, err := pagePath(page); err != nil {
		return err
	}
	out, err := s.script(ctx, handle, resetScript, page)
	if err != nil {
		return fmt.Errorf("resetting %s: %w: %s", page, err, strings.TrimSpace(out))
	}
	return nil
}

const commitScript = `set -eu
cd ` + RepoDir + `
git add -A
if git diff --cached --quiet; then
  echo "__DOCFIX_NO_CHANGES__"
  exit 0
fi
git -c user.name="$2" -c user.email="$3" commit --quiet -m "$1"
if ! git push --quiet --force-with-lease origin "HEAD:refs/heads/$4"; then
  git reset --quiet HEAD~1
  exit 1
fi
`

// CommitAndPush stages everything, commits and pushes the branch. When the
// push is rejected the commit is undone and the edits stay in the work tree.
func (s *Shell) CommitAndPush(ctx context.Context, handle, message, branch string) error {
	if len(message) > 72 {
		message = message[:69] + "..."
	}
	out, err := s.script(ctx, handle, commitScript, "docfix: "+message, s.author, s.email, branch)
	if err != nil {
		return fmt.Errorf("commit and push: %w: %s", err, strings.TrimSpace(out))
	}
	if strings.Contains(out, "__DOCFIX_NO_CHANGES__") {
		return ErrNoChanges
	}
	s.logger.Info("pushed", zap.String("handle", handle), zap.String("branch", branch))
	return nil
}

// NeedsCluster reports whether page content runs cluster-level commands.
func (s *Shell) NeedsCluster(content string) bool {
	return NeedsCluster(content)
}
