package workspace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jxucoder/docfix/sandbox"
)

// localRuntime runs commands on the host with RepoDir mapped into a temp dir.
type localRuntime struct {
	root string
}

func (l *localRuntime) Start(context.Context, sandbox.StartOptions) (string, error) {
	return "local", nil
}
func (l *localRuntime) Stop(context.Context, string) error    { return nil }
func (l *localRuntime) IsRunning(context.Context, string) bool { return true }

func (l *localRuntime) ExecCollect(ctx context.Context, _ string, cmd []string, stdin io.Reader) (string, error) {
	args := make([]string, len(cmd))
	for i, a := range cmd {
		args[i] = strings.ReplaceAll(a, RepoDir, l.root)
	}
	c := exec.CommandContext(ctx, args[0], args[1:]...)
	c.Stdin = stdin
	c.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := c.CombinedOutput()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), &sandbox.ExitError{Code: exitErr.ExitCode(), Output: string(out)}
	}
	return string(out), err
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	full := append([]string{"-C", dir, "-c", "user.name=test", "-c", "user.email=test@example.com"}, args...)
	var out bytes.Buffer
	c := exec.Command("git", full...)
	c.Stdout, c.Stderr = &out, &out
	if err := c.Run(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out.String())
	}
	return out.String()
}

// newBareRemote creates a bare repository with docs on main and a
// pre-receive hook that rejects pushes while the returned marker file exists.
func newBareRemote(t *testing.T) (remote, marker string) {
	t.Helper()
	for _, bin := range []string{"git", "bash"} {
		if _, err := exec.LookPath(bin); err != nil {
			t.Skipf("%s not available", bin)
		}
	}
	dir := t.TempDir()
	remote = filepath.Join(dir, "remote.git")
	marker = filepath.Join(dir, "reject")
	seed := filepath.Join(dir, "seed")

	git(t, dir, "init", "--quiet", "--bare", remote)
	git(t, remote, "symbolic-ref", "HEAD", "refs/heads/main")
	git(t, dir, "init", "--quiet", seed)
	git(t, seed, "checkout", "--quiet", "-b", "main")
	if err := os.MkdirAll(filepath.Join(seed, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"docs/a.md": "helo world\n",
		"docs/b.md": "teh end\n",
	} {
		if err := os.WriteFile(filepath.Join(seed, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	git(t, seed, "add", "-A")
	git(t, seed, "commit", "--quiet", "-m", "seed")
	git(t, seed, "push", "--quiet", remote, "main")

	hook := "#!/bin/sh\nif [ -f '" + marker + "' ]; then\n  echo 'push rejected' >&2\n  exit 1\nfi\n"
	if err := os.WriteFile(filepath.Join(remote, "hooks", "pre-receive"), []byte(hook), 0o755); err != nil {
		t.Fatal(err)
	}
	return remote, marker
}

func TestRejectedPushDoesNotLeakIntoNextPush(t *testing.T) {
	remote, marker := newBareRemote(t)
	rt := &localRuntime{root: filepath.Join(t.TempDir(), "repo")}
	sh := NewShell(rt, nil, nil)
	ctx := context.Background()
	const branch = "docfix/x"

	if err := sh.Prepare(ctx, "local", PrepareOptions{Repo: remote, Branch: branch, CreateBranch: true, BaseBranch: "main"}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := sh.CommitAndPush(ctx, "local", "empty", branch); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges on a clean checkout, got %v", err)
	}
	// Publish the branch so origin/docfix/x exists, as it does after the
	// first page of a session.
	git(t, rt.root, "push", "--quiet", "origin", "HEAD:refs/heads/"+branch)
	git(t, rt.root, "fetch", "--quiet", "origin")

	if err := sh.ApplyFix(ctx, "local", "docs/a.md", FixEdit{Before: "helo", After: "hello", Line: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := sh.CommitAndPush(ctx, "local", "fix a", branch); err == nil {
		t.Fatal("expected the push to be rejected")
	}
	if err := sh.ResetPage(ctx, "local", "docs/a.md"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got, _ := sh.ReadPage(ctx, "local", "docs/a.md"); got != "helo world\n" {
		t.Fatalf("page not restored: %q", got)
	}

	if err := os.Remove(marker); err != nil {
		t.Fatal(err)
	}
	if err := sh.ApplyFix(ctx, "local", "docs/b.md", FixEdit{Before: "teh", After: "the", Line: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := sh.CommitAndPush(ctx, "local", "fix b", branch); err != nil {
		t.Fatalf("second push: %v", err)
	}

	if got := git(t, remote, "show", branch+":docs/a.md"); got != "helo world\n" {
		t.Fatalf("rejected fix reached the branch: %q", got)
	}
	if got := git(t, remote, "show", branch+":docs/b.md"); got != "the end\n" {
		t.Fatalf("accepted fix missing from the branch: %q", got)
	}
}

func TestResetPageUnwindsCommitFromInterruptedPush(t *testing.T) {
	remote, _ := newBareRemote(t)
	rt := &localRuntime{root: filepath.Join(t.TempDir(), "repo")}
	sh := NewShell(rt, nil, nil)
	ctx := context.Background()
	const branch = "docfix/y"

	if err := sh.Prepare(ctx, "local", PrepareOptions{Repo: remote, Branch: branch, CreateBranch: true, BaseBranch: "main"}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	git(t, rt.root, "push", "--quiet", "origin", "HEAD:refs/heads/"+branch)
	git(t, rt.root, "fetch", "--quiet", "origin")

	// A push killed mid-flight leaves a local commit the remote never saw.
	if err := sh.ApplyFix(ctx, "local", "docs/a.md", FixEdit{Before: "helo", After: "hello"}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	git(t, rt.root, "commit", "--quiet", "-am", "unpushed")

	if err := sh.ResetPage(ctx, "local", "docs/a.md"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got, _ := sh.ReadPage(ctx, "local", "docs/a.md"); got != "helo world\n" {
		t.Fatalf("page not restored: %q", got)
	}
	if err := sh.CommitAndPush(ctx, "local", "nothing", branch); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected no changes after reset, got %v", err)
	}
}
