package workspace

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/jxucoder/docfix/llm"
	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/pipeline"
	"github.com/jxucoder/docfix/sandbox"
)

// fakeRuntime serves a small in-memory repository and records every command.
type fakeRuntime struct {
	mu       sync.Mutex
	files    map[string]string
	commands [][]string
	scripts  []string
	// handle overrides the default command emulation when it returns true.
	handle func(cmd []string, stdin string) (string, error, bool)
}

func newFakeRuntime(files map[string]string) *fakeRuntime {
	return &fakeRuntime{files: files}
}

func (f *fakeRuntime) Start(context.Context, sandbox.StartOptions) (string, error) {
	return "pod-1", nil
}
func (f *fakeRuntime) Stop(context.Context, string) error    { return nil }
func (f *fakeRuntime) IsRunning(context.Context, string) bool { return true }
func (f *fakeRuntime) ExecCollect(_ context.Context, _ string, cmd []string, stdin io.Reader) (string, error) {
	in := ""
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		in = string(data)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	if f.handle != nil {
		if out, err, ok := f.handle(cmd, in); ok {
			return out, err
		}
	}
	switch {
	case cmd[0] == "git" && cmd[len(cmd)-1] == "ls-files":
		var names []string
		for name := range f.files {
			names = append(names, name)
		}
		return strings.Join(names, "\n") + "\n", nil
	case cmd[0] == "cat":
		name := strings.TrimPrefix(cmd[2], RepoDir+"/")
		content, ok := f.files[name]
		if !ok {
			return "cat: no such file", &sandbox.ExitError{Code: 1}
		}
		return content, nil
	case cmd[0] == "sh":
		f.files[strings.TrimPrefix(cmd[4], RepoDir+"/")] = in
		return "", nil
	case cmd[0] == "bash" && cmd[1] == "-n":
		if strings.Contains(in, "if [") && !strings.Contains(in, "fi") {
			return "", &sandbox.ExitError{Code: 2, Output: "bash: line 3: syntax error: unexpected end of file"}
		}
		return "", nil
	case cmd[0] == "python3":
		if strings.Contains(in, "def (") {
			return "", &sandbox.ExitError{Code: 1, Output: "  File \"<doc>\", line 1\nSyntaxError: invalid syntax"}
		}
		return "", nil
	case cmd[0] == "bash" && cmd[1] == "-lc":
		f.scripts = append(f.scripts, cmd[2])
		return "", nil
	}
	return "", nil
}

func TestExtractCodeBlocks(t *testing.T) {
	content := "# T\n\n```bash\necho a\necho b\n```\n\n- item\n\n  ```yaml\n  a: 1\n  ```\n"
	blocks := ExtractCodeBlocks(content)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %+v", blocks)
	}
	b := blocks[0]
	if b.Lang != "bash" || b.Code != "echo a\necho b\n" || b.StartLine != 4 || b.EndLine != 5 {
		t.Fatalf("unexpected bash block: %+v", b)
	}
	if !strings.Contains(content, b.Raw) {
		t.Fatalf("raw text not verbatim: %q", b.Raw)
	}
	if blocks[1].Lang != "yaml" || blocks[1].Code != "a: 1\n" {
		t.Fatalf("unexpected yaml block: %+v", blocks[1])
	}
}

func TestPageTitle(t *testing.T) {
	tests := []struct{ path, content, want string }{
		{"docs/a.md", "---\ntitle: Getting Started\n---\n# Other\n", "Getting Started"},
		{"docs/a.md", "intro\n\n## Install **now**\n", "Install now"},
		{"docs/setup-guide.md", "no headings here\n", "setup-guide"},
	}
	for _, tt := range tests {
		if got := PageTitle(tt.path, tt.content); got != tt.want {
			t.Fatalf("PageTitle(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestNeedsCluster(t *testing.T) {
	if !NeedsCluster("```bash\n$ kubectl get pods\n```\n") {
		t.Fatal("expected kubectl page to need a cluster")
	}
	if NeedsCluster("Run `kubectl get pods` later.\n\n```bash\necho kubectl\n```\n") {
		t.Fatal("prose and echo should not need a cluster")
	}
	if NeedsCluster("```yaml\nkubectl: true\n```\n") {
		t.Fatal("non-shell blocks should not need a cluster")
	}
}

func TestDiscoverFiltersAndSorts(t *testing.T) {
	rt := newFakeRuntime(map[string]string{
		"README.md":                "# Readme\n",
		"docs/b.md":                "# Beta\n",
		"docs/a.mdx":               "---\ntitle: Alpha\n---\n",
		"node_modules/x/README.md": "# x\n",
		"main.go":                  "package main\n",
		"docs/vendor/lib/notes.md": "# notes\n",
	})
	pages, err := NewShell(rt, nil, nil).Discover(context.Background(), "pod-1")
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	var got []string
	for _, p := range pages {
		got = append(got, p.Path+"="+p.Title)
		if p.Status != model.PageNotSelected {
			t.Fatalf("unexpected status %s", p.Status)
		}
	}
	want := "README.md=Readme,docs/a.mdx=Alpha,docs/b.md=Beta"
	if strings.Join(got, ",") != want {
		t.Fatalf("got %v, want %s", got, want)
	}
}

const brokenPage = "# Setup\n\n```bash\nif [ -f x ]; then\n  echo hi\n```\n\n```json\n{\"a\": }\n```\n\n```python\nprint('ok')\n```\n\nThis sentence is honestly quite extremely verbose for what it says.\n"

func TestValidateReportsSyntaxAndReadability(t *testing.T) {
	rt := newFakeRuntime(map[string]string{"setup.md": brokenPage})
	review := pipeline.NewReadabilityStage(llm.ClientFunc(func(ctx context.Context, system, user string) (string, error) {
		return `[{"line": 1, "span": "This sentence is honestly quite extremely verbose for what it says.", "message": "wordy"}]`, nil
	}), "")

	issues, err := NewShell(rt, review, nil).Validate(context.Background(), "pod-1", "setup.md")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) != 3 {
		t.Fatalf("expected 3 issues, got %+v", issues)
	}
	if issues[0].Kind != model.KindSyntax || issues[0].Location.Line != 4 || !strings.Contains(issues[0].Message, "unexpected end of file") {
		t.Fatalf("unexpected bash issue: %+v", issues[0])
	}
	if issues[0].Span != "if [ -f x ]; then\n  echo hi\n" {
		t.Fatalf("unexpected bash span: %q", issues[0].Span)
	}
	if issues[1].Kind != model.KindSyntax || issues[1].Location.Line != 9 {
		t.Fatalf("unexpected json issue: %+v", issues[1])
	}
	if issues[2].Kind != model.KindReadability || issues[2].Location.Line != 16 || issues[2].Page != "setup.md" {
		t.Fatalf("unexpected readability issue: %+v", issues[2])
	}
	for _, is := range issues {
		if is.ID != "" {
			t.Fatalf("workspace must not assign ids: %+v", is)
		}
	}
}

func TestValidateRecordsValidatorFailure(t *testing.T) {
	rt := newFakeRuntime(map[string]string{"a.md": "```bash\necho hi\n```\n"})
	rt.handle = func(cmd []string, _ string) (string, error, bool) {
		if cmd[0] == "bash" && cmd[1] == "-n" {
			return "", errors.New("stream closed"), true
		}
		return "", nil, false
	}
	review := pipeline.NewReadabilityStage(llm.ClientFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("model down")
	}), "")

	issues, err := NewShell(rt, review, nil).Validate(context.Background(), "pod-1", "a.md")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if len(issues) != 2 {
		t.Fatalf("expected 2 failure issues, got %+v", issues)
	}
	for _, is := range issues {
		if !is.Failed || is.Kind != model.KindExecution {
			t.Fatalf("expected execution failure, got %+v", is)
		}
	}
}

func TestValidateYAMLMultiDoc(t *testing.T) {
	rt := newFakeRuntime(map[string]string{
		"ok.md":  "```yaml\na: 1\n---\nb: 2\n```\n",
		"bad.md": "```yaml\na: [1, 2\n```\n",
	})
	sh := NewShell(rt, nil, nil)
	if issues, err := sh.Validate(context.Background(), "pod-1", "ok.md"); err != nil || len(issues) != 0 {
		t.Fatalf("expected clean yaml, got %+v %v", issues, err)
	}
	if issues, err := sh.Validate(context.Background(), "pod-1", "bad.md"); err != nil || len(issues) != 1 {
		t.Fatalf("expected one yaml issue, got %+v %v", issues, err)
	}
}

func TestApplyFixReplacesNearestOccurrence(t *testing.T) {
	content := "note\nfoo\nbar\nbaz\nfoo\n"
	rt := newFakeRuntime(map[string]string{"a.md": content})
	sh := NewShell(rt, nil, nil)

	if err := sh.ApplyFix(context.Background(), "pod-1", "a.md", FixEdit{Before: "foo", After: "qux", Line: 5}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := rt.files["a.md"]; got != "note\nfoo\nbar\nbaz\nqux\n" {
		t.Fatalf("unexpected content: %q", got)
	}

	err := sh.ApplyFix(context.Background(), "pod-1", "a.md", FixEdit{Before: "missing", After: "x"})
	if !errors.Is(err, ErrSpanNotFound) {
		t.Fatalf("expected ErrSpanNotFound, got %v", err)
	}
}

func TestReplaceSpanWithoutLineHintUsesFirst(t *testing.T) {
	got, err := ReplaceSpan("a b a", FixEdit{Before: "a", After: "c"})
	if err != nil || got != "c b a" {
		t.Fatalf("got %q %v", got, err)
	}
}

func TestResetPage(t *testing.T) {
	rt := newFakeRuntime(nil)
	sh := NewShell(rt, nil, nil)
	if err := sh.ResetPage(context.Background(), "pod-1", "docs/a.md"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	cmd := rt.commands[0]
	if cmd[len(cmd)-1] != "docs/a.md" {
		t.Fatalf("unexpected args %v", cmd)
	}
	if !strings.Contains(rt.scripts[0], `reset --quiet --mixed "refs/remotes/origin/$branch"`) {
		t.Fatalf("reset must unwind unpushed commits: %s", rt.scripts[0])
	}
	if err := sh.ResetPage(context.Background(), "pod-1", "../x"); err == nil {
		t.Fatal("expected error for escaping path")
	}
}

func TestReadPageRejectsEscapes(t *testing.T) {
	sh := NewShell(newFakeRuntime(nil), nil, nil)
	for _, p := range []string{"../etc/passwd", "/etc/passwd", ".."} {
		if _, err := sh.ReadPage(context.Background(), "pod-1", p); err == nil {
			t.Fatalf("expected error for %q", p)
		}
	}
}

func TestCommitAndPush(t *testing.T) {
	rt := newFakeRuntime(nil)
	sh := NewShell(rt, nil, nil)
	if err := sh.CommitAndPush(context.Background(), "pod-1", "fix install page", "docfix/abc"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	last := rt.commands[len(rt.commands)-1]
	if last[len(last)-1] != "docfix/abc" || last[4] != "docfix: fix install page" {
		t.Fatalf("unexpected args: %v", last)
	}
	if !strings.Contains(rt.scripts[0], "--force-with-lease") {
		t.Fatalf("push must not clobber remote work: %s", rt.scripts[0])
	}

	rt.handle = func(cmd []string, _ string) (string, error, bool) {
		return "__DOCFIX_NO_CHANGES__\n", nil, true
	}
	if err := sh.CommitAndPush(context.Background(), "pod-1", "again", "docfix/abc"); !errors.Is(err, ErrNoChanges) {
		t.Fatalf("expected ErrNoChanges, got %v", err)
	}
}

func TestPrepareCreatesBranchFromBase(t *testing.T) {
	rt := newFakeRuntime(nil)
	sh := NewShell(rt, nil, nil)
	err := sh.Prepare(context.Background(), "pod-1", PrepareOptions{
		Repo: "owner/docs", Branch: "docfix/abc", CreateBranch: true, BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	args := rt.commands[0][4:]
	want := []string{"https://github.com/owner/docs.git", "docfix/abc", "1", "main"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Fatalf("unexpected args %v", args)
	}

	if err := sh.Prepare(context.Background(), "pod-1", PrepareOptions{Repo: "owner/docs", Branch: "x", CreateBranch: true}); err == nil {
		t.Fatal("expected error without a base branch")
	}
}
