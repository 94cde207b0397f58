package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jxucoder/docfix/model"
)

type fakeLLM struct {
	responses []string
	err       error
	calls     int
	lastUser  string
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	f.lastUser = user
	if f.err != nil {
		return "", f.err
	}
	i := f.calls
	f.calls++
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	return f.responses[i], nil
}

const page = "# Install\n\nYou should probably maybe run the installer if it is the case that you need it.\n\n```bash\necho hi\n```\n"

func TestReadabilityReview(t *testing.T) {
	stage := NewReadabilityStage(&fakeLLM{responses: []string{"```json\n" + `[
		{"line": 99, "span": "You should probably maybe run the installer if it is the case that you need it.", "message": "wordy", "severity": "bogus"},
		{"line": 1, "span": "not in the page", "message": "hallucinated"}
	]` + "\n```"}}, "")

	findings, err := stage.Review(context.Background(), "install.md", page)
	if err != nil {
		t.Fatalf("review error: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("expected 1 finding, got %+v", findings)
	}
	f := findings[0]
	if f.Line != 3 || f.EndLine != 3 {
		t.Fatalf("expected line recomputed to 3, got %d-%d", f.Line, f.EndLine)
	}
	if f.Severity != model.SeverityWarning {
		t.Fatalf("expected default severity, got %s", f.Severity)
	}
}

func TestReadabilityReviewEmptyPage(t *testing.T) {
	llm := &fakeLLM{responses: []string{"should not be called"}}
	findings, err := NewReadabilityStage(llm, "").Review(context.Background(), "a.md", "  \n")
	if err != nil || findings != nil || llm.calls != 0 {
		t.Fatalf("expected no call for empty page: %v %v %d", findings, err, llm.calls)
	}
}

func TestReadabilityReviewBadJSON(t *testing.T) {
	_, err := NewReadabilityStage(&fakeLLM{responses: []string{"looks fine to me"}}, "").Review(context.Background(), "a.md", page)
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFixProposeIncludesNegativeContext(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"replacement": "Run the installer if you need it.", "rationale": "shorter"}`}}
	stage := NewFixStage(llm, "")
	p, err := stage.Propose(context.Background(), FixRequest{
		Page:     "install.md",
		Content:  page,
		Issue:    model.Issue{ID: "i1", Kind: model.KindReadability, Span: "You should probably maybe run the installer if it is the case that you need it."},
		Rejected: []string{"Install it."},
		Feedback: []string{"too terse"},
		Guidance: "keep the conditional",
	})
	if err != nil {
		t.Fatalf("propose error: %v", err)
	}
	if p.After != "Run the installer if you need it." {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	for _, want := range []string{"do NOT produce", "Install it.", "too terse", "keep the conditional"} {
		if !strings.Contains(llm.lastUser, want) {
			t.Fatalf("prompt missing %q:\n%s", want, llm.lastUser)
		}
	}
}

func TestFixProposeRetriesRejectedRewrite(t *testing.T) {
	llm := &fakeLLM{responses: []string{
		`{"replacement": "Install  it.", "rationale": "x"}`,
		`{"replacement": "Run the installer when needed.", "rationale": "y"}`,
	}}
	p, err := NewFixStage(llm, "").Propose(context.Background(), FixRequest{
		Issue:    model.Issue{ID: "i1", Span: "original"},
		Rejected: []string{"Install it."},
	})
	if err != nil {
		t.Fatalf("propose error: %v", err)
	}
	if llm.calls != 2 || p.After != "Run the installer when needed." {
		t.Fatalf("expected retry to succeed, got %+v after %d calls", p, llm.calls)
	}
}

func TestFixProposeGivesUpOnRepeats(t *testing.T) {
	llm := &fakeLLM{responses: []string{`{"replacement": "Install it.", "rationale": "x"}`}}
	_, err := NewFixStage(llm, "").Propose(context.Background(), FixRequest{
		Issue:    model.Issue{ID: "i1", Span: "original"},
		Rejected: []string{"Install it."},
	})
	if !errors.Is(err, ErrRepeatedRewrite) {
		t.Fatalf("expected ErrRepeatedRewrite, got %v", err)
	}
}

func TestFixProposeRequiresSpan(t *testing.T) {
	if _, err := NewFixStage(&fakeLLM{responses: []string{"{}"}}, "").Propose(context.Background(), FixRequest{}); err == nil {
		t.Fatal("expected error for empty span")
	}
}

func TestFeedbackResolveFiltersUnknown(t *testing.T) {
	llm := &fakeLLM{responses: []string{`[
		{"fix_id": "f1", "action": "Revert", "note": "wrong"},
		{"fix_id": "f1", "action": "amend"},
		{"fix_id": "f9", "action": "revert"},
		{"fix_id": "f2", "action": "explode"},
		{"fix_id": "f2", "action": "amend", "guidance": "only fix the flag name"}
	]`}}
	res, err := NewFeedbackStage(llm, "").Resolve(context.Background(), FeedbackRequest{
		Text: "the intro rewrite is wrong; for the flag just rename it",
		Fixes: []FixSummary{
			{ID: "f1", Page: "a.md", Before: "x", After: "y", Status: model.FixApplied},
			{ID: "f2", Page: "b.md", Before: "--flg", After: "--flag --verbose", Status: model.FixApplied},
		},
	})
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if len(res.Actions) != 2 {
		t.Fatalf("expected 2 actions, got %+v", res.Actions)
	}
	if res.Actions[0].Kind != model.ActionRevert || res.Actions[1].Guidance != "only fix the flag name" {
		t.Fatalf("unexpected actions: %+v", res.Actions)
	}
}

func TestFeedbackResolveNoFixes(t *testing.T) {
	llm := &fakeLLM{responses: []string{"[]"}}
	res, err := NewFeedbackStage(llm, "").Resolve(context.Background(), FeedbackRequest{Text: "hello"})
	if err != nil || len(res.Actions) != 0 || llm.calls != 0 {
		t.Fatalf("expected empty resolution without a call: %+v %v", res, err)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct{ raw, want string }{
		{"```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"Here you go: {\"replacement\": \"x\"} hope it helps", `{"replacement": "x"}`},
		{"[]", "[]"},
	}
	for _, tt := range tests {
		if got := extractJSON(tt.raw); got != tt.want {
			t.Fatalf("extractJSON(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestLineOf(t *testing.T) {
	if LineOf("a\nb\nc", 4) != 3 {
		t.Fatal("expected line 3")
	}
	if LineOf("abc", 0) != 1 {
		t.Fatal("expected line 1")
	}
}
