package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jxucoder/docfix/llm"
	"github.com/jxucoder/docfix/model"
)

// ErrRepeatedRewrite is returned when the model keeps proposing a rewrite
// that reviewers already rejected.
var ErrRepeatedRewrite = errors.New("proposal repeats a rejected rewrite")

// FixRequest describes one flagged span to fix.
type FixRequest struct {
	Page    string
	Content string // full page, for context
	Issue   model.Issue
	// Rejected lists earlier replacements for this issue that were reverted.
	// None of them may be proposed again.
	Rejected []string
	// Feedback is the reviewer history for this issue, oldest first.
	Feedback []string
	// Guidance is what the reviewer asked for, when amending.
	Guidance string
}

// Proposal is the replacement text for an issue's span.
type Proposal struct {
	After     string `json:"replacement"`
	Rationale string `json:"rationale"`
}

// FixStage proposes replacements for flagged spans.
type FixStage struct {
	llm          llm.Client
	systemPrompt string
}

// NewFixStage creates the stage. Pass empty systemPrompt to use the default.
func NewFixStage(client llm.Client, systemPrompt string) *FixStage {
	if systemPrompt == "" {
		systemPrompt = DefaultFixPrompt
	}
	return &FixStage{llm: client, systemPrompt: systemPrompt}
}

func (s *FixStage) Name() string { return "fix" }

// Propose asks for a replacement of req.Issue.Span. A proposal that is a
// no-op or matches a rejected rewrite is retried once with a reminder, then
// reported as ErrRepeatedRewrite.
func (s *FixStage) Propose(ctx context.Context, req FixRequest) (*Proposal, error) {
	if req.Issue.Span == "" {
		return nil, fmt.Errorf("issue %s has no span to fix", req.Issue.ID)
	}
	user := fixPrompt(req)

	var last *Proposal
	for attempt := 0; attempt < 2; attempt++ {
		prompt := user
		if last != nil {
			prompt += fmt.Sprintf("\n\n## Your previous answer was rejected\nYou returned:\n```\n%s\n```\nThat is unchanged or repeats a rejected rewrite. Propose something different.", last.After)
		}
		response, err := s.llm.Complete(ctx, s.systemPrompt, prompt)
		if err != nil {
			return nil, fmt.Errorf("fix proposal: %w", err)
		}
		var p Proposal
		if err := json.Unmarshal([]byte(extractJSON(response)), &p); err != nil {
			return nil, fmt.Errorf("parsing fix proposal: %w", err)
		}
		if !repeats(p.After, req) {
			return &p, nil
		}
		last = &p
	}
	return nil, ErrRepeatedRewrite
}

func repeats(after string, req FixRequest) bool {
	norm := normalize(after)
	if norm == normalize(req.Issue.Span) {
		return true
	}
	for _, r := range req.Rejected {
		if norm == normalize(r) {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func fixPrompt(req FixRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Page\n%s\n\n## Content\n%s\n", req.Page, numberLines(req.Content))
	fmt.Fprintf(&b, "## Issue\nkind: %s\nseverity: %s\nline: %d\n", req.Issue.Kind, req.Issue.Severity, req.Issue.Location.Line)
	if req.Issue.Message != "" {
		fmt.Fprintf(&b, "problem: %s\n", req.Issue.Message)
	}
	fmt.Fprintf(&b, "\n## Flagged span\n```\n%s\n```\n", req.Issue.Span)
	if req.Guidance != "" {
		fmt.Fprintf(&b, "\n## Reviewer guidance\n%s\n", req.Guidance)
	}
	if len(req.Feedback) > 0 {
		b.WriteString("\n## Reviewer feedback so far\n")
		for _, fb := range req.Feedback {
			fmt.Fprintf(&b, "- %s\n", fb)
		}
	}
	if len(req.Rejected) > 0 {
		b.WriteString("\n## Rejected rewrites (do NOT produce any of these)\n")
		for i, r := range req.Rejected {
			fmt.Fprintf(&b, "%d.\n```\n%s\n```\n", i+1, r)
		}
	}
	return b.String()
}
