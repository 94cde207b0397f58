package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jxucoder/docfix/llm"
	"github.com/jxucoder/docfix/model"
)

// FixSummary is what the resolver is shown about one recorded fix.
type FixSummary struct {
	ID     string
	Page   string
	Kind   model.IssueKind
	Before string
	After  string
	Status model.FixStatus
}

// FeedbackRequest is reviewer text plus the fixes it may refer to.
type FeedbackRequest struct {
	Text  string
	Fixes []FixSummary
}

// ResolvedAction is one fix the feedback targets and what to do with it.
type ResolvedAction struct {
	FixID    string           `json:"fix_id"`
	Kind     model.ActionKind `json:"action"`
	Note     string           `json:"note"`
	Guidance string           `json:"guidance"`
}

// Resolution is the structured reading of a feedback message. No actions
// means the feedback could not be tied to any fix.
type Resolution struct {
	Actions []ResolvedAction
}

// FeedbackStage maps free-text reviewer feedback onto recorded fixes.
type FeedbackStage struct {
	llm          llm.Client
	systemPrompt string
}

// NewFeedbackStage creates the stage. Pass empty systemPrompt to use the default.
func NewFeedbackStage(client llm.Client, systemPrompt string) *FeedbackStage {
	if systemPrompt == "" {
		systemPrompt = DefaultFeedbackPrompt
	}
	return &FeedbackStage{llm: client, systemPrompt: systemPrompt}
}

func (s *FeedbackStage) Name() string { return "feedback" }

// Resolve returns at most one action per fix. Actions naming unknown fixes
// or unknown kinds are discarded.
func (s *FeedbackStage) Resolve(ctx context.Context, req FeedbackRequest) (*Resolution, error) {
	if strings.TrimSpace(req.Text) == "" || len(req.Fixes) == 0 {
		return &Resolution{}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "## Feedback\n%s\n\n## Fixes\n", req.Text)
	for _, f := range req.Fixes {
		fmt.Fprintf(&b, "### %s (%s, %s, %s)\nbefore:\n```\n%s\n```\nafter:\n```\n%s\n```\n\n",
			f.ID, f.Page, f.Kind, f.Status, f.Before, f.After)
	}

	response, err := s.llm.Complete(ctx, s.systemPrompt, b.String())
	if err != nil {
		return nil, fmt.Errorf("feedback resolution: %w", err)
	}

	var raw []ResolvedAction
	if err := json.Unmarshal([]byte(extractJSON(response)), &raw); err != nil {
		return nil, fmt.Errorf("parsing feedback resolution: %w", err)
	}

	known := make(map[string]bool, len(req.Fixes))
	for _, f := range req.Fixes {
		known[f.ID] = true
	}
	seen := make(map[string]bool)
	res := &Resolution{}
	for _, a := range raw {
		a.Kind = model.ActionKind(strings.ToLower(strings.TrimSpace(string(a.Kind))))
		switch a.Kind {
		case model.ActionRevert, model.ActionAmend, model.ActionNoop:
		default:
			continue
		}
		if !known[a.FixID] || seen[a.FixID] {
			continue
		}
		seen[a.FixID] = true
		res.Actions = append(res.Actions, a)
	}
	return res, nil
}
