package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jxucoder/docfix/llm"
	"github.com/jxucoder/docfix/model"
)

// Finding is one readability problem reported by the model.
type Finding struct {
	Line     int            `json:"line"`
	EndLine  int            `json:"end_line"`
	Span     string         `json:"span"`
	Message  string         `json:"message"`
	Severity model.Severity `json:"severity"`
}

// ReadabilityStage asks the model to flag hard-to-read passages of a page.
type ReadabilityStage struct {
	llm          llm.Client
	systemPrompt string
}

// NewReadabilityStage creates the stage. Pass empty systemPrompt to use the default.
func NewReadabilityStage(client llm.Client, systemPrompt string) *ReadabilityStage {
	if systemPrompt == "" {
		systemPrompt = DefaultReadabilityPrompt
	}
	return &ReadabilityStage{llm: client, systemPrompt: systemPrompt}
}

func (s *ReadabilityStage) Name() string { return "readability" }

// Review returns findings in source order. Findings whose span does not occur
// verbatim in content are dropped, and line numbers are recomputed from the
// span's position rather than trusted.
func (s *ReadabilityStage) Review(ctx context.Context, page, content string) ([]Finding, error) {
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	user := fmt.Sprintf("## Page\n%s\n\n## Content\n%s", page, numberLines(content))

	response, err := s.llm.Complete(ctx, s.systemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("readability review: %w", err)
	}

	var raw []Finding
	if err := json.Unmarshal([]byte(extractJSON(response)), &raw); err != nil {
		return nil, fmt.Errorf("parsing readability findings: %w", err)
	}

	seen := make(map[string]bool)
	var out []Finding
	for _, f := range raw {
		if strings.TrimSpace(f.Span) == "" || seen[f.Span] {
			continue
		}
		off := strings.Index(content, f.Span)
		if off < 0 {
			continue
		}
		seen[f.Span] = true
		f.Line = LineOf(content, off)
		f.EndLine = LineOf(content, off+len(f.Span))
		switch f.Severity {
		case model.SeverityError, model.SeverityWarning, model.SeverityInfo:
		default:
			f.Severity = model.SeverityWarning
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out, nil
}
