// Package model defines the core domain types shared across all DocFix packages.
// It has zero dependencies on other DocFix packages.
package model

import (
	"encoding/json"
	"sort"
	"time"
)

// SessionStatus is the coarse lifecycle state of a session.
type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusFinished SessionStatus = "finished"
)

// Stage is the position of a session in the validation pipeline.
type Stage string

const (
	StageDiscovering  Stage = "discovering"
	StagePageSelected Stage = "page-selected"
	StageValidating   Stage = "validating"
	StageFixing       Stage = "fixing"
	StagePROpen       Stage = "pr-open"
	StageComplete     Stage = "complete"
)

// PageStatus tracks a documentation page through the pipeline.
type PageStatus string

const (
	PageNotSelected PageStatus = "not-selected"
	PagePending     PageStatus = "pending"
	PageValidated   PageStatus = "validated"
	PageFailed      PageStatus = "failed"
)

// IssueKind classifies a finding. Syntax issues are corrected directly;
// readability issues only through a meaning-preserving rewrite of the span.
type IssueKind string

const (
	KindSyntax      IssueKind = "syntax"
	KindReadability IssueKind = "readability"
	// KindExecution records a validator that could not run at all.
	KindExecution IssueKind = "execution"
)

// Severity of an issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// FixStatus is the state of a recorded fix.
type FixStatus string

const (
	FixApplied  FixStatus = "applied"
	FixReverted FixStatus = "reverted"
	// FixFailed records a fix that could not be applied inside the sandbox.
	FixFailed FixStatus = "failed"
)

// ActionKind is the resolved effect of one piece of feedback on one fix.
type ActionKind string

const (
	ActionRevert ActionKind = "revert"
	ActionAmend  ActionKind = "amend"
	ActionNoop   ActionKind = "noop"
)

// Session is the durable record of one validation-and-remediation run. It is
// the single source of truth; compute is rebuilt from it.
type Session struct {
	ID     string `json:"id"`
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
	// Image is the sandbox image requested at start; empty means the default.
	Image      string          `json:"image,omitempty"`
	PRRef      *PRRef          `json:"pr_ref"`
	ComputeRef *ComputeRef     `json:"compute_ref"`
	Pages      []Page          `json:"pages"`
	Issues     []Issue         `json:"issues"`
	Fixes      []Fix           `json:"fixes"`
	Feedback   []FeedbackEntry `json:"feedback"`
	Lifecycle  Lifecycle       `json:"lifecycle"`
}

// PRRef identifies the pull request opened for a session.
type PRRef struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// ComputeRef points at the live sandbox of a session. A nil ComputeRef means
// compute was reaped or never created.
type ComputeRef struct {
	Handle         string    `json:"handle"`
	CreatedAt      time.Time `json:"created_at"`
	VClusterHandle string    `json:"vcluster_handle,omitempty"`
}

// Page is one documentation page discovered in the repository.
type Page struct {
	Path   string     `json:"path"`
	Title  string     `json:"title"`
	Status PageStatus `json:"status"`
	// Order is the 1-based position of the page in the user's selection.
	Order int `json:"order,omitempty"`
}

// Location is a 1-based line range inside a page.
type Location struct {
	Line    int `json:"line"`
	EndLine int `json:"end_line,omitempty"`
}

// Issue is a finding on a page, independent of whether it was fixed.
type Issue struct {
	ID       string    `json:"id"`
	Page     string    `json:"page"`
	Location Location  `json:"location"`
	Kind     IssueKind `json:"kind"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message,omitempty"`
	// Span is the exact flagged text; fixes never touch anything outside it.
	Span string `json:"span,omitempty"`
	// Failed marks an issue recording a validator execution error.
	Failed bool `json:"failed,omitempty"`
}

// Fix is a recorded, reversible edit applied to resolve one Issue.
type Fix struct {
	ID         string    `json:"id"`
	IssueID    string    `json:"issue_id"`
	BeforeText string    `json:"before_text"`
	AfterText  string    `json:"after_text"`
	Rationale  string    `json:"rationale"`
	AppliedAt  time.Time `json:"applied_at"`
	Status     FixStatus `json:"status"`
	// RevertOf is set on the inverse edit recorded when a fix is reverted.
	RevertOf string `json:"revert_of,omitempty"`
	Error    string `json:"error,omitempty"`
}

// FeedbackEntry is a reviewer's input plus the structured actions it resolved into.
type FeedbackEntry struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	RawText          string    `json:"raw_text"`
	TargetFixIDs     []string  `json:"target_fix_ids"`
	ResultingActions []Action  `json:"resulting_actions"`
}

// Action is one resolved consequence of a feedback entry.
type Action struct {
	Kind  ActionKind `json:"kind"`
	FixID string     `json:"fix_id"`
	Note  string     `json:"note,omitempty"`
	// NewFixID names the fix recorded by this action (the inverse edit for a
	// revert, the replacement for an amend).
	NewFixID string `json:"new_fix_id,omitempty"`
}

// Lifecycle holds the status and activity timestamps of a session.
type Lifecycle struct {
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	Stage          Stage         `json:"stage"`
	Error          string        `json:"error,omitempty"`
}

// Event represents a single progress event in a session's lifecycle.
type Event struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"` // "status", "output", "error", "done"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// HasLiveCompute reports whether the session points at a sandbox.
func (s *Session) HasLiveCompute() bool {
	return s.ComputeRef != nil && s.ComputeRef.Handle != ""
}

// Finished reports whether the session was explicitly finished.
func (s *Session) Finished() bool {
	return s.Lifecycle.Status == StatusFinished
}

// PageIndex returns the index of the page with the given path, or -1.
func (s *Session) PageIndex(path string) int {
	for i := range s.Pages {
		if s.Pages[i].Path == path {
			return i
		}
	}
	return -1
}

// NextPendingPage returns the first page still waiting for validation, in
// selection order, or nil when every selected page is done.
func (s *Session) NextPendingPage() *Page {
	var next *Page
	for i := range s.Pages {
		p := &s.Pages[i]
		if p.Status == PagePending && (next == nil || p.Order < next.Order) {
			next = p
		}
	}
	return next
}

// SelectedPages returns the pages that were selected, in selection order.
func (s *Session) SelectedPages() []Page {
	var out []Page
	for _, p := range s.Pages {
		if p.Status != PageNotSelected {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// IssueByID returns the issue with the given ID, or nil.
func (s *Session) IssueByID(id string) *Issue {
	for i := range s.Issues {
		if s.Issues[i].ID == id {
			return &s.Issues[i]
		}
	}
	return nil
}

// FixByID returns the fix with the given ID, or nil.
func (s *Session) FixByID(id string) *Fix {
	for i := range s.Fixes {
		if s.Fixes[i].ID == id {
			return &s.Fixes[i]
		}
	}
	return nil
}

// IssuesForPage returns the issues recorded for a page.
func (s *Session) IssuesForPage(path string) []Issue {
	var out []Issue
	for _, is := range s.Issues {
		if is.Page == path {
			out = append(out, is)
		}
	}
	return out
}

// Lineage is every fix and feedback entry recorded against one issue.
type Lineage struct {
	Issue    *Issue
	Fixes    []Fix
	Feedback []FeedbackEntry
}

// LineageFor collects the fix/feedback history of the issue a fix belongs to.
func (s *Session) LineageFor(fixID string) Lineage {
	f := s.FixByID(fixID)
	if f == nil {
		return Lineage{}
	}
	lin := Lineage{Issue: s.IssueByID(f.IssueID)}
	ids := make(map[string]bool)
	for _, other := range s.Fixes {
		if other.IssueID == f.IssueID {
			lin.Fixes = append(lin.Fixes, other)
			ids[other.ID] = true
		}
	}
	for _, fb := range s.Feedback {
		for _, target := range fb.TargetFixIDs {
			if ids[target] {
				lin.Feedback = append(lin.Feedback, fb)
				break
			}
		}
	}
	return lin
}

// RejectedRewrites returns the AfterText of every fix in the lineage that
// was reverted; these must not be proposed again.
func (l Lineage) RejectedRewrites() []string {
	var out []string
	for _, f := range l.Fixes {
		if f.Status == FixReverted && f.AfterText != "" {
			out = append(out, f.AfterText)
		}
	}
	return out
}

// Current returns the rewrite that is live on the page for the lineage's
// issue, or nil when the original text is in place.
func (l Lineage) Current() *Fix {
	for i := len(l.Fixes) - 1; i >= 0; i-- {
		if f := &l.Fixes[i]; f.Status == FixApplied && f.RevertOf == "" {
			return f
		}
	}
	return nil
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	data, err := json.Marshal(s)
	if err != nil {
		panic("model: session not serializable: " + err.Error())
	}
	var out Session
	if err := json.Unmarshal(data, &out); err != nil {
		panic("model: session not deserializable: " + err.Error())
	}
	return &out
}

// Truncate shortens a string to maxLen runes, adding "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		r := []rune(s)
		if len(r) <= maxLen {
			return s
		}
		return string(r[:maxLen])
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
