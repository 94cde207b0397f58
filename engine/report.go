package engine

import (
	"fmt"
	"strings"

	"github.com/jxucoder/docfix/model"
)

func prTitle(sess *model.Session) string {
	applied := appliedCount(sess.Fixes)
	return model.Truncate(fmt.Sprintf("docfix: fix %d documentation issue(s) in %s", applied, model.RepoSlug(sess.Repo)), 72)
}

// prBody renders the session report used as the pull request description.
// It is regenerated after every run and every feedback application.
func prBody(sess *model.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## DocFix Session `%s`\n\n", sess.ID)

	b.WriteString("### Pages\n")
	for i, p := range sess.SelectedPages() {
		icon := "✅"
		switch p.Status {
		case model.PageFailed:
			icon = "❌"
		case model.PagePending:
			icon = "⏳"
		}
		issues := sess.IssuesForPage(p.Path)
		fmt.Fprintf(&b, "%d. %s `%s` (%d issue(s))\n", i+1, icon, p.Path, len(issues))
	}

	var rows []string
	for _, f := range sess.Fixes {
		if f.RevertOf != "" {
			continue
		}
		is := sess.IssueByID(f.IssueID)
		if is == nil {
			continue
		}
		rows = append(rows, fmt.Sprintf("| `%s` | `%s` | %d | %s | %s | %s |",
			f.ID, is.Page, is.Location.Line, is.Kind, f.Status, cell(f.Rationale, f.Error)))
	}
	if len(rows) > 0 {
		b.WriteString("\n### Fixes\n| Fix | Page | Line | Kind | Status | Notes |\n|---|---|---|---|---|---|\n")
		b.WriteString(strings.Join(rows, "\n"))
		b.WriteString("\n")
	}

	if len(sess.Feedback) > 0 {
		b.WriteString("\n### Review feedback\n")
		for _, fb := range sess.Feedback {
			var acts []string
			for _, a := range fb.ResultingActions {
				acts = append(acts, fmt.Sprintf("%s `%s`", a.Kind, a.FixID))
			}
			fmt.Fprintf(&b, "- %s: %s\n", model.Truncate(oneLine(fb.RawText), 100), strings.Join(acts, ", "))
		}
	}

	out := model.RunOutcome(sess)
	fmt.Fprintf(&b, "\n**Outcome:** %s (%s)\n", out.Kind, out.Message)
	b.WriteString("\nReply on this pull request to revert or amend a fix.\n")
	return b.String()
}

func cell(rationale, errMsg string) string {
	s := rationale
	if errMsg != "" {
		s = errMsg
	}
	return strings.ReplaceAll(model.Truncate(oneLine(s), 120), "|", "\\|")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
