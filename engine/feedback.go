package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jxucoder/docfix/gitprovider"
	"github.com/jxucoder/docfix/internal/metrics"
	"github.com/jxucoder/docfix/model"
	"github.com/jxucoder/docfix/pipeline"
	"github.com/jxucoder/docfix/workspace"
)

// replyMarker tags comments DocFix posts so they are never read back as
// reviewer feedback.
const replyMarker = "<!-- docfix -->"

// FeedbackResult is the response to SubmitFeedback.
type FeedbackResult struct {
	Entry *model.FeedbackEntry `json:"entry"`
	// AlreadyReverted lists targets that were skipped because an earlier
	// feedback entry reverted them.
	AlreadyReverted []string      `json:"already_reverted,omitempty"`
	Outcome         model.Outcome `json:"outcome"`
	PRURL           string        `json:"pr_url,omitempty"`
}

// SubmitFeedback resolves reviewer text against the session's recorded
// fixes and applies the resulting reverts and amendments. Nothing is
// recorded when the feedback matches no fix or when applying it fails.
// Compute reaped for idleness is recreated from the session branch.
func (e *Engine) SubmitFeedback(ctx context.Context, id, text string) (*FeedbackResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: feedback text is required", ErrInvalidInput)
	}
	ctx, done := e.track(ctx, id)
	defer done()

	// Feedback waits for a running pipeline rather than failing.
	unlock := e.ops.Lock(id)
	defer unlock()

	sess, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Finished() {
		return nil, ErrFinished
	}
	log := e.logger.With(zap.String("session_id", id))

	summaries := fixSummaries(sess)
	if len(summaries) == 0 {
		metrics.RecordFeedback("clarification")
		return nil, ErrClarification
	}
	res, err := e.feedback.Resolve(ctx, pipeline.FeedbackRequest{Text: text, Fixes: summaries})
	if err != nil {
		return nil, err
	}
	if len(res.Actions) == 0 {
		metrics.RecordFeedback("clarification")
		e.emitEvent(id, "status", "Feedback did not match any fix; asking for clarification")
		return nil, ErrClarification
	}

	var (
		todo     []pipeline.ResolvedAction
		reverted []string
		targets  []string
	)
	for _, a := range res.Actions {
		targets = append(targets, a.FixID)
		f := sess.FixByID(a.FixID)
		if a.Kind == model.ActionRevert && f.Status == model.FixReverted {
			reverted = append(reverted, a.FixID)
			continue
		}
		// An amendment of a fix that an earlier amendment replaced applies to
		// the replacement, since that is the text now on the page.
		if a.Kind == model.ActionAmend && f.Status == model.FixReverted {
			if cur := sess.LineageFor(f.ID).Current(); cur != nil {
				log.Info("amending superseding fix", zap.String("fix_id", f.ID), zap.String("current_fix_id", cur.ID))
				a.FixID = cur.ID
			}
		}
		todo = append(todo, a)
	}
	if len(todo) == 0 {
		metrics.RecordFeedback("already-reverted")
		return nil, &AlreadyRevertedError{FixIDs: reverted}
	}

	applied, err := e.applyActions(ctx, sess, text, todo)
	if err != nil {
		metrics.RecordFeedback("failed")
		return nil, err
	}
	for _, fid := range reverted {
		applied.actions = append(applied.actions, model.Action{Kind: model.ActionNoop, FixID: fid, Note: "already reverted"})
	}

	entry := model.FeedbackEntry{
		ID:               newID(),
		Timestamp:        time.Now().UTC(),
		RawText:          text,
		TargetFixIDs:     targets,
		ResultingActions: applied.actions,
	}
	// The edits are on the branch by now, so they are recorded even when the
	// session was finished while the push was in flight.
	sess, err = e.store.Mutate(context.WithoutCancel(ctx), id, func(s *model.Session) error {
		for _, fid := range applied.flipped {
			f := s.FixByID(fid)
			if f == nil || f.Status != model.FixApplied {
				return fmt.Errorf("fix %s changed while feedback was applied", fid)
			}
			f.Status = model.FixReverted
		}
		s.Fixes = append(s.Fixes, applied.fixes...)
		s.Feedback = append(s.Feedback, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, f := range applied.fixes {
		metrics.RecordFix(string(f.Status))
	}
	metrics.RecordFeedback("applied")
	e.compute.Touch(id)

	result := &FeedbackResult{
		Entry:           &entry,
		AlreadyReverted: reverted,
		Outcome:         model.Succeeded(describeActions(entry.ResultingActions)),
	}
	if sess.PRRef != nil {
		result.PRURL = sess.PRRef.URL
		if err := e.git.UpdatePR(ctx, sess.Repo, sess.PRRef.Number, prBody(sess)); err != nil {
			log.Warn("updating PR description", zap.Error(err))
		}
	}
	log.Info("feedback applied", zap.String("feedback_id", entry.ID), zap.Int("actions", len(entry.ResultingActions)))
	e.emitEvent(id, "feedback", result.Outcome.Message)
	e.notify(sess, result.Outcome)
	return result, nil
}

// QueueReviewComment handles a webhook comment in the background.
func (e *Engine) QueueReviewComment(ev *gitprovider.WebhookEvent) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.HandleReviewComment(e.baseCtx(), ev); err != nil {
			e.logger.Warn("handling review comment",
				zap.String("repo", ev.Repo), zap.Int("pr", ev.PRNumber), zap.Error(err))
		}
	}()
}

// HandleReviewComment routes a pull request comment to the session that
// opened the PR and replies with the result.
func (e *Engine) HandleReviewComment(ctx context.Context, ev *gitprovider.WebhookEvent) error {
	if ev == nil || strings.Contains(ev.CommentBody, replyMarker) {
		return nil
	}
	sess, err := e.store.FindByPR(ctx, ev.Repo, ev.PRNumber)
	if err != nil {
		return err
	}
	res, err := e.SubmitFeedback(ctx, sess.ID, ev.CommentBody)
	var reply string
	switch {
	case err == nil:
		reply = fmt.Sprintf("Applied feedback from @%s: %s", ev.CommentUser, res.Outcome.Message)
	case errors.Is(err, ErrClarification):
		reply = fmt.Sprintf("@%s I could not tie this comment to a DocFix change. Please name the page or the fix you mean.", ev.CommentUser)
	case errors.Is(err, ErrAlreadyReverted):
		reply = fmt.Sprintf("@%s %s; nothing to do.", ev.CommentUser, err)
	case errors.Is(err, ErrFinished):
		return err
	default:
		reply = fmt.Sprintf("@%s DocFix could not apply this feedback: %v", ev.CommentUser, err)
	}
	if rerr := e.git.ReplyToPRComment(ctx, sess.Repo, ev.PRNumber, reply+"\n\n"+replyMarker); rerr != nil {
		e.logger.Warn("replying to PR comment", zap.String("session_id", sess.ID), zap.Error(rerr))
	}
	return err
}

func fixSummaries(sess *model.Session) []pipeline.FixSummary {
	var out []pipeline.FixSummary
	for _, f := range sess.Fixes {
		if f.RevertOf != "" || (f.Status != model.FixApplied && f.Status != model.FixReverted) {
			continue
		}
		is := sess.IssueByID(f.IssueID)
		if is == nil {
			continue
		}
		out = append(out, pipeline.FixSummary{
			ID:     f.ID,
			Page:   is.Page,
			Kind:   is.Kind,
			Before: f.BeforeText,
			After:  f.AfterText,
			Status: f.Status,
		})
	}
	return out
}

type appliedFeedback struct {
	fixes   []model.Fix
	flipped []string
	actions []model.Action
}

// applyActions performs the edits in the sandbox and pushes them. On any
// failure the touched pages are reset and nothing is returned for recording.
func (e *Engine) applyActions(ctx context.Context, sess *model.Session, text string, actions []pipeline.ResolvedAction) (*appliedFeedback, error) {
	out := &appliedFeedback{}
	var edits []pipeline.ResolvedAction
	for _, a := range actions {
		if a.Kind == model.ActionNoop {
			out.actions = append(out.actions, model.Action{Kind: model.ActionNoop, FixID: a.FixID, Note: a.Note})
			continue
		}
		edits = append(edits, a)
	}
	if len(edits) == 0 {
		return out, nil
	}

	ref, err := e.compute.EnsureCompute(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	handle := ref.Handle
	touched := make(map[string]bool)
	rollback := func(err error) (*appliedFeedback, error) {
		for page := range touched {
			e.resetPage(handle, page)
		}
		return nil, err
	}

	for _, a := range edits {
		f := sess.FixByID(a.FixID)
		is := sess.IssueByID(f.IssueID)
		if is == nil {
			return rollback(fmt.Errorf("fix %s has no recorded issue", f.ID))
		}
		touched[is.Page] = true
		action := model.Action{Kind: a.Kind, FixID: f.ID, Note: a.Note}

		if f.Status == model.FixApplied {
			inverse, err := e.revertFix(ctx, handle, is, f, a.Note)
			if err != nil {
				return rollback(err)
			}
			out.fixes = append(out.fixes, inverse)
			out.flipped = append(out.flipped, f.ID)
			action.NewFixID = inverse.ID
		}

		if a.Kind == model.ActionAmend {
			content, err := e.ws.ReadPage(ctx, handle, is.Page)
			if err != nil {
				return rollback(err)
			}
			lin := sess.LineageFor(f.ID)
			rejected := append(lin.RejectedRewrites(), f.AfterText)
			var history []string
			for _, fb := range lin.Feedback {
				history = append(history, fb.RawText)
			}
			history = append(history, text)

			target := *is
			target.Span = f.BeforeText
			replacement, _ := e.applyNewFix(ctx, handle, content, target, rejected, history, a.Guidance)
			if replacement.Status != model.FixApplied {
				return rollback(fmt.Errorf("amending fix %s: %s", f.ID, replacement.Error))
			}
			out.fixes = append(out.fixes, replacement)
			action.NewFixID = replacement.ID
		}
		out.actions = append(out.actions, action)
	}

	if err := e.ws.CommitAndPush(ctx, handle, "apply review feedback", sess.Branch); err != nil && !errors.Is(err, workspace.ErrNoChanges) {
		return rollback(fmt.Errorf("pushing feedback changes: %w", err))
	}
	return out, nil
}

// revertFix restores a fix's original text and returns the inverse fix.
func (e *Engine) revertFix(ctx context.Context, handle string, is *model.Issue, f *model.Fix, note string) (model.Fix, error) {
	edit := workspace.FixEdit{Before: f.AfterText, After: f.BeforeText, Line: is.Location.Line}
	if err := e.ws.ApplyFix(ctx, handle, is.Page, edit); err != nil {
		return model.Fix{}, fmt.Errorf("reverting fix %s: %w", f.ID, err)
	}
	rationale := "revert of " + f.ID
	if note != "" {
		rationale += ": " + note
	}
	return model.Fix{
		ID:         newID(),
		IssueID:    f.IssueID,
		BeforeText: f.AfterText,
		AfterText:  f.BeforeText,
		Rationale:  rationale,
		AppliedAt:  time.Now().UTC(),
		Status:     model.FixApplied,
		RevertOf:   f.ID,
	}, nil
}

func describeActions(actions []model.Action) string {
	counts := make(map[model.ActionKind]int)
	for _, a := range actions {
		counts[a.Kind]++
	}
	var parts []string
	for _, k := range []model.ActionKind{model.ActionRevert, model.ActionAmend, model.ActionNoop} {
		if n := counts[k]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, k))
		}
	}
	return strings.Join(parts, ", ")
}
