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

// Summary is the discovery summary returned by SelectPages.
type Summary struct {
	SessionID string   `json:"session_id"`
	Total     int      `json:"total"`
	Selected  []string `json:"selected"`
}

// SelectionError reports a selection that does not parse against the
// discovered pages.
type SelectionError struct {
	Err error
}

func (e *SelectionError) Error() string { return "invalid page selection: " + e.Err.Error() }

func (e *SelectionError) Unwrap() error { return e.Err }

func (e *SelectionError) Is(target error) bool { return target == ErrInvalidInput }

// SelectPages marks the selected pages pending and starts the validation
// run in the background. Pages already processed keep their status.
func (e *Engine) SelectPages(ctx context.Context, id, selection string) (*Summary, error) {
	unlock, ok := e.ops.TryLock(id)
	if !ok {
		if _, err := e.store.Load(ctx, id); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: a run or feedback is in progress", ErrBusy)
	}
	handedOff := false
	defer func() {
		if !handedOff {
			unlock()
		}
	}()

	sess, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Finished() {
		return nil, ErrFinished
	}
	if len(sess.Pages) == 0 {
		if err := e.discover(ctx, id); err != nil {
			return nil, err
		}
	}

	sess, err = e.store.Mutate(ctx, id, func(s *model.Session) error {
		if s.Finished() {
			return ErrFinished
		}
		idx, err := model.ParseSelection(selection, len(s.Pages))
		if err != nil {
			return &SelectionError{Err: err}
		}
		base := 0
		for _, p := range s.Pages {
			if (p.Status == model.PageValidated || p.Status == model.PageFailed) && p.Order > base {
				base = p.Order
			}
		}
		order := make(map[int]int, len(idx))
		for n, i := range idx {
			order[i] = base + n + 1
		}
		for i := range s.Pages {
			p := &s.Pages[i]
			if p.Status == model.PageValidated || p.Status == model.PageFailed {
				continue
			}
			if o, ok := order[i]; ok {
				p.Status = model.PagePending
				p.Order = o
			} else {
				p.Status = model.PageNotSelected
				p.Order = 0
			}
		}
		s.Lifecycle.Stage = model.StagePageSelected
		s.Lifecycle.Error = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	summary := &Summary{SessionID: id, Total: len(sess.Pages)}
	for _, p := range sess.SelectedPages() {
		if p.Status == model.PagePending {
			summary.Selected = append(summary.Selected, p.Path)
		}
	}
	e.emitEvent(id, "status", fmt.Sprintf("Selected %d of %d page(s)", len(summary.Selected), summary.Total))

	handedOff = true
	e.launch(id, unlock)
	return summary, nil
}

// Resume restarts the run of a session whose run stopped early, for example
// after a provisioning failure. Pages already processed are not revisited.
func (e *Engine) Resume(ctx context.Context, id string) error {
	unlock, ok := e.ops.TryLock(id)
	if !ok {
		if _, err := e.store.Load(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: a run or feedback is in progress", ErrBusy)
	}
	_, err := e.store.Mutate(ctx, id, func(s *model.Session) error {
		if s.Finished() {
			return ErrFinished
		}
		if !resumable(s) {
			return fmt.Errorf("%w: nothing to resume", ErrInvalidInput)
		}
		s.Lifecycle.Error = ""
		return nil
	})
	if err != nil {
		unlock()
		return err
	}
	e.emitEvent(id, "status", "Resuming run")
	e.launch(id, unlock)
	return nil
}

func resumable(sess *model.Session) bool {
	switch sess.Lifecycle.Stage {
	case model.StagePageSelected, model.StageValidating, model.StageFixing, model.StagePROpen:
		return true
	}
	return false
}

// launch runs the pipeline in the background; unlock is released when the
// run ends.
func (e *Engine) launch(id string, unlock func()) {
	ctx, done := e.track(e.baseCtx(), id)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unlock()
		defer done()
		e.run(ctx, id)
	}()
}

// run processes pending pages in selection order, then opens or updates the
// pull request. Every page result is stored before the next page starts, so
// an interrupted run resumes at the first pending page.
func (e *Engine) run(ctx context.Context, id string) {
	log := e.logger.With(zap.String("session_id", id))

	for {
		if ctx.Err() != nil {
			log.Info("run cancelled")
			return
		}
		sess, err := e.store.Load(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				log.Error("loading session", zap.Error(err))
			}
			return
		}
		if sess.Finished() {
			return
		}
		page := sess.NextPendingPage()
		if page == nil {
			break
		}

		ref, err := e.compute.EnsureCompute(ctx, id)
		if err != nil {
			if ctx.Err() == nil {
				e.recordError(id, err)
			}
			return
		}
		if err := e.compute.EnsureCluster(ctx, id); err != nil {
			if ctx.Err() == nil {
				e.recordError(id, err)
			}
			return
		}
		if err := e.processPage(ctx, sess, page.Path, ref.Handle); err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrFinished) {
				e.recordError(id, err)
			}
			return
		}
		e.compute.Touch(id)
	}

	e.publish(ctx, id)
}

func (e *Engine) setStage(ctx context.Context, id string, stage model.Stage, detail string) error {
	_, err := e.store.Mutate(ctx, id, func(s *model.Session) error {
		if s.Finished() {
			return ErrFinished
		}
		s.Lifecycle.Stage = stage
		return nil
	})
	if err != nil {
		return err
	}
	msg := string(stage)
	if detail != "" {
		msg += ": " + detail
	}
	e.emitEvent(id, "stage", msg)
	return nil
}

// processPage validates one page, fixes its issues in source order, pushes
// and records the page result. It returns an error only when the run must
// stop; page-level execution failures are recorded instead.
func (e *Engine) processPage(ctx context.Context, sess *model.Session, path, handle string) error {
	id := sess.ID
	log := e.logger.With(zap.String("session_id", id), zap.String("page", path))

	if err := e.setStage(ctx, id, model.StageValidating, path); err != nil {
		return err
	}
	issues, err := e.ws.Validate(ctx, handle, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("validation failed", zap.Error(err))
		return e.recordPage(ctx, id, path, model.PageFailed, []model.Issue{executionIssue(path, err)}, nil)
	}
	for i := range issues {
		issues[i].ID = newID()
		issues[i].Page = path
	}
	e.emitEvent(id, "output", fmt.Sprintf("%s: %d issue(s) found", path, len(issues)))

	if err := e.setStage(ctx, id, model.StageFixing, path); err != nil {
		return err
	}
	content, err := e.ws.ReadPage(ctx, handle, path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("reading page", zap.Error(err))
		return e.recordPage(ctx, id, path, model.PageFailed, append(issues, executionIssue(path, err)), nil)
	}

	status := model.PageValidated
	var fixes []model.Fix
	shift := 0
	for _, is := range issues {
		if is.Failed {
			status = model.PageFailed
			continue
		}
		if is.Span == "" {
			continue
		}
		hint := is
		hint.Location.Line += shift
		fix, updated := e.applyNewFix(ctx, handle, content, hint, nil, nil, "")
		if ctx.Err() != nil {
			e.resetPage(handle, path)
			return ctx.Err()
		}
		if fix.Status == model.FixApplied {
			shift += strings.Count(fix.AfterText, "\n") - strings.Count(fix.BeforeText, "\n")
			content = updated
		} else {
			status = model.PageFailed
		}
		fixes = append(fixes, fix)
	}

	if appliedCount(fixes) > 0 {
		err := e.ws.CommitAndPush(ctx, handle, "fix "+path, sess.Branch)
		if err != nil && !errors.Is(err, workspace.ErrNoChanges) {
			if ctx.Err() != nil {
				e.resetPage(handle, path)
				return ctx.Err()
			}
			log.Warn("push failed", zap.Error(err))
			e.resetPage(handle, path)
			for i := range fixes {
				if fixes[i].Status == model.FixApplied {
					fixes[i].Status = model.FixFailed
					fixes[i].Error = "push failed: " + err.Error()
				}
			}
			status = model.PageFailed
		}
	}
	return e.recordPage(ctx, id, path, status, issues, fixes)
}

// applyNewFix proposes and applies a fix for one issue. The returned fix is
// either applied or failed; updated is the page content after the edit.
func (e *Engine) applyNewFix(ctx context.Context, handle, content string, is model.Issue, rejected, feedback []string, guidance string) (model.Fix, string) {
	fix := model.Fix{
		ID:         newID(),
		IssueID:    is.ID,
		BeforeText: is.Span,
		AppliedAt:  time.Now().UTC(),
	}
	fail := func(err error) (model.Fix, string) {
		fix.Status = model.FixFailed
		fix.Error = err.Error()
		return fix, content
	}

	proposal, err := e.fix.Propose(ctx, pipeline.FixRequest{
		Page:     is.Page,
		Content:  content,
		Issue:    is,
		Rejected: rejected,
		Feedback: feedback,
		Guidance: guidance,
	})
	if err != nil {
		return fail(err)
	}
	fix.AfterText = proposal.After
	fix.Rationale = proposal.Rationale

	edit := workspace.FixEdit{Before: is.Span, After: proposal.After, Line: is.Location.Line}
	updated, err := workspace.ReplaceSpan(content, edit)
	if err != nil {
		return fail(err)
	}
	if err := e.ws.ApplyFix(ctx, handle, is.Page, edit); err != nil {
		return fail(err)
	}
	fix.Status = model.FixApplied
	return fix, updated
}

func executionIssue(path string, err error) model.Issue {
	return model.Issue{
		ID:       newID(),
		Page:     path,
		Location: model.Location{Line: 1},
		Kind:     model.KindExecution,
		Severity: model.SeverityError,
		Message:  err.Error(),
		Failed:   true,
	}
}

func (e *Engine) resetPage(handle, path string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(e.baseCtx()), 30*time.Second)
	defer cancel()
	if err := e.ws.ResetPage(ctx, handle, path); err != nil {
		e.logger.Warn("resetting page", zap.String("handle", handle), zap.String("page", path), zap.Error(err))
	}
}

// recordPage stores a page's issues, fixes and status in one mutation. The
// work already happened, possibly including a push, so a session finished
// in the meantime still gets the record.
func (e *Engine) recordPage(ctx context.Context, id, path string, status model.PageStatus, issues []model.Issue, fixes []model.Fix) error {
	_, err := e.store.Mutate(context.WithoutCancel(ctx), id, func(s *model.Session) error {
		i := s.PageIndex(path)
		if i < 0 {
			return fmt.Errorf("page %s is not part of session %s", path, id)
		}
		s.Issues = append(s.Issues, issues...)
		s.Fixes = append(s.Fixes, fixes...)
		s.Pages[i].Status = status
		return nil
	})
	if err != nil {
		return err
	}
	metrics.RecordPage(string(status))
	for _, f := range fixes {
		metrics.RecordFix(string(f.Status))
	}
	e.emitEvent(id, "page", fmt.Sprintf("%s %s: %d issue(s), %d fix(es) applied",
		path, status, len(issues), appliedCount(fixes)))
	return nil
}

func appliedCount(fixes []model.Fix) int {
	n := 0
	for _, f := range fixes {
		if f.Status == model.FixApplied {
			n++
		}
	}
	return n
}

// publish opens the pull request (or refreshes its description) and moves
// the session to complete.
func (e *Engine) publish(ctx context.Context, id string) {
	sess, err := e.store.Load(ctx, id)
	if err != nil || sess.Finished() {
		return
	}

	if appliedCount(sess.Fixes) > 0 {
		if err := e.openOrUpdatePR(ctx, sess); err != nil {
			if ctx.Err() == nil {
				e.recordError(id, err)
			}
			return
		}
	}

	sess, err = e.store.Mutate(ctx, id, func(s *model.Session) error {
		if s.Finished() {
			return ErrFinished
		}
		s.Lifecycle.Stage = model.StageComplete
		return nil
	})
	if err != nil {
		return
	}
	outcome := model.RunOutcome(sess)
	done := outcome.Message
	if sess.PRRef != nil {
		done += " " + sess.PRRef.URL
	}
	e.logger.Info("run complete", zap.String("session_id", id), zap.String("outcome", string(outcome.Kind)))
	e.emitEvent(id, "done", done)
	e.notify(sess, outcome)
}

func (e *Engine) openOrUpdatePR(ctx context.Context, sess *model.Session) error {
	body := prBody(sess)
	if sess.PRRef != nil {
		if err := e.git.UpdatePR(ctx, sess.Repo, sess.PRRef.Number, body); err != nil {
			e.logger.Warn("updating PR description", zap.String("session_id", sess.ID), zap.Error(err))
		}
		return e.setStage(ctx, sess.ID, model.StagePROpen, sess.PRRef.URL)
	}

	e.emitEvent(sess.ID, "status", "Creating pull request...")
	base, err := e.git.GetDefaultBranch(ctx, sess.Repo)
	if err != nil {
		base = "main"
	}
	url, number, err := e.git.CreatePR(ctx, gitprovider.PROptions{
		Repo:   sess.Repo,
		Branch: sess.Branch,
		Base:   base,
		Title:  prTitle(sess),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	_, err = e.store.Mutate(ctx, sess.ID, func(s *model.Session) error {
		s.PRRef = &model.PRRef{Number: number, URL: url}
		s.Lifecycle.Stage = model.StagePROpen
		return nil
	})
	if err != nil {
		return err
	}
	e.emitEvent(sess.ID, "stage", string(model.StagePROpen)+": "+url)
	return nil
}
