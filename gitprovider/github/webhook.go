package github

import (
	"fmt"
	"net/http"
	"strings"

	gogh "github.com/google/go-github/v68/github"

	"github.com/jxucoder/docfix/gitprovider"
)

// ParseWebhook parses a GitHub webhook request into a WebhookEvent.
// It supports:
//   - "issue_comment" events on pull requests (general PR comments)
//   - "pull_request_review_comment" events (inline comments)
//   - "pull_request_review" events ("changes_requested", or "commented" with a body)
//
// If secret is non-empty, the request signature is verified.
// Returns nil if the event is not PR feedback.
func ParseWebhook(r *http.Request, secret string) (*gitprovider.WebhookEvent, error) {
	var key []byte
	if secret != "" {
		key = []byte(secret)
	}
	payload, err := gogh.ValidatePayload(r, key)
	if err != nil {
		return nil, fmt.Errorf("validating webhook: %w", err)
	}

	eventType := gogh.WebHookType(r)
	switch eventType {
	case "issue_comment", "pull_request_review_comment", "pull_request_review":
	default:
		return nil, nil
	}

	event, err := gogh.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("parsing %s payload: %w", eventType, err)
	}

	switch e := event.(type) {
	case *gogh.IssueCommentEvent:
		// Plain issues carry no pull_request link.
		if iss := e.GetIssue(); iss == nil || !iss.IsPullRequest() || e.GetAction() != "created" {
			return nil, nil
		}
		return &gitprovider.WebhookEvent{
			Action:      e.GetAction(),
			Repo:        e.GetRepo().GetFullName(),
			PRNumber:    e.GetIssue().GetNumber(),
			CommentBody: e.GetComment().GetBody(),
			CommentUser: e.GetComment().GetUser().GetLogin(),
			CommentID:   e.GetComment().GetID(),
		}, nil

	case *gogh.PullRequestReviewCommentEvent:
		if e.GetAction() != "created" {
			return nil, nil
		}
		return &gitprovider.WebhookEvent{
			Action:      e.GetAction(),
			Repo:        e.GetRepo().GetFullName(),
			PRNumber:    e.GetPullRequest().GetNumber(),
			CommentBody: e.GetComment().GetBody(),
			CommentUser: e.GetComment().GetUser().GetLogin(),
			CommentID:   e.GetComment().GetID(),
		}, nil

	case *gogh.PullRequestReviewEvent:
		if e.GetAction() != "submitted" {
			return nil, nil
		}
		review := e.GetReview()
		switch strings.ToLower(review.GetState()) {
		case "changes_requested":
		case "commented":
			if strings.TrimSpace(review.GetBody()) == "" {
				return nil, nil
			}
		default:
			return nil, nil
		}
		return &gitprovider.WebhookEvent{
			Action:      e.GetAction(),
			Repo:        e.GetRepo().GetFullName(),
			PRNumber:    e.GetPullRequest().GetNumber(),
			CommentBody: review.GetBody(),
			CommentUser: review.GetUser().GetLogin(),
			CommentID:   review.GetID(),
		}, nil
	}
	return nil, nil
}
