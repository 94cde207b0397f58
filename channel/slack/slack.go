// Package slack provides a Slack bot for DocFix using Socket Mode.
//
// Socket Mode connects to Slack via WebSocket, so no public URL is needed.
// Reviewers mention the bot to give feedback on a session's fixes or to ask
// for its status; run outcomes can be posted to a notification channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"go.uber.org/zap"

	"github.com/jxucoder/docfix/engine"
	"github.com/jxucoder/docfix/model"
)

// Service is the part of the engine the bot drives.
type Service interface {
	SubmitFeedback(ctx context.Context, id, text string) (*engine.FeedbackResult, error)
	SelectPages(ctx context.Context, id, selection string) (*engine.Summary, error)
	Status(ctx context.Context, id string) (*model.Session, error)
	Finish(ctx context.Context, id string) (*model.Session, error)
}

// Bot is the Slack Socket Mode bot for DocFix.
type Bot struct {
	api           *slack.Client
	socketClient  *socketmode.Client
	svc           Service
	notifyChannel string
	apiURL        string
	logger        *zap.Logger
}

// Option configures a Bot.
type Option func(*Bot)

// WithNotifyChannel posts run and feedback outcomes to channelID.
func WithNotifyChannel(channelID string) Option {
	return func(b *Bot) { b.notifyChannel = channelID }
}

// WithAPIURL points the Web API client at another base URL.
func WithAPIURL(url string) Option {
	return func(b *Bot) { b.apiURL = url }
}

// NewBot creates a new Slack Socket Mode bot.
func NewBot(botToken, appToken string, svc Service, logger *zap.Logger, opts ...Option) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bot{svc: svc, logger: logger.Named("slack")}
	for _, opt := range opts {
		opt(b)
	}
	clientOpts := []slack.Option{slack.OptionAppLevelToken(appToken)}
	if b.apiURL != "" {
		clientOpts = append(clientOpts, slack.OptionAPIURL(b.apiURL))
	}
	b.api = slack.New(botToken, clientOpts...)
	b.socketClient = socketmode.New(b.api)
	return b
}

// Name implements channel.Channel.
func (b *Bot) Name() string { return "slack" }

// Run connects to Slack via Socket Mode and processes events.
// It blocks until the context is canceled or a fatal error occurs.
func (b *Bot) Run(ctx context.Context) error {
	go b.eventLoop(ctx)
	b.logger.Info("connecting via Socket Mode")
	return b.socketClient.RunContext(ctx)
}

func (b *Bot) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.socketClient.Events:
			if !ok {
				return
			}
			b.handleEvent(ctx, evt)
		}
	}
}

func (b *Bot) handleEvent(ctx context.Context, evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeConnected:
		b.logger.Info("connected")
	case socketmode.EventTypeConnectionError:
		b.logger.Warn("connection error, will retry")
	case socketmode.EventTypeEventsAPI:
		eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		// Slack requires an ack within 3 seconds.
		b.socketClient.Ack(*evt.Request)
		if eventsAPIEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := eventsAPIEvent.InnerEvent.Data.(*slackevents.AppMentionEvent); ok {
			threadTS := ev.TimeStamp
			if ev.ThreadTimeStamp != "" {
				threadTS = ev.ThreadTimeStamp
			}
			go b.handleMention(ctx, ev.Channel, threadTS, ev.Text)
		}
	case socketmode.EventTypeInteractive:
		b.socketClient.Ack(*evt.Request)
	}
}

// command is a parsed mention: "<verb> <session-id> [argument...]".
type command struct {
	verb    string
	session string
	arg     string
}

// parseCommand strips the bot mention and splits the rest.
func parseCommand(text string) (command, error) {
	if idx := strings.Index(text, ">"); idx >= 0 && strings.HasPrefix(strings.TrimSpace(text), "<@") {
		text = text[idx+1:]
	}
	fields := strings.Fields(text)
	if len(fields) < 2 {
		return command{}, errors.New(usage)
	}
	cmd := command{verb: strings.ToLower(fields[0]), session: strings.Trim(fields[1], "`")}
	if len(fields) > 2 {
		// Keep the argument's original spacing.
		rest := strings.TrimSpace(text)
		rest = strings.TrimSpace(rest[len(fields[0]):])
		cmd.arg = strings.TrimSpace(rest[len(fields[1]):])
	}
	switch cmd.verb {
	case "feedback", "pages":
		if cmd.arg == "" {
			return command{}, fmt.Errorf("`%s` needs an argument.\n%s", cmd.verb, usage)
		}
	case "status", "finish":
	default:
		return command{}, fmt.Errorf("unknown command `%s`.\n%s", cmd.verb, usage)
	}
	return cmd, nil
}

const usage = "Usage:\n" +
	"`@docfix status <session-id>`\n" +
	"`@docfix pages <session-id> <selection>` (e.g. `all`, `1-3,7`)\n" +
	"`@docfix feedback <session-id> <text>`\n" +
	"`@docfix finish <session-id>`"

func (b *Bot) handleMention(ctx context.Context, channel, threadTS, text string) {
	cmd, err := parseCommand(text)
	if err != nil {
		b.postThread(channel, threadTS, err.Error())
		return
	}
	log := b.logger.With(zap.String("session_id", cmd.session), zap.String("command", cmd.verb))

	switch cmd.verb {
	case "status":
		sess, err := b.svc.Status(ctx, cmd.session)
		if err != nil {
			b.postThread(channel, threadTS, ":x: "+err.Error())
			return
		}
		b.postThread(channel, threadTS, formatStatus(sess))

	case "pages":
		sum, err := b.svc.SelectPages(ctx, cmd.session, cmd.arg)
		if err != nil {
			b.postThread(channel, threadTS, ":x: "+err.Error())
			return
		}
		b.postThread(channel, threadTS, fmt.Sprintf(":gear: Validating %d of %d page(s) in session `%s`.",
			len(sum.Selected), sum.Total, sum.SessionID))

	case "feedback":
		b.postThread(channel, threadTS, fmt.Sprintf(":eyes: Applying feedback to session `%s`...", cmd.session))
		res, err := b.svc.SubmitFeedback(ctx, cmd.session, cmd.arg)
		switch {
		case errors.Is(err, engine.ErrClarification):
			b.postThread(channel, threadTS, ":thinking_face: I could not tie that to any fix. Which page or change do you mean?")
		case err != nil:
			log.Warn("feedback failed", zap.Error(err))
			b.postThread(channel, threadTS, ":x: "+err.Error())
		default:
			msg := ":white_check_mark: " + res.Outcome.Message
			if res.PRURL != "" {
				msg += "\n" + res.PRURL
			}
			b.postThread(channel, threadTS, msg)
		}

	case "finish":
		if _, err := b.svc.Finish(ctx, cmd.session); err != nil {
			b.postThread(channel, threadTS, ":x: "+err.Error())
			return
		}
		b.postThread(channel, threadTS, fmt.Sprintf(":checkered_flag: Session `%s` finished.", cmd.session))
	}
}

func formatStatus(sess *model.Session) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Session `%s`* (%s, %s)\nRepo `%s` | Branch `%s`\n",
		sess.ID, sess.Lifecycle.Status, sess.Lifecycle.Stage, sess.Repo, sess.Branch)
	selected := sess.SelectedPages()
	if len(selected) > 0 {
		out := model.RunOutcome(sess)
		fmt.Fprintf(&sb, "Pages: %s\n", out.Message)
	} else {
		fmt.Fprintf(&sb, "Pages discovered: %d (none selected)\n", len(sess.Pages))
	}
	applied := 0
	for _, f := range sess.Fixes {
		if f.Status == model.FixApplied && f.RevertOf == "" {
			applied++
		}
	}
	fmt.Fprintf(&sb, "Fixes applied: %d | Feedback entries: %d", applied, len(sess.Feedback))
	if sess.PRRef != nil {
		fmt.Fprintf(&sb, "\nPR: <%s|#%d>", sess.PRRef.URL, sess.PRRef.Number)
	}
	if sess.Lifecycle.Error != "" {
		fmt.Fprintf(&sb, "\n:warning: %s", sess.Lifecycle.Error)
	}
	return sb.String()
}

// Notify posts an outcome to the notification channel. It implements
// engine.Notifier and does nothing without a channel.
func (b *Bot) Notify(ctx context.Context, sess *model.Session, outcome model.Outcome) {
	if b.notifyChannel == "" {
		return
	}
	icon := ":white_check_mark:"
	if outcome.Kind != model.OutcomeSucceeded {
		icon = ":warning:"
	}
	text := fmt.Sprintf("%s *DocFix `%s`*: %s", icon, sess.ID, outcome.Message)
	if sess.PRRef != nil {
		text += fmt.Sprintf("\n<%s|PR #%d>", sess.PRRef.URL, sess.PRRef.Number)
	}
	header := slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, text, false, false), nil, nil)
	footer := slack.NewContextBlock("", slack.NewTextBlockObject(slack.MarkdownType,
		fmt.Sprintf("Repo `%s` | Branch `%s`", sess.Repo, sess.Branch), false, false))

	_, _, err := b.api.PostMessageContext(ctx, b.notifyChannel,
		slack.MsgOptionBlocks(header, slack.NewDividerBlock(), footer),
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		b.logger.Warn("posting notification", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (b *Bot) postThread(channel, threadTS, text string) {
	_, _, err := b.api.PostMessage(channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionTS(threadTS),
	)
	if err != nil {
		b.logger.Warn("posting message", zap.String("channel", channel), zap.Error(err))
	}
}
