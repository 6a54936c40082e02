package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"botbridge/internal/activity"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
)

// Slack adapts Slack Events API webhooks using the slack-go client for
// signature verification, event parsing and outbound delivery.
type Slack struct {
	botToken      string
	signingSecret string
	logger        *slog.Logger
	client        *slack.Client
}

// SlackConfig configures the Slack adapter. Both tokens are required.
type SlackConfig struct {
	BotToken      string
	SigningSecret string
	APIURL        string // test override
	Logger        *slog.Logger
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("slack: botToken is required")
	}
	if cfg.SigningSecret == "" {
		return nil, fmt.Errorf("slack: signingSecret is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	return &Slack{
		botToken:      cfg.BotToken,
		signingSecret: cfg.SigningSecret,
		logger:        cfg.Logger,
		client:        slack.New(cfg.BotToken, opts...),
	}, nil
}

func (s *Slack) Name() string { return "slack" }

// Verify checks the v0 signing scheme (X-Slack-Signature over the timestamped
// raw body) via the slack-go secrets verifier.
func (s *Slack) Verify(req *Request) error {
	sv, err := slack.NewSecretsVerifier(req.Header, s.signingSecret)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrVerification)
	}
	if _, err := sv.Write(req.Body); err != nil {
		return fmt.Errorf("sign body: %w", err)
	}
	if err := sv.Ensure(); err != nil {
		return fmt.Errorf("%s: %w", err, ErrVerification)
	}
	return nil
}

// Preflight answers the url_verification handshake with the challenge,
// without invoking bot logic. The handshake is signed like any other event,
// so the signature is checked here first.
func (s *Slack) Preflight(req *Request) (int, []byte, bool) {
	probe, err := slackevents.ParseEvent(json.RawMessage(req.Body), slackevents.OptionNoVerifyToken())
	if err != nil || probe.Type != slackevents.URLVerification {
		return 0, nil, false
	}
	if err := s.Verify(req); err != nil {
		return 0, nil, false
	}
	var challenge slackevents.ChallengeResponse
	if err := json.Unmarshal(req.Body, &challenge); err != nil {
		return 0, nil, false
	}
	return 200, []byte(challenge.Challenge), true
}

// TranslateInbound maps an Events API callback to activities. Messages
// authored by bots are reclassified as echo events.
func (s *Slack) TranslateInbound(_ context.Context, req *Request) ([]activity.Activity, error) {
	event, err := slackevents.ParseEvent(json.RawMessage(req.Body), slackevents.OptionNoVerifyToken())
	if err != nil {
		return nil, fmt.Errorf("parse slack event: %w", err)
	}
	if event.Type != slackevents.CallbackEvent {
		return nil, nil
	}

	act := activity.Activity{
		ID:          activity.NewID(),
		Timestamp:   time.Now(),
		ChannelID:   s.Name(),
		ChannelData: json.RawMessage(req.Body),
	}

	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		act.ID = ev.TimeStamp
		act.ConversationID = ev.Channel
		act.ThreadID = ev.ThreadTimeStamp
		act.FromID = ev.User
		act.Text = ev.Text
		act.Type = activity.TypeMessage
		if ev.BotID != "" || ev.SubType == "bot_message" {
			act.Type = activity.TypeEvent
			act.Name = "message_echo"
		}

	case *slackevents.AppMentionEvent:
		act.ID = ev.TimeStamp
		act.ConversationID = ev.Channel
		act.ThreadID = ev.ThreadTimeStamp
		act.FromID = ev.User
		act.Text = ev.Text
		act.Type = activity.TypeMessage
		act.Name = "app_mention"

	default:
		act.Type = activity.TypeEvent
		act.Name = event.InnerEvent.Type
	}

	return []activity.Activity{act}, nil
}

// Send posts a message; the returned timestamp is the platform message ID.
func (s *Slack) Send(ctx context.Context, act activity.Activity) (string, error) {
	opts := []slack.MsgOption{slack.MsgOptionText(act.Text, false)}
	if act.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(act.ThreadID))
	}
	_, ts, err := s.client.PostMessageContext(ctx, act.ConversationID, opts...)
	if err != nil {
		return "", fmt.Errorf("slack send: %w", err)
	}
	return ts, nil
}

// Update edits a previously posted message.
func (s *Slack) Update(ctx context.Context, act activity.Activity) error {
	_, _, _, err := s.client.UpdateMessageContext(ctx, act.ConversationID, act.ID,
		slack.MsgOptionText(act.Text, false))
	if err != nil {
		return fmt.Errorf("slack update: %w", err)
	}
	return nil
}

// Delete removes a previously posted message.
func (s *Slack) Delete(ctx context.Context, conversationID, activityID string) error {
	if _, _, err := s.client.DeleteMessageContext(ctx, conversationID, activityID); err != nil {
		return fmt.Errorf("slack delete: %w", err)
	}
	return nil
}
