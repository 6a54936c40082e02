package adapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"botbridge/internal/activity"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram adapts Telegram Bot API webhooks. Inbound updates arrive as
// tgbotapi.Update JSON; outbound delivery goes through the Bot API client.
type Telegram struct {
	token       string
	secretToken string
	logger      *slog.Logger

	botOnce sync.Once
	botErr  error
	bot     *tgbotapi.BotAPI
}

// TelegramConfig configures the Telegram adapter. Token is required.
// SecretToken, when set, must match the X-Telegram-Bot-Api-Secret-Token
// header Telegram attaches to webhook calls.
type TelegramConfig struct {
	Token       string
	SecretToken string
	Logger      *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:       cfg.Token,
		secretToken: cfg.SecretToken,
		logger:      cfg.Logger,
	}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Verify compares the static secret token header. Telegram has no body
// signature scheme; the header is set at setWebhook time.
func (t *Telegram) Verify(req *Request) error {
	if t.secretToken == "" {
		return nil
	}
	got := req.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(t.secretToken)) != 1 {
		return fmt.Errorf("secret token mismatch: %w", ErrVerification)
	}
	return nil
}

// TranslateInbound maps one Update to one activity. Edits and callback
// queries are events, not new user messages.
func (t *Telegram) TranslateInbound(_ context.Context, req *Request) ([]activity.Activity, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(req.Body, &update); err != nil {
		return nil, fmt.Errorf("parse telegram update: %w", err)
	}

	act := activity.Activity{
		ID:          activity.NewID(),
		Timestamp:   time.Now(),
		ChannelID:   t.Name(),
		ChannelData: json.RawMessage(req.Body),
	}

	switch {
	case update.Message != nil:
		msg := update.Message
		act.Type = activity.TypeMessage
		act.ID = strconv.Itoa(msg.MessageID)
		act.ConversationID = strconv.FormatInt(msg.Chat.ID, 10)
		act.Text = msg.Text
		act.Timestamp = time.Unix(int64(msg.Date), 0)
		if msg.From != nil {
			act.FromID = strconv.FormatInt(msg.From.ID, 10)
		}

	case update.EditedMessage != nil:
		msg := update.EditedMessage
		act.Type = activity.TypeEvent
		act.Name = "message_edited"
		act.ID = strconv.Itoa(msg.MessageID)
		act.ConversationID = strconv.FormatInt(msg.Chat.ID, 10)
		act.Text = msg.Text
		if msg.From != nil {
			act.FromID = strconv.FormatInt(msg.From.ID, 10)
		}

	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		act.Type = activity.TypeEvent
		act.Name = "callback_query"
		act.ID = cq.ID
		act.Text = cq.Data
		act.FromID = strconv.FormatInt(cq.From.ID, 10)
		if cq.Message != nil {
			act.ConversationID = strconv.FormatInt(cq.Message.Chat.ID, 10)
		}

	default:
		act.Type = activity.TypeEvent
		act.Name = "telegram_update"
	}

	return []activity.Activity{act}, nil
}

// Send delivers a message through the Bot API.
func (t *Telegram) Send(ctx context.Context, act activity.Activity) (string, error) {
	bot, err := t.api()
	if err != nil {
		return "", err
	}
	chatID, err := strconv.ParseInt(act.ConversationID, 10, 64)
	if err != nil {
		return "", fmt.Errorf("telegram chat ID %q: %w", act.ConversationID, err)
	}

	sent, err := bot.Send(tgbotapi.NewMessage(chatID, act.Text))
	if err != nil {
		return "", fmt.Errorf("telegram send: %w", err)
	}
	return strconv.Itoa(sent.MessageID), nil
}

// Update edits the text of a previously sent message.
func (t *Telegram) Update(ctx context.Context, act activity.Activity) error {
	bot, err := t.api()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(act.ConversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat ID %q: %w", act.ConversationID, err)
	}
	msgID, err := strconv.Atoi(act.ID)
	if err != nil {
		return fmt.Errorf("telegram message ID %q: %w", act.ID, err)
	}

	if _, err := bot.Send(tgbotapi.NewEditMessageText(chatID, msgID, act.Text)); err != nil {
		return fmt.Errorf("telegram update: %w", err)
	}
	return nil
}

// Delete removes a previously sent message.
func (t *Telegram) Delete(ctx context.Context, conversationID, activityID string) error {
	bot, err := t.api()
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat ID %q: %w", conversationID, err)
	}
	msgID, err := strconv.Atoi(activityID)
	if err != nil {
		return fmt.Errorf("telegram message ID %q: %w", activityID, err)
	}

	if _, err := bot.Request(tgbotapi.NewDeleteMessage(chatID, msgID)); err != nil {
		return fmt.Errorf("telegram delete: %w", err)
	}
	return nil
}

// api initializes the Bot API client on first use; construction stays
// network-free so translation and verification work offline.
func (t *Telegram) api() (*tgbotapi.BotAPI, error) {
	t.botOnce.Do(func() {
		bot, err := tgbotapi.NewBotAPI(t.token)
		if err != nil {
			t.botErr = fmt.Errorf("telegram bot init: %w", err)
			return
		}
		t.bot = bot
		t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)
	})
	return t.bot, t.botErr
}
