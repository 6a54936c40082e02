package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"botbridge/internal/activity"
)

const (
	facebookAPIHost    = "https://graph.facebook.com"
	facebookAPIVersion = "v21.0"
)

// Facebook adapts Facebook Messenger webhooks. A single delivery may batch
// multiple entries, each with multiple messaging or standby sub-events; every
// sub-event becomes its own activity, dispatched in array order.
type Facebook struct {
	verifyToken    string
	appSecret      string
	accessToken    string
	accessTokenFor func(pageID string) (string, error)
	apiHost        string
	apiVersion     string
	logger         *slog.Logger
	client         *http.Client
}

// FacebookConfig configures the Messenger adapter. VerifyToken and AppSecret
// are required, plus either a static page AccessToken or an AccessTokenFor
// lookup for multi-page deployments.
type FacebookConfig struct {
	VerifyToken    string
	AppSecret      string
	AccessToken    string
	AccessTokenFor func(pageID string) (string, error)
	APIHost        string // test override
	APIVersion     string
	Logger         *slog.Logger
}

func NewFacebook(cfg FacebookConfig) (*Facebook, error) {
	if cfg.VerifyToken == "" {
		return nil, fmt.Errorf("facebook: verifyToken is required")
	}
	if cfg.AppSecret == "" {
		return nil, fmt.Errorf("facebook: appSecret is required")
	}
	if cfg.AccessToken == "" && cfg.AccessTokenFor == nil {
		return nil, fmt.Errorf("facebook: accessToken or an access token lookup is required")
	}
	if cfg.APIHost == "" {
		cfg.APIHost = facebookAPIHost
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = facebookAPIVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Facebook{
		verifyToken:    cfg.VerifyToken,
		appSecret:      cfg.AppSecret,
		accessToken:    cfg.AccessToken,
		accessTokenFor: cfg.AccessTokenFor,
		apiHost:        cfg.APIHost,
		apiVersion:     cfg.APIVersion,
		logger:         cfg.Logger,
		client:         &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (f *Facebook) Name() string { return "facebook" }

// HandleVerification answers the GET subscription challenge.
func (f *Facebook) HandleVerification(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	if mode == "subscribe" && subtle.ConstantTimeCompare([]byte(token), []byte(f.verifyToken)) == 1 {
		f.logger.Info("facebook webhook verified")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, html.EscapeString(challenge))
		return
	}

	f.logger.Warn("facebook webhook verification failed", "mode", mode)
	http.Error(w, "Forbidden", http.StatusForbidden)
}

// Verify checks the X-Hub-Signature header: "sha1=" + hex HMAC-SHA1 over the
// exact raw body bytes.
func (f *Facebook) Verify(req *Request) error {
	sig := req.Header.Get("X-Hub-Signature")
	if !strings.HasPrefix(sig, "sha1=") {
		return fmt.Errorf("missing X-Hub-Signature: %w", ErrVerification)
	}

	mac := hmac.New(sha1.New, []byte(f.appSecret))
	mac.Write(req.Body)
	computed := "sha1=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(computed)) {
		return fmt.Errorf("signature mismatch: %w", ErrVerification)
	}
	return nil
}

// --- Messenger webhook payload types ---

type fbPayload struct {
	Object string    `json:"object"`
	Entry  []fbEntry `json:"entry"`
}

type fbEntry struct {
	ID        string            `json:"id"`
	Time      int64             `json:"time"`
	Messaging []json.RawMessage `json:"messaging"`
	Standby   []json.RawMessage `json:"standby"`
}

type fbEvent struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
	Postback *struct {
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Optin *struct {
		Ref     string `json:"ref"`
		UserRef string `json:"user_ref"`
	} `json:"optin"`
}

// TranslateInbound expands every messaging and standby sub-event into an
// activity, preserving delivery order. Echoes of the bot's own messages are
// reclassified as events so logic never treats them as new user input.
func (f *Facebook) TranslateInbound(_ context.Context, req *Request) ([]activity.Activity, error) {
	var payload fbPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return nil, fmt.Errorf("parse facebook payload: %w", err)
	}
	if payload.Object != "page" {
		return nil, fmt.Errorf("unexpected facebook object %q", payload.Object)
	}

	var acts []activity.Activity
	for _, entry := range payload.Entry {
		for _, raw := range entry.Messaging {
			acts = append(acts, f.translateEvent(raw, false))
		}
		for _, raw := range entry.Standby {
			acts = append(acts, f.translateEvent(raw, true))
		}
	}
	return acts, nil
}

func (f *Facebook) translateEvent(raw json.RawMessage, standby bool) activity.Activity {
	var ev fbEvent
	json.Unmarshal(raw, &ev)

	act := activity.Activity{
		ID:             activity.NewID(),
		Type:           activity.TypeMessage,
		Timestamp:      time.UnixMilli(ev.Timestamp),
		ChannelID:      f.Name(),
		ConversationID: ev.Sender.ID,
		FromID:         ev.Sender.ID,
		RecipientID:    ev.Recipient.ID,
		ChannelData:    raw,
	}

	// Opt-in deliveries have no page-scoped sender ID yet; the user_ref
	// stands in for it.
	if act.FromID == "" && ev.Optin != nil && ev.Optin.UserRef != "" {
		act.FromID = ev.Optin.UserRef
		act.ConversationID = ev.Optin.UserRef
	}

	switch {
	case ev.Message != nil:
		act.Text = ev.Message.Text
		if ev.Message.Mid != "" {
			act.ID = ev.Message.Mid
		}
		if ev.Message.IsEcho {
			act.Type = activity.TypeEvent
			act.Name = "message_echo"
		}
	case ev.Postback != nil:
		act.Type = activity.TypeEvent
		act.Name = "facebook_postback"
		act.Text = ev.Postback.Payload
	default:
		act.Type = activity.TypeEvent
		act.Name = "facebook_event"
	}

	if standby {
		act.Name = "standby"
		act.Type = activity.TypeEvent
	}

	return act
}

// --- Outbound ---

// fbExtra carries the Messenger extension fields a caller may attach via
// channel data. Never synthesized; absent means unset.
type fbExtra struct {
	Attachment       json.RawMessage `json:"attachment,omitempty"`
	QuickReplies     []fbQuickReply  `json:"quick_replies,omitempty"`
	StickerID        int64           `json:"sticker_id,omitempty"`
	PersonaID        string          `json:"persona_id,omitempty"`
	SenderAction     string          `json:"sender_action,omitempty"`
	Tag              string          `json:"tag,omitempty"`
	MessagingType    string          `json:"messaging_type,omitempty"`
	NotificationType string          `json:"notification_type,omitempty"`
}

type fbQuickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	Payload     string `json:"payload,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
}

type fbSendRequest struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message          map[string]any `json:"message,omitempty"`
	MessagingType    string         `json:"messaging_type,omitempty"`
	Tag              string         `json:"tag,omitempty"`
	NotificationType string         `json:"notification_type,omitempty"`
	PersonaID        string         `json:"persona_id,omitempty"`
	SenderAction     string         `json:"sender_action,omitempty"`
}

// Send posts a message to the Send API for the recipient page-scoped ID.
func (f *Facebook) Send(ctx context.Context, act activity.Activity) (string, error) {
	var extra fbExtra
	if len(act.ChannelData) > 0 {
		if err := act.DecodeChannelData(&extra); err != nil {
			f.logger.Debug("facebook channel data ignored", "err", err)
		}
	}

	body := fbSendRequest{
		MessagingType:    extra.MessagingType,
		Tag:              extra.Tag,
		NotificationType: extra.NotificationType,
		PersonaID:        extra.PersonaID,
		SenderAction:     extra.SenderAction,
	}
	body.Recipient.ID = act.ConversationID
	if body.MessagingType == "" {
		body.MessagingType = "RESPONSE"
	}

	msg := map[string]any{}
	if act.Text != "" {
		msg["text"] = act.Text
	}
	if len(extra.Attachment) > 0 {
		msg["attachment"] = extra.Attachment
	}
	if extra.StickerID != 0 {
		msg["sticker_id"] = extra.StickerID
	}
	if len(extra.QuickReplies) > 0 {
		for i := range extra.QuickReplies {
			if extra.QuickReplies[i].ContentType == "" {
				extra.QuickReplies[i].ContentType = "text"
			}
		}
		msg["quick_replies"] = extra.QuickReplies
	}
	if len(msg) > 0 {
		body.Message = msg
	}

	token := f.accessToken
	if f.accessTokenFor != nil {
		t, err := f.accessTokenFor(act.RecipientID)
		if err != nil {
			return "", fmt.Errorf("resolve page token: %w", err)
		}
		token = t
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/me/messages?access_token=%s", f.apiHost, f.apiVersion, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(payload)))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("facebook send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &TransportError{Platform: f.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var created struct {
		MessageID string `json:"message_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode facebook response: %w", err)
	}
	return created.MessageID, nil
}

// Update is not exposed by the Send API; documented no-op.
func (f *Facebook) Update(_ context.Context, act activity.Activity) error {
	f.logger.Warn("facebook does not support updating messages", "id", act.ID)
	return nil
}

// Delete is not exposed by the Send API; documented no-op.
func (f *Facebook) Delete(_ context.Context, _, activityID string) error {
	f.logger.Warn("facebook does not support deleting messages", "id", activityID)
	return nil
}
