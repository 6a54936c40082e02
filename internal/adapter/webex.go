package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"botbridge/internal/activity"
)

const webexAPIBase = "https://webexapis.com/v1"

// Webex adapts Webex Teams webhooks. Webhook payloads carry only resource
// IDs, so message text is fetched from the API during translation.
type Webex struct {
	accessToken string
	secret      string
	apiBase     string
	logger      *slog.Logger
	client      *http.Client

	identityOnce sync.Once
	identityErr  error
	selfID       string
}

// WebexConfig configures the Webex Teams adapter. AccessToken is required.
// Secret enables webhook signature verification; when unset, inbound
// requests are accepted without a signature check.
type WebexConfig struct {
	AccessToken string
	Secret      string
	APIBase     string // test override
	Logger      *slog.Logger
}

func NewWebex(cfg WebexConfig) (*Webex, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("webex: accessToken is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = webexAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Webex{
		accessToken: cfg.AccessToken,
		secret:      cfg.Secret,
		apiBase:     cfg.APIBase,
		logger:      cfg.Logger,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (w *Webex) Name() string { return "webex" }

// Verify checks the X-Spark-Signature header: hex HMAC-SHA1 over the raw
// body. Skipped when no secret is configured.
func (w *Webex) Verify(req *Request) error {
	if w.secret == "" {
		return nil
	}
	sig := req.Header.Get("X-Spark-Signature")
	if sig == "" {
		return fmt.Errorf("missing X-Spark-Signature: %w", ErrVerification)
	}

	mac := hmac.New(sha1.New, []byte(w.secret))
	mac.Write(req.Body)
	computed := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(sig), []byte(computed)) {
		return fmt.Errorf("signature mismatch: %w", ErrVerification)
	}
	return nil
}

// --- Webex webhook payload types ---

type webexEnvelope struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Resource string `json:"resource"` // "messages" | "attachmentActions" | ...
	Event    string `json:"event"`    // "created" | "deleted" | ...
	Data     struct {
		ID          string `json:"id"`
		RoomID      string `json:"roomId"`
		RoomType    string `json:"roomType"`
		PersonID    string `json:"personId"`
		PersonEmail string `json:"personEmail"`
		Created     string `json:"created"`
	} `json:"data"`
}

type webexMessage struct {
	ID          string   `json:"id"`
	RoomID      string   `json:"roomId"`
	Text        string   `json:"text"`
	Markdown    string   `json:"markdown"`
	Files       []string `json:"files"`
	PersonID    string   `json:"personId"`
	PersonEmail string   `json:"personEmail"`
}

// TranslateInbound maps a webhook envelope to one activity, fetching message
// content from the API since the envelope carries only identifiers. The
// bot's own messages come back through the same channel and are reclassified
// as self_message events.
func (w *Webex) TranslateInbound(ctx context.Context, req *Request) ([]activity.Activity, error) {
	var env webexEnvelope
	if err := json.Unmarshal(req.Body, &env); err != nil {
		return nil, fmt.Errorf("parse webex webhook: %w", err)
	}

	act := activity.Activity{
		ID:             env.Data.ID,
		Timestamp:      time.Now(),
		ChannelID:      w.Name(),
		ConversationID: env.Data.RoomID,
		FromID:         env.Data.PersonID,
		ChannelData:    json.RawMessage(req.Body),
	}
	if act.ID == "" {
		act.ID = activity.NewID()
	}
	if ts, err := time.Parse(time.RFC3339, env.Data.Created); err == nil {
		act.Timestamp = ts
	}

	switch env.Resource {
	case "messages":
		if env.Event != "created" {
			act.Type = activity.TypeEvent
			act.Name = "message_" + env.Event
			return []activity.Activity{act}, nil
		}
		msg, err := w.fetchMessage(ctx, env.Data.ID)
		if err != nil {
			return nil, err
		}
		act.Text = msg.Text
		act.Type = activity.TypeMessage

		self, err := w.identity(ctx)
		if err != nil {
			w.logger.Warn("webex identity lookup failed", "err", err)
		} else if msg.PersonID == self {
			act.Type = activity.TypeEvent
			act.Name = "self_message"
		}

	case "attachmentActions":
		act.Type = activity.TypeEvent
		act.Name = "attachment_actions"
		if data, err := w.fetchAttachmentAction(ctx, env.Data.ID); err == nil {
			act.ChannelData = data
		}

	default:
		act.Type = activity.TypeEvent
		act.Name = env.Resource + "_" + env.Event
	}

	return []activity.Activity{act}, nil
}

// webexExtra carries optional outbound extension fields.
type webexExtra struct {
	Markdown string   `json:"markdown,omitempty"`
	Files    []string `json:"files,omitempty"`
}

// Send creates a message in the target room.
func (w *Webex) Send(ctx context.Context, act activity.Activity) (string, error) {
	body := map[string]any{
		"roomId": act.ConversationID,
		"text":   act.Text,
	}
	var extra webexExtra
	if len(act.ChannelData) > 0 {
		if err := act.DecodeChannelData(&extra); err == nil {
			if extra.Markdown != "" {
				body["markdown"] = extra.Markdown
			}
			if len(extra.Files) > 0 {
				body["files"] = extra.Files
			}
		}
	}

	data, err := w.call(ctx, http.MethodPost, w.apiBase+"/messages", body)
	if err != nil {
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	json.Unmarshal(data, &created)
	return created.ID, nil
}

// Update edits a previously sent message.
func (w *Webex) Update(ctx context.Context, act activity.Activity) error {
	body := map[string]any{"roomId": act.ConversationID, "text": act.Text}
	_, err := w.call(ctx, http.MethodPut, w.apiBase+"/messages/"+act.ID, body)
	return err
}

// Delete removes a previously sent message.
func (w *Webex) Delete(ctx context.Context, _, activityID string) error {
	_, err := w.call(ctx, http.MethodDelete, w.apiBase+"/messages/"+activityID, nil)
	return err
}

func (w *Webex) fetchMessage(ctx context.Context, id string) (*webexMessage, error) {
	data, err := w.call(ctx, http.MethodGet, w.apiBase+"/messages/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch message %s: %w", id, err)
	}
	var msg webexMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message %s: %w", id, err)
	}
	return &msg, nil
}

func (w *Webex) fetchAttachmentAction(ctx context.Context, id string) (json.RawMessage, error) {
	return w.call(ctx, http.MethodGet, w.apiBase+"/attachment/actions/"+id, nil)
}

// identity resolves the bot's own person ID once, to detect echoes.
func (w *Webex) identity(ctx context.Context) (string, error) {
	w.identityOnce.Do(func() {
		data, err := w.call(ctx, http.MethodGet, w.apiBase+"/people/me", nil)
		if err != nil {
			w.identityErr = err
			return
		}
		var me struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &me); err != nil {
			w.identityErr = err
			return
		}
		w.selfID = me.ID
	})
	return w.selfID, w.identityErr
}

// call issues one bearer-authenticated API request and returns the raw
// response body.
func (w *Webex) call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		reader = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.accessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webex %s: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, &TransportError{Platform: w.Name(), StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}
