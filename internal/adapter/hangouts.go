package adapter

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"botbridge/internal/activity"
)

const hangoutsAPIBase = "https://chat.googleapis.com/v1"

// Hangouts adapts Google Hangouts Chat webhooks. The conversation ID is the
// space name; thread names are kept separately since messages in different
// threads of one space are distinct sub-conversations.
type Hangouts struct {
	token       string
	accessToken string
	tokenSource func(ctx context.Context) (string, error)
	apiBase     string
	logger      *slog.Logger
	client      *http.Client
}

// HangoutsConfig configures the Hangouts Chat adapter. Token is the shared
// verification token from the Chat API console and is required, plus either
// a static AccessToken or a TokenSource that mints one per call.
type HangoutsConfig struct {
	Token       string
	AccessToken string
	TokenSource func(ctx context.Context) (string, error)
	APIBase     string // test override
	Logger      *slog.Logger
}

func NewHangouts(cfg HangoutsConfig) (*Hangouts, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("hangouts: verification token is required")
	}
	if cfg.AccessToken == "" && cfg.TokenSource == nil {
		return nil, fmt.Errorf("hangouts: accessToken or a token source is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = hangoutsAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hangouts{
		token:       cfg.Token,
		accessToken: cfg.AccessToken,
		tokenSource: cfg.TokenSource,
		apiBase:     cfg.APIBase,
		logger:      cfg.Logger,
		client:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (h *Hangouts) Name() string { return "googlehangouts" }

// Verify compares the token field embedded in the event body against the
// configured shared token. Trust reduces to token secrecy; there is no body
// signature in this scheme.
func (h *Hangouts) Verify(req *Request) error {
	var probe struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Body, &probe); err != nil {
		return fmt.Errorf("parse hangouts event: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(probe.Token), []byte(h.token)) != 1 {
		return fmt.Errorf("token mismatch: %w", ErrVerification)
	}
	return nil
}

// AckEarly acknowledges ordinary events before dispatch. Card clicks must
// carry the application response body back synchronously, so they dispatch
// inline.
func (h *Hangouts) AckEarly(acts []activity.Activity) bool {
	for _, act := range acts {
		if act.Name == "card_clicked" {
			return false
		}
	}
	return true
}

// --- Hangouts event payload types ---

type hangoutsEvent struct {
	Type      string `json:"type"`
	EventTime string `json:"eventTime"`
	Token     string `json:"token"`
	Message   *struct {
		Name   string `json:"name"`
		Text   string `json:"text"`
		Thread *struct {
			Name string `json:"name"`
		} `json:"thread"`
	} `json:"message"`
	Space struct {
		Name string `json:"name"`
		Type string `json:"type"` // "ROOM" | "DM"
	} `json:"space"`
	User struct {
		Name        string `json:"name"`
		DisplayName string `json:"displayName"`
	} `json:"user"`
	Action *struct {
		ActionMethodName string `json:"actionMethodName"`
	} `json:"action"`
}

// TranslateInbound maps one Chat event to one activity. Structural events get
// a subtype tag derived from the event's nature and the space's visibility.
func (h *Hangouts) TranslateInbound(_ context.Context, req *Request) ([]activity.Activity, error) {
	var ev hangoutsEvent
	if err := json.Unmarshal(req.Body, &ev); err != nil {
		return nil, fmt.Errorf("parse hangouts event: %w", err)
	}

	act := activity.Activity{
		ID:             activity.NewID(),
		Timestamp:      time.Now(),
		ChannelID:      h.Name(),
		ConversationID: ev.Space.Name,
		FromID:         ev.User.Name,
		ChannelData:    json.RawMessage(req.Body),
	}
	if ts, err := time.Parse(time.RFC3339, ev.EventTime); err == nil {
		act.Timestamp = ts
	}
	if ev.Message != nil {
		act.Text = ev.Message.Text
		if ev.Message.Name != "" {
			act.ID = ev.Message.Name
		}
		if ev.Message.Thread != nil {
			act.ThreadID = ev.Message.Thread.Name
		}
	}

	room := ev.Space.Type == "ROOM"
	switch ev.Type {
	case "MESSAGE":
		act.Type = activity.TypeMessage
	case "ADDED_TO_SPACE":
		act.Type = activity.TypeEvent
		act.Name = pick(room, "bot_room_join", "bot_dm_join")
	case "REMOVED_FROM_SPACE":
		act.Type = activity.TypeEvent
		act.Name = pick(room, "bot_room_leave", "bot_dm_leave")
	case "CARD_CLICKED":
		act.Type = activity.TypeEvent
		act.Name = "card_clicked"
	default:
		act.Type = activity.TypeEvent
		act.Name = strings.ToLower(ev.Type)
	}

	return []activity.Activity{act}, nil
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}

// hangoutsExtra carries optional outbound extension fields.
type hangoutsExtra struct {
	Cards json.RawMessage `json:"cards,omitempty"`
}

// Send creates a message in the target space, threading when the activity
// carries a thread name.
func (h *Hangouts) Send(ctx context.Context, act activity.Activity) (string, error) {
	body := map[string]any{"text": act.Text}
	if act.ThreadID != "" {
		body["thread"] = map[string]string{"name": act.ThreadID}
	}
	var extra hangoutsExtra
	if len(act.ChannelData) > 0 {
		if err := act.DecodeChannelData(&extra); err == nil && len(extra.Cards) > 0 {
			body["cards"] = extra.Cards
		}
	}

	endpoint := fmt.Sprintf("%s/%s/messages", h.apiBase, act.ConversationID)
	created, err := h.call(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", err
	}
	return created, nil
}

// Update edits a previously sent message's text.
func (h *Hangouts) Update(ctx context.Context, act activity.Activity) error {
	endpoint := fmt.Sprintf("%s/%s?updateMask=text", h.apiBase, act.ID)
	_, err := h.call(ctx, http.MethodPut, endpoint, map[string]any{"text": act.Text})
	return err
}

// Delete removes a previously sent message.
func (h *Hangouts) Delete(ctx context.Context, _, activityID string) error {
	endpoint := fmt.Sprintf("%s/%s", h.apiBase, activityID)
	_, err := h.call(ctx, http.MethodDelete, endpoint, nil)
	return err
}

// call issues one bearer-authenticated Chat API request and returns the
// created/updated message name, if any.
func (h *Hangouts) call(ctx context.Context, method, endpoint string, body any) (string, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return "", fmt.Errorf("marshal: %w", err)
		}
		reader = strings.NewReader(string(payload))
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	token := h.accessToken
	if h.tokenSource != nil {
		token, err = h.tokenSource(ctx)
		if err != nil {
			return "", fmt.Errorf("acquire chat token: %w", err)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("hangouts %s: %w", strings.ToLower(method), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &TransportError{Platform: h.Name(), StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var created struct {
		Name string `json:"name"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	return created.Name, nil
}
