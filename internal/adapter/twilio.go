package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"botbridge/internal/activity"
)

const twilioAPIBase = "https://api.twilio.com/2010-04-01"

// Twilio adapts Twilio Programmable SMS webhooks. One webhook delivery is
// exactly one activity; the conversation ID is the sender's phone number.
type Twilio struct {
	accountSID    string
	authToken     string
	number        string
	validationURL string
	apiBase       string
	logger        *slog.Logger
	client        *http.Client
}

// TwilioConfig configures the Twilio SMS adapter. AccountSID, AuthToken and
// Number are required. ValidationURL overrides the request-derived URL during
// signature validation, for deployments behind a reverse proxy.
type TwilioConfig struct {
	AccountSID    string
	AuthToken     string
	Number        string
	ValidationURL string
	APIBase       string // test override
	Logger        *slog.Logger
}

// NewTwilio builds the Twilio adapter capabilities. Missing credentials fail
// construction immediately.
func NewTwilio(cfg TwilioConfig) (*Twilio, error) {
	if cfg.AccountSID == "" {
		return nil, fmt.Errorf("twilio: accountSid is required")
	}
	if cfg.AuthToken == "" {
		return nil, fmt.Errorf("twilio: authToken is required")
	}
	if cfg.Number == "" {
		return nil, fmt.Errorf("twilio: number is required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = twilioAPIBase
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Twilio{
		accountSID:    cfg.AccountSID,
		authToken:     cfg.AuthToken,
		number:        cfg.Number,
		validationURL: cfg.ValidationURL,
		apiBase:       cfg.APIBase,
		logger:        cfg.Logger,
		client:        &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (t *Twilio) Name() string { return "twilio-sms" }

// OverrideURL returns the configured externally-visible webhook URL, if any.
func (t *Twilio) OverrideURL() string { return t.validationURL }

// Verify checks the X-Twilio-Signature header: base64 HMAC-SHA256 of the
// absolute request URL concatenated with the form parameters sorted by key.
func (t *Twilio) Verify(req *Request) error {
	sig := req.Header.Get("X-Twilio-Signature")
	if sig == "" {
		return fmt.Errorf("missing X-Twilio-Signature: %w", ErrVerification)
	}
	if !hmac.Equal([]byte(sig), []byte(t.signature(req.URL, req.Form))) {
		return fmt.Errorf("signature mismatch: %w", ErrVerification)
	}
	return nil
}

// signature builds the canonical request string and signs it.
func (t *Twilio) signature(u *url.URL, form url.Values) string {
	var b strings.Builder
	b.WriteString(u.String())

	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha256.New, []byte(t.authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// TranslateInbound maps the form-encoded SMS webhook to a single activity.
// NumMedia greater than zero tags the activity as a picture message.
func (t *Twilio) TranslateInbound(_ context.Context, req *Request) ([]activity.Activity, error) {
	if req.Form == nil {
		return nil, fmt.Errorf("twilio webhook is not form-encoded")
	}

	from := req.Form.Get("From")
	if from == "" {
		return nil, fmt.Errorf("twilio webhook missing From")
	}

	id := req.Form.Get("MessageSid")
	if id == "" {
		id = activity.NewID()
	}

	act := activity.Activity{
		ID:             id,
		Type:           activity.TypeMessage,
		Timestamp:      time.Now(),
		ChannelID:      t.Name(),
		ConversationID: from,
		FromID:         from,
		RecipientID:    req.Form.Get("To"),
		Text:           req.Form.Get("Body"),
		ChannelData:    formToJSON(req.Form),
	}

	if n, err := strconv.Atoi(req.Form.Get("NumMedia")); err == nil && n > 0 {
		act.Name = "picture_message"
	}

	return []activity.Activity{act}, nil
}

// twilioExtra holds outbound fields sourced from channel data.
type twilioExtra struct {
	MediaURL string `json:"MediaUrl"`
}

// Send creates an SMS via the Twilio REST API.
func (t *Twilio) Send(ctx context.Context, act activity.Activity) (string, error) {
	form := url.Values{}
	form.Set("To", act.ConversationID)
	form.Set("From", t.number)
	form.Set("Body", act.Text)

	var extra twilioExtra
	if len(act.ChannelData) > 0 {
		if err := act.DecodeChannelData(&extra); err == nil && extra.MediaURL != "" {
			form.Set("MediaUrl", extra.MediaURL)
		}
	}

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.apiBase, t.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.accountSID, t.authToken)

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twilio send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return "", &TransportError{Platform: t.Name(), StatusCode: resp.StatusCode, Body: string(body)}
	}

	var created struct {
		Sid string `json:"sid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("decode twilio response: %w", err)
	}
	return created.Sid, nil
}

// Update is not supported by the SMS API; documented no-op.
func (t *Twilio) Update(_ context.Context, act activity.Activity) error {
	t.logger.Warn("twilio does not support updating messages", "id", act.ID)
	return nil
}

// Delete is not supported for delivered SMS; documented no-op.
func (t *Twilio) Delete(_ context.Context, _, activityID string) error {
	t.logger.Warn("twilio does not support deleting messages", "id", activityID)
	return nil
}

// formToJSON flattens single-valued form fields into a JSON object so the
// verbatim webhook content stays attached to the activity.
func formToJSON(form url.Values) json.RawMessage {
	m := make(map[string]string, len(form))
	for k := range form {
		m[k] = form.Get(k)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return data
}
