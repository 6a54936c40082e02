// Package adapter translates between platform webhook formats and the generic
// activity envelope. Each platform implements three small capabilities
// (Verifier, InboundTranslator, Sender); Adapter composes them into the
// webhook request/response lifecycle.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"botbridge/internal/activity"
)

const maxBodySize = 1 << 20 // 1MB

// ErrVerification marks an inbound request that failed signature or token
// validation. The facade handles it locally; it never reaches bot logic.
var ErrVerification = errors.New("webhook verification failed")

// TransportError is a failed outbound API call. No automatic retry.
type TransportError struct {
	Platform   string
	StatusCode int
	Body       string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s API %d: %s", e.Platform, e.StatusCode, e.Body)
}

// Request is an inbound webhook captured at the transport boundary, before
// any body parsing. Body holds the exact raw bytes so raw-body HMAC schemes
// keep working; URL is the externally visible URL with any configured
// override already applied.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
	Form   url.Values // populated for form-encoded bodies, nil otherwise
}

// CaptureRequest reads r into a Request. overrideURL, when set, replaces the
// reconstructed URL entirely; reverse proxies can rewrite scheme and host
// headers, so the configured value wins.
func CaptureRequest(r *http.Request, overrideURL string) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read webhook body: %w", err)
	}

	req := &Request{
		Method: r.Method,
		Header: r.Header,
		Body:   body,
	}

	if overrideURL != "" {
		u, err := url.Parse(overrideURL)
		if err != nil {
			return nil, fmt.Errorf("parse validation URL override: %w", err)
		}
		u.RawQuery = r.URL.RawQuery
		req.URL = u
	} else {
		scheme := "https"
		if r.TLS == nil {
			scheme = "http"
		}
		if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
			scheme = fwd
		}
		req.URL = &url.URL{
			Scheme:   scheme,
			Host:     r.Host,
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		}
	}

	if ct := r.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, fmt.Errorf("parse form body: %w", err)
		}
		req.Form = form
	}

	return req, nil
}

// Verifier validates that an inbound request genuinely came from the
// platform. Returning an error wrapping ErrVerification rejects the request.
type Verifier interface {
	Verify(req *Request) error
}

// InboundTranslator maps one webhook delivery into zero or more activities,
// in the order the platform delivered them.
type InboundTranslator interface {
	TranslateInbound(ctx context.Context, req *Request) ([]activity.Activity, error)
}

// Sender delivers, updates and deletes messages on the platform. Update and
// Delete are logged no-ops on platforms whose API lacks them.
type Sender interface {
	Name() string
	Send(ctx context.Context, act activity.Activity) (string, error)
	Update(ctx context.Context, act activity.Activity) error
	Delete(ctx context.Context, conversationID, activityID string) error
}

// preflighter lets a platform short-circuit a request before verification and
// translation (e.g. Slack's url_verification challenge).
type preflighter interface {
	Preflight(req *Request) (status int, body []byte, handled bool)
}

// Logic is the externally supplied bot-logic callback, invoked once per
// translated activity.
type Logic func(ctx context.Context, turn *TurnContext) error

// TurnContext binds one activity to the adapter that produced it, plus the
// per-turn HTTP response state the logic callback may set.
type TurnContext struct {
	Activity activity.Activity

	adapter *Adapter
	status  int
	body    []byte
}

// Respond sets the HTTP status and body written back for this webhook
// delivery. The last call across the delivery's turns wins.
func (t *TurnContext) Respond(status int, body []byte) {
	t.status = status
	t.body = body
}

// Send delivers a reply on the same conversation via this turn's adapter.
func (t *TurnContext) Send(ctx context.Context, act activity.Activity) (string, error) {
	return t.adapter.SendActivity(ctx, act)
}

// Config assembles an Adapter from per-platform capabilities.
type Config struct {
	Verifier Verifier
	Inbound  InboundTranslator
	Sender   Sender
	Logger   *slog.Logger

	// AckEarly reports whether the webhook should be acknowledged with 200
	// before dispatch, which then continues in the background. Nil means
	// never.
	AckEarly func([]activity.Activity) bool
}

// Adapter orchestrates the webhook lifecycle: verify, translate, dispatch,
// respond. It is safe for concurrent use; all fields are set once.
type Adapter struct {
	verifier Verifier
	inbound  InboundTranslator
	sender   Sender
	logger   *slog.Logger
	ackEarly func([]activity.Activity) bool

	// OnActivity, when set, observes every activity the adapter dispatches
	// or sends. Used by the gateway to feed the console and transcript.
	OnActivity func(direction string, act activity.Activity)

	// OnRejected, when set, is called once per verification failure.
	OnRejected func()
}

// New builds an Adapter. All capabilities are required.
func New(cfg Config) (*Adapter, error) {
	if cfg.Verifier == nil || cfg.Inbound == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("adapter requires verifier, inbound translator and sender")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Adapter{
		verifier: cfg.Verifier,
		inbound:  cfg.Inbound,
		sender:   cfg.Sender,
		logger:   cfg.Logger,
		ackEarly: cfg.AckEarly,
	}, nil
}

// Name returns the platform channel ID.
func (a *Adapter) Name() string { return a.sender.Name() }

// ServeWebhook runs one inbound webhook through the full lifecycle. A
// verification failure is terminal for the request: 401 is written and logic
// is never invoked. Errors from the logic callback abort remaining dispatch
// and are returned to the caller.
func (a *Adapter) ServeWebhook(w http.ResponseWriter, r *http.Request, logic Logic) error {
	req, err := CaptureRequest(r, a.overrideURL())
	if err != nil {
		a.logger.Warn("webhook capture failed", "channel", a.Name(), "err", err)
		writeJSONError(w, http.StatusBadRequest, "bad request")
		return nil
	}

	if p, ok := a.sender.(preflighter); ok {
		if status, body, handled := p.Preflight(req); handled {
			w.WriteHeader(status)
			w.Write(body)
			return nil
		}
	}

	if err := a.verifier.Verify(req); err != nil {
		a.logger.Warn("webhook rejected", "channel", a.Name(), "err", err)
		if a.OnRejected != nil {
			a.OnRejected()
		}
		writeJSONError(w, http.StatusUnauthorized, "verification failed")
		return nil
	}

	acts, err := a.inbound.TranslateInbound(r.Context(), req)
	if err != nil {
		a.logger.Warn("webhook translation failed", "channel", a.Name(), "err", err)
		writeJSONError(w, http.StatusBadRequest, "unrecognized payload")
		return nil
	}

	if a.ackEarly != nil && a.ackEarly(acts) {
		w.WriteHeader(http.StatusOK)
		go func() {
			if err := a.dispatch(context.WithoutCancel(r.Context()), acts, logic); err != nil {
				a.logger.Error("background dispatch failed", "channel", a.Name(), "err", err)
			}
		}()
		return nil
	}

	turn := &TurnContext{adapter: a}
	if err := a.dispatchInto(r.Context(), acts, logic, turn); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "dispatch failed")
		return err
	}

	status := turn.status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(turn.body) > 0 {
		w.Write(turn.body)
	}
	return nil
}

// dispatch runs the callback for each activity strictly in order, stopping at
// the first error so platform-required ordering is preserved.
func (a *Adapter) dispatch(ctx context.Context, acts []activity.Activity, logic Logic) error {
	return a.dispatchInto(ctx, acts, logic, &TurnContext{adapter: a})
}

func (a *Adapter) dispatchInto(ctx context.Context, acts []activity.Activity, logic Logic, turn *TurnContext) error {
	for _, act := range acts {
		if a.OnActivity != nil {
			a.OnActivity("inbound", act)
		}
		turn.Activity = act
		if err := logic(ctx, turn); err != nil {
			return fmt.Errorf("logic callback: %w", err)
		}
	}
	return nil
}

// SendActivity translates a Message activity into the platform's send call.
// Non-message activities are a logged no-op, not an error.
func (a *Adapter) SendActivity(ctx context.Context, act activity.Activity) (string, error) {
	if !act.IsMessage() {
		a.logger.Debug("skipping non-message activity", "channel", a.Name(), "type", act.Type, "name", act.Name)
		return "", nil
	}
	id, err := a.sender.Send(ctx, act)
	if err != nil {
		return "", err
	}
	if a.OnActivity != nil {
		sent := act
		if sent.ID == "" {
			sent.ID = id
		}
		a.OnActivity("outbound", sent)
	}
	return id, nil
}

// UpdateActivity edits a previously sent message where the platform supports
// it.
func (a *Adapter) UpdateActivity(ctx context.Context, act activity.Activity) error {
	return a.sender.Update(ctx, act)
}

// DeleteActivity removes a previously sent message where the platform
// supports it.
func (a *Adapter) DeleteActivity(ctx context.Context, conversationID, activityID string) error {
	return a.sender.Delete(ctx, conversationID, activityID)
}

func (a *Adapter) overrideURL() string {
	if o, ok := a.verifier.(interface{ OverrideURL() string }); ok {
		return o.OverrideURL()
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
