package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"botbridge/internal/activity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakePlatform implements all three capabilities for facade tests.
type fakePlatform struct {
	verifyErr error
	acts      []activity.Activity
	sent      []activity.Activity
	updated   int
	deleted   int
}

func (p *fakePlatform) Name() string { return "fake" }

func (p *fakePlatform) Verify(req *Request) error { return p.verifyErr }

func (p *fakePlatform) TranslateInbound(_ context.Context, req *Request) ([]activity.Activity, error) {
	return p.acts, nil
}

func (p *fakePlatform) Send(_ context.Context, act activity.Activity) (string, error) {
	p.sent = append(p.sent, act)
	return "sent-1", nil
}

func (p *fakePlatform) Update(_ context.Context, act activity.Activity) error {
	p.updated++
	return nil
}

func (p *fakePlatform) Delete(_ context.Context, _, _ string) error {
	p.deleted++
	return nil
}

func newFakeAdapter(t *testing.T, p *fakePlatform) *Adapter {
	t.Helper()
	a, err := New(Config{Verifier: p, Inbound: p, Sender: p, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestServeWebhook_VerificationFailure(t *testing.T) {
	p := &fakePlatform{verifyErr: fmt.Errorf("nope: %w", ErrVerification)}
	a := newFakeAdapter(t, p)

	invoked := false
	rejected := 0
	a.OnRejected = func() { rejected++ }
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhook/fake", strings.NewReader("{}"))

	err := a.ServeWebhook(rr, req, func(ctx context.Context, turn *TurnContext) error {
		invoked = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rr.Code)
	}
	if invoked {
		t.Error("logic must not run for rejected requests")
	}
	if rejected != 1 {
		t.Errorf("OnRejected calls = %d, want 1", rejected)
	}
}

func TestServeWebhook_DispatchOrder(t *testing.T) {
	p := &fakePlatform{}
	for i := 0; i < 5; i++ {
		p.acts = append(p.acts, activity.Activity{ID: fmt.Sprintf("a%d", i), Type: activity.TypeMessage})
	}
	a := newFakeAdapter(t, p)

	var order []string
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhook/fake", strings.NewReader("{}"))

	err := a.ServeWebhook(rr, req, func(ctx context.Context, turn *TurnContext) error {
		order = append(order, turn.Activity.ID)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
	if len(order) != 5 {
		t.Fatalf("expected 5 invocations, got %d", len(order))
	}
	for i, id := range order {
		if id != fmt.Sprintf("a%d", i) {
			t.Errorf("dispatch out of order at %d: %s", i, id)
		}
	}
}

func TestServeWebhook_CallbackError(t *testing.T) {
	p := &fakePlatform{acts: []activity.Activity{
		{ID: "a0", Type: activity.TypeMessage},
		{ID: "a1", Type: activity.TypeMessage},
	}}
	a := newFakeAdapter(t, p)

	var seen int
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhook/fake", strings.NewReader("{}"))

	boom := errors.New("boom")
	err := a.ServeWebhook(rr, req, func(ctx context.Context, turn *TurnContext) error {
		seen++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("callback error should propagate, got %v", err)
	}
	if seen != 1 {
		t.Errorf("dispatch should abort after first error, ran %d turns", seen)
	}
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestServeWebhook_TurnResponse(t *testing.T) {
	p := &fakePlatform{acts: []activity.Activity{{ID: "a0", Type: activity.TypeEvent, Name: "card_clicked"}}}
	a := newFakeAdapter(t, p)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhook/fake", strings.NewReader("{}"))

	err := a.ServeWebhook(rr, req, func(ctx context.Context, turn *TurnContext) error {
		turn.Respond(http.StatusOK, []byte(`{"actionResponse":{"type":"UPDATE_MESSAGE"}}`))
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(rr.Body.String(), "actionResponse") {
		t.Errorf("callback-set body should be written, got %q", rr.Body.String())
	}
}

func TestSendActivity_NonMessageNoOp(t *testing.T) {
	p := &fakePlatform{}
	a := newFakeAdapter(t, p)

	id, err := a.SendActivity(context.Background(), activity.Activity{Type: activity.TypeEvent, Name: "typing"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "" {
		t.Errorf("no-op send should return empty ID, got %q", id)
	}
	if len(p.sent) != 0 {
		t.Error("non-message activity must not reach the transport")
	}
}

func TestSendActivity_Message(t *testing.T) {
	p := &fakePlatform{}
	a := newFakeAdapter(t, p)

	id, err := a.SendActivity(context.Background(), activity.New("fake", "room-1", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "sent-1" {
		t.Errorf("expected platform ID, got %q", id)
	}
}

func TestCaptureRequest_OverrideURL(t *testing.T) {
	req := httptest.NewRequest("POST", "http://internal:9999/hook?a=1", strings.NewReader("x=y"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	captured, err := CaptureRequest(req, "https://bot.example.com/hook")
	if err != nil {
		t.Fatal(err)
	}
	if captured.URL.String() != "https://bot.example.com/hook?a=1" {
		t.Errorf("override should win over request host: %s", captured.URL)
	}
	if captured.Form.Get("x") != "y" {
		t.Error("form body should be parsed")
	}
}

func TestCaptureRequest_ForwardedProto(t *testing.T) {
	req := httptest.NewRequest("POST", "http://bot.example.com/hook", strings.NewReader("{}"))
	req.Header.Set("X-Forwarded-Proto", "https")

	captured, err := CaptureRequest(req, "")
	if err != nil {
		t.Fatal(err)
	}
	if captured.URL.Scheme != "https" {
		t.Errorf("expected https from forwarded proto, got %s", captured.URL.Scheme)
	}
}
