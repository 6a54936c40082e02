package botlogic

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"botbridge/internal/activity"
	"botbridge/internal/adapter"
)

func testRulesLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// capturePlatform records sends for responder tests.
type capturePlatform struct {
	acts []activity.Activity
	sent []activity.Activity
}

func (p *capturePlatform) Name() string                      { return "fake" }
func (p *capturePlatform) Verify(req *adapter.Request) error { return nil }
func (p *capturePlatform) TranslateInbound(_ context.Context, req *adapter.Request) ([]activity.Activity, error) {
	return p.acts, nil
}
func (p *capturePlatform) Send(_ context.Context, act activity.Activity) (string, error) {
	p.sent = append(p.sent, act)
	return "id", nil
}
func (p *capturePlatform) Update(_ context.Context, act activity.Activity) error { return nil }
func (p *capturePlatform) Delete(_ context.Context, _, _ string) error           { return nil }

func runTurn(t *testing.T, r *Responder, act activity.Activity) *capturePlatform {
	t.Helper()
	p := &capturePlatform{acts: []activity.Activity{act}}
	a, err := adapter.New(adapter.Config{Verifier: p, Inbound: p, Sender: p, Logger: testRulesLogger()})
	if err != nil {
		t.Fatal(err)
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/webhook/fake", strings.NewReader("{}"))
	if err := a.ServeWebhook(rr, req, r.Handle); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestResponder_RuleMatch(t *testing.T) {
	r, err := NewResponder([]Rule{
		{Name: "greet", Match: "^(hi|hello)\\b", Reply: "Hello {{from}}!"},
	}, false, testRulesLogger())
	if err != nil {
		t.Fatal(err)
	}

	act := activity.New("fake", "conv1", "Hello there")
	act.FromID = "user1"
	p := runTurn(t, r, act)

	if len(p.sent) != 1 {
		t.Fatalf("expected 1 reply, got %d", len(p.sent))
	}
	if p.sent[0].Text != "Hello user1!" {
		t.Errorf("reply: %q", p.sent[0].Text)
	}
	if p.sent[0].ConversationID != "conv1" {
		t.Errorf("reply conversation: %q", p.sent[0].ConversationID)
	}
}

func TestResponder_EchoFallback(t *testing.T) {
	r, err := NewResponder(nil, true, testRulesLogger())
	if err != nil {
		t.Fatal(err)
	}

	p := runTurn(t, r, activity.New("fake", "conv1", "anything"))
	if len(p.sent) != 1 || p.sent[0].Text != "anything" {
		t.Errorf("echo fallback should repeat the message: %+v", p.sent)
	}
}

func TestResponder_NoMatchNoEcho(t *testing.T) {
	r, err := NewResponder([]Rule{{Name: "x", Match: "^never$", Reply: "no"}}, false, testRulesLogger())
	if err != nil {
		t.Fatal(err)
	}

	p := runTurn(t, r, activity.New("fake", "conv1", "unmatched"))
	if len(p.sent) != 0 {
		t.Errorf("no reply expected: %+v", p.sent)
	}
}

func TestResponder_EventsIgnored(t *testing.T) {
	r, err := NewResponder(nil, true, testRulesLogger())
	if err != nil {
		t.Fatal(err)
	}

	ev := activity.Activity{Type: activity.TypeEvent, Name: "message_echo", ChannelID: "fake", ConversationID: "c", Text: "echo"}
	p := runTurn(t, r, ev)
	if len(p.sent) != 0 {
		t.Error("events must never be answered")
	}
}

func TestResponder_BadPattern(t *testing.T) {
	if _, err := NewResponder([]Rule{{Name: "broken", Match: "("}}, false, testRulesLogger()); err == nil {
		t.Error("invalid pattern should fail construction")
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	content := `- name: greet
  match: "^hi"
  reply: "hello!"
- match: "help"
  reply: "try asking something"
`
	if err := os.WriteFile(filepath.Join(dir, "default.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}

	rules, err := LoadRules(dir, testRulesLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[1].Name != "default" {
		t.Errorf("unnamed rule should take the file name, got %q", rules[1].Name)
	}
}

func TestLoadRules_MissingDir(t *testing.T) {
	rules, err := LoadRules(filepath.Join(t.TempDir(), "nope"), testRulesLogger())
	if err != nil || rules != nil {
		t.Errorf("missing directory is not an error: %v %v", rules, err)
	}
}
