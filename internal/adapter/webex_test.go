package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"botbridge/internal/activity"
)

// webexStub fakes the minimal API surface translation needs.
func webexStub(t *testing.T, selfID string, messages map[string]webexMessage) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /people/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": selfID})
	})
	mux.HandleFunc("GET /messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		msg, ok := messages[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(msg)
	})
	mux.HandleFunc("POST /messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "msg-new"})
	})
	mux.HandleFunc("DELETE /messages/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func newTestWebex(t *testing.T, apiBase string) *Webex {
	t.Helper()
	w, err := NewWebex(WebexConfig{
		AccessToken: "bearer-token",
		Secret:      "hook-secret",
		APIBase:     apiBase,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWebexConfig_FailFast(t *testing.T) {
	if _, err := NewWebex(WebexConfig{Secret: "s"}); err == nil {
		t.Error("missing accessToken should fail construction")
	}
}

func TestWebexVerify(t *testing.T) {
	w := newTestWebex(t, "")
	body := []byte(`{"resource":"messages"}`)

	mac := hmac.New(sha1.New, []byte("hook-secret"))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	req := &Request{Header: http.Header{}, Body: body}
	req.Header.Set("X-Spark-Signature", sig)
	if err := w.Verify(req); err != nil {
		t.Errorf("valid signature should verify: %v", err)
	}

	req.Body = append(body, ' ')
	if err := w.Verify(req); err == nil {
		t.Error("mutated body must not verify")
	}
}

func TestWebexVerify_NoSecret(t *testing.T) {
	w, err := NewWebex(WebexConfig{AccessToken: "x", Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Verify(&Request{Header: http.Header{}, Body: []byte(`{}`)}); err != nil {
		t.Errorf("verification is skipped without a secret: %v", err)
	}
}

const webexHook = `{
  "id": "hook1",
  "resource": "messages",
  "event": "created",
  "data": {"id": "msg1", "roomId": "room1", "personId": "person1", "created": "2023-11-14T12:00:00Z"}
}`

func TestWebexInbound_FetchesText(t *testing.T) {
	srv := webexStub(t, "bot-id", map[string]webexMessage{
		"msg1": {ID: "msg1", RoomID: "room1", Text: "hello there", PersonID: "person1"},
	})
	defer srv.Close()

	w := newTestWebex(t, srv.URL)
	acts, err := w.TranslateInbound(context.Background(), &Request{Body: []byte(webexHook)})
	if err != nil {
		t.Fatal(err)
	}
	act := acts[0]
	if act.Type != activity.TypeMessage || act.Text != "hello there" {
		t.Errorf("message text must be fetched from the API: %+v", act)
	}
	if act.ConversationID != "room1" || act.FromID != "person1" || act.ID != "msg1" {
		t.Errorf("unexpected mapping: %+v", act)
	}
}

func TestWebexInbound_SelfMessage(t *testing.T) {
	srv := webexStub(t, "bot-id", map[string]webexMessage{
		"msg1": {ID: "msg1", RoomID: "room1", Text: "I said this", PersonID: "bot-id"},
	})
	defer srv.Close()

	w := newTestWebex(t, srv.URL)
	acts, err := w.TranslateInbound(context.Background(), &Request{Body: []byte(webexHook)})
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].Type != activity.TypeEvent || acts[0].Name != "self_message" {
		t.Errorf("bot's own message must be an event: %+v", acts[0])
	}
}

func TestWebexSendDelete(t *testing.T) {
	srv := webexStub(t, "bot-id", nil)
	defer srv.Close()

	w := newTestWebex(t, srv.URL)
	id, err := w.Send(context.Background(), activity.Activity{
		Type:           activity.TypeMessage,
		ConversationID: "room1",
		Text:           "hi room",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "msg-new" {
		t.Errorf("message id: %q", id)
	}

	if err := w.Delete(context.Background(), "room1", "msg-new"); err != nil {
		t.Errorf("delete: %v", err)
	}
}

func TestWebexSend_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	w := newTestWebex(t, srv.URL)
	_, err := w.Send(context.Background(), activity.Activity{Type: activity.TypeMessage, ConversationID: "room1", Text: "x"})
	if err == nil {
		t.Fatal("transport failure must surface to the caller")
	}
	var terr *TransportError
	if !errors.As(err, &terr) || terr.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected TransportError 429, got %v", err)
	}
}
