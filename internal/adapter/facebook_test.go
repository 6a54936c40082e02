package adapter

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"botbridge/internal/activity"
)

func newTestFacebook(t *testing.T, apiHost string) *Facebook {
	t.Helper()
	fb, err := NewFacebook(FacebookConfig{
		VerifyToken: "verify-me",
		AppSecret:   "app-secret",
		AccessToken: "page-token",
		APIHost:     apiHost,
		Logger:      testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return fb
}

func fbSign(secret string, body []byte) string {
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write(body)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestFacebookConfig_FailFast(t *testing.T) {
	if _, err := NewFacebook(FacebookConfig{AppSecret: "s", AccessToken: "t"}); err == nil {
		t.Error("missing verifyToken should fail construction")
	}
	if _, err := NewFacebook(FacebookConfig{VerifyToken: "v", AccessToken: "t"}); err == nil {
		t.Error("missing appSecret should fail construction")
	}
	if _, err := NewFacebook(FacebookConfig{VerifyToken: "v", AppSecret: "s"}); err == nil {
		t.Error("missing access token should fail construction")
	}
}

func TestFacebookVerify(t *testing.T) {
	fb := newTestFacebook(t, "")
	body := []byte(`{"object":"page","entry":[]}`)

	req := &Request{Header: http.Header{}, Body: body}
	req.Header.Set("X-Hub-Signature", fbSign("app-secret", body))
	if err := fb.Verify(req); err != nil {
		t.Errorf("valid signature should verify: %v", err)
	}

	req.Body = []byte(`{"object":"page","entry":[]} `) // one extra byte
	if err := fb.Verify(req); err == nil {
		t.Error("mutated body must not verify")
	}

	req.Header.Del("X-Hub-Signature")
	if err := fb.Verify(req); err == nil {
		t.Error("missing signature must not verify")
	}
}

func TestFacebookChallenge(t *testing.T) {
	fb := newTestFacebook(t, "")

	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/webhook/facebook?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil)
	fb.HandleVerification(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "12345" {
		t.Errorf("expected challenge echo, got %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/webhook/facebook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	fb.HandleVerification(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Errorf("bad token should be forbidden, got %d", rr.Code)
	}
}

const fbBatch = `{
  "object": "page",
  "entry": [
    {"id": "page1", "time": 1700000000000, "messaging": [
      {"sender": {"id": "user1"}, "recipient": {"id": "page1"}, "timestamp": 1700000000001,
       "message": {"mid": "m1", "text": "first"}},
      {"sender": {"id": "user1"}, "recipient": {"id": "page1"}, "timestamp": 1700000000002,
       "message": {"mid": "m2", "text": "second"}}
    ]},
    {"id": "page1", "time": 1700000000100, "messaging": [
      {"sender": {"id": "user2"}, "recipient": {"id": "page1"}, "timestamp": 1700000000101,
       "message": {"mid": "m3", "text": "third"}}
    ]}
  ]
}`

func TestFacebookInbound_BatchedOrder(t *testing.T) {
	fb := newTestFacebook(t, "")

	acts, err := fb.TranslateInbound(context.Background(), &Request{Body: []byte(fbBatch)})
	if err != nil {
		t.Fatal(err)
	}
	if len(acts) != 3 {
		t.Fatalf("3 sub-events must become 3 activities, got %d", len(acts))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if acts[i].ID != want {
			t.Errorf("activity %d out of order: %s", i, acts[i].ID)
		}
	}
	if acts[0].Text != "first" || acts[0].FromID != "user1" || acts[0].ConversationID != "user1" {
		t.Errorf("unexpected mapping: %+v", acts[0])
	}
}

func TestFacebookInbound_Echo(t *testing.T) {
	fb := newTestFacebook(t, "")
	body := `{"object":"page","entry":[{"id":"page1","messaging":[
	  {"sender":{"id":"page1"},"recipient":{"id":"user1"},
	   "message":{"mid":"m1","text":"my own reply","is_echo":true}}]}]}`

	acts, err := fb.TranslateInbound(context.Background(), &Request{Body: []byte(body)})
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].Type != activity.TypeEvent || acts[0].Name != "message_echo" {
		t.Errorf("echo must be reclassified as event: %+v", acts[0])
	}
}

func TestFacebookInbound_OptinUserRef(t *testing.T) {
	fb := newTestFacebook(t, "")
	body := `{"object":"page","entry":[{"id":"page1","messaging":[
	  {"recipient":{"id":"page1"},"optin":{"ref":"signup","user_ref":"ref-777"}}]}]}`

	acts, err := fb.TranslateInbound(context.Background(), &Request{Body: []byte(body)})
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].FromID != "ref-777" {
		t.Errorf("missing sender must be backfilled from user_ref, got %q", acts[0].FromID)
	}
}

func TestFacebookInbound_Standby(t *testing.T) {
	fb := newTestFacebook(t, "")
	body := `{"object":"page","entry":[{"id":"page1","standby":[
	  {"sender":{"id":"user1"},"recipient":{"id":"page1"},
	   "message":{"mid":"m1","text":"handled elsewhere"}}]}]}`

	acts, err := fb.TranslateInbound(context.Background(), &Request{Body: []byte(body)})
	if err != nil {
		t.Fatal(err)
	}
	if acts[0].Name != "standby" || acts[0].Type != activity.TypeEvent {
		t.Errorf("standby delivery must be tagged: %+v", acts[0])
	}
}

func TestFacebookSend_QuickReplyDefault(t *testing.T) {
	var captured []byte
	srv := httptest.NewServer(jsonHandler(&captured, 200, `{"message_id":"mid.1"}`))
	defer srv.Close()

	fb := newTestFacebook(t, srv.URL)
	id, err := fb.Send(context.Background(), activity.Activity{
		Type:           activity.TypeMessage,
		ConversationID: "user1",
		Text:           "pick one",
		ChannelData:    json.RawMessage(`{"quick_replies":[{"title":"Red","payload":"RED"}]}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "mid.1" {
		t.Errorf("message id: %q", id)
	}

	var sent fbSendRequest
	if err := json.Unmarshal(captured, &sent); err != nil {
		t.Fatal(err)
	}
	if sent.Recipient.ID != "user1" {
		t.Errorf("recipient: %q", sent.Recipient.ID)
	}
	if sent.MessagingType != "RESPONSE" {
		t.Errorf("messaging_type should default to RESPONSE, got %q", sent.MessagingType)
	}
	if !strings.Contains(string(captured), `"content_type":"text"`) {
		t.Errorf("quick reply content_type should default to text: %s", captured)
	}
}

func TestFacebookSend_PerPageToken(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.URL.Query().Get("access_token")
		w.Write([]byte(`{"message_id":"mid.2"}`))
	}))
	defer srv.Close()

	fb, err := NewFacebook(FacebookConfig{
		VerifyToken: "v",
		AppSecret:   "s",
		AccessTokenFor: func(pageID string) (string, error) {
			return "token-for-" + pageID, nil
		},
		APIHost: srv.URL,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	_, err = fb.Send(context.Background(), activity.Activity{
		Type:           activity.TypeMessage,
		ConversationID: "user1",
		RecipientID:    "page42",
		Text:           "hi",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotToken != "token-for-page42" {
		t.Errorf("per-page token lookup not applied: %q", gotToken)
	}
}
