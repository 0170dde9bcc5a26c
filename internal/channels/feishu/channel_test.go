package feishu

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/pkg/models"
)

// fakeAPI stands in for the Feishu Open API: token issuing plus message
// send/reply endpoints.
type fakeAPI struct {
	tokenRequests atomic.Int64
	replies       chan string
}

func newFakeAPI() (*fakeAPI, *httptest.Server) {
	api := &fakeAPI{replies: make(chan string, 8)}
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		api.tokenRequests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"code": 0, "tenant_access_token": "tok-123", "expire": 7200,
		})
	})
	mux.HandleFunc("/open-apis/im/v1/messages/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-123" {
			http.Error(w, "no token", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload struct {
			Content string `json:"content"`
		}
		json.Unmarshal(body, &payload)
		var text struct {
			Text string `json:"text"`
		}
		json.Unmarshal([]byte(payload.Content), &text)
		api.replies <- text.Text
		json.NewEncoder(w).Encode(map[string]any{"code": 0})
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0})
	})
	return api, httptest.NewServer(mux)
}

func newTestClient(baseURL, verificationToken string) *Client {
	return NewClient(Config{
		AppID:             "app",
		AppSecret:         "secret",
		BaseURL:           baseURL,
		VerificationToken: verificationToken,
	})
}

func TestTenantTokenIsCached(t *testing.T) {
	api, srv := newFakeAPI()
	defer srv.Close()
	client := newTestClient(srv.URL, "")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := client.Reply(ctx, "om_1", "hello"); err != nil {
			t.Fatal(err)
		}
	}
	if got := api.tokenRequests.Load(); got != 1 {
		t.Errorf("token fetched %d times, want 1", got)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var messageHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"code": 0, "tenant_access_token": "tok-123", "expire": 7200})
	})
	mux.HandleFunc("/open-apis/im/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		if messageHits.Add(1) < 3 {
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"code": 0})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(srv.URL, "")
	if err := client.SendText(context.Background(), "oc_1", "hi"); err != nil {
		t.Fatalf("send after retries: %v", err)
	}
	if got := messageHits.Load(); got != 3 {
		t.Errorf("message endpoint hit %d times, want 3", got)
	}
}

func TestClientWithoutCredentials(t *testing.T) {
	client := NewClient(Config{})
	if client.Enabled() {
		t.Error("client without credentials reports enabled")
	}
	if err := client.SendText(context.Background(), "chat", "hi"); err == nil {
		t.Error("expected error without credentials")
	}
}

type fakeCollector struct {
	result *pipeline.Result
	reqs   chan *pipeline.Request
}

func (f *fakeCollector) Collect(ctx context.Context, req *pipeline.Request) *pipeline.Result {
	f.reqs <- req
	return f.result
}

func postEvent(t *testing.T, ch *Channel, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/feishu/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	ch.HandleWebhook(rec, req)
	return rec
}

func messageEvent(token, chatID, messageID, text string) string {
	content, _ := json.Marshal(map[string]string{"text": text})
	env := map[string]any{
		"token": token,
		"header": map[string]any{"event_type": "im.message.receive_v1"},
		"event": map[string]any{
			"sender": map[string]any{"sender_type": "user"},
			"message": map[string]any{
				"message_id":   messageID,
				"chat_id":      chatID,
				"message_type": "text",
				"content":      string(content),
			},
		},
	}
	body, _ := json.Marshal(env)
	return string(body)
}

func TestWebhookChallenge(t *testing.T) {
	ch := NewChannel(ChannelConfig{Client: newTestClient("http://unused", "")})
	rec := postEvent(t, ch, `{"challenge":"abc-123","type":"url_verification"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["challenge"] != "abc-123" {
		t.Errorf("challenge echo = %q", resp["challenge"])
	}
}

func TestWebhookRejectsBadToken(t *testing.T) {
	ch := NewChannel(ChannelConfig{Client: newTestClient("http://unused", "expected")})
	rec := postEvent(t, ch, messageEvent("wrong", "oc_1", "om_1", "hi"))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestMessageEventAnswersViaReply(t *testing.T) {
	api, srv := newFakeAPI()
	defer srv.Close()

	store := storage.NewMemoryStore()
	collector := &fakeCollector{
		result: &pipeline.Result{Text: "The answer is 42."},
		reqs:   make(chan *pipeline.Request, 1),
	}
	ch := NewChannel(ChannelConfig{
		Client:   newTestClient(srv.URL, "tok"),
		Pipeline: collector,
		Store:    store,
		TenantID: "t1",
		Provider: "claude",
	})

	rec := postEvent(t, ch, messageEvent("tok", "oc_chat", "om_msg", "what is the answer?"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var req *pipeline.Request
	select {
	case req = <-collector.reqs:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never ran")
	}
	if req.Channel != "feishu" || req.Message != "what is the answer?" {
		t.Errorf("request = %+v", req)
	}
	if req.ConversationID == "" {
		t.Error("expected a persistent conversation")
	}

	select {
	case reply := <-api.replies:
		if reply != "The answer is 42." {
			t.Errorf("reply = %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
	}

	// The incoming text is persisted as the user turn.
	msgs, err := store.ListMessages(context.Background(), req.ConversationID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Role != models.RoleUser {
		t.Fatalf("persisted messages = %+v", msgs)
	}

	// A second message in the same chat reuses the conversation.
	postEvent(t, ch, messageEvent("tok", "oc_chat", "om_msg2", "and why?"))
	select {
	case second := <-collector.reqs:
		if second.ConversationID != req.ConversationID {
			t.Error("second message opened a new conversation")
		}
		if len(second.History) == 0 {
			t.Error("second message carried no history")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("second turn never ran")
	}
	<-api.replies
}

func TestNonTextMessagesIgnored(t *testing.T) {
	collector := &fakeCollector{result: &pipeline.Result{}, reqs: make(chan *pipeline.Request, 1)}
	ch := NewChannel(ChannelConfig{Client: newTestClient("http://unused", ""), Pipeline: collector})

	env := map[string]any{
		"header": map[string]any{"event_type": "im.message.receive_v1"},
		"event": map[string]any{
			"sender":  map[string]any{"sender_type": "user"},
			"message": map[string]any{"message_id": "om_1", "chat_id": "oc_1", "message_type": "image", "content": "{}"},
		},
	}
	body, _ := json.Marshal(env)
	rec := postEvent(t, ch, string(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case <-collector.reqs:
		t.Fatal("image message triggered a pipeline run")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTruncateReply(t *testing.T) {
	long := strings.Repeat("x", maxReplyRunes+100)
	got := truncateReply(long)
	if !strings.HasSuffix(got, continuationNotice) {
		t.Error("missing continuation notice")
	}
	if len([]rune(got)) != maxReplyRunes+len([]rune(continuationNotice)) {
		t.Errorf("truncated length = %d", len([]rune(got)))
	}

	if truncateReply("short") != "short" {
		t.Error("short replies must pass through unchanged")
	}
}
