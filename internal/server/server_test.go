package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/pkg/models"
)

type staticStrategy struct {
	chunks []providers.StreamChunk
}

func (s *staticStrategy) Name() string               { return "static" }
func (s *staticStrategy) SupportsToolMessages() bool { return true }

func (s *staticStrategy) Generate(ctx context.Context, msgs []providers.Message, system string, tools []providers.ToolDef) *providers.GenerateResult {
	return &providers.GenerateResult{Text: "generated"}
}

func (s *staticStrategy) Stream(ctx context.Context, msgs []providers.Message, system string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, len(s.chunks)+1)
	for _, c := range s.chunks {
		ch <- c
	}
	ch <- providers.StreamChunk{Done: true}
	close(ch)
	return ch
}

type staticResolver struct{ strategy providers.Strategy }

func (r staticResolver) Resolve(provider, model string) (providers.Strategy, string) {
	return r.strategy, model
}

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	orch := pipeline.New(pipeline.Config{
		Providers: staticResolver{strategy: &staticStrategy{chunks: []providers.StreamChunk{{Text: "Hello!"}}}},
		Store:     store,
	})
	srv := New(Config{APIKey: apiKey, Store: store, Orchestrator: orch})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url, apiKey string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAPIKeyGuard(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations", "secret", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", resp.StatusCode)
	}

	// Operational endpoints stay open.
	resp = doJSON(t, http.MethodGet, ts.URL+"/healthz", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", resp.StatusCode)
	}
}

func TestConversationCRUD(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations", "", `{"title":"Planning"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: status = %d", resp.StatusCode)
	}
	var conv models.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}
	if conv.ID == "" || conv.Title != "Planning" {
		t.Fatalf("created conversation = %+v", conv)
	}
	// Unset modes default to everything enabled.
	if len(conv.Modes) != 3 {
		t.Errorf("default modes = %v", conv.Modes)
	}

	resp = doJSON(t, http.MethodPatch, ts.URL+"/api/v1/conversations/"+conv.ID, "", `{"pinned":true,"model":"gpt-5"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status = %d", resp.StatusCode)
	}
	var updated models.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatal(err)
	}
	if !updated.Pinned || updated.Model != "gpt-5" || updated.Title != "Planning" {
		t.Errorf("patched conversation = %+v", updated)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations", "", "")
	var list struct {
		Conversations []*models.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Conversations) != 1 {
		t.Fatalf("list = %d conversations", len(list.Conversations))
	}

	resp = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/conversations/"+conv.ID, "", "")
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status = %d", resp.StatusCode)
	}
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/conversations/"+conv.ID, "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete: status = %d, want 404", resp.StatusCode)
	}
}

func TestSendMessageStreamsSSE(t *testing.T) {
	ts, store := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations", "", `{}`)
	var conv models.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations/"+conv.ID+"/messages", "",
		`{"message":"Hi there, what can you do?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send: status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	stream := string(body)
	if !strings.Contains(stream, "event: chunk\n") {
		t.Errorf("missing chunk event in stream:\n%s", stream)
	}
	if !strings.Contains(stream, `"content":"Hello!"`) {
		t.Errorf("missing chunk payload in stream:\n%s", stream)
	}
	if !strings.Contains(stream, "event: done\n") {
		t.Errorf("missing done event in stream:\n%s", stream)
	}

	msgs, err := store.ListMessages(context.Background(), conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Hello!" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}

	// An untitled conversation takes its title from the first message.
	got, err := store.GetConversation(context.Background(), conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Hi there, what can you do?" {
		t.Errorf("title = %q", got.Title)
	}
}

// gatedStrategy emits one chunk, waits for the gate, then finishes. It lets
// a test cancel the HTTP request while the model call is still in flight.
type gatedStrategy struct {
	gate <-chan struct{}
}

func (s *gatedStrategy) Name() string               { return "gated" }
func (s *gatedStrategy) SupportsToolMessages() bool { return true }

func (s *gatedStrategy) Generate(ctx context.Context, msgs []providers.Message, system string, tools []providers.ToolDef) *providers.GenerateResult {
	return &providers.GenerateResult{Text: "generated"}
}

func (s *gatedStrategy) Stream(ctx context.Context, msgs []providers.Message, system string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk)
	go func() {
		defer close(ch)
		ch <- providers.StreamChunk{Text: "part one"}
		<-s.gate
		ch <- providers.StreamChunk{Text: " part two"}
		ch <- providers.StreamChunk{Done: true}
	}()
	return ch
}

// signalStore reports every append so tests can wait for persistence.
type signalStore struct {
	*storage.MemoryStore
	appended chan *models.Message
}

func (s *signalStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := s.MemoryStore.AppendMessage(ctx, msg); err != nil {
		return err
	}
	s.appended <- msg
	return nil
}

func TestSendMessageSurvivesClientDisconnect(t *testing.T) {
	store := &signalStore{MemoryStore: storage.NewMemoryStore(), appended: make(chan *models.Message, 4)}
	gate := make(chan struct{})
	orch := pipeline.New(pipeline.Config{
		Providers: staticResolver{strategy: &gatedStrategy{gate: gate}},
		Store:     store,
	})
	srv := New(Config{Store: store, Orchestrator: orch})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations", "", `{}`)
	var conv models.Conversation
	if err := json.NewDecoder(resp.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		ts.URL+"/api/v1/conversations/"+conv.ID+"/messages",
		strings.NewReader(`{"message":"summarize the report"}`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	streamResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-store.appended:
		if msg.Role != models.RoleUser {
			t.Fatalf("first persisted role = %s", msg.Role)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("user message was not persisted")
	}

	// Wait for the first chunk so the turn is in flight, then drop the
	// connection mid-stream.
	buf := make([]byte, 1)
	if _, err := streamResp.Body.Read(buf); err != nil {
		t.Fatal(err)
	}
	cancel()
	streamResp.Body.Close()
	close(gate)

	select {
	case msg := <-store.appended:
		if msg.Role != models.RoleAssistant {
			t.Fatalf("persisted role = %s", msg.Role)
		}
		if msg.Content != "part one part two" {
			t.Errorf("assistant content = %q", msg.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("assistant message was not persisted after disconnect")
	}
}

func TestSendMessageValidation(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations/missing/messages", "", `{"message":"hi"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown conversation: status = %d, want 404", resp.StatusCode)
	}

	create := doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations", "", `{}`)
	var conv models.Conversation
	if err := json.NewDecoder(create.Body).Decode(&conv); err != nil {
		t.Fatal(err)
	}
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/conversations/"+conv.ID+"/messages", "", `{"message":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank message: status = %d, want 400", resp.StatusCode)
	}
}

func TestRouteLabel(t *testing.T) {
	cases := map[string]string{
		"/api/v1/conversations":                 "/api/v1/conversations",
		"/api/v1/conversations/abc-123":         "/api/v1/conversations/:id",
		"/api/v1/conversations/abc/messages":    "/api/v1/conversations/:id/messages",
		"/healthz":                              "/healthz",
	}
	for path, want := range cases {
		if got := routeLabel(path); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", path, got, want)
		}
	}
}
