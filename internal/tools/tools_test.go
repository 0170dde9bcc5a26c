package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/sandbox"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/pkg/models"
)

type fakeGenerator struct {
	result *providers.GenerateResult
	prompt string
	system string
}

func (f *fakeGenerator) Generate(ctx context.Context, msgs []providers.Message, system string, tools []providers.ToolDef) *providers.GenerateResult {
	if len(msgs) > 0 {
		f.prompt = msgs[len(msgs)-1].Content
	}
	f.system = system
	if f.result != nil {
		return f.result
	}
	return &providers.GenerateResult{Text: "skill answer"}
}

func newTestRegistry(t *testing.T, store storage.CapabilityStore) *Registry {
	t.Helper()
	return NewRegistry(RegistryConfig{
		Store:   store,
		Sandbox: sandbox.New(sandbox.Config{WorkspaceDir: t.TempDir()}),
	})
}

func objectSchema(props string) json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{` + props + `}}`)
}

func TestLoadBuildsNamespace(t *testing.T) {
	store := storage.NewMemoryStore()
	store.BotTools = []*models.BotTool{
		{TenantID: "t1", Name: "list_todos", Description: "List todos", Method: "GET", Endpoint: "/api/v1/todos", Enabled: true},
	}
	store.Skills = []*models.Skill{
		{TenantID: "t1", Name: "Quarterly Report", Description: "Writes quarterly reports", Enabled: true},
		{TenantID: "t1", Name: "hidden", Enabled: true}, // no description, not exposed
	}

	ts, err := newTestRegistry(t, store).Load(context.Background(), "t1", &fakeGenerator{})
	if err != nil {
		t.Fatal(err)
	}

	names := map[string]bool{}
	for _, def := range ts.Defs() {
		names[def.Name] = true
	}
	for _, want := range []string{"list_todos", "skill_quarterly_report", "sandbox_shell", "sandbox_read_file", "sandbox_fetch_url", SendFileToolName} {
		if !names[want] {
			t.Errorf("missing tool %q in %v", want, names)
		}
	}
	if names["skill_hidden"] {
		t.Error("skill without description should not be exposed")
	}
	if names["web_search"] {
		t.Error("web_search should be absent without a search client")
	}
}

func TestLoadSkipsCollisionsAndBadSchemas(t *testing.T) {
	store := storage.NewMemoryStore()
	store.BotTools = []*models.BotTool{
		{TenantID: "t1", Name: "sandbox_shell", Description: "shadows a builtin", Method: "GET", Endpoint: "/x", Enabled: true},
		{TenantID: "t1", Name: "broken", Description: "bad schema", Method: "GET", Endpoint: "/y",
			Parameters: json.RawMessage(`{"type": 42}`), Enabled: true},
		{TenantID: "t1", Name: "fine", Description: "ok", Method: "GET", Endpoint: "/z", Enabled: true},
	}

	ts, err := newTestRegistry(t, store).Load(context.Background(), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}

	count := map[string]int{}
	for _, def := range ts.Defs() {
		count[def.Name]++
	}
	if count["sandbox_shell"] != 1 {
		t.Errorf("colliding name registered %d times", count["sandbox_shell"])
	}
	if count["broken"] != 0 {
		t.Error("tool with invalid schema should be skipped")
	}
	if count["fine"] != 1 {
		t.Error("valid tool missing")
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	ts, err := newTestRegistry(t, storage.NewMemoryStore()).Load(context.Background(), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	out := ts.Invoke(context.Background(), providers.ToolCall{Name: "no_such_tool"})
	if out.Success || !strings.Contains(out.Text, "Unknown tool") {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestInvokeValidatesArguments(t *testing.T) {
	store := storage.NewMemoryStore()
	store.BotTools = []*models.BotTool{{
		TenantID: "t1",
		Name:     "create_todo", Description: "Create a todo", Method: "POST", Endpoint: "/todos",
		Parameters: json.RawMessage(`{"type":"object","properties":{"title":{"type":"string"}},"required":["title"]}`),
		Enabled:    true,
	}}
	ts, err := newTestRegistry(t, store).Load(context.Background(), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}

	out := ts.Invoke(context.Background(), providers.ToolCall{
		Name:      "create_todo",
		Arguments: json.RawMessage(`{"priority":"high"}`),
	})
	if out.Success || !strings.Contains(out.Text, "schema") {
		t.Fatalf("missing required argument should fail validation, got %+v", out)
	}
}

func TestBotToolParamMapping(t *testing.T) {
	var got struct {
		path   string
		query  string
		body   map[string]any
		apiKey string
		method string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.query = r.URL.Query().Get("status")
		got.apiKey = r.Header.Get("x-api-key")
		got.method = r.Method
		json.NewDecoder(r.Body).Decode(&got.body)
		json.NewEncoder(w).Encode(map[string]any{"message": "updated"})
	}))
	defer srv.Close()

	store := storage.NewMemoryStore()
	reg := NewRegistry(RegistryConfig{Store: store, BaseURL: srv.URL, APIKey: "secret"})

	tool := &models.BotTool{
		Name:     "update_todo",
		Method:   "PUT",
		Endpoint: "/api/v1/todos/{id}",
		ParamMapping: map[string]string{
			"id":     "path.id",
			"title":  "body.title",
			"status": "query.status",
		},
	}
	out := reg.invokeBotTool(context.Background(), tool, map[string]any{
		"id": "42", "title": "new title", "status": "done",
	})
	if !out.Success {
		t.Fatalf("invocation failed: %+v", out)
	}
	if out.Text != "updated" {
		t.Errorf("message payload should reduce to the message, got %q", out.Text)
	}
	if got.path != "/api/v1/todos/42" {
		t.Errorf("path substitution failed: %q", got.path)
	}
	if got.query != "done" {
		t.Errorf("query mapping failed: %q", got.query)
	}
	if got.body["title"] != "new title" {
		t.Errorf("body mapping failed: %v", got.body)
	}
	if got.apiKey != "secret" {
		t.Errorf("api key header missing: %q", got.apiKey)
	}
	if got.method != http.MethodPut {
		t.Errorf("method = %q", got.method)
	}
}

func TestBotToolUnmappedArgsDefaultToQuery(t *testing.T) {
	var search string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		search = r.URL.Query().Get("search")
		json.NewEncoder(w).Encode([]any{})
	}))
	defer srv.Close()

	reg := NewRegistry(RegistryConfig{Store: storage.NewMemoryStore(), BaseURL: srv.URL})
	tool := &models.BotTool{Name: "query_knowledge", Method: "GET", Endpoint: "/kb"}

	out := reg.invokeBotTool(context.Background(), tool, map[string]any{"search": "pricing"})
	if !out.Success {
		t.Fatalf("invocation failed: %+v", out)
	}
	if search != "pricing" {
		t.Errorf("unmapped arg not sent as query param: %q", search)
	}
	if out.Text != "No results." {
		t.Errorf("empty list formatting: %q", out.Text)
	}
}

func TestBotToolFailureFormatting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"detail": "todo not found"})
	}))
	defer srv.Close()

	reg := NewRegistry(RegistryConfig{Store: storage.NewMemoryStore(), BaseURL: srv.URL})
	tool := &models.BotTool{Name: "get_todo", Method: "GET", Endpoint: "/todos/9"}

	out := reg.invokeBotTool(context.Background(), tool, nil)
	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Text != "Operation failed (404): todo not found" {
		t.Errorf("failure text = %q", out.Text)
	}
}

func TestFormatResultList(t *testing.T) {
	items := make([]any, 25)
	for i := range items {
		items[i] = map[string]any{"name": "task", "status": "open"}
	}
	got := formatResult(items)
	if !strings.HasPrefix(got, "25 results (showing first 20):") {
		t.Errorf("header = %q", strings.SplitN(got, "\n", 2)[0])
	}
	if strings.Count(got, "\n") != 20 {
		t.Errorf("expected 20 item lines, got %d", strings.Count(got, "\n"))
	}
	if !strings.Contains(got, "1. task [open]") {
		t.Errorf("item formatting: %q", got)
	}
}

func TestFormatResultKeepsFilePayload(t *testing.T) {
	data := map[string]any{
		"message": "file ready to deliver",
		"file":    map[string]any{"filename": "report.pdf"},
	}
	got := formatResult(data)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("file payload should stay JSON, got %q", got)
	}
	if _, ok := parsed["file"]; !ok {
		t.Error("file key lost in formatting")
	}
}

func TestFormatResultSandboxPayload(t *testing.T) {
	data := map[string]any{
		"success": true,
		"output":  "total 4\n-rw-r--r-- notes.txt",
	}
	if got := formatResult(data); got != "total 4\n-rw-r--r-- notes.txt" {
		t.Errorf("sandbox payload = %q, want raw output", got)
	}

	// A sandbox payload carrying a file descriptor must stay JSON.
	withFile := map[string]any{
		"success": true,
		"output":  "sent",
		"file":    map[string]any{"filename": "report.pdf"},
	}
	got := formatResult(withFile)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(got), &parsed); err != nil {
		t.Fatalf("file payload should stay JSON, got %q", got)
	}
}

func TestSkillInvocation(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Skills = []*models.Skill{{
		ID:          "s1",
		TenantID:    "t1",
		Name:        "Pricing Helper",
		Description: "Answers pricing questions",
		Content:     "Always quote list prices.",
		References: []models.SkillReference{
			{Title: "Price list", Content: "Basic: $10", Position: 1},
			{Title: "Discounts", Content: "Annual: 20% off", Position: 2},
		},
		Enabled: true,
	}}

	gen := &fakeGenerator{result: &providers.GenerateResult{Text: "Basic is $10 per month."}}
	ts, err := newTestRegistry(t, store).Load(context.Background(), "t1", gen)
	if err != nil {
		t.Fatal(err)
	}

	out := ts.Invoke(context.Background(), providers.ToolCall{
		Name:      "skill_pricing_helper",
		Arguments: json.RawMessage(`{"query":"how much is basic?"}`),
	})
	if !out.Success || out.Text != "Basic is $10 per month." {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	for _, want := range []string{
		"Skill content:\nAlways quote list prices.",
		"### Reference: Price list",
		"### Reference: Discounts",
		"User question: how much is basic?",
	} {
		if !strings.Contains(gen.prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, gen.prompt)
		}
	}
}

func TestSandboxBuiltinRoundTrip(t *testing.T) {
	ts, err := newTestRegistry(t, storage.NewMemoryStore()).Load(context.Background(), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}

	write := ts.Invoke(context.Background(), providers.ToolCall{
		Name:      "sandbox_write_file",
		Arguments: json.RawMessage(`{"path":"notes.txt","content":"hello"}`),
	})
	if !write.Success {
		t.Fatalf("write failed: %+v", write)
	}

	read := ts.Invoke(context.Background(), providers.ToolCall{
		Name:      "sandbox_read_file",
		Arguments: json.RawMessage(`{"path":"notes.txt"}`),
	})
	if !read.Success || read.Text != "hello" {
		t.Fatalf("read = %+v", read)
	}

	send := ts.Invoke(context.Background(), providers.ToolCall{
		Name:      SendFileToolName,
		Arguments: json.RawMessage(`{"path":"notes.txt"}`),
	})
	if !send.Success {
		t.Fatalf("send failed: %+v", send)
	}
	var payload struct {
		File struct {
			Filename string `json:"filename"`
			Size     int64  `json:"size"`
		} `json:"file"`
	}
	if err := json.Unmarshal([]byte(send.Text), &payload); err != nil {
		t.Fatalf("send payload not JSON: %q", send.Text)
	}
	if payload.File.Filename != "notes.txt" || payload.File.Size != 5 {
		t.Errorf("payload = %+v", payload)
	}
}

func TestSendFileMissing(t *testing.T) {
	ts, err := newTestRegistry(t, storage.NewMemoryStore()).Load(context.Background(), "t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	out := ts.Invoke(context.Background(), providers.ToolCall{
		Name:      SendFileToolName,
		Arguments: json.RawMessage(`{"path":"missing.txt"}`),
	})
	if out.Success {
		t.Fatalf("expected failure for missing file, got %+v", out)
	}
}
