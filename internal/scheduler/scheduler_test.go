package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/scripts"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/internal/tools"
	"github.com/mutiexpert/backend/pkg/models"
)

type fakeCollector struct {
	result *pipeline.Result
	last   *pipeline.Request
}

func (f *fakeCollector) Collect(ctx context.Context, req *pipeline.Request) *pipeline.Result {
	f.last = req
	return f.result
}

type fakeNotifier struct {
	chatID string
	text   string
	calls  int
}

func (f *fakeNotifier) SendText(ctx context.Context, chatID, text string) error {
	f.calls++
	f.chatID = chatID
	f.text = text
	return nil
}

type answerStrategy struct{ text string }

func (a *answerStrategy) Name() string               { return "answer" }
func (a *answerStrategy) SupportsToolMessages() bool { return true }

func (a *answerStrategy) Generate(ctx context.Context, msgs []providers.Message, system string, tools []providers.ToolDef) *providers.GenerateResult {
	return &providers.GenerateResult{Text: a.text}
}

func (a *answerStrategy) Stream(ctx context.Context, msgs []providers.Message, system string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Done: true}
	close(ch)
	return ch
}

type answerResolver struct{ strategy providers.Strategy }

func (r answerResolver) Resolve(provider, model string) (providers.Strategy, string) {
	return r.strategy, model
}

func TestAIQueryTaskDeliversAnswer(t *testing.T) {
	store := storage.NewMemoryStore()
	store.KnowledgeBase = []*models.KnowledgeBase{{ID: "kb-1", TenantID: "t1"}}
	store.Tasks = []*models.ScheduledTask{{
		ID: "task-1", TenantID: "t1", Name: "morning digest",
		Kind: models.TaskAIQuery, Cron: "0 9 * * *", TargetID: "oc_chat",
		Payload: `{"prompt":"Summarize yesterday's tickets"}`, Enabled: true,
	}}

	collector := &fakeCollector{result: &pipeline.Result{Text: "All quiet."}}
	notifier := &fakeNotifier{}
	svc := New(Config{Store: store, Pipeline: collector, Notifier: notifier, Provider: "claude"})

	if err := svc.RunTask(context.Background(), "task-1"); err != nil {
		t.Fatal(err)
	}

	if collector.last.Message != "Summarize yesterday's tickets" {
		t.Errorf("prompt = %q", collector.last.Message)
	}
	if collector.last.Channel != "scheduler" || collector.last.Provider != "claude" {
		t.Errorf("request = %+v", collector.last)
	}
	// No scope in the payload means every knowledge base of the tenant.
	if len(collector.last.KnowledgeBaseIDs) != 1 || collector.last.KnowledgeBaseIDs[0] != "kb-1" {
		t.Errorf("kb scope = %v", collector.last.KnowledgeBaseIDs)
	}
	if notifier.text != "All quiet." || notifier.chatID != "oc_chat" {
		t.Errorf("delivered %q to %q", notifier.text, notifier.chatID)
	}
	if store.Tasks[0].LastRunAt.IsZero() {
		t.Error("last run timestamp not touched")
	}
}

func TestSkillTaskRunsThroughToolSet(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Skills = []*models.Skill{{
		TenantID: "t1", Name: "Weekly Report", Description: "weekly numbers",
		Content: "Compile the weekly report.", Enabled: true,
	}}
	store.Tasks = []*models.ScheduledTask{{
		ID: "task-2", TenantID: "t1", Name: "weekly", Kind: models.TaskSkillExec,
		Cron: "0 8 * * 1", TargetID: "oc_chat",
		Payload: `{"skill":"Weekly Report","query":"numbers for this week"}`, Enabled: true,
	}}

	notifier := &fakeNotifier{}
	svc := New(Config{
		Store:     store,
		Tools:     tools.NewRegistry(tools.RegistryConfig{Store: store}),
		Providers: answerResolver{&answerStrategy{text: "Revenue was flat."}},
		Notifier:  notifier,
	})

	if err := svc.RunTask(context.Background(), "task-2"); err != nil {
		t.Fatal(err)
	}
	if notifier.text != "Revenue was flat." {
		t.Errorf("delivered %q", notifier.text)
	}
}

func TestScriptTaskRunsStoredScript(t *testing.T) {
	dir := t.TempDir()
	deno := filepath.Join(dir, "deno")
	if err := os.WriteFile(deno, []byte("#!/bin/sh\necho \"report ready\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	store := storage.NewMemoryStore()
	store.Scripts = []*models.Script{{
		ID: "s1", TenantID: "t1", Name: "export", Code: "console.log('report ready')", Enabled: true,
	}}
	store.Tasks = []*models.ScheduledTask{{
		ID: "task-3", TenantID: "t1", Name: "export", Kind: models.TaskScriptExec,
		Cron: "30 7 * * *", TargetID: "oc_chat",
		Payload: `{"script_id":"s1"}`, Enabled: true,
	}}

	notifier := &fakeNotifier{}
	svc := New(Config{Store: store, Scripts: &scripts.Runner{DenoBinary: deno}, Notifier: notifier})

	if err := svc.RunTask(context.Background(), "task-3"); err != nil {
		t.Fatal(err)
	}
	if notifier.text != "report ready" {
		t.Errorf("delivered %q", notifier.text)
	}
}

func TestRunTaskUnknownID(t *testing.T) {
	svc := New(Config{Store: storage.NewMemoryStore()})
	if err := svc.RunTask(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for an unknown task")
	}
}

func TestRunTaskUnknownKind(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Tasks = []*models.ScheduledTask{{ID: "task-x", Name: "odd", Kind: "tarot", Enabled: true}}
	svc := New(Config{Store: store})
	err := svc.RunTask(context.Background(), "task-x")
	if err == nil || !strings.Contains(err.Error(), "unknown task kind") {
		t.Fatalf("err = %v", err)
	}
}

func TestReloadSynchronizesEntries(t *testing.T) {
	store := storage.NewMemoryStore()
	store.Tasks = []*models.ScheduledTask{
		{ID: "a", Name: "ok", Kind: models.TaskAIQuery, Cron: "0 9 * * *", Enabled: true},
		{ID: "b", Name: "broken", Kind: models.TaskAIQuery, Cron: "not a cron", Enabled: true},
	}
	svc := New(Config{Store: store})

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(svc.entries) != 1 {
		t.Fatalf("entries = %d, want 1 (invalid cron skipped)", len(svc.entries))
	}

	store.Tasks[0].Enabled = false
	if err := svc.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(svc.entries) != 0 {
		t.Errorf("entries = %d after disabling, want 0", len(svc.entries))
	}
}
