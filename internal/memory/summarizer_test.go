package memory

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/pkg/models"
)

type scriptedStrategy struct {
	text     string
	system   string
	messages []providers.Message
	calls    int
}

func (s *scriptedStrategy) Name() string               { return "scripted" }
func (s *scriptedStrategy) SupportsToolMessages() bool { return true }

func (s *scriptedStrategy) Generate(ctx context.Context, msgs []providers.Message, system string, tools []providers.ToolDef) *providers.GenerateResult {
	s.calls++
	s.system = system
	s.messages = msgs
	return &providers.GenerateResult{Text: s.text}
}

func (s *scriptedStrategy) Stream(ctx context.Context, msgs []providers.Message, system string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk, 1)
	ch <- providers.StreamChunk{Done: true}
	close(ch)
	return ch
}

type singleResolver struct{ strategy providers.Strategy }

func (r singleResolver) Resolve(provider, model string) (providers.Strategy, string) {
	return r.strategy, model
}

func seedConversation(t *testing.T, store *storage.MemoryStore, turns int) string {
	t.Helper()
	ctx := context.Background()
	conv := &models.Conversation{ID: "c1", TenantID: "t1", Title: "Migration"}
	if err := store.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < turns; i++ {
		role := models.RoleUser
		content := "How do I migrate the cluster?"
		if i%2 == 1 {
			role = models.RoleAssistant
			content = "Start with a logical dump."
		}
		if err := store.AppendMessage(ctx, &models.Message{
			ID: "m" + string(rune('0'+i)), ConversationID: "c1", Role: role, Content: content,
		}); err != nil {
			t.Fatal(err)
		}
	}
	return conv.ID
}

func TestRefreshStoresDigest(t *testing.T) {
	store := storage.NewMemoryStore()
	id := seedConversation(t, store, 6)

	strategy := &scriptedStrategy{text: "User is migrating a Postgres cluster; advised a logical dump."}
	s := NewSummarizer(Config{Store: store, Providers: singleResolver{strategy}, Provider: "openai"})

	s.Refresh(id)
	s.Wait()

	conv, err := store.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if conv.MemorySummary != strategy.text {
		t.Errorf("digest = %q", conv.MemorySummary)
	}
	if !strings.Contains(strategy.system, "memory digest") {
		t.Errorf("system prompt = %q", strategy.system)
	}
	if len(strategy.messages) != 1 || !strings.Contains(strategy.messages[0].Content, "User: How do I migrate") {
		t.Errorf("transcript = %+v", strategy.messages)
	}
}

func TestRefreshSkipsShortConversations(t *testing.T) {
	store := storage.NewMemoryStore()
	id := seedConversation(t, store, 2)

	strategy := &scriptedStrategy{text: "should not be stored"}
	s := NewSummarizer(Config{Store: store, Providers: singleResolver{strategy}})

	s.Refresh(id)
	s.Wait()

	conv, _ := store.GetConversation(context.Background(), id)
	if conv.MemorySummary != "" {
		t.Errorf("digest = %q, want empty", conv.MemorySummary)
	}
	if strategy.calls != 0 {
		t.Errorf("model called %d times for a short conversation", strategy.calls)
	}
}

func TestRefreshIgnoresErrorText(t *testing.T) {
	store := storage.NewMemoryStore()
	id := seedConversation(t, store, 6)

	strategy := &scriptedStrategy{text: "Error: upstream rate limited"}
	s := NewSummarizer(Config{Store: store, Providers: singleResolver{strategy}})

	s.Refresh(id)
	s.Wait()

	conv, _ := store.GetConversation(context.Background(), id)
	if conv.MemorySummary != "" {
		t.Errorf("error text stored as digest: %q", conv.MemorySummary)
	}
}

func TestRefreshDeduplicatesInflight(t *testing.T) {
	store := storage.NewMemoryStore()
	seedConversation(t, store, 6)

	block := make(chan struct{})
	strategy := &blockingStrategy{release: block}
	s := NewSummarizer(Config{Store: store, Providers: singleResolver{strategy}})

	s.Refresh("c1")
	s.Refresh("c1")
	s.Refresh("c1")
	close(block)
	s.Wait()

	if got := strategy.calls.Load(); got != 1 {
		t.Errorf("model called %d times, want 1", got)
	}
}

func TestRefreshEmptyIDIsNoop(t *testing.T) {
	s := NewSummarizer(Config{Store: storage.NewMemoryStore(), Providers: singleResolver{&scriptedStrategy{}}})
	s.Refresh("")
	s.Wait()
}

type blockingStrategy struct {
	release chan struct{}
	calls   atomic.Int64
}

func (b *blockingStrategy) Name() string               { return "blocking" }
func (b *blockingStrategy) SupportsToolMessages() bool { return true }

func (b *blockingStrategy) Generate(ctx context.Context, msgs []providers.Message, system string, tools []providers.ToolDef) *providers.GenerateResult {
	b.calls.Add(1)
	select {
	case <-b.release:
	case <-time.After(5 * time.Second):
	}
	return &providers.GenerateResult{Text: "digest"}
}

func (b *blockingStrategy) Stream(ctx context.Context, msgs []providers.Message, system string) <-chan providers.StreamChunk {
	ch := make(chan providers.StreamChunk)
	close(ch)
	return ch
}
