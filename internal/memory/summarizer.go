// Package memory maintains the rolling conversation digest injected into
// the system prompt of later turns.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/pkg/models"
)

const (
	// summaryWindow is how many recent messages feed one digest.
	summaryWindow = 12
	// minMessages is the point at which summarizing starts to pay off.
	minMessages = 4
	// transcriptMessageLimit truncates each message in the transcript.
	transcriptMessageLimit = 500
	// summaryLimit caps the stored digest.
	summaryLimit = 1000
	// refreshTimeout bounds one background summarization.
	refreshTimeout = 2 * time.Minute
)

const summaryPrompt = `Summarize the conversation below into a compact memory digest.
Keep: user goals, decisions made, facts the user stated about themselves,
and unresolved follow-ups. Drop pleasantries and repetition. Answer with
the digest only, no preamble.`

// StrategyResolver matches the pipeline's resolver so both can share one
// provider registry.
type StrategyResolver interface {
	Resolve(provider, model string) (providers.Strategy, string)
}

// Config wires a Summarizer.
type Config struct {
	Store     storage.Store
	Providers StrategyResolver
	// Provider and Model select the summarization strategy. They may be
	// cheaper than the conversation's own model.
	Provider string
	Model    string
	Logger   *slog.Logger
}

// Summarizer refreshes conversation digests in the background. It
// implements the pipeline's MemoryRefresher.
type Summarizer struct {
	store     storage.Store
	providers StrategyResolver
	provider  string
	model     string
	logger    *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	wg       sync.WaitGroup
}

// NewSummarizer creates a summarizer.
func NewSummarizer(cfg Config) *Summarizer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:     cfg.Store,
		providers: cfg.Providers,
		provider:  cfg.Provider,
		model:     cfg.Model,
		logger:    logger,
		inflight:  make(map[string]bool),
	}
}

// Refresh schedules a digest update for the conversation. It returns
// immediately; a refresh already running for the same conversation is not
// duplicated.
func (s *Summarizer) Refresh(conversationID string) {
	if conversationID == "" {
		return
	}
	s.mu.Lock()
	if s.inflight[conversationID] {
		s.mu.Unlock()
		return
	}
	s.inflight[conversationID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, conversationID)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := s.refresh(ctx, conversationID); err != nil {
			s.logger.Warn("memory refresh failed", "conversation", conversationID, "error", err)
		}
	}()
}

// Wait blocks until all scheduled refreshes finish. Used on shutdown and
// in tests.
func (s *Summarizer) Wait() {
	s.wg.Wait()
}

func (s *Summarizer) refresh(ctx context.Context, conversationID string) error {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	msgs, err := s.store.ListMessages(ctx, conversationID, summaryWindow)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) < minMessages {
		return nil
	}

	transcript := buildTranscript(msgs)
	if transcript == "" {
		return nil
	}

	strategy, _ := s.providers.Resolve(s.provider, s.model)
	result := strategy.Generate(ctx, []providers.Message{{Role: models.RoleUser, Content: transcript}}, summaryPrompt, nil)
	summary := strings.TrimSpace(result.Text)
	if summary == "" || strings.HasPrefix(summary, "Error:") {
		return fmt.Errorf("summarization produced no usable text")
	}
	if runes := []rune(summary); len(runes) > summaryLimit {
		summary = string(runes[:summaryLimit])
	}

	conv.MemorySummary = summary
	if err := s.store.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("store digest: %w", err)
	}
	s.logger.Debug("memory digest refreshed", "conversation", conversationID, "len", len(summary))
	return nil
}

// buildTranscript renders the message window as labeled turns. Tool noise
// is left out; only what was actually said matters for memory.
func buildTranscript(msgs []*models.Message) string {
	var lines []string
	for _, msg := range msgs {
		if msg.Content == "" {
			continue
		}
		var label string
		switch msg.Role {
		case models.RoleUser:
			label = "User"
		case models.RoleAssistant:
			label = "Assistant"
		default:
			continue
		}
		content := msg.Content
		if runes := []rune(content); len(runes) > transcriptMessageLimit {
			content = string(runes[:transcriptMessageLimit]) + "..."
		}
		lines = append(lines, label+": "+content)
	}
	return strings.Join(lines, "\n")
}
