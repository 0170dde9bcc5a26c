package feishu

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/pkg/models"
)

// maxReplyRunes bounds one outgoing text message; longer answers are cut
// with a continuation notice.
const maxReplyRunes = 4000

const continuationNotice = "\n\n[Answer truncated. Ask me to continue for the rest.]"

// turnTimeout bounds one webhook-triggered pipeline run.
const turnTimeout = 5 * time.Minute

// Collector runs one turn and returns its aggregate result. Satisfied by
// pipeline.Orchestrator.
type Collector interface {
	Collect(ctx context.Context, req *pipeline.Request) *pipeline.Result
}

// ChannelConfig wires a Channel.
type ChannelConfig struct {
	Client   *Client
	Pipeline Collector
	Store    storage.Store
	// TenantID scopes the bot's conversations and capabilities.
	TenantID string
	// Provider and Model select the default strategy for bot turns.
	Provider string
	Model    string
	Logger   *slog.Logger
}

// Channel turns incoming Feishu messages into pipeline runs and replies
// with the aggregated answer. Conversations are keyed by chat id so each
// chat keeps its own history and memory digest.
type Channel struct {
	client   *Client
	pipeline Collector
	store    storage.Store
	tenantID string
	provider string
	model    string
	logger   *slog.Logger

	mu            sync.Mutex
	conversations map[string]string
}

// NewChannel creates a channel.
func NewChannel(cfg ChannelConfig) *Channel {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tenantID := cfg.TenantID
	if tenantID == "" {
		tenantID = "default"
	}
	return &Channel{
		client:        cfg.Client,
		pipeline:      cfg.Pipeline,
		store:         cfg.Store,
		tenantID:      tenantID,
		provider:      cfg.Provider,
		model:         cfg.Model,
		logger:        logger,
		conversations: make(map[string]string),
	}
}

// webhookEnvelope is the common shell of Feishu event callbacks.
type webhookEnvelope struct {
	Challenge string `json:"challenge"`
	Token     string `json:"token"`
	Header    struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderType string `json:"sender_type"`
		} `json:"sender"`
		Message struct {
			MessageID   string `json:"message_id"`
			ChatID      string `json:"chat_id"`
			MessageType string `json:"message_type"`
			Content     string `json:"content"`
		} `json:"message"`
	} `json:"event"`
}

// HandleWebhook serves the Feishu event callback endpoint. URL verification
// challenges are echoed back; message events are answered asynchronously so
// the callback returns within Feishu's deadline.
func (c *Channel) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if env.Challenge != "" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": env.Challenge})
		return
	}

	if c.client != nil && c.client.config.VerificationToken != "" {
		token := env.Token
		if token == "" {
			token = env.Header.Token
		}
		if token != c.client.config.VerificationToken {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	if env.Header.EventType == "im.message.receive_v1" && env.Event.Sender.SenderType == "user" {
		if text := messageText(env.Event.Message.MessageType, env.Event.Message.Content); text != "" {
			go c.answer(env.Event.Message.ChatID, env.Event.Message.MessageID, text)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// messageText extracts plain text from a message payload. Only text
// messages are answered.
func messageText(messageType, content string) string {
	if messageType != "text" {
		return ""
	}
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return ""
	}
	return strings.TrimSpace(payload.Text)
}

func (c *Channel) answer(chatID, messageID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), turnTimeout)
	defer cancel()

	conv := c.conversation(ctx, chatID)

	req := &pipeline.Request{
		TenantID: c.tenantID,
		Channel:  "feishu",
		Provider: c.provider,
		Model:    c.model,
		Message:  text,
		Modes:    []models.ChatMode{models.ModeKnowledge, models.ModeTools},
	}
	if conv != nil {
		req.ConversationID = conv.ID
		req.Provider = firstNonEmpty(conv.Provider, c.provider)
		req.Model = firstNonEmpty(conv.Model, c.model)
		req.Modes = conv.Modes
		req.KnowledgeBaseIDs = conv.KnowledgeBaseIDs
		req.MemorySummary = conv.MemorySummary
		req.History = c.history(ctx, conv.ID)
		c.appendUserMessage(ctx, conv.ID, text)
	}

	res := c.pipeline.Collect(ctx, req)

	reply := res.Text
	if res.Err != "" {
		reply = "Something went wrong while answering: " + res.Err
	}
	if reply == "" {
		reply = "I could not produce an answer."
	}

	if err := c.client.Reply(ctx, messageID, truncateReply(reply)); err != nil {
		c.logger.Error("feishu reply failed", "chat", chatID, "error", err)
	}
}

// conversation finds or creates the persistent conversation for a chat.
// A nil result means storage is unavailable and the turn runs stateless.
func (c *Channel) conversation(ctx context.Context, chatID string) *models.Conversation {
	if c.store == nil || chatID == "" {
		return nil
	}

	c.mu.Lock()
	id, ok := c.conversations[chatID]
	c.mu.Unlock()
	if ok {
		if conv, err := c.store.GetConversation(ctx, id); err == nil {
			return conv
		}
	}

	conv := &models.Conversation{
		ID:       uuid.NewString(),
		TenantID: c.tenantID,
		Title:    "Feishu chat " + chatID,
		Provider: c.provider,
		Model:    c.model,
		Modes:    []models.ChatMode{models.ModeKnowledge, models.ModeTools},
	}
	if err := c.store.CreateConversation(ctx, conv); err != nil {
		c.logger.Warn("create feishu conversation failed", "chat", chatID, "error", err)
		return nil
	}
	c.mu.Lock()
	c.conversations[chatID] = conv.ID
	c.mu.Unlock()
	return conv
}

func (c *Channel) history(ctx context.Context, conversationID string) []providers.Message {
	stored, err := c.store.ListMessages(ctx, conversationID, 20)
	if err != nil {
		return nil
	}
	var history []providers.Message
	for _, msg := range stored {
		if msg.Content == "" || (msg.Role != models.RoleUser && msg.Role != models.RoleAssistant) {
			continue
		}
		history = append(history, providers.Message{Role: msg.Role, Content: msg.Content})
	}
	return history
}

func (c *Channel) appendUserMessage(ctx context.Context, conversationID, text string) {
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	}
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		c.logger.Warn("persist feishu user message failed", "error", err)
	}
}

func truncateReply(text string) string {
	runes := []rune(text)
	if len(runes) <= maxReplyRunes {
		return text
	}
	return string(runes[:maxReplyRunes]) + continuationNotice
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
