package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/pkg/models"
)

const (
	// historyWindow bounds how many prior messages a turn replays.
	historyWindow = 20
	// autoTitleLimit caps the title derived from the first user message.
	autoTitleLimit = 50
)

// sendMessageRequest is the POST /api/v1/conversations/{id}/messages payload.
type sendMessageRequest struct {
	Message string `json:"message"`
	// Provider and Model override the conversation's defaults for this
	// turn only.
	Provider    string                  `json:"provider,omitempty"`
	Model       string                  `json:"model,omitempty"`
	Attachments []models.FileAttachment `json:"attachments,omitempty"`
}

// handleSendMessage runs one conversation turn and streams its events as SSE.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, conversationID string) {
	ctx := r.Context()

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		s.conversationError(w, err)
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.jsonError(w, "message is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	history, err := s.loadHistory(r, conversationID)
	if err != nil {
		s.jsonError(w, "failed to load history", http.StatusInternalServerError)
		return
	}

	// The user message is persisted before the model runs so the log stays
	// complete even when the turn fails.
	userMsg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        req.Message,
		Attachments:    req.Attachments,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		s.jsonError(w, "failed to persist message", http.StatusInternalServerError)
		return
	}
	s.touchConversation(r, conv, req.Message)

	provider := conv.Provider
	if req.Provider != "" {
		provider = req.Provider
	}
	model := conv.Model
	if req.Model != "" {
		model = req.Model
	}

	turn := &pipeline.Request{
		ConversationID:   conversationID,
		TenantID:         conv.TenantID,
		Channel:          "web",
		Provider:         provider,
		Model:            model,
		Message:          req.Message,
		Modes:            conv.Modes,
		KnowledgeBaseIDs: conv.KnowledgeBaseIDs,
		History:          history,
		MemorySummary:    conv.MemorySummary,
		Attachments:      req.Attachments,
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// The turn outlives the connection: a client disconnect stops delivery
	// but the model finishes and the assistant message is still persisted.
	turnCtx := context.WithoutCancel(ctx)
	for ev := range s.orchestrator.Run(turnCtx, turn) {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Warn("marshal event failed", "type", ev.Type, "error", err)
			continue
		}
		_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	}
}

// loadHistory converts the most recent stored messages into the provider
// message shape. Tool traces and attachments are not replayed; only the
// text of the exchange is.
func (s *Server) loadHistory(r *http.Request, conversationID string) ([]providers.Message, error) {
	stored, err := s.store.ListMessages(r.Context(), conversationID, historyWindow)
	if err != nil {
		return nil, err
	}
	var history []providers.Message
	for _, msg := range stored {
		if msg.Content == "" {
			continue
		}
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			continue
		}
		history = append(history, providers.Message{Role: msg.Role, Content: msg.Content})
	}
	return history, nil
}

// touchConversation bumps the updated timestamp and derives a title from the
// first message of an untitled conversation.
func (s *Server) touchConversation(r *http.Request, conv *models.Conversation, message string) {
	if conv.Title == "" {
		title := []rune(strings.TrimSpace(message))
		if len(title) > autoTitleLimit {
			title = title[:autoTitleLimit]
		}
		conv.Title = string(title)
	}
	if err := s.store.UpdateConversation(r.Context(), conv); err != nil {
		s.logger.Warn("touch conversation failed", "conversation", conv.ID, "error", err)
	}
}
