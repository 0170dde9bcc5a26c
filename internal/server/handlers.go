package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/pkg/models"
)

// defaultTenantID applies when the client sends no x-tenant-id header.
const defaultTenantID = "default"

func tenantID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("x-tenant-id")); id != "" {
		return id
	}
	return defaultTenantID
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response failed", "error", err)
	}
}

func (s *Server) jsonError(w http.ResponseWriter, msg string, status int) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// createConversationRequest is the POST /api/v1/conversations payload.
type createConversationRequest struct {
	Title            string            `json:"title"`
	Provider         string            `json:"provider"`
	Model            string            `json:"model"`
	Modes            []models.ChatMode `json:"modes"`
	KnowledgeBaseIDs []string          `json:"knowledge_base_ids"`
}

// updateConversationRequest is the PATCH payload; nil fields stay unchanged.
type updateConversationRequest struct {
	Title            *string            `json:"title"`
	Provider         *string            `json:"provider"`
	Model            *string            `json:"model"`
	Modes            *[]models.ChatMode `json:"modes"`
	KnowledgeBaseIDs *[]string          `json:"knowledge_base_ids"`
	Pinned           *bool              `json:"pinned"`
}

// handleConversations serves the collection route: list and create.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		convs, err := s.store.ListConversations(r.Context(), tenantID(r))
		if err != nil {
			s.jsonError(w, "failed to list conversations", http.StatusInternalServerError)
			return
		}
		if convs == nil {
			convs = []*models.Conversation{}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})

	case http.MethodPost:
		var req createConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid json body", http.StatusBadRequest)
			return
		}
		modes := req.Modes
		if modes == nil {
			modes = []models.ChatMode{models.ModeKnowledge, models.ModeSearch, models.ModeTools}
		}
		conv := &models.Conversation{
			ID:               uuid.NewString(),
			TenantID:         tenantID(r),
			Title:            req.Title,
			Provider:         req.Provider,
			Model:            req.Model,
			Modes:            modes,
			KnowledgeBaseIDs: req.KnowledgeBaseIDs,
			CreatedAt:        time.Now().UTC(),
		}
		if err := s.store.CreateConversation(r.Context(), conv); err != nil {
			s.jsonError(w, "failed to create conversation", http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusCreated, conv)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleConversation serves the item routes:
//
//	GET/PATCH/DELETE /api/v1/conversations/{id}
//	GET              /api/v1/conversations/{id}/messages
//	POST             /api/v1/conversations/{id}/messages  (SSE)
func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/conversations/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		s.jsonError(w, "conversation id is required", http.StatusBadRequest)
		return
	}

	switch {
	case sub == "":
		s.handleConversationItem(w, r, id)
	case sub == "messages":
		s.handleMessages(w, r, id)
	default:
		s.jsonError(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleConversationItem(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			s.conversationError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, conv)

	case http.MethodPatch:
		conv, err := s.store.GetConversation(ctx, id)
		if err != nil {
			s.conversationError(w, err)
			return
		}
		var req updateConversationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "invalid json body", http.StatusBadRequest)
			return
		}
		if req.Title != nil {
			conv.Title = *req.Title
		}
		if req.Provider != nil {
			conv.Provider = *req.Provider
		}
		if req.Model != nil {
			conv.Model = *req.Model
		}
		if req.Modes != nil {
			conv.Modes = *req.Modes
		}
		if req.KnowledgeBaseIDs != nil {
			conv.KnowledgeBaseIDs = *req.KnowledgeBaseIDs
		}
		if req.Pinned != nil {
			conv.Pinned = *req.Pinned
		}
		if err := s.store.UpdateConversation(ctx, conv); err != nil {
			s.conversationError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, conv)

	case http.MethodDelete:
		if err := s.store.DeleteConversation(ctx, id); err != nil {
			s.conversationError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, conversationID string) {
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.store.ListMessages(r.Context(), conversationID, 0)
		if err != nil {
			s.jsonError(w, "failed to list messages", http.StatusInternalServerError)
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		s.writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})

	case http.MethodPost:
		s.handleSendMessage(w, r, conversationID)

	default:
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) conversationError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.jsonError(w, "conversation not found", http.StatusNotFound)
		return
	}
	s.jsonError(w, "storage error", http.StatusInternalServerError)
}
