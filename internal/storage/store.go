// Package storage persists conversations, messages and the tenant-scoped
// capability catalog (bot tools, skills, scripts, knowledge bases, scheduled
// tasks).
//
// Two implementations exist: a SQLite store for production and an in-memory
// store for tests.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mutiexpert/backend/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ConversationStore manages conversation records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, conv *models.Conversation) error
	ListConversations(ctx context.Context, tenantID string) ([]*models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
}

// MessageStore manages the message log of conversations.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	// ListMessages returns messages in chronological order. A positive
	// limit keeps only the most recent entries.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error)
}

// CapabilityStore exposes the tenant's configured capabilities, read by the
// tool registry and the system prompt builder every turn.
type CapabilityStore interface {
	ListBotTools(ctx context.Context, tenantID string, enabledOnly bool) ([]*models.BotTool, error)
	ListSkills(ctx context.Context, tenantID string, enabledOnly bool) ([]*models.Skill, error)
	ListScripts(ctx context.Context, tenantID string) ([]*models.Script, error)
	GetScript(ctx context.Context, id string) (*models.Script, error)
	ListKnowledgeBases(ctx context.Context, tenantID string) ([]*models.KnowledgeBase, error)
}

// TaskStore manages scheduled tasks.
type TaskStore interface {
	ListScheduledTasks(ctx context.Context, enabledOnly bool) ([]*models.ScheduledTask, error)
	TouchScheduledTask(ctx context.Context, id string, ranAt time.Time) error
}

// Store is the combined persistence interface the application wires up.
type Store interface {
	ConversationStore
	MessageStore
	CapabilityStore
	TaskStore
	Close() error
}
