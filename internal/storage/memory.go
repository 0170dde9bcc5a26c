package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mutiexpert/backend/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and ephemeral setups.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	BotTools      []*models.BotTool
	Skills        []*models.Skill
	Scripts       []*models.Script
	KnowledgeBase []*models.KnowledgeBase
	Tasks         []*models.ScheduledTask
}

// NewMemoryStore creates an empty in-memory store. Capability slices are
// exported so tests can seed them directly.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	clone := *conv
	m.conversations[conv.ID] = &clone
	return nil
}

func (m *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *conv
	return &clone, nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, conv *models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conv.ID]; !ok {
		return ErrNotFound
	}
	conv.UpdatedAt = time.Now().UTC()
	clone := *conv
	m.conversations[conv.ID] = &clone
	return nil
}

func (m *MemoryStore) ListConversations(_ context.Context, tenantID string) ([]*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.Conversation
	for _, conv := range m.conversations {
		if conv.TenantID == tenantID {
			clone := *conv
			result = append(result, &clone)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.After(result[j].UpdatedAt) })
	return result, nil
}

func (m *MemoryStore) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(m.conversations, id)
	delete(m.messages, id)
	return nil
}

func (m *MemoryStore) AppendMessage(_ context.Context, msg *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	clone := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &clone)
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]*models.Message, len(msgs))
	for i, msg := range msgs {
		clone := *msg
		result[i] = &clone
	}
	return result, nil
}

func (m *MemoryStore) ListBotTools(_ context.Context, tenantID string, enabledOnly bool) ([]*models.BotTool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.BotTool
	for _, tool := range m.BotTools {
		if tool.TenantID != tenantID {
			continue
		}
		if enabledOnly && !tool.Enabled {
			continue
		}
		result = append(result, tool)
	}
	return result, nil
}

func (m *MemoryStore) ListSkills(_ context.Context, tenantID string, enabledOnly bool) ([]*models.Skill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.Skill
	for _, skill := range m.Skills {
		if skill.TenantID != tenantID {
			continue
		}
		if enabledOnly && !skill.Enabled {
			continue
		}
		result = append(result, skill)
	}
	return result, nil
}

func (m *MemoryStore) ListScripts(_ context.Context, tenantID string) ([]*models.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.Script
	for _, script := range m.Scripts {
		if script.TenantID == tenantID {
			result = append(result, script)
		}
	}
	return result, nil
}

func (m *MemoryStore) GetScript(_ context.Context, id string) (*models.Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, script := range m.Scripts {
		if script.ID == id {
			return script, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListKnowledgeBases(_ context.Context, tenantID string) ([]*models.KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.KnowledgeBase
	for _, kb := range m.KnowledgeBase {
		if kb.TenantID == tenantID {
			result = append(result, kb)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListScheduledTasks(_ context.Context, enabledOnly bool) ([]*models.ScheduledTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*models.ScheduledTask
	for _, task := range m.Tasks {
		if enabledOnly && !task.Enabled {
			continue
		}
		result = append(result, task)
	}
	return result, nil
}

func (m *MemoryStore) TouchScheduledTask(_ context.Context, id string, ranAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range m.Tasks {
		if task.ID == id {
			task.LastRunAt = ranAt
			return nil
		}
	}
	return ErrNotFound
}
