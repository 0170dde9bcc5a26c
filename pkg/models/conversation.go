package models

import "time"

// ChatMode is one capability a conversation turn may use. Modes combine:
// a turn can retrieve knowledge, search the web and call tools at once.
type ChatMode string

const (
	// ModeKnowledge retrieves from the conversation's knowledge bases first.
	ModeKnowledge ChatMode = "knowledge"
	// ModeSearch runs a web search before answering.
	ModeSearch ChatMode = "search"
	// ModeTools offers the tool catalog to the model.
	ModeTools ChatMode = "tools"
)

// Conversation groups the messages of one dialogue and pins the model,
// modes and knowledge scope used for every turn in it.
type Conversation struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Title            string     `json:"title"`
	Provider         string     `json:"provider"`
	Model            string     `json:"model"`
	Modes            []ChatMode `json:"modes,omitempty"`
	KnowledgeBaseIDs []string   `json:"knowledge_base_ids,omitempty"`
	Pinned           bool       `json:"pinned,omitempty"`
	MemorySummary    string     `json:"memory_summary,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// HasMode reports whether the conversation enables the given mode.
func (c *Conversation) HasMode(mode ChatMode) bool {
	for _, m := range c.Modes {
		if m == mode {
			return true
		}
	}
	return false
}
