package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single turn entry in a conversation. User messages carry only
// content; assistant messages additionally record thinking, retrieval sources,
// tool calls and attachments produced while generating the reply.
type Message struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	Role           Role             `json:"role"`
	Content        string           `json:"content"`
	Thinking       string           `json:"thinking,omitempty"`
	Sources        []Source         `json:"sources,omitempty"`
	ToolCalls      []ToolCallRecord `json:"tool_calls,omitempty"`
	Attachments    []FileAttachment `json:"attachments,omitempty"`
	Usage          *Usage           `json:"usage,omitempty"`
	LatencyMS      int64            `json:"latency_ms,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Source is one retrieved knowledge-base chunk cited by an assistant message.
type Source struct {
	KnowledgeBaseID string  `json:"knowledge_base_id"`
	DocumentID      string  `json:"document_id"`
	DocumentName    string  `json:"document_name"`
	Snippet         string  `json:"snippet"`
	Score           float64 `json:"score"`
}

// ToolCallRecord is the persisted trace of one tool invocation within a turn.
type ToolCallRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Result    string          `json:"result"`
	IsError   bool            `json:"is_error,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// FileAttachment describes a file produced by a tool during the turn and
// offered to the client for download.
type FileAttachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	MIME string `json:"mime_type,omitempty"`
}

// Usage is the token accounting reported by the model provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
