package pipeline

import (
	"encoding/json"

	"github.com/mutiexpert/backend/internal/websearch"
	"github.com/mutiexpert/backend/pkg/models"
)

// EventType names one kind of pipeline event.
type EventType string

const (
	// EventChunk carries a fragment of the assistant's answer text.
	EventChunk EventType = "chunk"
	// EventThinking carries a fragment of model reasoning output.
	EventThinking EventType = "thinking"
	// EventSources announces the retrieved citations, before any model call.
	EventSources EventType = "sources"
	// EventWebSearch announces web search hits injected into the prompt.
	EventWebSearch EventType = "web_search"
	// EventToolStart announces a tool invocation about to run.
	EventToolStart EventType = "tool_start"
	// EventToolResult carries a tool's (truncated) output.
	EventToolResult EventType = "tool_result"
	// EventFileAttachment announces a file delivered by a tool.
	EventFileAttachment EventType = "file_attachment"
	// EventDone terminates a successful turn.
	EventDone EventType = "done"
	// EventError terminates a failed turn; no done event follows.
	EventError EventType = "error"
)

// Event is one item of the turn's streaming sequence. Only the fields
// relevant to the event type are populated.
type Event struct {
	Type EventType `json:"type"`

	// Content is set on chunk and thinking events.
	Content string `json:"content,omitempty"`

	// Sources is set on sources events.
	Sources []models.Source `json:"sources,omitempty"`

	// SearchResults is set on web_search events.
	SearchResults []websearch.Result `json:"results,omitempty"`

	// ToolName and ToolArgs are set on tool_start and tool_result events.
	ToolName string          `json:"tool_name,omitempty"`
	ToolArgs json.RawMessage `json:"tool_args,omitempty"`

	// ToolResult and ToolSuccess are set on tool_result events. The result
	// text is truncated for the event; the full text stays in the record.
	ToolResult  string `json:"tool_result,omitempty"`
	ToolSuccess bool   `json:"tool_success,omitempty"`

	// Attachment is set on file_attachment events.
	Attachment *models.FileAttachment `json:"attachment,omitempty"`

	// Message is set on done events: the assistant message as persisted.
	Message *models.Message `json:"message,omitempty"`

	// Err is set on error events.
	Err string `json:"error,omitempty"`
}

// Result is the aggregate of one turn, for non-streaming consumers.
type Result struct {
	Text        string
	Thinking    string
	Sources     []models.Source
	ToolCalls   []models.ToolCallRecord
	Attachments []models.FileAttachment
	Usage       *models.Usage
	Err         string
}
