// Package providers implements the model adapter layer: one Strategy per
// upstream wire protocol, all exposing the same streaming and tool-calling
// surface to the pipeline.
//
// Three strategies cover the supported providers:
//   - ClaudeStrategy: Anthropic Messages API (official SDK, SSE streaming)
//   - ResponsesStrategy: OpenAI Responses API (raw SSE)
//   - ChatStrategy: OpenAI-compatible chat completions (openai, deepseek, qwen)
//
// Upstream and configuration failures never surface as Go errors from Stream
// or Generate; they become a single "Error: ..." text chunk so the caller can
// relay them to the end user like any other model output.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mutiexpert/backend/pkg/models"
)

// Message is one entry of the provider-neutral conversation history.
type Message struct {
	Role    models.Role
	Content string
	// ToolCalls are set on assistant messages that requested tools.
	ToolCalls []ToolCall
	// ToolResults are set on tool messages carrying execution output.
	ToolResults []ToolResult
}

// ToolCall is a model request to invoke a registered tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolResult is the outcome of one tool invocation, fed back to the model.
type ToolResult struct {
	ToolCallID string
	Name       string
	Content    string
	IsError    bool
}

// ToolDef describes a tool offered to the model: the name, description and a
// JSON-schema parameter definition, converted to each provider's dialect.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// StreamChunk is one increment of a streaming response.
type StreamChunk struct {
	Text     string
	Thinking string
	// Done marks the terminal chunk; token counts are only set there.
	Done         bool
	InputTokens  int
	OutputTokens int
}

// GenerateResult is a complete non-streaming response.
type GenerateResult struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCall
	Usage     *models.Usage
}

// Strategy is one provider wire protocol.
//
// Stream returns a channel that the strategy closes when the response ends;
// Generate blocks until the full response is available. Neither returns an
// error: failures become "Error: ..." text in the output.
type Strategy interface {
	// Name is the provider identifier, used for routing and metrics.
	Name() string

	// Stream produces the final user-facing answer token by token.
	Stream(ctx context.Context, msgs []Message, system string) <-chan StreamChunk

	// Generate runs one tool-selection round and returns the complete
	// response, including any tool calls the model requested.
	Generate(ctx context.Context, msgs []Message, system string, tools []ToolDef) *GenerateResult

	// SupportsToolMessages reports whether the wire protocol has a native
	// representation for tool calls and results in history. When false the
	// pipeline flattens tool traffic into plain text before calling Stream.
	SupportsToolMessages() bool
}

// usageFromCounts returns nil when the provider reported no token counts.
func usageFromCounts(input, output int) *models.Usage {
	if input == 0 && output == 0 {
		return nil
	}
	return &models.Usage{InputTokens: input, OutputTokens: output}
}

// errorChunkStream wraps a failure into a closed single-chunk stream.
func errorChunkStream(format string, args ...any) <-chan StreamChunk {
	ch := make(chan StreamChunk, 2)
	ch <- StreamChunk{Text: fmt.Sprintf("Error: "+format, args...)}
	ch <- StreamChunk{Done: true}
	close(ch)
	return ch
}

// errorResult wraps a failure into a text-only generate result.
func errorResult(format string, args ...any) *GenerateResult {
	return &GenerateResult{Text: fmt.Sprintf("Error: "+format, args...)}
}
