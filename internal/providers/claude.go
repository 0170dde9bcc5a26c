package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// ClaudeStrategy talks to Anthropic's Messages API through the official SDK.
//
// The strategy handles:
//   - Converting neutral history into Anthropic content blocks (text,
//     tool_use, tool_result, thinking)
//   - Streaming SSE responses with incremental tool-input accumulation
//   - Retrying transient failures with exponential backoff
//
// It is safe for concurrent use; each call creates an independent stream.
type ClaudeStrategy struct {
	client     anthropic.Client
	apiKey     string
	model      string
	maxTokens  int
	maxRetries int
	retryDelay time.Duration
}

// ClaudeConfig configures a ClaudeStrategy.
type ClaudeConfig struct {
	// APIKey is the Anthropic API key. Empty keys are not rejected here;
	// calls fail with an "Error: ..." chunk instead.
	APIKey string

	// BaseURL overrides the Anthropic API endpoint.
	BaseURL string

	// Model is the resolved model id (migrations already applied).
	Model string

	// MaxTokens caps the generation length. Default 4096.
	MaxTokens int

	// MaxRetries sets retry attempts for transient failures. Default 3.
	MaxRetries int

	// RetryDelay is the backoff base. Default 1 second.
	RetryDelay time.Duration
}

// NewClaudeStrategy creates a Claude strategy with defaults applied.
func NewClaudeStrategy(cfg ClaudeConfig) *ClaudeStrategy {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &ClaudeStrategy{
		client:     anthropic.NewClient(options...),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}
}

func (s *ClaudeStrategy) Name() string { return "claude" }

// SupportsToolMessages is true: the Messages API has native tool_use and
// tool_result content blocks.
func (s *ClaudeStrategy) SupportsToolMessages() bool { return true }

// maxEmptyStreamEvents is the maximum number of consecutive empty events
// before treating the stream as malformed.
const maxEmptyStreamEvents = 300

// Stream streams the final answer. Thinking deltas are forwarded as
// Thinking chunks; the terminal chunk carries token usage.
func (s *ClaudeStrategy) Stream(ctx context.Context, msgs []Message, system string) <-chan StreamChunk {
	if err := s.checkConfig(); err != nil {
		return errorChunkStream("%v", err)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		stream, err := s.openStream(ctx, msgs, system, nil)
		if err != nil {
			chunks <- StreamChunk{Text: fmt.Sprintf("Error: %v", err)}
			chunks <- StreamChunk{Done: true}
			return
		}
		s.pumpStream(stream, chunks)
	}()
	return chunks
}

// Generate runs one non-streaming round, returning text, thinking and any
// tool calls the model requested.
func (s *ClaudeStrategy) Generate(ctx context.Context, msgs []Message, system string, tools []ToolDef) *GenerateResult {
	if err := s.checkConfig(); err != nil {
		return errorResult("%v", err)
	}

	params, err := s.buildParams(msgs, system, tools)
	if err != nil {
		return errorResult("%v", err)
	}

	var msg *anthropic.Message
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		msg, err = s.client.Messages.New(ctx, params)
		if err == nil {
			break
		}
		if !isRetryable(err) || attempt == s.maxRetries {
			return errorResult("claude request failed: %v", err)
		}
		backoff := s.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return errorResult("claude request cancelled: %v", ctx.Err())
		case <-time.After(backoff):
		}
	}

	result := &GenerateResult{}
	var text strings.Builder
	var thinking strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			thinking.WriteString(block.AsThinking().Thinking)
		case "tool_use":
			toolUse := block.AsToolUse()
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        toolUse.ID,
				Name:      toolUse.Name,
				Arguments: json.RawMessage(toolUse.Input),
			})
		}
	}
	result.Text = text.String()
	result.Thinking = thinking.String()
	result.Usage = usageFromCounts(int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens))
	return result
}

func (s *ClaudeStrategy) checkConfig() error {
	if s.apiKey == "" {
		return fmt.Errorf("claude provider is not configured (missing API key)")
	}
	if s.model == "" {
		return fmt.Errorf("claude provider is not configured (missing model)")
	}
	return nil
}

func (s *ClaudeStrategy) openStream(ctx context.Context, msgs []Message, system string, tools []ToolDef) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	params, err := s.buildParams(msgs, system, tools)
	if err != nil {
		return nil, err
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		stream = s.client.Messages.NewStreaming(ctx, params)
		if stream.Err() == nil {
			return stream, nil
		}
		err = stream.Err()
		if !isRetryable(err) || attempt == s.maxRetries {
			return nil, fmt.Errorf("claude request failed: %w", err)
		}
		backoff := s.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("claude request failed: %w", err)
}

// pumpStream converts Anthropic SSE events into StreamChunks. Tool input
// deltas are accumulated but tool calls are not expected here; Stream is
// only used for the final, tool-free answer.
func (s *ClaudeStrategy) pumpStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- StreamChunk) {
	emptyEvents := 0
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- StreamChunk{Text: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- StreamChunk{Thinking: delta.Thinking}
					processed = true
				}
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- StreamChunk{Text: "Error: claude stream error"}
			chunks <- StreamChunk{Done: true}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- StreamChunk{Text: fmt.Sprintf("Error: stream appears malformed: %d consecutive empty events", emptyEvents)}
				chunks <- StreamChunk{Done: true}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- StreamChunk{Text: fmt.Sprintf("Error: claude stream failed: %v", err)}
	}
	chunks <- StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func (s *ClaudeStrategy) buildParams(msgs []Message, system string, tools []ToolDef) (anthropic.MessageNewParams, error) {
	messages, err := convertClaudeMessages(msgs)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		Messages:  messages,
		MaxTokens: int64(s.maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		converted, err := convertClaudeTools(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = converted
	}
	return params, nil
}

// convertClaudeMessages maps neutral history onto Anthropic content blocks.
// System entries are skipped (carried in params.System); tool entries become
// user messages holding tool_result blocks.
func convertClaudeMessages(msgs []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range msgs {
		if msg.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertClaudeTools(tools []ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

// isRetryable classifies transient failures: rate limits, 5xx responses,
// timeouts and connection errors.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()

	if strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests") {
		return true
	}
	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "bad gateway") ||
		strings.Contains(msg, "service unavailable") ||
		strings.Contains(msg, "gateway timeout") {
		return true
	}
	if strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}
