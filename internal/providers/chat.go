package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ChatStrategy talks to OpenAI-compatible chat-completions endpoints. It
// serves openai itself plus compatible vendors (deepseek, qwen) that differ
// only in base URL and in whether tool roles are reliable.
//
// DeepSeek-style reasoning deltas (reasoning_content) are forwarded as
// Thinking chunks.
type ChatStrategy struct {
	client       *openai.Client
	provider     string
	apiKey       string
	model        string
	toolMessages bool
}

// ChatConfig configures a ChatStrategy.
type ChatConfig struct {
	// Provider is the configured provider id (openai, deepseek, qwen, ...).
	Provider string
	APIKey   string
	BaseURL  string
	// Model is the resolved model id (migrations already applied).
	Model string
}

// NewChatStrategy creates a chat-completions strategy. Only openai keeps
// structured tool messages in history; compatible vendors get flattened
// tool traffic from the pipeline.
func NewChatStrategy(cfg ChatConfig) *ChatStrategy {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	return &ChatStrategy{
		client:       openai.NewClientWithConfig(clientCfg),
		provider:     cfg.Provider,
		apiKey:       cfg.APIKey,
		model:        cfg.Model,
		toolMessages: cfg.Provider == "openai",
	}
}

func (s *ChatStrategy) Name() string { return s.provider }

func (s *ChatStrategy) SupportsToolMessages() bool { return s.toolMessages }

func (s *ChatStrategy) Stream(ctx context.Context, msgs []Message, system string) <-chan StreamChunk {
	if err := s.checkConfig(); err != nil {
		return errorChunkStream("%v", err)
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		req := openai.ChatCompletionRequest{
			Model:    s.model,
			Messages: convertChatMessages(msgs, system),
			Stream:   true,
			StreamOptions: &openai.StreamOptions{
				IncludeUsage: true,
			},
		}
		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			chunks <- StreamChunk{Text: fmt.Sprintf("Error: %s request failed: %v", s.provider, err)}
			chunks <- StreamChunk{Done: true}
			return
		}
		defer stream.Close()

		var inputTokens, outputTokens int
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				chunks <- StreamChunk{Text: fmt.Sprintf("Error: %s stream failed: %v", s.provider, err)}
				break
			}
			if resp.Usage != nil {
				inputTokens = resp.Usage.PromptTokens
				outputTokens = resp.Usage.CompletionTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.ReasoningContent != "" {
				chunks <- StreamChunk{Thinking: delta.ReasoningContent}
			}
			if delta.Content != "" {
				chunks <- StreamChunk{Text: delta.Content}
			}
		}
		chunks <- StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()
	return chunks
}

func (s *ChatStrategy) Generate(ctx context.Context, msgs []Message, system string, tools []ToolDef) *GenerateResult {
	if err := s.checkConfig(); err != nil {
		return errorResult("%v", err)
	}

	req := openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: convertChatMessages(msgs, system),
	}
	if len(tools) > 0 {
		req.Tools = convertChatTools(tools)
	}

	resp, err := s.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return errorResult("%s request failed: %v", s.provider, err)
	}
	if len(resp.Choices) == 0 {
		return errorResult("%s returned an empty response", s.provider)
	}

	choice := resp.Choices[0]
	result := &GenerateResult{
		Text:     choice.Message.Content,
		Thinking: choice.Message.ReasoningContent,
		Usage:    usageFromCounts(resp.Usage.PromptTokens, resp.Usage.CompletionTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return result
}

func (s *ChatStrategy) checkConfig() error {
	if s.apiKey == "" {
		return fmt.Errorf("%s provider is not configured (missing API key)", s.provider)
	}
	if s.model == "" {
		return fmt.Errorf("%s provider is not configured (missing model)", s.provider)
	}
	return nil
}

// convertChatMessages maps neutral history onto chat-completions messages,
// injecting the system prompt first.
func convertChatMessages(msgs []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range msgs {
		switch {
		case len(msg.ToolResults) > 0:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case len(msg.ToolCalls) > 0:
			m := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, m)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return result
}

func convertChatTools(tools []ToolDef) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return result
}
