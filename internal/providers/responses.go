package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ResponsesStrategy talks to the OpenAI Responses API over raw SSE. The
// Responses protocol carries the system prompt in an "instructions" field and
// emits reasoning summaries as separate events, which map to Thinking chunks.
//
// Function calling on the Responses endpoint is not wired here; Generate
// degrades to the chat-completions protocol against the same account, which
// keeps tool rounds on a single well-tested path.
type ResponsesStrategy struct {
	httpClient *http.Client
	chat       *ChatStrategy
	apiKey     string
	baseURL    string
	model      string
}

// ResponsesConfig configures a ResponsesStrategy.
type ResponsesConfig struct {
	APIKey  string
	BaseURL string
	// Model is the resolved model id (migrations already applied).
	Model string
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// NewResponsesStrategy creates a Responses strategy for the openai provider.
func NewResponsesStrategy(cfg ResponsesConfig) *ResponsesStrategy {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &ResponsesStrategy{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		chat: NewChatStrategy(ChatConfig{
			Provider: "openai",
			APIKey:   cfg.APIKey,
			BaseURL:  baseURL,
			Model:    cfg.Model,
		}),
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   cfg.Model,
	}
}

func (s *ResponsesStrategy) Name() string { return "openai" }

func (s *ResponsesStrategy) SupportsToolMessages() bool { return true }

// Generate delegates to chat completions, where function calling is native.
func (s *ResponsesStrategy) Generate(ctx context.Context, msgs []Message, system string, tools []ToolDef) *GenerateResult {
	return s.chat.Generate(ctx, msgs, system, tools)
}

// responsesInput converts neutral history to the Responses "input" array.
// Tool traffic maps to function_call / function_call_output items so the
// final stream still sees earlier tool rounds.
func responsesInput(msgs []Message) []map[string]any {
	input := make([]map[string]any, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Content != "" {
			input = append(input, map[string]any{
				"role":    string(msg.Role),
				"content": msg.Content,
			})
		}
		for _, call := range msg.ToolCalls {
			input = append(input, map[string]any{
				"type":      "function_call",
				"call_id":   call.ID,
				"name":      call.Name,
				"arguments": string(call.Arguments),
			})
		}
		for _, res := range msg.ToolResults {
			input = append(input, map[string]any{
				"type":    "function_call_output",
				"call_id": res.ToolCallID,
				"output":  res.Content,
			})
		}
	}
	return input
}

type responsesStreamEvent struct {
	Type     string `json:"type"`
	Delta    string `json:"delta"`
	Response struct {
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"response"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *ResponsesStrategy) Stream(ctx context.Context, msgs []Message, system string) <-chan StreamChunk {
	if s.apiKey == "" {
		return errorChunkStream("openai provider is not configured (missing API key)")
	}
	if s.model == "" {
		return errorChunkStream("openai provider is not configured (missing model)")
	}

	chunks := make(chan StreamChunk)
	go func() {
		defer close(chunks)

		payload := map[string]any{
			"model":  s.model,
			"input":  responsesInput(msgs),
			"stream": true,
		}
		if system != "" {
			payload["instructions"] = system
		}
		body, err := json.Marshal(payload)
		if err != nil {
			chunks <- StreamChunk{Text: fmt.Sprintf("Error: encode request: %v", err)}
			chunks <- StreamChunk{Done: true}
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/responses", bytes.NewReader(body))
		if err != nil {
			chunks <- StreamChunk{Text: fmt.Sprintf("Error: build request: %v", err)}
			chunks <- StreamChunk{Done: true}
			return
		}
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		resp, err := s.httpClient.Do(req)
		if err != nil {
			chunks <- StreamChunk{Text: fmt.Sprintf("Error: openai request failed: %v", err)}
			chunks <- StreamChunk{Done: true}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			chunks <- StreamChunk{Text: fmt.Sprintf("Error: openai returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))}
			chunks <- StreamChunk{Done: true}
			return
		}

		var inputTokens, outputTokens int
		err = parseSSE(resp.Body, func(_ string, data string) error {
			if data == "" || data == "[DONE]" {
				return nil
			}
			var event responsesStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				return nil // tolerate unknown event payloads
			}
			switch event.Type {
			case "response.output_text.delta":
				if event.Delta != "" {
					chunks <- StreamChunk{Text: event.Delta}
				}
			case "response.reasoning_summary_text.delta":
				if event.Delta != "" {
					chunks <- StreamChunk{Thinking: event.Delta}
				}
			case "response.completed":
				inputTokens = event.Response.Usage.InputTokens
				outputTokens = event.Response.Usage.OutputTokens
			case "response.failed", "error":
				msg := event.Error.Message
				if msg == "" {
					msg = "response failed"
				}
				chunks <- StreamChunk{Text: "Error: " + msg}
			}
			return nil
		})
		if err != nil {
			chunks <- StreamChunk{Text: fmt.Sprintf("Error: openai stream failed: %v", err)}
		}
		chunks <- StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
	}()
	return chunks
}

// parseSSE reads a Server-Sent-Events body and calls handler once per event
// with the event type and joined data lines.
func parseSSE(reader io.Reader, handler func(eventType, data string) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if eventType != "" || len(dataLines) > 0 {
				if err := handler(eventType, strings.Join(dataLines, "\n")); err != nil {
					return err
				}
				eventType = ""
				dataLines = nil
			}
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if len(dataLines) > 0 {
		if err := handler(eventType, strings.Join(dataLines, "\n")); err != nil {
			return err
		}
	}
	return scanner.Err()
}
