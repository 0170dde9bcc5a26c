// Package pipeline orchestrates one conversation turn: context gathering,
// the bounded tool-call loop and final streaming, ending in exactly one
// persisted assistant message.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mutiexpert/backend/internal/observability"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/retrieval"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/internal/tools"
	"github.com/mutiexpert/backend/internal/websearch"
	"github.com/mutiexpert/backend/pkg/models"
)

// Request describes one turn. It is built fresh per incoming message from
// the conversation record and the request payload; nothing here is persisted.
type Request struct {
	ConversationID string
	TenantID       string
	// Channel labels the consumer (web, feishu, scheduler) for metrics.
	Channel  string
	Provider string
	Model    string
	Message  string
	Modes    []models.ChatMode
	// KnowledgeBaseIDs scopes retrieval in knowledge mode.
	KnowledgeBaseIDs []string
	// History is the prior conversation window, oldest first.
	History []providers.Message
	// MemorySummary is the conversation's rolling digest, if any.
	MemorySummary string
	// Attachments are workspace files uploaded with this message; they are
	// described to the model so tools can operate on them.
	Attachments []models.FileAttachment
	// MaxToolRounds bounds the tool loop. Zero means the default of 5.
	MaxToolRounds int
}

const defaultMaxToolRounds = 5

func (r *Request) hasMode(mode models.ChatMode) bool {
	for _, m := range r.Modes {
		if m == mode {
			return true
		}
	}
	return false
}

// MemoryRefresher updates a conversation's rolling digest after a turn.
// Implementations run asynchronously; Refresh must not block.
type MemoryRefresher interface {
	Refresh(conversationID string)
}

// StrategyResolver maps a provider and model choice to a wire strategy.
// Production uses providers.Registry.
type StrategyResolver interface {
	Resolve(provider, model string) (providers.Strategy, string)
}

// Orchestrator wires the turn pipeline. Retrieval, search and memory are
// optional; a nil collaborator disables the corresponding step.
type Orchestrator struct {
	providers StrategyResolver
	tools     *tools.Registry
	retrieval *retrieval.Service
	search    *websearch.Client
	store     storage.Store
	memory    MemoryRefresher
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// Config wires an Orchestrator.
type Config struct {
	Providers StrategyResolver
	Tools     *tools.Registry
	Retrieval *retrieval.Service
	Search    *websearch.Client
	Store     storage.Store
	Memory    MemoryRefresher
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// New creates an orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		providers: cfg.Providers,
		tools:     cfg.Tools,
		retrieval: cfg.Retrieval,
		search:    cfg.Search,
		store:     cfg.Store,
		memory:    cfg.Memory,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Run executes one turn and returns its event stream. The channel is closed
// after the terminal done or error event. Events must be consumed promptly;
// the pipeline produces lazily and blocks on an unread channel.
func (o *Orchestrator) Run(ctx context.Context, req *Request) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

// turnState accumulates everything the terminal persistence step needs.
type turnState struct {
	text        strings.Builder
	thinking    strings.Builder
	sources     []models.Source
	records     []models.ToolCallRecord
	attachments []models.FileAttachment
	usage       *models.Usage
	started     time.Time
}

func (t *turnState) addUsage(u *models.Usage) {
	if u == nil {
		return
	}
	if t.usage == nil {
		t.usage = &models.Usage{}
	}
	t.usage.InputTokens += u.InputTokens
	t.usage.OutputTokens += u.OutputTokens
}

const (
	// toolResultEventLimit truncates tool output in tool_result events.
	toolResultEventLimit = 500
	// toolResultRecordLimit truncates tool output in persisted records.
	toolResultRecordLimit = 2000
	// flattenedResultLimit truncates tool output when history is flattened
	// for providers without a native tool role.
	flattenedResultLimit = 500
)

func (o *Orchestrator) run(ctx context.Context, req *Request, events chan<- Event) {
	state := &turnState{started: time.Now()}

	strategy, model := o.providers.Resolve(req.Provider, req.Model)
	system := o.buildSystemPrompt(ctx, req.TenantID)

	// Knowledge retrieval runs before any model call so citations reach the
	// client as early as possible.
	if o.retrieval != nil && req.hasMode(models.ModeKnowledge) && len(req.KnowledgeBaseIDs) > 0 {
		contextText, sources, err := o.retrieval.Retrieve(ctx, req.Message, req.KnowledgeBaseIDs, 0)
		if err != nil {
			o.logger.WarnContext(ctx, "retrieval failed, continuing without context", "error", err)
		} else if contextText != "" {
			system += "\n\n" + retrievalBlock(contextText, req.Message)
			state.sources = sources
			events <- Event{Type: EventSources, Sources: sources}
		}
	}

	if req.MemorySummary != "" {
		system += "\n\n" + memoryBlock(req.MemorySummary)
	}

	// Web search and retrieval are not mutually exclusive; when both hit,
	// the model sees both context blocks.
	if o.search != nil && req.hasMode(models.ModeSearch) {
		if results := o.search.Search(ctx, req.Message, 0); len(results) > 0 {
			system += "\n\n" + websearch.BuildContext(results, req.Message)
			events <- Event{Type: EventWebSearch, SearchResults: results}
		}
	}

	var toolSet *tools.ToolSet
	if o.tools != nil && req.hasMode(models.ModeTools) {
		ts, err := o.tools.Load(ctx, req.TenantID, strategy)
		if err != nil {
			o.logger.ErrorContext(ctx, "tool catalog unavailable, continuing without tools", "error", err)
		} else if !ts.Empty() {
			toolSet = ts
		}
	}

	msgs := append([]providers.Message{}, req.History...)
	msgs = append(msgs, providers.Message{
		Role:    models.RoleUser,
		Content: userContent(req.Message, req.Attachments),
	})

	o.logger.InfoContext(ctx, "turn started",
		"provider", req.Provider, "model", model, "channel", req.Channel,
		"modes", req.Modes, "history", len(req.History))

	if toolSet != nil {
		final := o.toolLoop(ctx, req, strategy, toolSet, system, &msgs, state, events)
		if final {
			o.finish(ctx, req, state, events)
			return
		}
	}

	// Final streaming. Providers without a native tool role get the tool
	// traffic flattened into plain text first.
	streamMsgs := msgs
	if !strategy.SupportsToolMessages() {
		streamMsgs = flattenToolMessages(msgs)
	}
	for chunk := range strategy.Stream(ctx, streamMsgs, system) {
		if chunk.Thinking != "" {
			state.thinking.WriteString(chunk.Thinking)
			events <- Event{Type: EventThinking, Content: chunk.Thinking}
		}
		if chunk.Text != "" {
			state.text.WriteString(chunk.Text)
			events <- Event{Type: EventChunk, Content: chunk.Text}
		}
		if chunk.Done && (chunk.InputTokens > 0 || chunk.OutputTokens > 0) {
			state.addUsage(&models.Usage{InputTokens: chunk.InputTokens, OutputTokens: chunk.OutputTokens})
		}
	}

	o.finish(ctx, req, state, events)
}

// toolLoop runs up to MaxToolRounds generate/execute rounds. It reports true
// when the model produced its final text inside the loop (no further
// streaming round is needed).
func (o *Orchestrator) toolLoop(ctx context.Context, req *Request, strategy providers.Strategy,
	toolSet *tools.ToolSet, system string, msgs *[]providers.Message, state *turnState, events chan<- Event) bool {

	maxRounds := req.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxToolRounds
	}

	seen := map[string]bool{}

	for round := 0; round < maxRounds; round++ {
		result := strategy.Generate(ctx, *msgs, system, toolSet.Defs())
		state.addUsage(result.Usage)

		if len(result.ToolCalls) == 0 {
			// The model answered directly; its text is the final answer.
			if result.Thinking != "" {
				state.thinking.WriteString(result.Thinking)
				events <- Event{Type: EventThinking, Content: result.Thinking}
			}
			if result.Text != "" {
				state.text.WriteString(result.Text)
				events <- Event{Type: EventChunk, Content: result.Text}
			}
			return true
		}

		for _, tc := range result.ToolCalls {
			key := dedupKey(tc)
			var out tools.Outcome
			duplicate := seen[key]
			if duplicate {
				// Hard idempotence guarantee: a repeated name+args pair is
				// never executed again within the turn.
				out = tools.Outcome{
					Text:    "This tool was already called with the same arguments; reuse the previous result.",
					Success: true,
				}
				o.logger.InfoContext(ctx, "duplicate tool call skipped", "tool", tc.Name)
				if o.metrics != nil {
					o.metrics.ToolInvocationCounter.WithLabelValues(tc.Name, "duplicate").Inc()
				}
			} else {
				seen[key] = true
				events <- Event{Type: EventToolStart, ToolName: tc.Name, ToolArgs: tc.Arguments}
				out = toolSet.Invoke(ctx, tc)
			}

			state.records = append(state.records, models.ToolCallRecord{
				ID:        tc.ID,
				Name:      tc.Name,
				Arguments: tc.Arguments,
				Result:    truncateRunes(out.Text, toolResultRecordLimit),
				IsError:   !out.Success,
				Duplicate: duplicate,
			})

			events <- Event{
				Type:        EventToolResult,
				ToolName:    tc.Name,
				ToolResult:  truncateRunes(out.Text, toolResultEventLimit),
				ToolSuccess: out.Success,
			}

			if tc.Name == tools.SendFileToolName && out.Success {
				if att := extractFileAttachment(out.Text); att != nil {
					state.attachments = append(state.attachments, *att)
					events <- Event{Type: EventFileAttachment, Attachment: att}
				}
			}

			*msgs = append(*msgs,
				providers.Message{Role: models.RoleAssistant, Content: result.Text, ToolCalls: []providers.ToolCall{tc}},
				providers.Message{Role: models.RoleTool, ToolResults: []providers.ToolResult{{
					ToolCallID: tc.ID,
					Name:       tc.Name,
					Content:    out.Text,
					IsError:    !out.Success,
				}}},
			)
		}
	}
	return false
}

// finish persists exactly one assistant message and emits the terminal event.
func (o *Orchestrator) finish(ctx context.Context, req *Request, state *turnState, events chan<- Event) {
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: req.ConversationID,
		Role:           models.RoleAssistant,
		Content:        state.text.String(),
		Thinking:       state.thinking.String(),
		Sources:        state.sources,
		ToolCalls:      state.records,
		Attachments:    state.attachments,
		Usage:          state.usage,
		LatencyMS:      time.Since(state.started).Milliseconds(),
		CreatedAt:      time.Now().UTC(),
	}

	if o.store != nil && req.ConversationID != "" {
		if err := o.store.AppendMessage(ctx, msg); err != nil {
			o.logger.ErrorContext(ctx, "persist assistant message failed", "error", err)
			events <- Event{Type: EventError, Err: fmt.Sprintf("persist assistant message: %v", err)}
			return
		}
	}

	if o.metrics != nil {
		o.metrics.TurnCounter.WithLabelValues(req.Channel, modesLabel(req.Modes)).Inc()
	}
	o.logger.InfoContext(ctx, "turn finished",
		"latency_ms", msg.LatencyMS, "tool_calls", len(msg.ToolCalls),
		"content_len", len(msg.Content))

	events <- Event{Type: EventDone, Message: msg}

	if o.memory != nil && req.ConversationID != "" {
		o.memory.Refresh(req.ConversationID)
	}
}

// Collect drains a turn's event stream into one aggregate result, for
// consumers that cannot stream (bot channels, scheduled tasks).
func (o *Orchestrator) Collect(ctx context.Context, req *Request) *Result {
	res := &Result{}
	for ev := range o.Run(ctx, req) {
		switch ev.Type {
		case EventChunk:
			res.Text += ev.Content
		case EventThinking:
			res.Thinking += ev.Content
		case EventSources:
			res.Sources = ev.Sources
		case EventFileAttachment:
			if ev.Attachment != nil {
				res.Attachments = append(res.Attachments, *ev.Attachment)
			}
		case EventDone:
			if ev.Message != nil {
				res.ToolCalls = ev.Message.ToolCalls
				res.Usage = ev.Message.Usage
			}
		case EventError:
			res.Err = ev.Err
		}
	}
	return res
}

// userContent prefixes the message with descriptions of uploaded files so
// the model knows their workspace paths.
func userContent(message string, attachments []models.FileAttachment) string {
	if len(attachments) == 0 {
		return message
	}
	var lines []string
	for _, att := range attachments {
		lines = append(lines, fmt.Sprintf("[uploaded file] %s (%d bytes, %s), workspace path: %s",
			att.Name, att.Size, att.MIME, att.Path))
	}
	return strings.Join(lines, "\n") + "\n\n" + message
}

// dedupKey canonicalizes a tool call to name plus sorted-key JSON arguments.
func dedupKey(tc providers.ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		return tc.Name + "|" + string(tc.Arguments)
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		return tc.Name + "|" + string(tc.Arguments)
	}
	return tc.Name + "|" + string(canonical)
}

// flattenToolMessages rewrites tool traffic as plain user/assistant text for
// providers whose wire protocol has no tool role. Only tool names are kept
// on the assistant side so the model does not replay full call payloads.
func flattenToolMessages(msgs []providers.Message) []providers.Message {
	flattened := make([]providers.Message, 0, len(msgs))
	for _, msg := range msgs {
		switch {
		case msg.Role == models.RoleTool:
			var outputs []string
			for _, tr := range msg.ToolResults {
				outputs = append(outputs, truncateRunes(tr.Content, flattenedResultLimit))
			}
			flattened = append(flattened, providers.Message{
				Role:    models.RoleUser,
				Content: "[Tool result]\n" + strings.Join(outputs, "\n"),
			})
		case msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0:
			var names []string
			for _, tc := range msg.ToolCalls {
				names = append(names, tc.Name)
			}
			summary := "Called tools: " + strings.Join(names, ", ")
			if msg.Content != "" {
				summary = msg.Content + "\n" + summary
			}
			flattened = append(flattened, providers.Message{Role: models.RoleAssistant, Content: summary})
		default:
			flattened = append(flattened, msg)
		}
	}
	return flattened
}

// extractFileAttachment parses a send-file tool result for its file payload.
func extractFileAttachment(resultText string) *models.FileAttachment {
	var payload struct {
		File struct {
			Filename string `json:"filename"`
			Path     string `json:"path"`
			Size     int64  `json:"size"`
			MIME     string `json:"mime_type"`
		} `json:"file"`
	}
	if err := json.Unmarshal([]byte(resultText), &payload); err != nil {
		return nil
	}
	if payload.File.Filename == "" {
		return nil
	}
	return &models.FileAttachment{
		Name: payload.File.Filename,
		Path: payload.File.Path,
		Size: payload.File.Size,
		MIME: payload.File.MIME,
	}
}

func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func modesLabel(modes []models.ChatMode) string {
	if len(modes) == 0 {
		return "chat"
	}
	parts := make([]string, len(modes))
	for i, m := range modes {
		parts[i] = string(m)
	}
	return strings.Join(parts, "+")
}
