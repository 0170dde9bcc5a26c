// Package tools assembles the per-turn tool catalog offered to the model and
// dispatches tool calls. Three kinds of tools share one flat namespace:
//
//   - bot tools: declarative HTTP endpoints configured per tenant
//   - skills: prompt-composition capabilities, exposed as skill_<name>
//   - builtins: sandbox, web fetch and web search operations
//
// Invocation never returns a Go error to the model loop; failures become
// result text the model can read and react to.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mutiexpert/backend/internal/observability"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/sandbox"
	"github.com/mutiexpert/backend/internal/scripts"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/internal/websearch"
)

// Generator is the single-shot model call used to answer skill invocations.
type Generator interface {
	Generate(ctx context.Context, msgs []providers.Message, system string, tools []providers.ToolDef) *providers.GenerateResult
}

// Outcome is the result of one tool invocation.
type Outcome struct {
	Text    string
	Success bool
}

// handler executes one named tool.
type handler func(ctx context.Context, args map[string]any) Outcome

// Registry builds tool sets from the tenant's capability catalog.
type Registry struct {
	store   storage.CapabilityStore
	sandbox *sandbox.Sandbox
	search  *websearch.Client
	scripts *scripts.Runner

	// baseURL and apiKey configure loopback bot-tool calls.
	baseURL string
	apiKey  string

	httpClient *http.Client
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	Store   storage.CapabilityStore
	Sandbox *sandbox.Sandbox
	Search  *websearch.Client
	Scripts *scripts.Runner
	BaseURL string
	APIKey  string
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

const botToolTimeout = 15 * time.Second

// NewRegistry creates a tool registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      cfg.Store,
		sandbox:    cfg.Sandbox,
		search:     cfg.Search,
		scripts:    cfg.Scripts,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: botToolTimeout},
		logger:     logger,
		metrics:    cfg.Metrics,
	}
}

// ToolSet is the catalog for one turn: the definitions offered to the model
// and the handlers behind them.
type ToolSet struct {
	defs     []providers.ToolDef
	handlers map[string]handler
	schemas  map[string]*jsonschema.Schema
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Load queries the tenant's catalog and builds the turn's tool set. The
// generator answers skill invocations. Tools with invalid parameter schemas
// or colliding names are skipped with a warning rather than failing the turn.
func (r *Registry) Load(ctx context.Context, tenantID string, gen Generator) (*ToolSet, error) {
	ts := &ToolSet{
		handlers: make(map[string]handler),
		schemas:  make(map[string]*jsonschema.Schema),
		logger:   r.logger,
		metrics:  r.metrics,
	}

	if r.sandbox != nil {
		r.addBuiltins(ts)
	}

	botTools, err := r.store.ListBotTools(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("list bot tools: %w", err)
	}
	for _, t := range botTools {
		tool := t
		r.add(ts, providers.ToolDef{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  normalizeSchema(tool.Parameters),
		}, func(ctx context.Context, args map[string]any) Outcome {
			return r.invokeBotTool(ctx, tool, args)
		})
	}

	skills, err := r.store.ListSkills(ctx, tenantID, true)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	for _, sk := range skills {
		if sk.Description == "" {
			continue
		}
		skill := sk
		r.add(ts, providers.ToolDef{
			Name:        SkillToolName(skill.Name),
			Description: skill.Description,
			Parameters:  json.RawMessage(skillParameterSchema),
		}, func(ctx context.Context, args map[string]any) Outcome {
			query, _ := args["query"].(string)
			return r.invokeSkill(ctx, skill, query, gen)
		})
	}

	return ts, nil
}

// add registers one tool, enforcing the collision and schema checks.
func (r *Registry) add(ts *ToolSet, def providers.ToolDef, h handler) {
	if _, exists := ts.handlers[def.Name]; exists {
		r.logger.Warn("tool name collision, keeping first definition", "tool", def.Name)
		return
	}
	schema, err := jsonschema.CompileString(def.Name+".json", string(def.Parameters))
	if err != nil {
		r.logger.Warn("tool has invalid parameter schema, skipping",
			"tool", def.Name, "error", err)
		return
	}
	ts.defs = append(ts.defs, def)
	ts.handlers[def.Name] = h
	ts.schemas[def.Name] = schema
}

// SkillToolName derives the namespaced tool name for a skill.
func SkillToolName(name string) string {
	return "skill_" + strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

const skillParameterSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The user's concrete question or request"}
	},
	"required": ["query"]
}`

// normalizeSchema substitutes an empty object schema for missing parameters.
func normalizeSchema(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return raw
}

// Defs returns the tool definitions for the model, nil when empty.
func (ts *ToolSet) Defs() []providers.ToolDef {
	return ts.defs
}

// Empty reports whether no tools are available this turn.
func (ts *ToolSet) Empty() bool {
	return len(ts.defs) == 0
}

// Invoke dispatches one tool call. Unknown names and argument-schema
// mismatches produce failure text, never an error.
func (ts *ToolSet) Invoke(ctx context.Context, call providers.ToolCall) Outcome {
	h, ok := ts.handlers[call.Name]
	if !ok {
		return Outcome{Text: fmt.Sprintf("Unknown tool: %s", call.Name)}
	}

	args := map[string]any{}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return Outcome{Text: fmt.Sprintf("Invalid tool arguments: %v", err)}
		}
	}
	if schema := ts.schemas[call.Name]; schema != nil {
		var v any = args
		if err := schema.Validate(v); err != nil {
			return Outcome{Text: fmt.Sprintf("Arguments do not match the tool's schema: %v", err)}
		}
	}

	start := time.Now()
	out := h(ctx, args)
	if ts.metrics != nil {
		status := "ok"
		if !out.Success {
			status = "error"
		}
		ts.metrics.ToolInvocationCounter.WithLabelValues(call.Name, status).Inc()
		ts.metrics.ToolInvocationDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
	}
	ts.logger.DebugContext(ctx, "tool invoked",
		"tool", call.Name, "success", out.Success,
		"duration_ms", time.Since(start).Milliseconds())
	return out
}
