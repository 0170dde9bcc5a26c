package models

import (
	"encoding/json"
	"time"
)

// BotTool is a declaratively configured tool backed by an HTTP endpoint.
// The model sees its name, description and parameter schema; invocation is
// an HTTP call assembled from the parameter mapping, with no code involved.
type BotTool struct {
	ID          string          `json:"id"`
	TenantID    string          `json:"tenant_id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Method      string          `json:"method"`
	Endpoint    string          `json:"endpoint"`
	Parameters  json.RawMessage `json:"parameters"`
	// ParamMapping maps schema parameter names to request locations:
	// "query.x", "body.x" or "path.x". Unmapped parameters default to
	// query parameters under their own name.
	ParamMapping map[string]string `json:"param_mapping,omitempty"`
	APIKey       string            `json:"api_key,omitempty"`
	Enabled      bool              `json:"enabled"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Skill is a composite capability: a content body, ordered reference
// documents and linked scripts whose outputs are gathered into a single
// prompt and answered with one model call.
type Skill struct {
	ID          string           `json:"id"`
	TenantID    string           `json:"tenant_id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Content     string           `json:"content"`
	References  []SkillReference `json:"references,omitempty"`
	ScriptIDs   []string         `json:"script_ids,omitempty"`
	Enabled     bool             `json:"enabled"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SkillReference is one ordered reference document attached to a skill.
type SkillReference struct {
	Title    string `json:"title"`
	Content  string `json:"content"`
	Position int    `json:"position"`
}

// Script is a stored TypeScript snippet executed in a Deno sandbox.
type Script struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Code        string    `json:"code"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
}
