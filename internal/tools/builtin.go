package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"

	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/sandbox"
	"github.com/mutiexpert/backend/internal/websearch"
)

// SendFileToolName is the builtin whose results carry a downloadable file
// payload; the pipeline watches for it to emit attachment events.
const SendFileToolName = "sandbox_send_file"

// builtinDef pairs a definition with its handler.
type builtinDef struct {
	def     providers.ToolDef
	handler handler
}

// addBuiltins registers the sandbox, web fetch and web search tools.
func (r *Registry) addBuiltins(ts *ToolSet) {
	for _, b := range r.builtins() {
		r.add(ts, b.def, b.handler)
	}
}

func (r *Registry) builtins() []builtinDef {
	defs := []builtinDef{
		{
			def: providers.ToolDef{
				Name:        "sandbox_shell",
				Description: "Run a shell command in the sandbox workspace. Suitable for ls, grep, curl, git, wc and similar operations. Verify the command before running it and avoid repeating the same command.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"command": {"type": "string", "description": "Shell command to run"},
						"cwd": {"type": "string", "description": "Working directory relative to the workspace"}
					},
					"required": ["command"]
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				command, _ := args["command"].(string)
				cwd, _ := args["cwd"].(string)
				return r.sandboxOutcome(ctx, "shell", r.sandbox.ExecuteShell(ctx, command, cwd))
			},
		},
		{
			def: providers.ToolDef{
				Name:        "sandbox_python",
				Description: "Run Python code in the sandbox. Suitable for data processing, calculations, file conversion and text analysis. The code runs inside the workspace and can read and write workspace files.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"code": {"type": "string", "description": "Python code to run"}
					},
					"required": ["code"]
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				code, _ := args["code"].(string)
				return r.sandboxOutcome(ctx, "python", r.sandbox.ExecutePython(ctx, code))
			},
		},
		{
			def: providers.ToolDef{
				Name:        "sandbox_list_files",
				Description: "List one level of a workspace directory (not recursive). Omit path for the workspace root. Browse layer by layer instead of expanding everything at once.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "Directory path relative to the workspace"}
					}
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				path, _ := args["path"].(string)
				return r.sandboxOutcome(ctx, "list_files", r.sandbox.ListFiles(path))
			},
		},
		{
			def: providers.ToolDef{
				Name:        "sandbox_read_file",
				Description: "Read a workspace file as text.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "File path relative to the workspace"}
					},
					"required": ["path"]
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				path, _ := args["path"].(string)
				return r.sandboxOutcome(ctx, "read_file", r.sandbox.ReadFile(path))
			},
		},
		{
			def: providers.ToolDef{
				Name:        "sandbox_write_file",
				Description: "Create or overwrite a workspace file. Existing files are overwritten.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "File path relative to the workspace"},
						"content": {"type": "string", "description": "File content"}
					},
					"required": ["path", "content"]
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				path, _ := args["path"].(string)
				content, _ := args["content"].(string)
				return r.sandboxOutcome(ctx, "write_file", r.sandbox.WriteFile(path, content))
			},
		},
		{
			def: providers.ToolDef{
				Name:        "sandbox_delete_file",
				Description: "Delete a workspace file. This is irreversible; confirm the user's intent first.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "File path relative to the workspace"}
					},
					"required": ["path"]
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				path, _ := args["path"].(string)
				return r.sandboxOutcome(ctx, "delete_file", r.sandbox.DeleteFile(path))
			},
		},
		{
			def: providers.ToolDef{
				Name:        SendFileToolName,
				Description: "Deliver a workspace file to the conversation for the user to download. Confirm the file exists first with sandbox_list_files.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"path": {"type": "string", "description": "File path relative to the workspace"}
					},
					"required": ["path"]
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				path, _ := args["path"].(string)
				return r.sendFile(path)
			},
		},
		{
			def: providers.ToolDef{
				Name:        "sandbox_fetch_url",
				Description: "Fetch a web page and extract its readable content. mode=auto extracts intelligently with a rendering fallback for script-heavy pages, mode=jina forces the rendering proxy and returns Markdown, mode=raw returns the raw body.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"url": {"type": "string", "description": "Full URL including https://"},
						"mode": {"type": "string", "enum": ["auto", "jina", "raw"], "description": "Fetch mode, default auto"}
					},
					"required": ["url"]
				}`),
			},
			handler: func(ctx context.Context, args map[string]any) Outcome {
				rawURL, _ := args["url"].(string)
				mode, _ := args["mode"].(string)
				return r.sandboxOutcome(ctx, "fetch_url", r.sandbox.FetchURL(ctx, rawURL, mode))
			},
		},
	}

	if r.search != nil && r.search.Enabled() {
		defs = append(defs, builtinDef{
			def: providers.ToolDef{
				Name:        "web_search",
				Description: "Search the internet for current information. Returns page titles, links and summaries. Use for recent news, documentation and anything not covered by the knowledge bases.",
				Parameters: json.RawMessage(`{
					"type": "object",
					"properties": {
						"query": {"type": "string", "description": "Search keywords, as specific as possible"},
						"max_results": {"type": "integer", "description": "Maximum results, default 5, max 10"}
					},
					"required": ["query"]
				}`),
			},
			handler: r.webSearch,
		})
	}

	return defs
}

// sandboxOutcome converts a sandbox result into tool output.
func (r *Registry) sandboxOutcome(ctx context.Context, op string, res sandbox.Result) Outcome {
	if r.metrics != nil {
		status := "ok"
		if !res.Success {
			status = "error"
		}
		r.metrics.SandboxOpCounter.WithLabelValues(op, status).Inc()
	}
	if !res.Success {
		text := res.Error
		if text == "" {
			text = "operation failed"
		}
		return Outcome{Text: text}
	}
	return Outcome{Text: res.Output, Success: true}
}

// sendFile verifies the file and returns a JSON payload describing it. The
// payload stays machine parseable so the pipeline can surface it as an
// attachment event.
func (r *Registry) sendFile(path string) Outcome {
	absPath, size, err := r.sandbox.FileInfo(path)
	if err != nil {
		return Outcome{Text: fmt.Sprintf("Operation failed: %v", err)}
	}

	mimeType := mime.TypeByExtension(filepath.Ext(absPath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	payload := map[string]any{
		"message": "file ready to deliver",
		"file": map[string]any{
			"filename":  filepath.Base(absPath),
			"path":      path,
			"size":      size,
			"mime_type": mimeType,
		},
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Outcome{Text: fmt.Sprintf("Encode file payload: %v", err)}
	}
	return Outcome{Text: string(encoded), Success: true}
}

const maxWebSearchResults = 10

func (r *Registry) webSearch(ctx context.Context, args map[string]any) Outcome {
	query, _ := args["query"].(string)
	maxResults := 5
	if v, ok := args["max_results"].(float64); ok && v > 0 {
		maxResults = int(v)
	}
	if maxResults > maxWebSearchResults {
		maxResults = maxWebSearchResults
	}

	results := r.search.Search(ctx, query, maxResults)
	if len(results) == 0 {
		return Outcome{Text: "No results.", Success: true}
	}
	return Outcome{Text: websearch.BuildContext(results, query), Success: true}
}
