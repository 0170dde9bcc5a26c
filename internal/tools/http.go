package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mutiexpert/backend/pkg/models"
)

// invokeBotTool performs the HTTP call a bot tool describes. Arguments are
// routed by the tool's parameter mapping: "query.x", "body.x" or "path.x";
// unmapped arguments become query parameters under their own name.
func (r *Registry) invokeBotTool(ctx context.Context, tool *models.BotTool, args map[string]any) Outcome {
	endpoint := tool.Endpoint
	query := url.Values{}
	body := map[string]any{}

	for name, value := range args {
		target, mapped := tool.ParamMapping[name]
		if !mapped {
			target = "query." + name
		}
		switch {
		case strings.HasPrefix(target, "query."):
			query.Set(strings.TrimPrefix(target, "query."), fmt.Sprint(value))
		case strings.HasPrefix(target, "body."):
			body[strings.TrimPrefix(target, "body.")] = value
		case strings.HasPrefix(target, "path."):
			placeholder := "{" + strings.TrimPrefix(target, "path.") + "}"
			endpoint = strings.ReplaceAll(endpoint, placeholder, url.PathEscape(fmt.Sprint(value)))
		default:
			query.Set(name, fmt.Sprint(value))
		}
	}

	reqURL := endpoint
	if !strings.Contains(endpoint, "://") {
		reqURL = r.baseURL + endpoint
	}
	if encoded := query.Encode(); encoded != "" {
		sep := "?"
		if strings.Contains(reqURL, "?") {
			sep = "&"
		}
		reqURL += sep + encoded
	}

	method := strings.ToUpper(tool.Method)
	var reqBody io.Reader
	switch method {
	case http.MethodGet, http.MethodDelete:
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		encoded, err := json.Marshal(body)
		if err != nil {
			return Outcome{Text: fmt.Sprintf("Encode request body: %v", err)}
		}
		reqBody = bytes.NewReader(encoded)
	default:
		return Outcome{Text: fmt.Sprintf("Unsupported method: %s", method)}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return Outcome{Text: fmt.Sprintf("Build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	apiKey := tool.APIKey
	if apiKey == "" {
		apiKey = r.apiKey
	}
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Outcome{Text: fmt.Sprintf("Operation failed: %v", err)}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{Text: fmt.Sprintf("Read response: %v", err)}
	}

	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		data = strings.TrimSpace(string(raw))
	}

	success := resp.StatusCode >= 200 && resp.StatusCode < 400
	if !success {
		return Outcome{Text: fmt.Sprintf("Operation failed (%d): %s", resp.StatusCode, failureDetail(data))}
	}
	return Outcome{Text: formatResult(data), Success: true}
}

// failureDetail extracts the most useful error text from a failure payload.
func failureDetail(data any) string {
	if m, ok := data.(map[string]any); ok {
		for _, key := range []string{"detail", "error", "message"} {
			if v, ok := m[key]; ok {
				return fmt.Sprint(v)
			}
		}
	}
	if s, ok := data.(string); ok && s != "" {
		return s
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return "unknown error"
	}
	return string(encoded)
}

const maxListPreview = 20

// formatResult renders a successful API payload as text for the model.
// Lists become a numbered preview, sandbox-shaped objects reduce to their
// output, objects with a message field reduce to the message, and everything
// else stays as JSON so the model can parse structured payloads like file
// descriptors.
func formatResult(data any) string {
	switch v := data.(type) {
	case []any:
		if len(v) == 0 {
			return "No results."
		}
		var lines []string
		for i, item := range v {
			if i == maxListPreview {
				break
			}
			lines = append(lines, fmt.Sprintf("%d. %s", i+1, listItemLabel(item)))
		}
		header := fmt.Sprintf("%d results", len(v))
		if len(v) > maxListPreview {
			header += fmt.Sprintf(" (showing first %d)", maxListPreview)
		}
		return header + ":\n" + strings.Join(lines, "\n")

	case map[string]any:
		_, hasFile := v["file"]
		// Sandbox-shaped payloads carry their text in "output".
		if out, ok := v["output"]; ok && !hasFile {
			if _, sandboxShaped := v["success"]; sandboxShaped {
				return fmt.Sprint(out)
			}
		}
		if msg, ok := v["message"]; ok && !hasFile {
			return fmt.Sprint(msg)
		}
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(encoded)

	default:
		return fmt.Sprint(v)
	}
}

// listItemLabel summarizes one list entry to a single line.
func listItemLabel(item any) string {
	m, ok := item.(map[string]any)
	if !ok {
		return fmt.Sprint(item)
	}
	var name string
	for _, key := range []string{"name", "title", "id"} {
		if v, ok := m[key]; ok {
			name = fmt.Sprint(v)
			break
		}
	}
	for _, key := range []string{"status", "enabled"} {
		if v, ok := m[key]; ok {
			return fmt.Sprintf("%s [%v]", name, v)
		}
	}
	return name
}
