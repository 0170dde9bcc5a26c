package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info("provider configured",
		"detail", "api_key = sk-ant-"+strings.Repeat("a", 100))

	out := buf.String()
	if strings.Contains(out, "sk-ant-") {
		t.Errorf("anthropic key leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("no redaction marker: %s", out)
	}
}

func TestLoggerRedactsSensitiveKeysAndErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Error("request failed",
		"api_key", "plain-value",
		"error", errors.New("bearer "+strings.Repeat("x", 32)+" rejected"))

	out := buf.String()
	if strings.Contains(out, "plain-value") {
		t.Errorf("sensitive key value leaked: %s", out)
	}
	if strings.Contains(out, strings.Repeat("x", 32)) {
		t.Errorf("token inside error leaked: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	ctx := AddConversationID(context.Background(), "conv-1")
	ctx = AddTenantID(ctx, "tenant-1")
	logger.InfoContext(ctx, "turn started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("log output not JSON: %v", err)
	}
	if record["conversation_id"] != "conv-1" {
		t.Errorf("conversation_id = %v", record["conversation_id"])
	}
	if record["tenant_id"] != "tenant-1" {
		t.Errorf("tenant_id = %v", record["tenant_id"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("hidden")
	logger.Info("also hidden")
	logger.Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("below-level records logged: %s", out)
	}
	if !strings.Contains(out, "visible") {
		t.Errorf("warn record missing: %s", out)
	}
}
