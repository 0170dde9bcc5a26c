package providers

import (
	"context"
	"strings"
	"testing"

	"github.com/mutiexpert/backend/internal/config"
)

func TestResolveAppliesModelMigrations(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"claude": {
			APIKey: "k",
			Model:  "claude-3-opus",
			ModelMigrations: map[string]string{
				"claude-3-opus": "claude-sonnet-4-20250514",
			},
		},
	}
	reg := NewRegistry(cfg)

	_, model := reg.Resolve("claude", "")
	if model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q, want migrated id", model)
	}

	// explicit model request also goes through migrations
	_, model = reg.Resolve("claude", "claude-3-opus")
	if model != "claude-sonnet-4-20250514" {
		t.Errorf("explicit model = %q, want migrated id", model)
	}
}

func TestResolveCodexAlias(t *testing.T) {
	cfg := config.Default()
	cfg.Providers = map[string]config.ProviderConfig{
		"openai": {APIKey: "k", Model: "gpt-5"},
	}
	reg := NewRegistry(cfg)

	s, model := reg.Resolve("codex", "")
	if s.Name() != "openai" {
		t.Errorf("strategy name = %q, want openai", s.Name())
	}
	if model != "gpt-5" {
		t.Errorf("model = %q, want gpt-5", model)
	}
}

func TestUnconfiguredProviderYieldsErrorText(t *testing.T) {
	reg := NewRegistry(config.Default())
	s, _ := reg.Resolve("deepseek", "")

	var text strings.Builder
	sawDone := false
	for chunk := range s.Stream(context.Background(), []Message{{Role: "user", Content: "hi"}}, "") {
		text.WriteString(chunk.Text)
		if chunk.Done {
			sawDone = true
		}
	}
	if !strings.HasPrefix(text.String(), "Error:") {
		t.Errorf("stream text = %q, want Error: prefix", text.String())
	}
	if !sawDone {
		t.Error("stream did not emit a terminal chunk")
	}

	result := s.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}}, "", nil)
	if !strings.HasPrefix(result.Text, "Error:") {
		t.Errorf("generate text = %q, want Error: prefix", result.Text)
	}
}
