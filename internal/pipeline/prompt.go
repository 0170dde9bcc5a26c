package pipeline

import (
	"context"
	"fmt"
	"strings"
)

// identityPrompt is the static platform identity shared by every model call.
const identityPrompt = `You are the MutiExpert assistant, the AI core of a multi-industry
knowledge management platform. The platform helps users consolidate knowledge
across industries, automate workflows and manage day-to-day tasks.`

const guidelinesPrompt = `Guidelines:
- Keep a professional but friendly tone
- Prefer knowledge-base content and cite sources by number, like [source 1]
- When the knowledge bases have nothing relevant, say so and answer from general knowledge
- Point out cross-industry connections when you notice them
- Keep answers structured and well organized
- For mutating operations (create, delete, update), confirm the user's intent first`

const capabilityListLimit = 20

// buildSystemPrompt assembles the identity, guidelines and a live summary of
// the tenant's capabilities. The catalog is re-queried every turn so new
// tools, scripts and knowledge bases show up without restarts.
func (o *Orchestrator) buildSystemPrompt(ctx context.Context, tenantID string) string {
	sections := []string{identityPrompt, guidelinesPrompt}

	if caps := o.capabilitySummary(ctx, tenantID); caps != "" {
		sections = append(sections, "## Platform capabilities\n\n"+caps)
	}
	return strings.Join(sections, "\n\n")
}

func (o *Orchestrator) capabilitySummary(ctx context.Context, tenantID string) string {
	var parts []string

	if kbs, err := o.store.ListKnowledgeBases(ctx, tenantID); err == nil && len(kbs) > 0 {
		var lines []string
		for i, kb := range kbs {
			if i == capabilityListLimit {
				break
			}
			line := "- " + kb.Name
			if kb.Description != "" {
				line += " (" + kb.Description + ")"
			}
			lines = append(lines, line)
		}
		parts = append(parts, "### Knowledge bases\nSearchable to answer questions:\n"+strings.Join(lines, "\n"))
	}

	if tools, err := o.store.ListBotTools(ctx, tenantID, true); err == nil && len(tools) > 0 {
		var lines []string
		for _, t := range tools {
			lines = append(lines, fmt.Sprintf("- `%s`: %s", t.Name, t.Description))
		}
		parts = append(parts, "### Available tools\n"+strings.Join(lines, "\n"))
	}

	if scripts, err := o.store.ListScripts(ctx, tenantID); err == nil && len(scripts) > 0 {
		var lines []string
		for i, s := range scripts {
			if i == capabilityListLimit {
				break
			}
			lines = append(lines, "- "+s.Name)
		}
		parts = append(parts, "### User scripts\nTypeScript scripts runnable via scheduled tasks:\n"+strings.Join(lines, "\n"))
	}

	if tasks, err := o.store.ListScheduledTasks(ctx, true); err == nil && len(tasks) > 0 {
		var lines []string
		for i, task := range tasks {
			if i == capabilityListLimit {
				break
			}
			lines = append(lines, fmt.Sprintf("- %s (%s, cron: `%s`)", task.Name, task.Kind, task.Cron))
		}
		parts = append(parts, "### Scheduled tasks\nCurrently active:\n"+strings.Join(lines, "\n"))
	}

	if skills, err := o.store.ListSkills(ctx, tenantID, true); err == nil && len(skills) > 0 {
		var lines []string
		for _, s := range skills {
			lines = append(lines, fmt.Sprintf("- %s: %s", s.Name, s.Description))
		}
		parts = append(parts, "### Skills\nApply them where they fit:\n"+strings.Join(lines, "\n"))
	}

	return strings.Join(parts, "\n\n")
}

// retrievalBlock wraps retrieved knowledge-base content for the system prompt.
func retrievalBlock(contextText, query string) string {
	return fmt.Sprintf("Relevant content retrieved from the knowledge bases:\n\n%s\n\n---\n\nUser question: %s",
		contextText, query)
}

// memoryBlock wraps the rolling conversation digest as background context.
func memoryBlock(summary string) string {
	return "Conversation memory digest (background only, do not repeat verbatim):\n" + summary
}
