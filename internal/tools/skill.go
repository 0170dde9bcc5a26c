package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/pkg/models"
)

// invokeSkill assembles the skill's content, ordered references and linked
// script outputs into one prompt and answers it with a single model call.
func (r *Registry) invokeSkill(ctx context.Context, skill *models.Skill, query string, gen Generator) Outcome {
	if gen == nil {
		return Outcome{Text: "No model available to answer the skill"}
	}

	var parts []string
	if skill.Content != "" {
		parts = append(parts, "Skill content:\n"+skill.Content)
	}

	if refs := referenceContext(skill.References); refs != "" {
		parts = append(parts, refs)
	}

	if outputs := r.runLinkedScripts(ctx, skill); len(outputs) > 0 {
		parts = append(parts, "Script outputs:\n"+strings.Join(outputs, "\n"))
	}

	parts = append(parts, "User question: "+query)

	result := gen.Generate(ctx, []providers.Message{
		{Role: models.RoleUser, Content: strings.Join(parts, "\n\n")},
	}, "", nil)

	if result.Text == "" {
		return Outcome{Text: "Unable to produce an answer"}
	}
	return Outcome{Text: result.Text, Success: true}
}

// referenceContext renders the skill's reference documents in order.
func referenceContext(refs []models.SkillReference) string {
	if len(refs) == 0 {
		return ""
	}
	ordered := append([]models.SkillReference{}, refs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})

	var b strings.Builder
	for _, ref := range ordered {
		if ref.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "### Reference: %s\n%s\n\n", ref.Title, ref.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// runLinkedScripts executes the skill's linked scripts in order, collecting
// one output line block per script. Failed runs contribute their error text
// so the model knows the data is missing.
func (r *Registry) runLinkedScripts(ctx context.Context, skill *models.Skill) []string {
	if r.scripts == nil || len(skill.ScriptIDs) == 0 {
		return nil
	}

	var outputs []string
	for _, id := range skill.ScriptIDs {
		script, err := r.store.GetScript(ctx, id)
		if err != nil {
			r.logger.WarnContext(ctx, "skill script not found", "skill", skill.Name, "script_id", id)
			continue
		}
		if script.Code == "" {
			continue
		}
		res := r.scripts.Execute(ctx, script.Code, nil)
		if res.Success {
			outputs = append(outputs, res.Output)
		} else {
			outputs = append(outputs, fmt.Sprintf("Script failed: %s", res.Error))
		}
	}
	return outputs
}
