// Package scheduler runs cron-driven tasks: recurring AI queries, skill
// executions and stored scripts, each delivering its output to a chat
// target.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mutiexpert/backend/internal/pipeline"
	"github.com/mutiexpert/backend/internal/providers"
	"github.com/mutiexpert/backend/internal/scripts"
	"github.com/mutiexpert/backend/internal/storage"
	"github.com/mutiexpert/backend/internal/tools"
	"github.com/mutiexpert/backend/pkg/models"
)

// taskTimeout bounds one task execution.
const taskTimeout = 5 * time.Minute

// Collector runs one pipeline turn to completion. Satisfied by
// pipeline.Orchestrator.
type Collector interface {
	Collect(ctx context.Context, req *pipeline.Request) *pipeline.Result
}

// Notifier pushes task output to a chat target. Satisfied by the Feishu
// client.
type Notifier interface {
	SendText(ctx context.Context, chatID, text string) error
}

// StrategyResolver supplies the model strategy skill tasks answer with.
type StrategyResolver interface {
	Resolve(provider, model string) (providers.Strategy, string)
}

// Config wires a Service.
type Config struct {
	Store    storage.Store
	Pipeline Collector
	// Tools and Providers back skill tasks. Scripts backs script tasks.
	Tools     *tools.Registry
	Providers StrategyResolver
	Scripts   *scripts.Runner
	Notifier  Notifier
	// Provider and Model are the defaults for tasks that do not pick one.
	Provider string
	Model    string
	Logger   *slog.Logger
}

// Service schedules and runs tasks. Reload synchronizes the cron entries
// with the task table, so edits take effect without restarts.
type Service struct {
	config Config
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// New creates a stopped service. Call Reload then Start.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		config:  cfg,
		cron:    cron.New(),
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Start begins firing due entries.
func (s *Service) Start() { s.cron.Start() }

// Stop halts scheduling and waits for running jobs.
func (s *Service) Stop() {
	<-s.cron.Stop().Done()
}

// Reload synchronizes cron entries with the enabled tasks in storage.
// Removed or disabled tasks are unscheduled; new and changed ones are
// (re)registered.
func (s *Service) Reload(ctx context.Context) error {
	tasks, err := s.config.Store.ListScheduledTasks(ctx, true)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		current[task.ID] = true
	}
	for id, entryID := range s.entries {
		if !current[id] {
			s.cron.Remove(entryID)
			delete(s.entries, id)
		}
	}

	for _, task := range tasks {
		if entryID, ok := s.entries[task.ID]; ok {
			// Re-register so cron expression changes take effect.
			s.cron.Remove(entryID)
			delete(s.entries, task.ID)
		}
		taskID := task.ID
		entryID, err := s.cron.AddFunc(task.Cron, func() { s.fire(taskID) })
		if err != nil {
			s.logger.Warn("invalid cron expression, task skipped",
				"task", task.Name, "cron", task.Cron, "error", err)
			continue
		}
		s.entries[task.ID] = entryID
	}

	s.logger.Info("scheduler reloaded", "tasks", len(s.entries))
	return nil
}

func (s *Service) fire(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	if err := s.RunTask(ctx, taskID); err != nil {
		s.logger.Error("scheduled task failed", "task", taskID, "error", err)
	}
}

// RunTask executes one task immediately, regardless of its schedule.
func (s *Service) RunTask(ctx context.Context, taskID string) error {
	task, err := s.lookup(ctx, taskID)
	if err != nil {
		return err
	}

	started := time.Now()
	output, err := s.execute(ctx, task)

	if touchErr := s.config.Store.TouchScheduledTask(ctx, task.ID, started.UTC()); touchErr != nil {
		s.logger.Warn("touch task failed", "task", task.ID, "error", touchErr)
	}
	if err != nil {
		return fmt.Errorf("task %s: %w", task.Name, err)
	}

	s.logger.Info("scheduled task finished",
		"task", task.Name, "kind", task.Kind, "duration", time.Since(started))

	return s.deliver(ctx, task, output)
}

func (s *Service) lookup(ctx context.Context, taskID string) (*models.ScheduledTask, error) {
	tasks, err := s.config.Store.ListScheduledTasks(ctx, false)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if task.ID == taskID {
			return task, nil
		}
	}
	return nil, fmt.Errorf("task %s not found", taskID)
}

// taskPayload is the JSON shape of ScheduledTask.Payload. Fields apply per
// kind; unknown fields are ignored.
type taskPayload struct {
	// ai_query
	Prompt           string   `json:"prompt"`
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	KnowledgeBaseIDs []string `json:"knowledge_base_ids"`

	// skill_exec
	Skill string `json:"skill"`
	Query string `json:"query"`

	// script_exec
	ScriptID       string `json:"script_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (s *Service) execute(ctx context.Context, task *models.ScheduledTask) (string, error) {
	var payload taskPayload
	if task.Payload != "" {
		if err := json.Unmarshal([]byte(task.Payload), &payload); err != nil {
			return "", fmt.Errorf("parse payload: %w", err)
		}
	}

	switch task.Kind {
	case models.TaskAIQuery:
		return s.runAIQuery(ctx, task, payload)
	case models.TaskSkillExec:
		return s.runSkill(ctx, task, payload)
	case models.TaskScriptExec:
		return s.runScript(ctx, payload)
	default:
		return "", fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (s *Service) runAIQuery(ctx context.Context, task *models.ScheduledTask, payload taskPayload) (string, error) {
	if s.config.Pipeline == nil {
		return "", fmt.Errorf("pipeline not configured")
	}
	prompt := payload.Prompt
	if prompt == "" {
		prompt = task.Name
	}
	kbIDs := payload.KnowledgeBaseIDs
	if len(kbIDs) == 0 {
		kbIDs = s.allKnowledgeBaseIDs(ctx, task.TenantID)
	}

	req := &pipeline.Request{
		TenantID:         task.TenantID,
		Channel:          "scheduler",
		Provider:         firstNonEmpty(payload.Provider, s.config.Provider),
		Model:            firstNonEmpty(payload.Model, s.config.Model),
		Message:          prompt,
		Modes:            []models.ChatMode{models.ModeKnowledge},
		KnowledgeBaseIDs: kbIDs,
	}
	res := s.config.Pipeline.Collect(ctx, req)
	if res.Err != "" {
		return "", fmt.Errorf("pipeline: %s", res.Err)
	}
	if res.Text == "" {
		return "", fmt.Errorf("pipeline produced no text")
	}
	return res.Text, nil
}

func (s *Service) runSkill(ctx context.Context, task *models.ScheduledTask, payload taskPayload) (string, error) {
	if s.config.Tools == nil || s.config.Providers == nil {
		return "", fmt.Errorf("skills not configured")
	}
	if payload.Skill == "" {
		return "", fmt.Errorf("payload is missing the skill name")
	}

	strategy, _ := s.config.Providers.Resolve(
		firstNonEmpty(payload.Provider, s.config.Provider),
		firstNonEmpty(payload.Model, s.config.Model))
	toolSet, err := s.config.Tools.Load(ctx, task.TenantID, strategy)
	if err != nil {
		return "", fmt.Errorf("load tools: %w", err)
	}

	query := payload.Query
	if query == "" {
		query = task.Name
	}
	args, _ := json.Marshal(map[string]string{"query": query})
	outcome := toolSet.Invoke(ctx, providers.ToolCall{
		ID:        "task-" + task.ID,
		Name:      tools.SkillToolName(payload.Skill),
		Arguments: args,
	})
	if !outcome.Success {
		return "", fmt.Errorf("skill %s: %s", payload.Skill, outcome.Text)
	}
	return outcome.Text, nil
}

func (s *Service) runScript(ctx context.Context, payload taskPayload) (string, error) {
	if s.config.Scripts == nil {
		return "", fmt.Errorf("script runner not configured")
	}
	if payload.ScriptID == "" {
		return "", fmt.Errorf("payload is missing the script id")
	}
	script, err := s.config.Store.GetScript(ctx, payload.ScriptID)
	if err != nil {
		return "", fmt.Errorf("load script: %w", err)
	}
	if payload.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(payload.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	res := s.config.Scripts.Execute(ctx, script.Code, nil)
	if !res.Success {
		return "", fmt.Errorf("script %s: %s", script.Name, firstNonEmpty(res.Error, "execution failed"))
	}
	if strings.TrimSpace(res.Output) == "" {
		return "(no output)", nil
	}
	return res.Output, nil
}

// deliver pushes the output to the task's chat target. A task without a
// target just logs.
func (s *Service) deliver(ctx context.Context, task *models.ScheduledTask, output string) error {
	if s.config.Notifier == nil || task.TargetID == "" {
		s.logger.Info("task output has no delivery target", "task", task.Name, "len", len(output))
		return nil
	}
	if err := s.config.Notifier.SendText(ctx, task.TargetID, output); err != nil {
		return fmt.Errorf("deliver output: %w", err)
	}
	return nil
}

func (s *Service) allKnowledgeBaseIDs(ctx context.Context, tenantID string) []string {
	kbs, err := s.config.Store.ListKnowledgeBases(ctx, tenantID)
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(kbs))
	for _, kb := range kbs {
		ids = append(ids, kb.ID)
	}
	return ids
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
