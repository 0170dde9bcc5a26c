package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/mutiexpert/backend/pkg/models"
)

// SQLiteStore implements Store on a single SQLite database file. Structured
// fields (knowledge base scope, tool calls, sources, parameter schemas) are
// stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and bootstraps the
// schema. Use ":memory:" for an ephemeral database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc/sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent turns.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			modes TEXT NOT NULL DEFAULT '[]',
			knowledge_base_ids TEXT NOT NULL DEFAULT '[]',
			pinned INTEGER NOT NULL DEFAULT 0,
			memory_summary TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			thinking TEXT NOT NULL DEFAULT '',
			sources TEXT NOT NULL DEFAULT '[]',
			tool_calls TEXT NOT NULL DEFAULT '[]',
			attachments TEXT NOT NULL DEFAULT '[]',
			usage_input INTEGER NOT NULL DEFAULT 0,
			usage_output INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS bot_tools (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			method TEXT NOT NULL DEFAULT 'GET',
			endpoint TEXT NOT NULL,
			parameters TEXT NOT NULL DEFAULT '{}',
			param_mapping TEXT NOT NULL DEFAULT '{}',
			api_key TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS skills (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			refs TEXT NOT NULL DEFAULT '[]',
			script_ids TEXT NOT NULL DEFAULT '[]',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scripts (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS knowledge_bases (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			cron TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			target_id TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for seeding in admin tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

// --- conversations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	conv.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, tenant_id, title, provider, model, modes, knowledge_base_ids, pinned, memory_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.TenantID, conv.Title, conv.Provider, conv.Model, marshalJSON(conv.Modes),
		marshalJSON(conv.KnowledgeBaseIDs), conv.Pinned, conv.MemorySummary, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, title, provider, model, modes, knowledge_base_ids, pinned, memory_summary, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	var conv models.Conversation
	var modes, kbIDs string
	err := row.Scan(&conv.ID, &conv.TenantID, &conv.Title, &conv.Provider, &conv.Model,
		&modes, &kbIDs, &conv.Pinned, &conv.MemorySummary, &conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if err := json.Unmarshal([]byte(modes), &conv.Modes); err != nil {
		return nil, fmt.Errorf("decode modes: %w", err)
	}
	if err := json.Unmarshal([]byte(kbIDs), &conv.KnowledgeBaseIDs); err != nil {
		return nil, fmt.Errorf("decode knowledge base ids: %w", err)
	}
	return &conv, nil
}

func (s *SQLiteStore) UpdateConversation(ctx context.Context, conv *models.Conversation) error {
	conv.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, provider = ?, model = ?, modes = ?, knowledge_base_ids = ?, pinned = ?, memory_summary = ?, updated_at = ?
		WHERE id = ?`,
		conv.Title, conv.Provider, conv.Model, marshalJSON(conv.Modes),
		marshalJSON(conv.KnowledgeBaseIDs), conv.Pinned, conv.MemorySummary, conv.UpdatedAt, conv.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, tenantID string) ([]*models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, title, provider, model, modes, knowledge_base_ids, pinned, memory_summary, created_at, updated_at
		FROM conversations WHERE tenant_id = ? ORDER BY pinned DESC, updated_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var result []*models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var modes, kbIDs string
		if err := rows.Scan(&conv.ID, &conv.TenantID, &conv.Title, &conv.Provider, &conv.Model,
			&modes, &kbIDs, &conv.Pinned, &conv.MemorySummary, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		if err := json.Unmarshal([]byte(modes), &conv.Modes); err != nil {
			return nil, fmt.Errorf("decode modes: %w", err)
		}
		if err := json.Unmarshal([]byte(kbIDs), &conv.KnowledgeBaseIDs); err != nil {
			return nil, fmt.Errorf("decode knowledge base ids: %w", err)
		}
		result = append(result, &conv)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- messages ---

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	var usageIn, usageOut int
	if msg.Usage != nil {
		usageIn, usageOut = msg.Usage.InputTokens, msg.Usage.OutputTokens
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, thinking, sources, tool_calls, attachments, usage_input, usage_output, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Thinking,
		marshalJSON(msg.Sources), marshalJSON(msg.ToolCalls), marshalJSON(msg.Attachments),
		usageIn, usageOut, msg.LatencyMS, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*models.Message, error) {
	query := `
		SELECT id, conversation_id, role, content, thinking, sources, tool_calls, attachments, usage_input, usage_output, latency_ms, created_at
		FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []*models.Message
	for rows.Next() {
		var msg models.Message
		var role, sources, toolCalls, attachments string
		var usageIn, usageOut int
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.Thinking,
			&sources, &toolCalls, &attachments, &usageIn, &usageOut, &msg.LatencyMS, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = models.Role(role)
		if err := json.Unmarshal([]byte(sources), &msg.Sources); err != nil {
			return nil, fmt.Errorf("decode sources: %w", err)
		}
		if err := json.Unmarshal([]byte(toolCalls), &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
		if err := json.Unmarshal([]byte(attachments), &msg.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		if usageIn > 0 || usageOut > 0 {
			msg.Usage = &models.Usage{InputTokens: usageIn, OutputTokens: usageOut}
		}
		result = append(result, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// --- capabilities ---

func (s *SQLiteStore) ListBotTools(ctx context.Context, tenantID string, enabledOnly bool) ([]*models.BotTool, error) {
	query := `
		SELECT id, tenant_id, name, description, method, endpoint, parameters, param_mapping, api_key, enabled, created_at
		FROM bot_tools WHERE tenant_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list bot tools: %w", err)
	}
	defer rows.Close()

	var result []*models.BotTool
	for rows.Next() {
		var tool models.BotTool
		var params, mapping string
		if err := rows.Scan(&tool.ID, &tool.TenantID, &tool.Name, &tool.Description, &tool.Method,
			&tool.Endpoint, &params, &mapping, &tool.APIKey, &tool.Enabled, &tool.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan bot tool: %w", err)
		}
		tool.Parameters = json.RawMessage(params)
		if err := json.Unmarshal([]byte(mapping), &tool.ParamMapping); err != nil {
			return nil, fmt.Errorf("decode param mapping: %w", err)
		}
		result = append(result, &tool)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListSkills(ctx context.Context, tenantID string, enabledOnly bool) ([]*models.Skill, error) {
	query := `
		SELECT id, tenant_id, name, description, content, refs, script_ids, enabled, created_at
		FROM skills WHERE tenant_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list skills: %w", err)
	}
	defer rows.Close()

	var result []*models.Skill
	for rows.Next() {
		var skill models.Skill
		var refs, scriptIDs string
		if err := rows.Scan(&skill.ID, &skill.TenantID, &skill.Name, &skill.Description, &skill.Content,
			&refs, &scriptIDs, &skill.Enabled, &skill.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		if err := json.Unmarshal([]byte(refs), &skill.References); err != nil {
			return nil, fmt.Errorf("decode references: %w", err)
		}
		if err := json.Unmarshal([]byte(scriptIDs), &skill.ScriptIDs); err != nil {
			return nil, fmt.Errorf("decode script ids: %w", err)
		}
		result = append(result, &skill)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) ListScripts(ctx context.Context, tenantID string) ([]*models.Script, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, code, enabled, created_at
		FROM scripts WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	defer rows.Close()

	var result []*models.Script
	for rows.Next() {
		var script models.Script
		if err := rows.Scan(&script.ID, &script.TenantID, &script.Name, &script.Description,
			&script.Code, &script.Enabled, &script.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan script: %w", err)
		}
		result = append(result, &script)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetScript(ctx context.Context, id string) (*models.Script, error) {
	var script models.Script
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, description, code, enabled, created_at
		FROM scripts WHERE id = ?`, id).
		Scan(&script.ID, &script.TenantID, &script.Name, &script.Description,
			&script.Code, &script.Enabled, &script.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get script: %w", err)
	}
	return &script, nil
}

func (s *SQLiteStore) ListKnowledgeBases(ctx context.Context, tenantID string) ([]*models.KnowledgeBase, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, name, description, created_at
		FROM knowledge_bases WHERE tenant_id = ? ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list knowledge bases: %w", err)
	}
	defer rows.Close()

	var result []*models.KnowledgeBase
	for rows.Next() {
		var kb models.KnowledgeBase
		if err := rows.Scan(&kb.ID, &kb.TenantID, &kb.Name, &kb.Description, &kb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan knowledge base: %w", err)
		}
		result = append(result, &kb)
	}
	return result, rows.Err()
}

// --- scheduled tasks ---

func (s *SQLiteStore) ListScheduledTasks(ctx context.Context, enabledOnly bool) ([]*models.ScheduledTask, error) {
	query := `
		SELECT id, tenant_id, name, kind, cron, payload, target_id, enabled, last_run_at, created_at
		FROM scheduled_tasks`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var result []*models.ScheduledTask
	for rows.Next() {
		var task models.ScheduledTask
		var kind string
		var lastRun sql.NullTime
		if err := rows.Scan(&task.ID, &task.TenantID, &task.Name, &kind, &task.Cron,
			&task.Payload, &task.TargetID, &task.Enabled, &lastRun, &task.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		task.Kind = models.TaskKind(kind)
		if lastRun.Valid {
			task.LastRunAt = lastRun.Time
		}
		result = append(result, &task)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) TouchScheduledTask(ctx context.Context, id string, ranAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE scheduled_tasks SET last_run_at = ? WHERE id = ?`, ranAt, id)
	if err != nil {
		return fmt.Errorf("touch scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
