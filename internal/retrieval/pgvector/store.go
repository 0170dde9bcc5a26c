// Package pgvector provides the vector searcher backed by PostgreSQL with
// the pgvector extension.
package pgvector

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/mutiexpert/backend/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store stores and searches embedded document chunks.
type Store struct {
	db     *sql.DB
	ownsDB bool
}

// Config contains configuration for the pgvector store.
type Config struct {
	// DSN is the PostgreSQL connection string. If empty, DB must be set.
	DSN string

	// DB is an existing connection to reuse; the store will not close it.
	DB *sql.DB

	// RunMigrations controls whether to apply migrations on startup.
	RunMigrations bool
}

// New creates a pgvector store and optionally applies migrations.
func New(cfg Config) (*Store, error) {
	var db *sql.DB
	var ownsDB bool

	switch {
	case cfg.DB != nil:
		db = cfg.DB
	case cfg.DSN != "":
		var err error
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		ownsDB = true

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
	default:
		return nil, fmt.Errorf("either DSN or DB must be provided")
	}

	s := &Store{db: db, ownsDB: ownsDB}
	if cfg.RunMigrations {
		if err := s.runMigrations(context.Background()); err != nil {
			if ownsDB {
				db.Close()
			}
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	return s, nil
}

// Close closes the connection when the store owns it.
func (s *Store) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS retrieval_schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		return fmt.Errorf("create retrieval_schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM retrieval_schema_migrations`)
	if err != nil {
		return fmt.Errorf("query retrieval_schema_migrations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	entries, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(entries)

	for _, entry := range entries {
		id := strings.TrimSuffix(strings.TrimPrefix(entry, "migrations/"), ".sql")
		if applied[id] {
			continue
		}
		body, err := migrationsFS.ReadFile(entry)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", id, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO retrieval_schema_migrations (id) VALUES ($1)`, id); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", id, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", id, err)
		}
	}
	return nil
}

// vectorLiteral renders an embedding in pgvector's text format.
func vectorLiteral(embedding []float32) string {
	parts := make([]string, len(embedding))
	for i, v := range embedding {
		parts[i] = strconv.FormatFloat(float64(v), 'f', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// IndexChunks stores chunks with their embeddings, replacing existing ids.
func (s *Store) IndexChunks(ctx context.Context, chunks []*models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks (id, knowledge_base_id, document_id, document_name, content, position, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
		ON CONFLICT (id) DO UPDATE
		SET content = EXCLUDED.content, embedding = EXCLUDED.embedding`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, chunk := range chunks {
		if chunk.ID == "" {
			chunk.ID = uuid.NewString()
		}
		if len(chunk.Embedding) == 0 {
			return fmt.Errorf("chunk %s has no embedding", chunk.ID)
		}
		_, err := stmt.ExecContext(ctx, chunk.ID, chunk.KnowledgeBaseID, chunk.DocumentID,
			chunk.DocumentName, chunk.Content, chunk.Position, vectorLiteral(chunk.Embedding))
		if err != nil {
			return fmt.Errorf("insert chunk %s: %w", chunk.ID, err)
		}
	}
	return tx.Commit()
}

// DeleteDocument removes all chunks of a document.
func (s *Store) DeleteDocument(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document chunks: %w", err)
	}
	return nil
}

// Search returns the chunks most similar to the embedding within the given
// knowledge bases, using cosine similarity. Results below threshold are
// dropped; at most topK are returned, best first.
func (s *Store) Search(ctx context.Context, embedding []float32, knowledgeBaseIDs []string, threshold float64, topK int) ([]*models.DocumentChunk, error) {
	if len(knowledgeBaseIDs) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, knowledge_base_id, document_id, document_name, content, position,
		       1 - (embedding <=> $1::vector) AS similarity
		FROM document_chunks
		WHERE knowledge_base_id = ANY($2)
		  AND (1 - (embedding <=> $1::vector)) >= $3
		ORDER BY embedding <=> $1::vector ASC
		LIMIT $4`,
		vectorLiteral(embedding), pq.Array(knowledgeBaseIDs), threshold, topK)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var result []*models.DocumentChunk
	for rows.Next() {
		var chunk models.DocumentChunk
		if err := rows.Scan(&chunk.ID, &chunk.KnowledgeBaseID, &chunk.DocumentID,
			&chunk.DocumentName, &chunk.Content, &chunk.Position, &chunk.Score); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		result = append(result, &chunk)
	}
	return result, rows.Err()
}
