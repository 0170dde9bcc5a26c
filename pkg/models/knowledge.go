package models

import "time"

// KnowledgeBase is a named collection of documents owned by one tenant.
type KnowledgeBase struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is one ingested file within a knowledge base.
type Document struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Name            string    `json:"name"`
	ChunkCount      int       `json:"chunk_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// DocumentChunk is an embedded slice of a document, the unit of retrieval.
type DocumentChunk struct {
	ID              string    `json:"id"`
	DocumentID      string    `json:"document_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	DocumentName    string    `json:"document_name"`
	Content         string    `json:"content"`
	Position        int       `json:"position"`
	Embedding       []float32 `json:"-"`
	Score           float64   `json:"score,omitempty"`
}
