// Package retrieval implements semantic search over knowledge bases and
// assembles retrieved context for the model prompt.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mutiexpert/backend/internal/config"
	"github.com/mutiexpert/backend/internal/observability"
	"github.com/mutiexpert/backend/pkg/models"
)

// VectorSearcher finds the chunks most similar to an embedding within a set
// of knowledge bases.
type VectorSearcher interface {
	Search(ctx context.Context, embedding []float32, knowledgeBaseIDs []string, threshold float64, topK int) ([]*models.DocumentChunk, error)
}

// Service embeds queries and searches knowledge bases for relevant chunks.
type Service struct {
	embedder  Embedder
	searcher  VectorSearcher
	threshold float64
	topK      int
	logger    *slog.Logger
	metrics   *observability.Metrics
}

// NewService creates a retrieval service. Threshold and top-k come from the
// retrieval config; zero values fall back to the defaults.
func NewService(embedder Embedder, searcher VectorSearcher, cfg config.RetrievalConfig, logger *slog.Logger, metrics *observability.Metrics) *Service {
	threshold := cfg.Threshold
	if threshold == 0 {
		threshold = config.DefaultRetrievalThreshold
	}
	topK := cfg.TopK
	if topK == 0 {
		topK = config.DefaultRetrievalTopK
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		embedder:  embedder,
		searcher:  searcher,
		threshold: threshold,
		topK:      topK,
		logger:    logger,
		metrics:   metrics,
	}
}

// Retrieve embeds the query and returns a context block built from the most
// relevant chunks, along with the sources it was built from. An empty
// knowledge base scope, or no hits above the similarity threshold, yields an
// empty context and nil sources rather than an error.
func (s *Service) Retrieve(ctx context.Context, query string, knowledgeBaseIDs []string, topK int) (string, []models.Source, error) {
	if len(knowledgeBaseIDs) == 0 || strings.TrimSpace(query) == "" {
		return "", nil, nil
	}
	if topK <= 0 {
		topK = s.topK
	}

	start := time.Now()
	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return "", nil, fmt.Errorf("embed query: %w", err)
	}

	chunks, err := s.searcher.Search(ctx, embedding, knowledgeBaseIDs, s.threshold, topK)
	if err != nil {
		return "", nil, fmt.Errorf("search chunks: %w", err)
	}
	if s.metrics != nil {
		s.metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
	}
	if len(chunks) == 0 {
		return "", nil, nil
	}

	var blocks []string
	sources := make([]models.Source, 0, len(chunks))
	for i, chunk := range chunks {
		blocks = append(blocks, fmt.Sprintf("[source %d] %s\n%s", i+1, chunk.DocumentName, chunk.Content))
		sources = append(sources, models.Source{
			KnowledgeBaseID: chunk.KnowledgeBaseID,
			DocumentID:      chunk.DocumentID,
			DocumentName:    chunk.DocumentName,
			Snippet:         snippet(chunk.Content),
			Score:           chunk.Score,
		})
	}

	s.logger.DebugContext(ctx, "retrieved context",
		"knowledge_bases", len(knowledgeBaseIDs),
		"chunks", len(chunks),
		"duration_ms", time.Since(start).Milliseconds())

	return strings.Join(blocks, "\n\n---\n\n"), sources, nil
}

const maxSnippetRunes = 200

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= maxSnippetRunes {
		return content
	}
	return string(runes[:maxSnippetRunes]) + "..."
}
