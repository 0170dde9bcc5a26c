// Package websearch provides live web search through the Tavily API.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTavilyBaseURL = "https://api.tavily.com"

// Result is one web search hit.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Client calls the Tavily search API.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Tavily client. An empty API key is allowed; Search
// then degrades to returning no results.
func NewClient(apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    defaultTavilyBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	SearchDepth   string `json:"search_depth"`
	IncludeAnswer bool   `json:"include_answer"`
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Search runs a web search and returns the hits. A missing API key or an
// upstream failure yields no results, not an error; web search is a
// best-effort enrichment.
func (c *Client) Search(ctx context.Context, query string, maxResults int) []Result {
	if c.apiKey == "" {
		c.logger.WarnContext(ctx, "web search skipped, no API key configured")
		return nil
	}
	if maxResults <= 0 {
		maxResults = 5
	}

	body, err := json.Marshal(searchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		MaxResults:  maxResults,
		SearchDepth: "basic",
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "web search request encode failed", "error", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		c.logger.ErrorContext(ctx, "web search request build failed", "error", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.ErrorContext(ctx, "web search failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		c.logger.ErrorContext(ctx, "web search failed",
			"status", resp.StatusCode, "detail", string(detail))
		return nil
	}

	var parsed searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		c.logger.ErrorContext(ctx, "web search response decode failed", "error", err)
		return nil
	}
	return parsed.Results
}

const maxResultContentRunes = 500

// BuildContext formats results into a context block for the system prompt.
// No results yields an empty string.
func BuildContext(results []Result, query string) string {
	if len(results) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Web search results for %q, use them to inform your answer:\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&b, "[result %d] %s\n", i+1, r.Title)
		fmt.Fprintf(&b, "source: %s\n", r.URL)
		content := r.Content
		if runes := []rune(content); len(runes) > maxResultContentRunes {
			content = string(runes[:maxResultContentRunes])
		}
		b.WriteString(content)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
