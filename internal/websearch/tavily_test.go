package websearch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSearchNoKey(t *testing.T) {
	c := NewClient("", nil)
	if c.Enabled() {
		t.Fatal("client without key should not be enabled")
	}
	if got := c.Search(context.Background(), "anything", 5); got != nil {
		t.Fatalf("expected nil results without key, got %v", got)
	}
}

func TestSearchParsesResults(t *testing.T) {
	var gotBody searchRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(searchResponse{Results: []Result{
			{Title: "Go 1.24 released", URL: "https://go.dev/blog/go1.24", Content: "Release notes", Score: 0.98},
			{Title: "Go downloads", URL: "https://go.dev/dl", Content: "Download page", Score: 0.8},
		}})
	}))
	defer srv.Close()

	c := NewClient("tvly-test", nil)
	c.baseURL = srv.URL

	results := c.Search(context.Background(), "go 1.24", 3)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Title != "Go 1.24 released" || results[0].Score != 0.98 {
		t.Errorf("unexpected first result: %+v", results[0])
	}
	if gotBody.Query != "go 1.24" || gotBody.MaxResults != 3 || gotBody.APIKey != "tvly-test" {
		t.Errorf("unexpected request body: %+v", gotBody)
	}
	if gotBody.SearchDepth != "basic" || gotBody.IncludeAnswer {
		t.Errorf("unexpected search options: %+v", gotBody)
	}
}

func TestSearchUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("tvly-bad", nil)
	c.baseURL = srv.URL

	if got := c.Search(context.Background(), "query", 5); got != nil {
		t.Fatalf("expected nil results on upstream failure, got %v", got)
	}
}

func TestBuildContext(t *testing.T) {
	if got := BuildContext(nil, "query"); got != "" {
		t.Fatalf("expected empty context for no results, got %q", got)
	}

	results := []Result{
		{Title: "First", URL: "https://a.example", Content: "alpha"},
		{Title: "Second", URL: "https://b.example", Content: strings.Repeat("x", 600)},
	}
	got := BuildContext(results, "test query")
	if !strings.Contains(got, `"test query"`) {
		t.Errorf("context missing query: %q", got)
	}
	if !strings.Contains(got, "[result 1] First") || !strings.Contains(got, "[result 2] Second") {
		t.Errorf("context missing numbered results: %q", got)
	}
	if !strings.Contains(got, "source: https://a.example") {
		t.Errorf("context missing source line: %q", got)
	}
	if strings.Count(got, "x") != maxResultContentRunes {
		t.Errorf("long content should be capped at %d runes", maxResultContentRunes)
	}
}
