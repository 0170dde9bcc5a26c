package sandbox

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// maxFetchBytes caps the raw body read from a fetched page.
const maxFetchBytes = 2_000_000

// spaDomains are JS-heavy sites whose server HTML is an empty shell; they go
// straight to the Jina Reader proxy in auto mode.
var spaDomains = map[string]bool{
	"github.com":    true,
	"gitlab.com":    true,
	"bitbucket.org": true,
	"twitter.com":   true,
	"x.com":         true,
	"reddit.com":    true,
	"notion.so":     true,
	"figma.com":     true,
	"vercel.app":    true,
	"app.slack.com": true,
}

// browserHeaders avoid servers returning stripped or empty content to
// non-browser user agents.
var browserHeaders = map[string]string{
	"User-Agent": "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
		"AppleWebKit/537.36 (KHTML, like Gecko) " +
		"Chrome/131.0.0.0 Safari/537.36",
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

func isSPADomain(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for domain := range spaDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

// FetchURL fetches a page and extracts readable content.
//
// Modes:
//   - auto: GitHub URLs go through the GitHub API; known SPA sites go
//     through Jina Reader; everything else is fetched directly with HTML
//     extraction, falling back to Jina when the extraction looks like an
//     SPA shell.
//   - jina: always use the Jina Reader proxy (handles JS rendering).
//   - raw: return the raw body without extraction.
//
// Successful results are cached for 15 minutes.
func (s *Sandbox) FetchURL(ctx context.Context, rawURL, mode string) Result {
	if mode == "" {
		mode = "auto"
	}
	if cached, ok := s.urlCache.get(rawURL); ok {
		return cached
	}

	result := s.fetchURL(ctx, rawURL, mode)
	if result.Success {
		s.urlCache.set(rawURL, result)
	}
	return result
}

func (s *Sandbox) fetchURL(ctx context.Context, rawURL, mode string) Result {
	if mode == "jina" {
		return s.fetchViaJina(ctx, rawURL)
	}

	if mode == "auto" {
		if gh, ok := s.tryGitHubAPI(ctx, rawURL); ok {
			return gh
		}
		if isSPADomain(rawURL) {
			return s.fetchViaJina(ctx, rawURL)
		}
	}

	body, contentType, err := s.fetchRaw(ctx, rawURL)
	if err != nil {
		return failure("%v", err)
	}

	if mode == "raw" {
		return Result{Success: true, Output: s.truncate(body)}
	}

	if strings.Contains(contentType, "html") {
		extracted := stripHTML(body)
		if len(extracted) < 200 || looksLikeSPAShell(extracted) {
			jina := s.fetchViaJina(ctx, rawURL)
			if jina.Success && len(jina.Output) > len(extracted) {
				return jina
			}
		}
		return Result{Success: true, Output: s.truncate(extracted)}
	}

	// JSON, plain text and friends pass through unmodified
	return Result{Success: true, Output: s.truncate(body)}
}

func (s *Sandbox) fetchRaw(ctx context.Context, rawURL string) (string, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", fmt.Errorf("invalid url: %w", err)
	}
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", "", err
	}
	return string(body), resp.Header.Get("Content-Type"), nil
}

// fetchViaJina fetches through the Jina Reader proxy, which renders JS and
// returns Markdown.
func (s *Sandbox) fetchViaJina(ctx context.Context, rawURL string) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.jinaBase+"/"+rawURL, nil)
	if err != nil {
		return failure("invalid url: %v", err)
	}
	req.Header.Set("Accept", "text/markdown")
	req.Header.Set("User-Agent", "MutiExpert-Sandbox/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return failure("jina reader failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return failure("jina reader HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return failure("jina reader failed: %v", err)
	}
	return Result{Success: true, Output: s.truncate(string(body))}
}

// looksLikeSPAShell detects extractions that are mostly placeholder text:
// fewer than five non-empty lines, or over 70% of lines shorter than 20
// characters.
func looksLikeSPAShell(text string) bool {
	if text == "" {
		return true
	}
	var lines []string
	for _, ln := range strings.Split(text, "\n") {
		if strings.TrimSpace(ln) != "" {
			lines = append(lines, strings.TrimSpace(ln))
		}
	}
	if len(lines) < 5 {
		return true
	}
	short := 0
	for _, ln := range lines {
		if len(ln) < 20 {
			short++
		}
	}
	return float64(short)/float64(len(lines)) > 0.7
}

var (
	scriptTagRe = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleTagRe  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	htmlTagRe   = regexp.MustCompile(`<[^>]+>`)
	spaceRunRe  = regexp.MustCompile(`\s+`)
	titleRe     = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
)

// stripHTML extracts readable text from HTML: page title first, then body
// text with scripts, styles and tags removed.
func stripHTML(html string) string {
	var header string
	if m := titleRe.FindStringSubmatch(html); m != nil {
		title := strings.TrimSpace(m[1])
		if title != "" {
			header = "**Title**: " + title + "\n\n"
		}
	}
	text := scriptTagRe.ReplaceAllString(html, "")
	text = styleTagRe.ReplaceAllString(text, "")
	text = htmlTagRe.ReplaceAllString(text, " ")
	text = spaceRunRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(header + strings.TrimSpace(text))
}
