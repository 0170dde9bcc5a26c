package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// GitHub page HTML is rendered client side, so recognized GitHub URLs are
// answered from the REST API instead and formatted into readable summaries.
var (
	githubIssueRe = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/(issues|pull)/(\d+)`)
	githubRunRe   = regexp.MustCompile(`github\.com/([^/]+)/([^/]+)/actions/runs/(\d+)(?:/job/(\d+))?`)
	githubRepoRe  = regexp.MustCompile(`github\.com/([^/]+)/([^/]+?)(?:\.git)?/?$`)
)

// tryGitHubAPI returns a formatted result for recognized GitHub URLs. The
// second return is false when the URL is not a GitHub pattern or the API
// call failed; the caller then falls through to the generic fetch path.
func (s *Sandbox) tryGitHubAPI(ctx context.Context, rawURL string) (Result, bool) {
	if m := githubIssueRe.FindStringSubmatch(rawURL); m != nil {
		r, err := s.githubIssue(ctx, m[1], m[2], m[4])
		if err != nil {
			return Result{}, false
		}
		return r, true
	}
	if m := githubRunRe.FindStringSubmatch(rawURL); m != nil {
		r, err := s.githubActionsRun(ctx, m[1], m[2], m[3], m[4])
		if err != nil {
			return Result{}, false
		}
		return r, true
	}
	if m := githubRepoRe.FindStringSubmatch(rawURL); m != nil {
		r, err := s.githubRepo(ctx, m[1], m[2])
		if err != nil {
			return Result{}, false
		}
		return r, true
	}
	return Result{}, false
}

func (s *Sandbox) githubGet(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.githubAPIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "MutiExpert-Sandbox/1.0")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("github API HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

type githubIssuePayload struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	State     string `json:"state"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	User      struct {
		Login string `json:"login"`
	} `json:"user"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// The issues endpoint serves both issues and pull requests.
func (s *Sandbox) githubIssue(ctx context.Context, owner, repo, number string) (Result, error) {
	var data githubIssuePayload
	if err := s.githubGet(ctx, fmt.Sprintf("/repos/%s/%s/issues/%s", owner, repo, number), &data); err != nil {
		return Result{}, err
	}

	lines := []string{
		fmt.Sprintf("# [%s/%s] #%d: %s", owner, repo, data.Number, data.Title),
		fmt.Sprintf("**State**: %s  |  **Author**: %s", data.State, data.User.Login),
		fmt.Sprintf("**Created**: %s  |  **Updated**: %s", data.CreatedAt, data.UpdatedAt),
	}
	if len(data.Labels) > 0 {
		names := make([]string, len(data.Labels))
		for i, lb := range data.Labels {
			names[i] = lb.Name
		}
		lines = append(lines, "**Labels**: "+strings.Join(names, ", "))
	}
	if data.Body != "" {
		body := data.Body
		if len(body) > 3000 {
			body = body[:3000]
		}
		lines = append(lines, "\n---\n\n"+body)
	}
	return Result{Success: true, Output: strings.Join(lines, "\n")}, nil
}

type githubRunPayload struct {
	RunNumber    int    `json:"run_number"`
	DisplayTitle string `json:"display_title"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	Conclusion   string `json:"conclusion"`
	HeadBranch   string `json:"head_branch"`
	Event        string `json:"event"`
	HeadSHA      string `json:"head_sha"`
	CreatedAt    string `json:"created_at"`
}

type githubJobsPayload struct {
	Jobs []struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		Conclusion  string `json:"conclusion"`
		StartedAt   string `json:"started_at"`
		CompletedAt string `json:"completed_at"`
		Steps       []struct {
			Name       string `json:"name"`
			Number     int    `json:"number"`
			Conclusion string `json:"conclusion"`
		} `json:"steps"`
	} `json:"jobs"`
}

// githubActionsRun formats a workflow run with its jobs. When jobID is set,
// only that job's steps are expanded.
func (s *Sandbox) githubActionsRun(ctx context.Context, owner, repo, runID, jobID string) (Result, error) {
	var run githubRunPayload
	if err := s.githubGet(ctx, fmt.Sprintf("/repos/%s/%s/actions/runs/%s", owner, repo, runID), &run); err != nil {
		return Result{}, err
	}
	var jobs githubJobsPayload
	// run summary is still useful when the jobs call fails
	_ = s.githubGet(ctx, fmt.Sprintf("/repos/%s/%s/actions/runs/%s/jobs", owner, repo, runID), &jobs)

	title := run.DisplayTitle
	if title == "" {
		title = run.Name
	}
	conclusion := run.Conclusion
	if conclusion == "" {
		conclusion = "N/A"
	}
	sha := run.HeadSHA
	if len(sha) > 8 {
		sha = sha[:8]
	}

	lines := []string{
		fmt.Sprintf("# Actions Run #%d: %s", run.RunNumber, title),
		fmt.Sprintf("**Status**: %s  |  **Conclusion**: %s", run.Status, conclusion),
		fmt.Sprintf("**Branch**: %s  |  **Event**: %s", run.HeadBranch, run.Event),
		fmt.Sprintf("**Commit**: %s  |  **Created**: %s", sha, run.CreatedAt),
		"",
	}
	if len(jobs.Jobs) > 0 {
		lines = append(lines, "## Jobs")
		for _, j := range jobs.Jobs {
			icon := j.Conclusion
			if icon == "success" {
				icon = "pass"
			} else if icon == "" {
				icon = "?"
			}
			lines = append(lines, fmt.Sprintf("\n### %s [%s] (%s ~ %s)", j.Name, icon, j.StartedAt, j.CompletedAt))
			if jobID != "" && fmt.Sprintf("%d", j.ID) != jobID {
				continue
			}
			for _, step := range j.Steps {
				sIcon := step.Conclusion
				if sIcon == "success" {
					sIcon = "pass"
				} else if sIcon == "" {
					sIcon = "?"
				}
				lines = append(lines, fmt.Sprintf("  - [%s] %s (%d)", sIcon, step.Name, step.Number))
			}
		}
	}
	return Result{Success: true, Output: strings.Join(lines, "\n")}, nil
}

type githubRepoPayload struct {
	FullName        string   `json:"full_name"`
	Description     string   `json:"description"`
	Language        string   `json:"language"`
	StargazersCount int      `json:"stargazers_count"`
	ForksCount      int      `json:"forks_count"`
	DefaultBranch   string   `json:"default_branch"`
	CreatedAt       string   `json:"created_at"`
	PushedAt        string   `json:"pushed_at"`
	Topics          []string `json:"topics"`
	Homepage        string   `json:"homepage"`
}

func (s *Sandbox) githubRepo(ctx context.Context, owner, repo string) (Result, error) {
	var data githubRepoPayload
	if err := s.githubGet(ctx, fmt.Sprintf("/repos/%s/%s", owner, repo), &data); err != nil {
		return Result{}, err
	}

	desc := data.Description
	if desc == "" {
		desc = "N/A"
	}
	lines := []string{
		"# " + data.FullName,
		"**Description**: " + desc,
		fmt.Sprintf("**Language**: %s  |  **Stars**: %d  |  **Forks**: %d", data.Language, data.StargazersCount, data.ForksCount),
		"**Default branch**: " + data.DefaultBranch,
		fmt.Sprintf("**Created**: %s  |  **Updated**: %s", data.CreatedAt, data.PushedAt),
	}
	if len(data.Topics) > 0 {
		lines = append(lines, "**Topics**: "+strings.Join(data.Topics, ", "))
	}
	if data.Homepage != "" {
		lines = append(lines, "**Homepage**: "+data.Homepage)
	}
	return Result{Success: true, Output: strings.Join(lines, "\n")}, nil
}
