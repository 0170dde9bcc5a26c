// Package feishu implements the Feishu (Lark) bot channel: an Open API
// client with tenant-token caching and a webhook handler that answers chat
// messages with aggregated pipeline results.
package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mutiexpert/backend/internal/backoff"
)

const defaultBaseURL = "https://open.feishu.cn"

// tokenRefreshMargin renews the tenant token this long before it expires.
const tokenRefreshMargin = 60 * time.Second

// Config holds the bot credentials.
type Config struct {
	AppID     string
	AppSecret string
	// BaseURL overrides the Open API host, mainly for tests.
	BaseURL string
	// VerificationToken, when set, must match the token carried by every
	// webhook event.
	VerificationToken string
	Logger            *slog.Logger
}

// Client talks to the Feishu Open API on behalf of the bot.
type Client struct {
	config     Config
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	mu            sync.Mutex
	tenantToken   string
	tokenExpireAt time.Time
}

// NewClient creates a client. It is usable with empty credentials; calls
// then fail with a clear error instead of panicking.
func NewClient(cfg Config) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:     cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// Enabled reports whether credentials are configured.
func (c *Client) Enabled() bool {
	return c.config.AppID != "" && c.config.AppSecret != ""
}

// TenantToken returns a cached tenant access token, refreshing it when it is
// within the renewal margin of expiry.
func (c *Client) TenantToken(ctx context.Context) (string, error) {
	if !c.Enabled() {
		return "", fmt.Errorf("feishu credentials not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tenantToken != "" && time.Now().Before(c.tokenExpireAt.Add(-tokenRefreshMargin)) {
		return c.tenantToken, nil
	}

	payload := map[string]string{"app_id": c.config.AppID, "app_secret": c.config.AppSecret}
	var resp struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := c.postJSON(ctx, "/open-apis/auth/v3/tenant_access_token/internal", "", nil, payload, &resp); err != nil {
		return "", fmt.Errorf("tenant token: %w", err)
	}
	if resp.Code != 0 || resp.TenantAccessToken == "" {
		return "", fmt.Errorf("tenant token: code %d: %s", resp.Code, resp.Msg)
	}

	c.tenantToken = resp.TenantAccessToken
	c.tokenExpireAt = time.Now().Add(time.Duration(resp.Expire) * time.Second)
	return c.tenantToken, nil
}

// SendText sends a plain text message to a chat.
func (c *Client) SendText(ctx context.Context, chatID, text string) error {
	token, err := c.TenantToken(ctx)
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"text": text})
	payload := map[string]string{
		"receive_id": chatID,
		"msg_type":   "text",
		"content":    string(content),
	}
	var resp apiResponse
	if err := c.postJSON(ctx, "/open-apis/im/v1/messages?receive_id_type=chat_id", token, nil, payload, &resp); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return resp.check("send message")
}

// Reply answers a specific received message.
func (c *Client) Reply(ctx context.Context, messageID, text string) error {
	token, err := c.TenantToken(ctx)
	if err != nil {
		return err
	}
	content, _ := json.Marshal(map[string]string{"text": text})
	payload := map[string]string{
		"msg_type": "text",
		"content":  string(content),
	}
	var resp apiResponse
	path := "/open-apis/im/v1/messages/" + messageID + "/reply"
	if err := c.postJSON(ctx, path, token, nil, payload, &resp); err != nil {
		return fmt.Errorf("reply message: %w", err)
	}
	return resp.check("reply message")
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (r *apiResponse) check(op string) error {
	if r.Code != 0 {
		return fmt.Errorf("%s: code %d: %s", op, r.Code, r.Msg)
	}
	return nil
}

// maxSendAttempts retries network errors and 5xx responses; 4xx responses
// fail immediately.
const maxSendAttempts = 3

func (c *Client) postJSON(ctx context.Context, path, token string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return backoff.Retry(ctx, backoff.DefaultPolicy(), maxSendAttempts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return backoff.Permanent(fmt.Errorf("status %d: %s", resp.StatusCode, string(data)))
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	})
}
