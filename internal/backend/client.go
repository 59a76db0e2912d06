// Package backend is the typed client for the research backend's REST
// surface: persisted threads, thread listings, and account endpoints. The
// streaming endpoint lives in internal/stream; everything request/response
// shaped goes through here.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dialectiq/research-gateway/internal/timeline"
)

// TokenProvider returns the bearer token for a request, or "" when the
// caller is unauthenticated.
type TokenProvider func() string

// Client talks to the research backend REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenProvider
}

// NewClient creates a REST client. A nil httpClient gets a sane default.
func NewClient(baseURL string, httpClient *http.Client, token TokenProvider) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
	}
}

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// ThreadSummary is one row in the sidebar listing.
type ThreadSummary struct {
	ThreadID    string    `json:"thread_id"`
	QueryID     string    `json:"query_id"`
	Title       string    `json:"title"`
	QueryText   string    `json:"query_text"`
	CreatedAt   time.Time `json:"created_at"`
	IsCompleted bool      `json:"is_completed"`
}

// User is the authenticated account.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// AuthResult carries the session token issued at login or registration.
type AuthResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// FetchChat retrieves the full persisted thread for one query.
func (c *Client) FetchChat(ctx context.Context, queryID string) (*timeline.ChatThread, error) {
	var chat timeline.ChatThread
	if err := c.do(ctx, http.MethodGet, "/api/chat/"+url.PathEscape(queryID), nil, &chat); err != nil {
		return nil, fmt.Errorf("fetch chat %s: %w", queryID, err)
	}
	return &chat, nil
}

// ListThreads pages through the caller's threads, newest first.
func (c *Client) ListThreads(ctx context.Context, offset, limit int) ([]ThreadSummary, error) {
	query := url.Values{}
	query.Set("offset", strconv.Itoa(offset))
	query.Set("limit", strconv.Itoa(limit))

	var result struct {
		Threads []ThreadSummary `json:"threads"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/chats?"+query.Encode(), nil, &result); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return result.Threads, nil
}

// DeleteThread removes a thread and all its messages.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/chat/"+url.PathEscape(threadID), nil, nil); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, username, password string) (*AuthResult, error) {
	body := map[string]string{"username": username, "password": password}
	var result AuthResult
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &result); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return &result, nil
}

// Register creates an account and logs it in.
func (c *Client) Register(ctx context.Context, username, password string) (*AuthResult, error) {
	body := map[string]string{"username": username, "password": password}
	var result AuthResult
	if err := c.do(ctx, http.MethodPost, "/api/auth/register", body, &result); err != nil {
		return nil, fmt.Errorf("register: %w", err)
	}
	return &result, nil
}

// CheckUsername reports whether a username is still free.
func (c *Client) CheckUsername(ctx context.Context, username string) (bool, error) {
	query := url.Values{}
	query.Set("username", username)

	var result struct {
		Available bool `json:"available"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/auth/check-username?"+query.Encode(), nil, &result); err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return result.Available, nil
}

// Me returns the account behind the current token.
func (c *Client) Me(ctx context.Context) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &user); err != nil {
		return nil, fmt.Errorf("fetch current user: %w", err)
	}
	return &user, nil
}

// do issues one JSON request. A non-2xx response becomes *APIError with up
// to 4KB of body for diagnostics.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
