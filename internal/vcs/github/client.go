package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.github.com"

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// Client is a minimal GitHub API client for check runs and PR comments.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	UserAgent  string
}

func NewClient(token string) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		UserAgent:  "delta-select",
	}
}

// CheckRunOutput is the rendered body of a check run.
type CheckRunOutput struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Text    string `json:"text,omitempty"`
}

// CheckRunRequest describes a check run payload.
type CheckRunRequest struct {
	Name        string         `json:"name"`
	HeadSHA     string         `json:"head_sha,omitempty"`
	Status      string         `json:"status,omitempty"`
	Conclusion  string         `json:"conclusion,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	ExternalID  string         `json:"external_id,omitempty"`
	Output      CheckRunOutput `json:"output"`
}

type CheckRunResponse struct {
	ID int64 `json:"id"`
}

type CommentRequest struct {
	Body string `json:"body"`
}

// Comment is an issue comment as returned by the list endpoint.
type Comment struct {
	ID   int64  `json:"id"`
	Body string `json:"body"`
}

func (c *Client) CreateCheckRun(ctx context.Context, owner, repo string, payload CheckRunRequest) (CheckRunResponse, error) {
	path := fmt.Sprintf("/repos/%s/%s/check-runs", owner, repo)
	var resp CheckRunResponse
	if err := c.doJSON(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return CheckRunResponse{}, err
	}
	return resp, nil
}

func (c *Client) UpdateCheckRun(ctx context.Context, owner, repo string, checkRunID int64, payload CheckRunRequest) (CheckRunResponse, error) {
	path := fmt.Sprintf("/repos/%s/%s/check-runs/%d", owner, repo, checkRunID)
	var resp CheckRunResponse
	if err := c.doJSON(ctx, http.MethodPatch, path, payload, &resp); err != nil {
		return CheckRunResponse{}, err
	}
	return resp, nil
}

// ListComments returns the first page of comments on a pull request.
func (c *Client) ListComments(ctx context.Context, owner, repo string, prNumber int) ([]Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments?per_page=100", owner, repo, prNumber)
	var comments []Comment
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	return comments, nil
}

func (c *Client) CreateComment(ctx context.Context, owner, repo string, prNumber int, body string) (Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, prNumber)
	var resp Comment
	if err := c.doJSON(ctx, http.MethodPost, path, CommentRequest{Body: body}, &resp); err != nil {
		return Comment{}, err
	}
	return resp, nil
}

func (c *Client) UpdateComment(ctx context.Context, owner, repo string, commentID int64, body string) (Comment, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%d", owner, repo, commentID)
	var resp Comment
	if err := c.doJSON(ctx, http.MethodPatch, path, CommentRequest{Body: body}, &resp); err != nil {
		return Comment{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if c == nil {
		return errors.New("github client is nil")
	}
	if c.Token == "" {
		return errors.New("github token missing")
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", c.UserAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}
