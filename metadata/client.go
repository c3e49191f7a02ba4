// Package metadata fetches user and project records from the identity
// service. It is consumed only during reconciliation.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/humlab-speech/approuter/session"
)

const maxResponseBytes = 1 << 20

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchUser resolves a user id to its record. A response that parses but
// carries no id is an error: callers must never build sessions from empty
// metadata.
func (c *Client) FetchUser(ctx context.Context, id string) (session.User, error) {
	var user session.User
	if err := c.get(ctx, "/api/v1/users/"+id, &user); err != nil {
		return session.User{}, fmt.Errorf("fetch user %s: %w", id, err)
	}
	if user.ID == "" {
		return session.User{}, fmt.Errorf("fetch user %s: record has no id", id)
	}
	return user, nil
}

func (c *Client) FetchProject(ctx context.Context, id string) (session.Project, error) {
	var project session.Project
	if err := c.get(ctx, "/api/v1/projects/"+id, &project); err != nil {
		return session.Project{}, fmt.Errorf("fetch project %s: %w", id, err)
	}
	if project.ID == "" {
		return session.Project{}, fmt.Errorf("fetch project %s: record has no id", id)
	}
	return project, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		limitedBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("service returned %d: %s", resp.StatusCode, string(limitedBody))
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
