package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/luxapientia/alphacore/pkg/service"
	"github.com/luxapientia/alphacore/pkg/store"
	"github.com/luxapientia/alphacore/pkg/types"
)

// Client wraps the engine's HTTP API for CLI and programmatic usage
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the engine at baseURL. The HTTP timeout
// covers the blocking submit call, so it tracks the engine's maximum job
// timeout rather than a typical request budget.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 11 * time.Minute},
	}
}

// Submit runs the blocking validation call and returns the terminal outcome
func (c *Client) Submit(ctx context.Context, req *service.SubmitRequest) (*service.SubmitResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var out service.SubmitResponse
	if err := c.do(httpReq, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetJob fetches a job record by id
func (c *Client) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/validate/"+jobID, nil)
	if err != nil {
		return nil, err
	}
	var job types.Job
	if err := c.do(req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Active lists the jobs currently queued or running
func (c *Client) Active(ctx context.Context) ([]*types.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/validate/active", nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Jobs []*types.Job `json:"jobs"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// TaskJobs lists the submissions filed under a task id
func (c *Client) TaskJobs(ctx context.Context, taskID string) ([]store.TaskEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/task/"+taskID, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Submissions []store.TaskEntry `json:"submissions"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// Health fetches the engine health document. Unlike the other calls a 503 is
// a valid answer, not an error.
func (c *Client) Health(ctx context.Context) (*types.HealthStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status types.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &status, nil
}

// do executes a request and decodes the JSON body, mapping error responses
// to errors carrying the server's message
func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
