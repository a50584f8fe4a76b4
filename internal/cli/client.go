package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/me/pipeflow/pkg/model"
)

// Client is an HTTP client for the pipeflow progress API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a progress API client.
func NewClient(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{},
		Logger:     logger,
	}
}

// apiResponse is the parsed envelope.
type apiResponse struct {
	Status     string            `json:"status"`
	RequestID  string            `json:"request_id"`
	Data       json.RawMessage   `json:"data"`
	Pagination *model.Pagination `json:"pagination"`
	Error      *model.APIError   `json:"error"`
}

// Get performs a GET request and returns the parsed envelope. An error
// envelope is returned together with its *model.APIError.
func (c *Client) Get(ctx context.Context, path string) (*apiResponse, error) {
	target := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	c.Logger.Debug("HTTP request", "method", req.Method, "url", target)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.Logger.Debug("HTTP response", "status", resp.StatusCode, "body", string(respBody))

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parse response (status %d): %w\nbody: %s", resp.StatusCode, err, string(respBody))
	}

	if apiResp.Status == "error" && apiResp.Error != nil {
		return &apiResp, apiResp.Error
	}

	return &apiResp, nil
}

// ListRuns queries the run history of the server.
func (c *Client) ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error) {
	resp, err := c.Get(ctx, "/api/v1/runs?"+opts.Query().Encode())
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	var runs []*model.Run
	if err := json.Unmarshal(resp.Data, &runs); err != nil {
		return nil, 0, fmt.Errorf("parse response: %w", err)
	}
	total := len(runs)
	if resp.Pagination != nil {
		total = resp.Pagination.Total
	}
	return runs, total, nil
}

// GetRun returns a run with its step results, or nil if the server does not
// know it.
func (c *Client) GetRun(ctx context.Context, id string) (*model.Run, error) {
	resp, err := c.Get(ctx, "/api/v1/runs/"+url.PathEscape(id))
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code == model.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	var run model.Run
	if err := json.Unmarshal(resp.Data, &run); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return &run, nil
}
