// Package tasks talks to the daily-task service that turns a care plan into
// scheduled daily routines.
package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: http.DefaultClient,
	}
}

type regenerateRequest struct {
	OwnerID string `json:"owner_id"`
	Force   bool   `json:"force"`
}

// Regenerate asks the task service to rebuild the owner's daily task list
// from their current care plan. Force discards in-progress tasks.
func (c *Client) Regenerate(ctx context.Context, ownerID string, force bool) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(regenerateRequest{OwnerID: ownerID, Force: force})
	if err != nil {
		return fmt.Errorf("could not marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/regenerate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("task regeneration request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		return fmt.Errorf("task service failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return nil
}

// Noop stands in when no task service is configured. Regeneration requests
// are logged and dropped.
type Noop struct {
	Logger zerolog.Logger
}

func (n Noop) Regenerate(ctx context.Context, ownerID string, force bool) error {
	n.Logger.Info().Str("owner_id", ownerID).Bool("force", force).Msg("no task service configured, skipping regeneration")
	return nil
}
