// Package annotate drives the image annotation side-channel: it asks the
// annotation service for rendered overlays of detected issues and persists
// the result next to the owning analysis record.
package annotate

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mirelabs/dermatrack/internal/ai"
)

// SVGOverlay is one vector overlay shape returned by the annotation service.
type SVGOverlay struct {
	IssueType string `json:"issue_type"`
	SVG       string `json:"svg"`
}

// Result is the decoded annotation service response.
type Result struct {
	AnnotatedImage []byte
	Overlays       []SVGOverlay
	// Issues, when present, are keypoint-corrected issue data from the
	// service's own landmark model and replace the stored report's issues.
	Issues []ai.Issue
}

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

type annotateRequest struct {
	ImageURL string     `json:"image_url"`
	Issues   []ai.Issue `json:"issues"`
}

type annotateResponse struct {
	Status         string       `json:"status"`
	AnnotatedImage string       `json:"annotated_image"` // base64 raster
	SVGOverlays    []SVGOverlay `json:"svg_overlays"`
	Issues         []ai.Issue   `json:"issues"`
	Error          string       `json:"error"`
}

// Annotate posts the presigned front image and issue list to the annotation
// service and decodes the rendered overlay.
func (c *Client) Annotate(ctx context.Context, imageURL string, issues []ai.Issue) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(annotateRequest{ImageURL: imageURL, Issues: issues})
	if err != nil {
		return nil, fmt.Errorf("could not marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/annotate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("annotation request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("annotation service failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded annotateResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("could not unmarshal response: %w", err)
	}
	if decoded.Status != "ok" {
		return nil, fmt.Errorf("annotation service returned status %q: %s", decoded.Status, decoded.Error)
	}

	raster, err := base64.StdEncoding.DecodeString(decoded.AnnotatedImage)
	if err != nil {
		return nil, fmt.Errorf("could not decode annotated image: %w", err)
	}

	return &Result{
		AnnotatedImage: raster,
		Overlays:       decoded.SVGOverlays,
		Issues:         decoded.Issues,
	}, nil
}
