package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"google.golang.org/genai"
)

// geminiMaxImageSize bounds the pixel size of images sent inline to Gemini.
const geminiMaxImageSize = 1024

// GeminiAnalyzer runs skin analysis through the Gemini API. Unlike the
// OpenAI provider it cannot reference images by URL, so it downloads and
// inlines them.
type GeminiAnalyzer struct {
	client     *genai.Client
	model      string
	timeout    time.Duration
	httpClient *http.Client
}

func NewGeminiAnalyzer(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiAnalyzer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiAnalyzer{
		client:     client,
		model:      model,
		timeout:    timeout,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (a *GeminiAnalyzer) Name() string {
	return a.model
}

func (a *GeminiAnalyzer) AnalyzeSkin(ctx context.Context, input *SkinAnalysisInput) (*Report, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	parts := []*genai.Part{
		{Text: skinAnalysisPrompt + "\n\n" + buildAnalysisUserText(input)},
	}
	for _, img := range input.Images {
		data, err := a.fetchImage(ctx, img.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s image: %w", img.Pose, err)
		}
		parts = append(parts,
			&genai.Part{Text: poseLabel(img.Pose) + " view:"},
			&genai.Part{InlineData: &genai.Blob{Data: data, MIMEType: "image/jpeg"}},
		)
	}

	contents := []*genai.Content{{Role: "user", Parts: parts}}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	result, err := a.client.Models.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	content := result.Text()
	if content == "" {
		return nil, errors.New("no response from Gemini")
	}

	return ParseReport(content), nil
}

func (a *GeminiAnalyzer) CompareProgress(ctx context.Context, input *ProgressInput) (*ProgressDelta, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	contents := []*genai.Content{
		{
			Role: "user",
			Parts: []*genai.Part{
				{Text: progressComparisonPrompt + "\n\n" + buildProgressUserText(input)},
			},
		},
	}
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}

	result, err := a.client.Models.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("gemini API error: %w", err)
	}

	content := result.Text()
	if content == "" {
		return nil, errors.New("no response from Gemini")
	}

	return ParseProgressDelta(content), nil
}

// fetchImage downloads an image and downscales it before inlining.
func (a *GeminiAnalyzer) fetchImage(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read image body: %w", err)
	}

	return ResizeJPEG(data, geminiMaxImageSize)
}
