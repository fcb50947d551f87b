package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Known Gemini model names.
const (
	ModelPro   = "gemini-2.0-pro-exp"
	ModelFlash = "gemini-2.0-flash-exp"
)

// GeminiClient calls the Gemini API directly.
type GeminiClient struct {
	client      *genai.Client
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewGemini creates a Gemini backend. apiKey is required.
func NewGemini(ctx context.Context, apiKey, model string) (*GeminiClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("gemini api key is required (GEMINI_API_KEY)")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	if model == "" {
		model = DefaultModel
	}
	return &GeminiClient{
		client:      client,
		Model:       model,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}, nil
}

func (g *GeminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	temperature := float32(g.Temperature)
	if req.Temperature != nil {
		temperature = float32(*req.Temperature)
	}
	cfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: int32(g.MaxTokens),
	}
	if req.SystemInstruction != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}
	contents := []*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.Model, contents, cfg)
	if err != nil {
		return Response{}, classifyGeminiError(err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return Response{}, &APIError{Backend: "gemini", Message: "empty response"}
	}
	out := Response{Text: text, Model: g.Model}
	if resp.UsageMetadata != nil {
		out.TokensUsed = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

// classifyGeminiError maps client errors (4xx other than 429) to APIError and
// everything else to TransportError.
func classifyGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code >= 400 && apiErr.Code < 500 && apiErr.Code != http.StatusTooManyRequests {
			return &APIError{Backend: "gemini", Code: apiErr.Code, Message: apiErr.Message}
		}
		return &TransportError{Backend: "gemini", StatusCode: apiErr.Code, Body: truncate(apiErr.Message, 512), Err: err}
	}
	return &TransportError{Backend: "gemini", Err: err}
}
