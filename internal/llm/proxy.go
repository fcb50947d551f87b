package llm

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

const (
	DefaultTimeout     = 30 * time.Second
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 4000
	DefaultModel       = "gemini-2.0-flash-exp"
)

// ProxyClient calls a generation proxy speaking a small JSON protocol:
// POST {model,prompt,system_instruction,temperature,max_tokens} answered by
// {success,text,tokens_used,error}.
type ProxyClient struct {
	URL         string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

type proxyRequest struct {
	Model             string  `json:"model"`
	Prompt            string  `json:"prompt"`
	SystemInstruction string  `json:"system_instruction,omitempty"`
	Temperature       float64 `json:"temperature"`
	MaxTokens         int     `json:"max_tokens"`
}

type proxyResponse struct {
	Success    bool   `json:"success"`
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Error      string `json:"error"`
}

func (c *ProxyClient) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.HTTPClient = &http.Client{Timeout: timeout}
	return c.HTTPClient
}

func (c *ProxyClient) Generate(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(c.URL) == "" {
		return Response{}, &TransportError{Backend: "proxy", Err: errors.New("proxy url not configured")}
	}
	body := proxyRequest{
		Model:             c.Model,
		Prompt:            req.Prompt,
		SystemInstruction: req.SystemInstruction,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
	}
	if body.Model == "" {
		body.Model = DefaultModel
	}
	if body.Temperature == 0 {
		body.Temperature = DefaultTemperature
	}
	if req.Temperature != nil {
		body.Temperature = *req.Temperature
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = DefaultMaxTokens
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return Response{}, &TransportError{Backend: "proxy", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	res, err := c.client().Do(httpReq)
	if err != nil {
		return Response{}, &TransportError{Backend: "proxy", Err: err}
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return Response{}, &TransportError{Backend: "proxy", Err: fmt.Errorf("read body: %w", err)}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Response{}, &TransportError{Backend: "proxy", StatusCode: res.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 512)}
	}
	var out proxyResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, &TransportError{Backend: "proxy", Err: fmt.Errorf("decode response: %w", err)}
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = "generation failed"
		}
		return Response{}, &APIError{Backend: "proxy", Message: msg}
	}
	return Response{Text: out.Text, TokensUsed: out.TokensUsed, Model: body.Model}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
