package llm

import (
	"context"
	"sync"
)

// pricePerMillion is the list price in USD per million tokens.
var pricePerMillion = map[string]float64{
	ModelPro:   1.25,
	ModelFlash: 0.075,
}

// Usage accumulates generation statistics for a run.
type Usage struct {
	APICalls         int     `json:"api_calls"`
	FailedCalls      int     `json:"failed_calls"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// EstimateCost prices tokens for model. Unknown models are priced as flash.
func EstimateCost(model string, tokens int) float64 {
	price, ok := pricePerMillion[model]
	if !ok {
		price = pricePerMillion[ModelFlash]
	}
	return float64(tokens) / 1_000_000 * price
}

// Meter wraps a Generator and records usage.
type Meter struct {
	next  Generator
	model string

	mu    sync.Mutex
	usage Usage
}

// NewMeter wraps next. model is used for pricing when a response does not name one.
func NewMeter(next Generator, model string) *Meter {
	return &Meter{next: next, model: model}
}

func (m *Meter) Generate(ctx context.Context, req Request) (Response, error) {
	resp, err := m.next.Generate(ctx, req)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.APICalls++
	if err != nil {
		m.usage.FailedCalls++
		return resp, err
	}
	model := resp.Model
	if model == "" {
		model = m.model
	}
	m.usage.TotalTokens += resp.TokensUsed
	m.usage.EstimatedCostUSD += EstimateCost(model, resp.TokensUsed)
	return resp, nil
}

// Usage returns the statistics so far.
func (m *Meter) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}
