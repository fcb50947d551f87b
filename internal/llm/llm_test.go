package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gameforge/internal/llm"
)

func TestExtractJSON(t *testing.T) {
	cases := map[string]struct {
		text string
		want map[string]any
	}{
		"fenced json": {
			text: "Sure!\n```json\n{\"title\": \"Leafwalk\"}\n```\nEnjoy.",
			want: map[string]any{"title": "Leafwalk"},
		},
		"bare fence": {
			text: "```\n{\"n\": 2}\n```",
			want: map[string]any{"n": 2.0},
		},
		"no fence": {
			text: "  {\"levels\": []}  ",
			want: map[string]any{"levels": []any{}},
		},
		"unterminated fence": {
			text: "```json\n{\"a\": true}",
			want: map[string]any{"a": true},
		},
	}
	for name, tc := range cases {
		got, err := llm.ExtractJSON(tc.text)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Fatalf("%s mismatch (-want +got):\n%s", name, diff)
		}
	}
}

func TestExtractJSONFailures(t *testing.T) {
	for _, text := range []string{"", "not json", "```json\n{broken\n```", "[1,2,3]", "null", "ERROR: quota exceeded"} {
		_, err := llm.ExtractJSON(text)
		var pe *llm.ParseError
		if !errors.As(err, &pe) {
			t.Fatalf("%q: err = %v, want ParseError", text, err)
		}
		if pe.Raw != text {
			t.Fatalf("%q: raw = %q", text, pe.Raw)
		}
	}
}

func proxyServer(t *testing.T, handler http.HandlerFunc) *llm.ProxyClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &llm.ProxyClient{URL: srv.URL, Timeout: time.Second}
}

func TestProxySuccess(t *testing.T) {
	var got map[string]any
	client := proxyServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "text": "{}", "tokens_used": 42})
	})
	resp, err := client.Generate(context.Background(), llm.Request{
		Prompt:            "make a game",
		SystemInstruction: "you are a designer",
		Temperature:       llm.Float(0.2),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if resp.Text != "{}" || resp.TokensUsed != 42 {
		t.Fatalf("resp = %+v", resp)
	}
	want := map[string]any{
		"model":              llm.DefaultModel,
		"prompt":             "make a game",
		"system_instruction": "you are a designer",
		"temperature":        0.2,
		"max_tokens":         float64(llm.DefaultMaxTokens),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestProxyAPIError(t *testing.T) {
	client := proxyServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "quota exceeded"})
	})
	_, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "quota exceeded" {
		t.Fatalf("err = %v, want APIError", err)
	}
	var te *llm.TransportError
	if errors.As(err, &te) {
		t.Fatalf("api error must not also be a transport error")
	}
}

func TestProxyHTTPFailure(t *testing.T) {
	client := proxyServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	})
	_, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	var te *llm.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusBadGateway {
		t.Fatalf("err = %v, want TransportError 502", err)
	}
}

func TestProxyTimeout(t *testing.T) {
	release := make(chan struct{})
	client := proxyServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	client.Timeout = 50 * time.Millisecond
	_, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	var te *llm.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestProxyUnreachable(t *testing.T) {
	client := &llm.ProxyClient{URL: "http://127.0.0.1:1", Timeout: time.Second}
	_, err := client.Generate(context.Background(), llm.Request{Prompt: "x"})
	var te *llm.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
}

func TestMeter(t *testing.T) {
	calls := 0
	gen := llm.GeneratorFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		calls++
		if calls == 2 {
			return llm.Response{}, &llm.APIError{Backend: "test", Message: "nope"}
		}
		return llm.Response{Text: "{}", TokensUsed: 1_000_000, Model: llm.ModelPro}, nil
	})
	m := llm.NewMeter(gen, llm.ModelFlash)
	for i := 0; i < 3; i++ {
		_, _ = m.Generate(context.Background(), llm.Request{})
	}
	u := m.Usage()
	if u.APICalls != 3 || u.FailedCalls != 1 || u.TotalTokens != 2_000_000 {
		t.Fatalf("usage = %+v", u)
	}
	if math.Abs(u.EstimatedCostUSD-2.5) > 1e-9 {
		t.Fatalf("cost = %v, want 2.5", u.EstimatedCostUSD)
	}
}

func TestMockFixturesParse(t *testing.T) {
	m := llm.NewMock()
	for _, task := range []llm.Task{llm.TaskConcept, llm.TaskLevels, llm.TaskNarrative, llm.TaskAssetValidation} {
		resp, err := m.Generate(context.Background(), llm.Request{Task: task, Prompt: "p"})
		if err != nil {
			t.Fatalf("%s: %v", task, err)
		}
		if _, err := llm.ExtractJSON(resp.Text); err != nil {
			t.Fatalf("%s fixture does not parse: %v", task, err)
		}
	}
	if _, err := m.Generate(context.Background(), llm.Request{Task: "unknown"}); err == nil {
		t.Fatalf("expected error for unknown task")
	}
	if len(m.Calls()) != 5 {
		t.Fatalf("calls = %d", len(m.Calls()))
	}
}
