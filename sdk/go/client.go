package gameforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Gameforge HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	// Timeout applies when HTTPClient is nil. Runs execute synchronously, so
	// keep it generous.
	Timeout time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

// Run represents a recorded pipeline run.
type Run struct {
	ID               string  `json:"id"`
	ProjectID        string  `json:"project_id"`
	UserRequest      string  `json:"user_request"`
	Genre            string  `json:"genre"`
	Status           string  `json:"status"`
	Score            *int    `json:"score,omitempty"`
	Passed           *bool   `json:"passed,omitempty"`
	Error            string  `json:"error,omitempty"`
	OutputDir        string  `json:"output_dir"`
	RequestedBy      string  `json:"requested_by"`
	APICalls         int     `json:"api_calls"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
	CreatedAt        string  `json:"created_at"`
	FinishedAt       string  `json:"finished_at,omitempty"`
}

// StageScore is the score of one stage in a quality report.
type StageScore struct {
	Stage  string   `json:"stage"`
	Score  int      `json:"score"`
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
}

// Report is the quality report of a run.
type Report struct {
	OverallScore int          `json:"overall_score"`
	Threshold    int          `json:"threshold"`
	Passed       bool         `json:"passed"`
	Stages       []StageScore `json:"stages"`
	Issues       []string     `json:"issues"`
}

// RunStatus is a run with its event counts and, once completed, its report.
type RunStatus struct {
	Run
	EventCounts map[string]int `json:"event_counts,omitempty"`
	Report      *Report        `json:"report,omitempty"`
}

// Stage is the outcome of one stage of a run.
type Stage struct {
	Name     string `json:"name"`
	Agent    string `json:"agent"`
	State    string `json:"state"`
	Duration int64  `json:"duration"`
	Error    string `json:"error,omitempty"`
}

// RunResult is returned by CreateRun. Failed pipelines still return a result
// whose run has status failed.
type RunResult struct {
	Run             Run              `json:"run"`
	Report          Report           `json:"report"`
	Warnings        []map[string]any `json:"warnings"`
	Events          int              `json:"events"`
	HandlerFailures int              `json:"handler_failures"`
	Stages          []Stage          `json:"stages"`
}

// ReviewDecision answers the manual review of one asset.
type ReviewDecision struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// RunRequest starts a run. Zero values leave server defaults in place.
type RunRequest struct {
	Request        string                    `json:"request"`
	ProjectID      string                    `json:"project_id,omitempty"`
	Genre          string                    `json:"genre,omitempty"`
	TargetAudience string                    `json:"target_audience,omitempty"`
	Platforms      []string                  `json:"platforms,omitempty"`
	StyleGuide     map[string]any            `json:"style_guide,omitempty"`
	Levels         *int                      `json:"levels,omitempty"`
	Assets         *bool                     `json:"assets,omitempty"`
	Review         map[string]ReviewDecision `json:"review,omitempty"`
}

// Event represents a ledger entry.
type Event struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts"`
	Seq         int64          `json:"seq"`
	Type        string         `json:"type"`
	RunID       string         `json:"run_id"`
	ProjectID   string         `json:"project_id"`
	SourceAgent string         `json:"source_agent"`
	Payload     map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// EventQuery filters an event listing.
type EventQuery struct {
	RunID  string
	Type   string
	Limit  int
	Cursor string
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateRun runs the pipeline and waits for it to finish.
func (c *Client) CreateRun(ctx context.Context, req RunRequest) (RunResult, error) {
	var resp RunResult
	err := c.do(ctx, http.MethodPost, "v0/runs", req, &resp)
	return resp, err
}

// GetRun returns the latest run of a project.
func (c *Client) GetRun(ctx context.Context, projectID string) (RunStatus, error) {
	var resp RunStatus
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, ""), nil, &resp)
	return resp, err
}

// ListRuns returns recent runs, newest first. An empty status lists all.
func (c *Client) ListRuns(ctx context.Context, status string, limit int) ([]Run, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("v0/runs", q), nil, &resp)
	return resp.Items, err
}

// Events returns one page of a project's events, newest first.
func (c *Client) Events(ctx context.Context, projectID string, query EventQuery) (PaginatedEvents, error) {
	q := url.Values{}
	if query.RunID != "" {
		q.Set("run_id", query.RunID)
	}
	if query.Type != "" {
		q.Set("type", query.Type)
	}
	if query.Limit > 0 {
		q.Set("limit", strconv.Itoa(query.Limit))
	}
	if query.Cursor != "" {
		q.Set("cursor", query.Cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery(c.projectPath(projectID, "events"), q), nil, &resp)
	return resp, err
}

// Context returns the persisted project context document.
func (c *Client) Context(ctx context.Context, projectID string) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.projectPath(projectID, "context"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(projectID, p string) string {
	endpoint := "v0/runs/" + url.PathEscape(projectID)
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
