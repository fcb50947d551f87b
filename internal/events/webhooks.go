package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultWebhookTimeout = 5 * time.Second

// Webhook is one delivery target. An empty Events list receives every type.
type Webhook struct {
	URL     string
	Events  []string
	Secret  string
	Timeout time.Duration
}

// WebhookNotifier posts the events of one run to the configured webhooks. A
// failed delivery is returned as a handler error, so the bus logs and counts
// it without stopping the run.
type WebhookNotifier struct {
	Hooks     []Webhook
	ProjectID string
	RunID     string
	Client    *http.Client
	Logger    *slog.Logger

	once    sync.Once
	clients map[time.Duration]*http.Client
	mu      sync.Mutex
}

type webhookEvent struct {
	ID          string          `json:"id"`
	Seq         int64           `json:"seq"`
	Type        string          `json:"type"`
	ProjectID   string          `json:"project_id"`
	RunID       string          `json:"run_id"`
	SourceAgent string          `json:"source_agent"`
	TS          string          `json:"ts"`
	Payload     json.RawMessage `json:"payload"`
}

// Register subscribes one handler per hook.
func (n *WebhookNotifier) Register(bus *Bus) {
	for _, hook := range n.Hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		handler := func(ctx context.Context, evt Event) error {
			return n.post(ctx, hook, evt)
		}
		filter := newEventFilter(hook.Events)
		if filter.all {
			bus.SubscribeAll(handler)
			continue
		}
		for t := range filter.set {
			bus.Subscribe(EventType(t), handler)
		}
	}
}

func (n *WebhookNotifier) client(timeout time.Duration) *http.Client {
	if n.Client != nil {
		return n.Client
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	n.once.Do(func() { n.clients = map[time.Duration]*http.Client{} })
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.clients[timeout]
	if !ok {
		c = &http.Client{Timeout: timeout}
		n.clients[timeout] = c
	}
	return c
}

func (n *WebhookNotifier) post(ctx context.Context, hook Webhook, evt Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = Payload{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}
	delivery := uuid.NewString()
	data, err := json.Marshal(webhookEvent{
		ID:          delivery,
		Seq:         evt.Seq,
		Type:        string(evt.Type),
		ProjectID:   n.ProjectID,
		RunID:       n.RunID,
		SourceAgent: evt.SourceAgent,
		TS:          evt.Timestamp.UTC().Format(time.RFC3339),
		Payload:     raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gameforge-Event", string(evt.Type))
	req.Header.Set("X-Gameforge-Delivery", delivery)
	req.Header.Set("X-Gameforge-Project", n.ProjectID)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Gameforge-Secret", hook.Secret)
	}
	res, err := n.client(hook.Timeout).Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", hook.URL, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", hook.URL, res.StatusCode, strings.TrimSpace(string(body)))
	}
	if n.Logger != nil {
		n.Logger.DebugContext(ctx, "webhook delivered",
			slog.String("url", hook.URL),
			slog.String("type", string(evt.Type)),
			slog.String("delivery", delivery))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}
