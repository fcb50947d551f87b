package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Recorder copies bus events into the SQLite ledger for one run.
type Recorder struct {
	DB        *sql.DB
	RunID     string
	ProjectID string
}

// Append writes evt using exec, which may be the database or an open transaction.
func (r Recorder) Append(ctx context.Context, exec execer, evt Event) error {
	payload := evt.Payload
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	ts := evt.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err = exec.ExecContext(ctx, `INSERT INTO events(ts,seq,type,run_id,project_id,source_agent,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts.UTC().Format(time.RFC3339), evt.Seq, string(evt.Type), r.RunID, r.ProjectID, evt.SourceAgent, string(data))
	if err != nil {
		return fmt.Errorf("record %s: %w", evt.Type, err)
	}
	return nil
}

// Register subscribes the recorder to every event type on bus.
func (r Recorder) Register(bus *Bus) {
	bus.SubscribeAll(func(ctx context.Context, evt Event) error {
		return r.Append(ctx, r.DB, evt)
	})
}
