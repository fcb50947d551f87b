package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"gameforge/internal/db"
	"gameforge/internal/domain"
	"gameforge/internal/events"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.OpenMigrated(context.Background(), db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return Repo{DB: conn}
}

func insertRun(t *testing.T, r Repo, id, projectID, createdAt string) {
	t.Helper()
	if err := r.InsertRun(context.Background(), domain.Run{
		ID:          id,
		ProjectID:   projectID,
		UserRequest: "a platformer",
		Status:      domain.RunRunning,
		RequestedBy: "tester",
		CreatedAt:   createdAt,
	}); err != nil {
		t.Fatalf("insert run %s: %v", id, err)
	}
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	insertRun(t, r, "run-1", "game-1", "2026-10-16T09:30:00Z")

	got, err := r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunRunning || got.Score != nil || got.Passed != nil {
		t.Fatalf("fresh run = %+v", got)
	}

	score, passed := 97, true
	if err := r.FinishRun(ctx, "run-1", RunFinish{
		Status:           domain.RunCompleted,
		Genre:            "platformer",
		Score:            &score,
		Passed:           &passed,
		OutputDir:        "output/game-1",
		APICalls:         3,
		TotalTokens:      1200,
		EstimatedCostUSD: 0.0015,
		FinishedAt:       "2026-10-16T09:31:00Z",
	}); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	got, err = r.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != domain.RunCompleted || got.Score == nil || *got.Score != 97 || got.Passed == nil || !*got.Passed {
		t.Fatalf("finished run = %+v", got)
	}
	if got.Genre != "platformer" || got.OutputDir != "output/game-1" || got.APICalls != 3 || got.TotalTokens != 1200 {
		t.Fatalf("finished run = %+v", got)
	}

	if err := r.FinishRun(ctx, "run-1", RunFinish{Status: domain.RunFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("finishing twice: err = %v", err)
	}
	if err := r.FinishRun(ctx, "run-1", RunFinish{Status: domain.RunRunning}); err == nil {
		t.Fatalf("expected invalid status error")
	}
	if _, err := r.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing run: err = %v", err)
	}
}

func TestListAndLatestRuns(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	insertRun(t, r, "run-a", "game-1", "2026-10-16T09:00:00Z")
	insertRun(t, r, "run-b", "game-1", "2026-10-16T10:00:00Z")
	insertRun(t, r, "run-c", "game-2", "2026-10-16T11:00:00Z")
	if err := r.FinishRun(ctx, "run-a", RunFinish{Status: domain.RunFailed, Error: "boom", FinishedAt: "2026-10-16T09:01:00Z"}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	latest, err := r.LatestRunForProject(ctx, "game-1")
	if err != nil || latest.ID != "run-b" {
		t.Fatalf("latest = %+v err=%v", latest, err)
	}
	all, err := r.ListRuns(ctx, RunFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "run-c" || all[2].ID != "run-a" {
		t.Fatalf("list order = %+v", all)
	}
	failed, err := r.ListRuns(ctx, RunFilters{Status: domain.RunFailed})
	if err != nil || len(failed) != 1 || failed[0].Error != "boom" {
		t.Fatalf("failed runs = %+v err=%v", failed, err)
	}

	n, err := r.FailStaleRuns(ctx, "2026-10-16T12:00:00Z")
	if err != nil || n != 2 {
		t.Fatalf("stale runs = %d err=%v", n, err)
	}
	run, _ := r.GetRun(ctx, "run-c")
	if run.Status != domain.RunFailed || run.Error != "interrupted" {
		t.Fatalf("stale run = %+v", run)
	}
}

func TestEventQueries(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	insertRun(t, r, "run-1", "game-1", "2026-10-16T09:00:00Z")
	insertRun(t, r, "run-2", "game-2", "2026-10-16T09:00:00Z")

	ts := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	rec1 := events.Recorder{DB: r.DB, RunID: "run-1", ProjectID: "game-1"}
	rec2 := events.Recorder{DB: r.DB, RunID: "run-2", ProjectID: "game-2"}
	for i, typ := range []events.EventType{events.DesignStarted, events.DesignCompleted, events.DesignStarted} {
		evt := events.Event{Type: typ, Seq: int64(i + 1), SourceAgent: "concept_designer", Timestamp: ts, Payload: events.Payload{"stage": "concept"}}
		if err := rec1.Append(ctx, r.DB, evt); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := rec2.Append(ctx, r.DB, events.Event{Type: events.DesignFailed, Seq: 1, SourceAgent: "level_designer", Timestamp: ts}); err != nil {
		t.Fatalf("append: %v", err)
	}

	latest, err := r.LatestEvents(ctx, EventFilters{ProjectID: "game-1", Limit: 2})
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	if len(latest) != 2 || latest[0].Seq != 3 || latest[1].Seq != 2 {
		t.Fatalf("latest = %+v", latest)
	}
	older, err := r.LatestEvents(ctx, EventFilters{ProjectID: "game-1", Cursor: latest[1].ID})
	if err != nil || len(older) != 1 || older[0].Seq != 1 {
		t.Fatalf("older = %+v err=%v", older, err)
	}
	started, err := r.LatestEvents(ctx, EventFilters{Type: string(events.DesignStarted)})
	if err != nil || len(started) != 2 {
		t.Fatalf("started = %+v err=%v", started, err)
	}
	if started[0].Payload != `{"stage":"concept"}` {
		t.Fatalf("payload = %s", started[0].Payload)
	}

	after, err := r.EventsAfter(ctx, 0, latest[1].ID, "")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].Seq != 3 || after[1].ProjectID != "game-2" {
		t.Fatalf("after = %+v", after)
	}

	maxAll, err := r.LatestEventID(ctx, "")
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	max1, err := r.LatestEventID(ctx, "game-1")
	if err != nil || max1 >= maxAll {
		t.Fatalf("latest id game-1 = %d all = %d err=%v", max1, maxAll, err)
	}
	none, err := r.LatestEventID(ctx, "game-9")
	if err != nil || none != 0 {
		t.Fatalf("latest id for unknown project = %d err=%v", none, err)
	}

	counts, err := r.CountEventsByType(ctx, "run-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[string(events.DesignStarted)] != 2 || counts[string(events.DesignCompleted)] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}
