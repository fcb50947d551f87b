package events_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"gameforge/internal/events"
)

func fixedClock() func() time.Time {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestEmitWithoutSubscribersRecordsHistory(t *testing.T) {
	bus := events.NewBus(events.BusConfig{Now: fixedClock()})
	before := len(bus.History())
	evt := bus.Emit(context.Background(), events.New(events.DesignCompleted, "concept_designer", events.Payload{"quality_score": 90}))
	after := bus.History()
	if len(after) != before+1 {
		t.Fatalf("history len = %d, want %d", len(after), before+1)
	}
	if evt.Timestamp.IsZero() {
		t.Fatalf("timestamp not assigned")
	}
	if after[0].Type != events.DesignCompleted || after[0].SourceAgent != "concept_designer" {
		t.Fatalf("unexpected event %+v", after[0])
	}
}

func TestEmitKeepsSuppliedTimestamp(t *testing.T) {
	bus := events.NewBus(events.BusConfig{Now: fixedClock()})
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	evt := events.New(events.DesignStarted, "concept_designer", nil)
	evt.Timestamp = ts
	got := bus.Emit(context.Background(), evt)
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, ts)
	}
}

func TestHandlersRunInSubscriptionOrder(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	var calls []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		bus.Subscribe(events.DesignStarted, func(_ context.Context, evt events.Event) error {
			calls = append(calls, fmt.Sprintf("%s:%d", name, evt.Seq))
			return nil
		})
	}
	bus.Subscribe(events.DesignCompleted, func(_ context.Context, evt events.Event) error {
		calls = append(calls, fmt.Sprintf("done:%d", evt.Seq))
		return nil
	})

	ctx := context.Background()
	bus.Emit(ctx, events.New(events.DesignStarted, "x", nil))
	bus.Emit(ctx, events.New(events.DesignCompleted, "x", nil))
	bus.Emit(ctx, events.New(events.DesignStarted, "x", nil))

	want := []string{"a:1", "b:1", "c:1", "done:2", "a:3", "b:3", "c:3"}
	if diff := cmp.Diff(want, calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
	var seqs []int64
	for _, evt := range bus.History() {
		seqs = append(seqs, evt.Seq)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, seqs); diff != "" {
		t.Fatalf("history order mismatch (-want +got):\n%s", diff)
	}
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	var reached []string
	bus.Subscribe(events.AssetApproved, func(context.Context, events.Event) error {
		reached = append(reached, "first")
		return errors.New("boom")
	})
	bus.Subscribe(events.AssetApproved, func(context.Context, events.Event) error {
		reached = append(reached, "second")
		panic("handler exploded")
	})
	bus.Subscribe(events.AssetApproved, func(context.Context, events.Event) error {
		reached = append(reached, "third")
		return nil
	})

	bus.Emit(context.Background(), events.New(events.AssetApproved, "asset_generator", nil))

	if diff := cmp.Diff([]string{"first", "second", "third"}, reached); diff != "" {
		t.Fatalf("handlers reached mismatch (-want +got):\n%s", diff)
	}
	if got := bus.HandlerFailures(); got != 2 {
		t.Fatalf("handler failures = %d, want 2", got)
	}
	if got := bus.Len(); got != 1 {
		t.Fatalf("history len = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	count := 0
	id := bus.Subscribe(events.BuildStarted, func(context.Context, events.Event) error {
		count++
		return nil
	})
	bus.Emit(context.Background(), events.New(events.BuildStarted, "builder", nil))
	if err := bus.Unsubscribe(events.BuildStarted, id); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	bus.Emit(context.Background(), events.New(events.BuildStarted, "builder", nil))
	if count != 1 {
		t.Fatalf("handler called %d times, want 1", count)
	}
	if err := bus.Unsubscribe(events.BuildStarted, id); !errors.Is(err, events.ErrNotSubscribed) {
		t.Fatalf("second unsubscribe err = %v, want ErrNotSubscribed", err)
	}
	if err := bus.Unsubscribe(events.DeployFailed, id); !errors.Is(err, events.ErrNotSubscribed) {
		t.Fatalf("wrong-type unsubscribe err = %v, want ErrNotSubscribed", err)
	}
}

func TestHistoryFilterAndIsolation(t *testing.T) {
	bus := events.NewBus(events.BusConfig{})
	ctx := context.Background()
	payload := events.Payload{"asset": "hero"}
	bus.Emit(ctx, events.New(events.AssetApproved, "validator", payload))
	bus.Emit(ctx, events.New(events.AssetRejected, "validator", nil))
	bus.Emit(ctx, events.New(events.AssetApproved, "validator", nil))

	payload["asset"] = "mutated"

	approved := bus.History(events.AssetApproved)
	if len(approved) != 2 {
		t.Fatalf("filtered len = %d, want 2", len(approved))
	}
	if approved[0].Payload["asset"] != "hero" {
		t.Fatalf("history payload changed by caller: %v", approved[0].Payload)
	}
	approved[0].Payload["asset"] = "changed again"
	if bus.History()[0].Payload["asset"] != "hero" {
		t.Fatalf("history payload changed through returned copy")
	}

	bus.ClearHistory()
	if bus.Len() != 0 {
		t.Fatalf("history not cleared")
	}
}

func TestTaxonomy(t *testing.T) {
	if len(events.Types()) != 21 {
		t.Fatalf("taxonomy size = %d, want 21", len(events.Types()))
	}
	if !events.AssetGenerationStarted.Known() || events.EventType("design.paused").Known() {
		t.Fatalf("Known() misclassified")
	}
	if got := events.QABugFound.Domain(); got != "qa" {
		t.Fatalf("domain = %q", got)
	}
	if string(events.DeployComplete) != "deploy.complete" {
		t.Fatalf("wire tag changed: %s", events.DeployComplete)
	}
}
