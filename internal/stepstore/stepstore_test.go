package stepstore

import (
	"context"
	"testing"

	"github.com/swarmguard/fluxweave/internal/repo"
	"github.com/swarmguard/fluxweave/internal/stepfn"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	r := repo.Open(t.TempDir())
	meter := noopmetric.NewMeterProvider().Meter("test")
	s, err := Open(r, meter)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := &stepfn.ExecutionState{
		ID: "run-1", Workspace: "ws", Status: stepfn.StatusRunning,
		Tasks: map[string]*stepfn.TaskState{"a": {Name: "a", Phase: stepfn.PhaseReady}},
	}
	if err := s.PutState(ctx, st); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	got, ok, err := s.GetState(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("GetState: ok=%v err=%v", ok, err)
	}
	if got.Workspace != "ws" || got.Tasks["a"].Phase != stepfn.PhaseReady {
		t.Fatalf("unexpected round-tripped state: %+v", got)
	}

	if _, ok, err := s.GetState(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
}

func TestGetStateSurvivesCacheEviction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := &stepfn.ExecutionState{ID: "run-2", Workspace: "ws", Status: stepfn.StatusRunning}
	if err := s.PutState(ctx, st); err != nil {
		t.Fatalf("PutState: %v", err)
	}

	s.mu.Lock()
	delete(s.warmState, "run-2")
	s.mu.Unlock()

	got, ok, err := s.GetState(ctx, "run-2")
	if err != nil || !ok {
		t.Fatalf("GetState after eviction: ok=%v err=%v", ok, err)
	}
	if got.ID != "run-2" {
		t.Fatalf("unexpected state: %+v", got)
	}
}

func TestAppendAndEventsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []stepfn.Event{
		{Seq: 1, Kind: "initialized"},
		{Seq: 2, Kind: "task_started", Task: "a"},
		{Seq: 3, Kind: "task_completed", Task: "a"},
	}
	if err := s.AppendEvents(ctx, "run-1", events); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	all, err := s.EventsSince(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}

	tail, err := s.EventsSince(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("EventsSince(1): %v", err)
	}
	if len(tail) != 2 || tail[0].Seq != 2 {
		t.Fatalf("unexpected tail: %+v", tail)
	}

	other, err := s.EventsSince(ctx, "run-other", 0)
	if err != nil {
		t.Fatalf("EventsSince(run-other): %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("expected no events for unrelated execution id, got %+v", other)
	}
}

func TestDeleteState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	st := &stepfn.ExecutionState{ID: "run-3", Workspace: "ws"}
	if err := s.PutState(ctx, st); err != nil {
		t.Fatalf("PutState: %v", err)
	}
	if err := s.DeleteState("run-3"); err != nil {
		t.Fatalf("DeleteState: %v", err)
	}
	if _, ok, err := s.GetState(ctx, "run-3"); err != nil || ok {
		t.Fatalf("expected state gone after delete, ok=%v err=%v", ok, err)
	}
}
