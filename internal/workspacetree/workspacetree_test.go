package workspacetree

import (
	"context"
	"testing"

	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/repo"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestTree(t *testing.T) (*Tree, string) {
	t.Helper()
	r := repo.Open(t.TempDir())
	meter := noopmetric.NewMeterProvider().Meter("test")
	objects, err := objectstore.New(r, meter)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	refs := refstore.New(r, meter)
	ctx := context.Background()
	if err := refs.CreateWorkspace(ctx, "ws1"); err != nil {
		t.Fatalf("CreateWorkspace: %v", err)
	}
	return New(objects, refs), "ws1"
}

func TestSetThenGetRoundTrip(t *testing.T) {
	tree, ws := newTestTree(t)
	ctx := context.Background()

	root, err := tree.SetValue(ctx, ws, model.Path{"a"}, []byte("10"), "Integer")
	if err != nil {
		t.Fatalf("SetValue: %v", err)
	}
	if root == "" {
		t.Fatalf("expected non-empty root")
	}

	ref, err := tree.Get(ctx, ws, model.Path{"a"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ref.Type != RefValue {
		t.Fatalf("expected RefValue, got %v", ref.Type)
	}
}

func TestGetUnassignedPath(t *testing.T) {
	tree, ws := newTestTree(t)
	ref, err := tree.Get(context.Background(), ws, model.Path{"missing"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ref.Type != RefUnassigned {
		t.Fatalf("expected RefUnassigned, got %v", ref.Type)
	}
}

func TestNestedPathsPreserveSiblings(t *testing.T) {
	tree, ws := newTestTree(t)
	ctx := context.Background()

	if _, err := tree.SetValue(ctx, ws, model.Path{"tasks", "left", "output"}, []byte("15"), "Integer"); err != nil {
		t.Fatalf("SetValue left: %v", err)
	}
	if _, err := tree.SetValue(ctx, ws, model.Path{"tasks", "right", "output"}, []byte("50"), "Integer"); err != nil {
		t.Fatalf("SetValue right: %v", err)
	}

	leftRef, err := tree.Get(ctx, ws, model.Path{"tasks", "left", "output"})
	if err != nil {
		t.Fatalf("Get left: %v", err)
	}
	if leftRef.Type != RefValue {
		t.Fatalf("expected left value preserved after writing right, got %v", leftRef.Type)
	}

	rightRef, err := tree.Get(ctx, ws, model.Path{"tasks", "right", "output"})
	if err != nil {
		t.Fatalf("Get right: %v", err)
	}
	if rightRef.Type != RefValue {
		t.Fatalf("expected right value set, got %v", rightRef.Type)
	}
}

func TestSetProducesNewRootEachTime(t *testing.T) {
	tree, ws := newTestTree(t)
	ctx := context.Background()

	r1, err := tree.SetValue(ctx, ws, model.Path{"a"}, []byte("1"), "Integer")
	if err != nil {
		t.Fatalf("SetValue 1: %v", err)
	}
	r2, err := tree.SetValue(ctx, ws, model.Path{"a"}, []byte("2"), "Integer")
	if err != nil {
		t.Fatalf("SetValue 2: %v", err)
	}
	if r1 == r2 {
		t.Fatalf("expected distinct roots for distinct values")
	}
	// The old root remains readable for anyone still holding it.
	ref, err := tree.GetFromRoot(ctx, r1, model.Path{"a"})
	if err != nil {
		t.Fatalf("GetFromRoot old: %v", err)
	}
	if ref.Type != RefValue {
		t.Fatalf("expected old root still valid, got %v", ref.Type)
	}
}

func TestPathStringBacktickQuoting(t *testing.T) {
	p := model.Path{"a.b", "plain", "c`d"}
	got := p.String()
	want := "`a.b`.plain.`c``d`"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
