package dataflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/repo"
	"github.com/swarmguard/fluxweave/internal/workspacetree"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func newTestStores(t *testing.T) (*objectstore.Store, *refstore.Store) {
	t.Helper()
	r := repo.Open(t.TempDir())
	meter := noopmetric.NewMeterProvider().Meter("test")
	objects, err := objectstore.New(r, meter)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	refs := refstore.New(r, meter)
	return objects, refs
}

// deployTasks writes a package made of the given tasks into a workspace and
// returns the built graph.
func deployTasks(t *testing.T, objects *objectstore.Store, refs *refstore.Store, workspace string, tasks map[string]model.TaskDescriptor) *Graph {
	t.Helper()
	ctx := context.Background()
	pkg := model.PackageDescriptor{Tasks: map[string]string{}}
	for name, td := range tasks {
		b, err := json.Marshal(td)
		if err != nil {
			t.Fatalf("marshal task %s: %v", name, err)
		}
		h, err := objects.Put(ctx, b)
		if err != nil {
			t.Fatalf("put task %s: %v", name, err)
		}
		pkg.Tasks[name] = h
	}
	pkgBytes, err := json.Marshal(pkg)
	if err != nil {
		t.Fatalf("marshal package: %v", err)
	}
	pkgHash, err := objects.Put(ctx, pkgBytes)
	if err != nil {
		t.Fatalf("put package: %v", err)
	}
	if err := refs.PutPackage(ctx, "pkg", "v1", pkgHash); err != nil {
		t.Fatalf("PutPackage: %v", err)
	}
	if err := refs.PutWorkspaceState(ctx, workspace, &model.WorkspaceState{
		PackageName: "pkg", Version: "v1", PackageHash: pkgHash,
	}); err != nil {
		t.Fatalf("PutWorkspaceState: %v", err)
	}
	g, err := Build(ctx, objects, refs, workspace)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestBuildDiamondDependencies(t *testing.T) {
	objects, refs := newTestStores(t)
	g := deployTasks(t, objects, refs, "ws", map[string]model.TaskDescriptor{
		"a": {Inputs: []model.Path{{"raw"}}, Output: model.Path{"a_out"}},
		"b": {Inputs: []model.Path{{"a_out"}}, Output: model.Path{"b_out"}},
		"c": {Inputs: []model.Path{{"a_out"}}, Output: model.Path{"c_out"}},
		"d": {Inputs: []model.Path{{"b_out"}, {"c_out"}}, Output: model.Path{"d_out"}},
	})

	if len(g.Tasks["a"].DependsOn) != 0 {
		t.Fatalf("expected a to have no dependencies, got %v", g.Tasks["a"].DependsOn)
	}
	if len(g.Tasks["b"].DependsOn) != 1 || g.Tasks["b"].DependsOn[0] != "a" {
		t.Fatalf("expected b to depend on a, got %v", g.Tasks["b"].DependsOn)
	}
	if len(g.Tasks["d"].DependsOn) != 2 {
		t.Fatalf("expected d to depend on b and c, got %v", g.Tasks["d"].DependsOn)
	}

	ready := ReadyTasks(g, map[string]bool{})
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only a ready initially, got %v", ready)
	}

	ready = ReadyTasks(g, map[string]bool{"a": true})
	if len(ready) != 2 {
		t.Fatalf("expected b and c ready after a completes, got %v", ready)
	}
}

func TestDependentsToSkipStopsAtCompletedAndDedupes(t *testing.T) {
	objects, refs := newTestStores(t)
	g := deployTasks(t, objects, refs, "ws", map[string]model.TaskDescriptor{
		"a": {Inputs: []model.Path{{"raw"}}, Output: model.Path{"a_out"}},
		"b": {Inputs: []model.Path{{"a_out"}}, Output: model.Path{"b_out"}},
		"c": {Inputs: []model.Path{{"a_out"}}, Output: model.Path{"c_out"}},
		"d": {Inputs: []model.Path{{"b_out"}, {"c_out"}}, Output: model.Path{"d_out"}},
	})

	skipped := DependentsToSkip(g, "a", map[string]bool{}, map[string]bool{})
	got := map[string]bool{}
	for _, s := range skipped {
		got[s] = true
	}
	if !got["b"] || !got["c"] || !got["d"] {
		t.Fatalf("expected b, c, d all skipped, got %v", skipped)
	}

	// If c already completed (hypothetically finished before a's sibling
	// failed elsewhere), expansion through c must stop, but d is still
	// reached via b.
	skipped = DependentsToSkip(g, "a", map[string]bool{"c": true}, map[string]bool{})
	got = map[string]bool{}
	for _, s := range skipped {
		got[s] = true
	}
	if !got["b"] || !got["d"] || got["c"] {
		t.Fatalf("expected b and d skipped but not c, got %v", skipped)
	}

	// Already-skipped tasks are not re-reported.
	skipped = DependentsToSkip(g, "a", map[string]bool{}, map[string]bool{"b": true})
	got = map[string]bool{}
	for _, s := range skipped {
		got[s] = true
	}
	if got["b"] {
		t.Fatalf("expected b not re-reported since already skipped, got %v", skipped)
	}
	if !got["d"] {
		t.Fatalf("expected d still reported via c, got %v", skipped)
	}
}

func TestBuildDetectsCycle(t *testing.T) {
	objects, refs := newTestStores(t)
	ctx := context.Background()

	pkg := model.PackageDescriptor{Tasks: map[string]string{}}
	tasks := map[string]model.TaskDescriptor{
		"a": {Inputs: []model.Path{{"b_out"}}, Output: model.Path{"a_out"}},
		"b": {Inputs: []model.Path{{"a_out"}}, Output: model.Path{"b_out"}},
	}
	for name, td := range tasks {
		b, _ := json.Marshal(td)
		h, err := objects.Put(ctx, b)
		if err != nil {
			t.Fatalf("put task: %v", err)
		}
		pkg.Tasks[name] = h
	}
	pkgBytes, _ := json.Marshal(pkg)
	pkgHash, err := objects.Put(ctx, pkgBytes)
	if err != nil {
		t.Fatalf("put package: %v", err)
	}
	if err := refs.PutPackage(ctx, "pkg", "v1", pkgHash); err != nil {
		t.Fatalf("PutPackage: %v", err)
	}
	if err := refs.PutWorkspaceState(ctx, "ws", &model.WorkspaceState{
		PackageName: "pkg", Version: "v1", PackageHash: pkgHash,
	}); err != nil {
		t.Fatalf("PutWorkspaceState: %v", err)
	}

	if _, err := Build(ctx, objects, refs, "ws"); err == nil {
		t.Fatalf("expected cycle to be detected")
	}
}

func TestResolveInputHashes(t *testing.T) {
	objects, refs := newTestStores(t)
	ctx := context.Background()
	g := deployTasks(t, objects, refs, "ws", map[string]model.TaskDescriptor{
		"a": {Inputs: []model.Path{{"raw"}}, Output: model.Path{"a_out"}},
	})

	tree := workspacetree.New(objects, refs)
	hashes, err := ResolveInputHashes(ctx, tree, "ws", g.Tasks["a"])
	if err != nil {
		t.Fatalf("ResolveInputHashes: %v", err)
	}
	if hashes[0] != "" {
		t.Fatalf("expected unassigned input to resolve to empty hash, got %q", hashes[0])
	}

	rawHash, err := objects.Put(ctx, []byte("raw bytes"))
	if err != nil {
		t.Fatalf("put raw: %v", err)
	}
	if _, err := tree.SetByHash(ctx, "ws", model.Path{"raw"}, rawHash); err != nil {
		t.Fatalf("SetByHash: %v", err)
	}

	hashes, err = ResolveInputHashes(ctx, tree, "ws", g.Tasks["a"])
	if err != nil {
		t.Fatalf("ResolveInputHashes after set: %v", err)
	}
	if hashes[0] != rawHash {
		t.Fatalf("expected resolved hash %s, got %q", rawHash, hashes[0])
	}
}

func TestInScopeFilterLimitsToDependencyClosure(t *testing.T) {
	objects, refs := newTestStores(t)
	g := deployTasks(t, objects, refs, "ws", map[string]model.TaskDescriptor{
		"a": {Inputs: []model.Path{{"raw"}}, Output: model.Path{"a_out"}},
		"b": {Inputs: []model.Path{{"a_out"}}, Output: model.Path{"b_out"}},
		"c": {Inputs: []model.Path{{"raw"}}, Output: model.Path{"c_out"}},
	})

	scope, err := g.InScope("b")
	if err != nil {
		t.Fatalf("InScope: %v", err)
	}
	if !scope["a"] || !scope["b"] || scope["c"] {
		t.Fatalf("expected scope {a,b}, got %v", scope)
	}

	if _, err := g.InScope("nope"); err == nil {
		t.Fatalf("expected TaskNotFound for unknown filter")
	}
}
