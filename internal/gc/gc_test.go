package gc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/repo"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

func TestGCDeletesUnreachableRetainsReachable(t *testing.T) {
	ctx := context.Background()
	r := repo.Open(t.TempDir())
	meter := noopmetric.NewMeterProvider().Meter("test")
	objects, err := objectstore.New(r, meter)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	refs := refstore.New(r, meter)

	// A reachable object: referenced by a package's data root tree.
	reachableLeaf, err := objects.Put(ctx, []byte("kept"))
	if err != nil {
		t.Fatalf("put leaf: %v", err)
	}
	dataRoot := mustPutTree(t, objects, map[string]treeChildRef{"a": {Kind: "value", Hash: reachableLeaf}})

	pkg := model.PackageDescriptor{Tasks: map[string]string{}, DataRoot: dataRoot}
	pkgBytes, _ := json.Marshal(pkg)
	pkgHash, err := objects.Put(ctx, pkgBytes)
	if err != nil {
		t.Fatalf("put package: %v", err)
	}
	if err := refs.PutPackage(ctx, "pkg", "v1", pkgHash); err != nil {
		t.Fatalf("PutPackage: %v", err)
	}

	// An unreachable object with no refs pointing to it.
	orphan, err := objects.Put(ctx, []byte("orphan"))
	if err != nil {
		t.Fatalf("put orphan: %v", err)
	}

	// Age every object past the min-age guard.
	ageAllObjects(t, r, 2*time.Hour)

	collector := New(r, objects, refs, meter)
	res, err := collector.Run(ctx, Options{MinAge: time.Hour})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !objects.Exists(reachableLeaf) {
		t.Fatalf("expected reachable leaf to survive gc")
	}
	if !objects.Exists(pkgHash) {
		t.Fatalf("expected package object to survive gc")
	}
	if !objects.Exists(dataRoot) {
		t.Fatalf("expected data root tree to survive gc")
	}
	if objects.Exists(orphan) {
		t.Fatalf("expected orphan object to be deleted")
	}
	if res.Deleted != 1 {
		t.Fatalf("expected exactly 1 deletion, got %d", res.Deleted)
	}
	if res.Retained < 3 {
		t.Fatalf("expected at least 3 retained objects, got %d", res.Retained)
	}
}

func TestGCSkipsYoungObjects(t *testing.T) {
	ctx := context.Background()
	r := repo.Open(t.TempDir())
	meter := noopmetric.NewMeterProvider().Meter("test")
	objects, err := objectstore.New(r, meter)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	refs := refstore.New(r, meter)

	fresh, err := objects.Put(ctx, []byte("just written"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	collector := New(r, objects, refs, meter)
	res, err := collector.Run(ctx, Options{MinAge: time.Hour})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.SkippedYoung < 1 {
		t.Fatalf("expected fresh object to be skipped as young")
	}
	if !objects.Exists(fresh) {
		t.Fatalf("expected fresh object to survive because it is young")
	}
}

func TestGCDryRunDeletesNothing(t *testing.T) {
	ctx := context.Background()
	r := repo.Open(t.TempDir())
	meter := noopmetric.NewMeterProvider().Meter("test")
	objects, err := objectstore.New(r, meter)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	refs := refstore.New(r, meter)

	orphan, err := objects.Put(ctx, []byte("orphan"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	ageAllObjects(t, r, 2*time.Hour)

	collector := New(r, objects, refs, meter)
	res, err := collector.Run(ctx, Options{MinAge: time.Hour, DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Deleted != 1 {
		t.Fatalf("expected dry-run to count the deletion, got %d", res.Deleted)
	}
	if !objects.Exists(orphan) {
		t.Fatalf("expected dry-run to leave the object in place")
	}
}

func mustPutTree(t *testing.T, objects *objectstore.Store, children map[string]treeChildRef) string {
	t.Helper()
	n := treeNode{Children: children}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("marshal tree node: %v", err)
	}
	h, err := objects.Put(context.Background(), b)
	if err != nil {
		t.Fatalf("put tree node: %v", err)
	}
	return h
}

func ageAllObjects(t *testing.T, r *repo.Repo, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	err := filepath.Walk(r.ObjectsDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		return os.Chtimes(path, old, old)
	})
	if err != nil {
		t.Fatalf("age objects: %v", err)
	}
}
