// Package gc implements the garbage collector of spec.md §4.7, C7: a
// reachability sweep from package refs, workspace roots, and execution
// output refs, with a min-age guard protecting objects any in-flight task
// might still be writing or about to reference.
package gc

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/repo"
	"go.opentelemetry.io/otel/metric"
)

// Options controls one gc() invocation, spec.md §4.7.
type Options struct {
	DryRun   bool
	MinAge   time.Duration
}

// Result reports what a gc() invocation did or would do.
type Result struct {
	Retained       int
	Deleted        int
	DeletedPartials int
	SkippedYoung   int
	BytesFreed     int64
}

// Collector runs garbage collection for one repository.
type Collector struct {
	repo    *repo.Repo
	objects *objectstore.Store
	refs    *refstore.Store

	retainedGauge metric.Int64Counter
	deletedGauge  metric.Int64Counter
	bytesFreed    metric.Int64Counter
}

// New constructs a Collector.
func New(r *repo.Repo, objects *objectstore.Store, refs *refstore.Store, meter metric.Meter) *Collector {
	c := &Collector{repo: r, objects: objects, refs: refs}
	if meter != nil {
		c.retainedGauge, _ = meter.Int64Counter("fluxweave_gc_retained_total")
		c.deletedGauge, _ = meter.Int64Counter("fluxweave_gc_deleted_total")
		c.bytesFreed, _ = meter.Int64Counter("fluxweave_gc_bytes_freed_total")
	}
	return c
}

// Run performs one gc pass.
func (c *Collector) Run(ctx context.Context, opts Options) (Result, error) {
	reachable, err := c.computeReachable(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("gc: compute reachable set: %w", err)
	}
	defer reachable.Close()

	now := time.Now()
	var res Result

	entries, err := os.ReadDir(c.repo.ObjectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return Result{}, fmt.Errorf("gc: list object shards: %w", err)
	}

	for _, shard := range entries {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(c.repo.ObjectsDir(), shard.Name())
		files, err := os.ReadDir(shardDir)
		if err != nil {
			return Result{}, fmt.Errorf("gc: list shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			info, err := f.Info()
			if err != nil {
				continue
			}
			hash := shard.Name() + strings.TrimSuffix(f.Name(), ".blob")
			path := filepath.Join(shardDir, f.Name())

			if now.Sub(info.ModTime()) < opts.MinAge {
				res.SkippedYoung++
				continue
			}
			if reachable.Has(hash) {
				res.Retained++
				if c.retainedGauge != nil {
					c.retainedGauge.Add(ctx, 1)
				}
				continue
			}
			res.Deleted++
			res.BytesFreed += info.Size()
			if !opts.DryRun {
				if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
					return Result{}, fmt.Errorf("gc: delete object %s: %w", hash, err)
				}
			}
			if c.deletedGauge != nil {
				c.deletedGauge.Add(ctx, 1)
			}
			if c.bytesFreed != nil {
				c.bytesFreed.Add(ctx, info.Size())
			}
		}
	}

	partials, err := c.sweepPartials(opts, now)
	if err != nil {
		return Result{}, err
	}
	res.DeletedPartials = partials

	return res, nil
}

// sweepPartials removes leftover temp files (write-to-temp files whose
// rename never happened, e.g. after a crash) older than MinAge.
func (c *Collector) sweepPartials(opts Options, now time.Time) (int, error) {
	dirs := []string{c.repo.TempDir(), c.repo.Dir}
	count := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return count, fmt.Errorf("gc: list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.Contains(e.Name(), ".tmp") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < opts.MinAge {
				continue
			}
			count++
			if !opts.DryRun {
				_ = os.Remove(filepath.Join(dir, e.Name()))
			}
		}
	}
	return count, nil
}

// computeReachable unions everything a package ref, a workspace root, or an
// execution output ref transitively references (spec.md §4.7 step 1).
func (c *Collector) computeReachable(ctx context.Context) (*markSet, error) {
	set, err := newMarkSet()
	if err != nil {
		return nil, err
	}

	pkgHashes, err := c.refs.AllPackageHashes()
	if err != nil {
		set.Close()
		return nil, err
	}
	for _, h := range pkgHashes {
		if err := c.markPackage(ctx, set, h); err != nil {
			set.Close()
			return nil, err
		}
	}

	roots, err := c.refs.AllWorkspaceRoots()
	if err != nil {
		set.Close()
		return nil, err
	}
	for _, root := range roots {
		if err := c.markTree(ctx, set, root); err != nil {
			set.Close()
			return nil, err
		}
	}

	outputs, err := c.refs.AllOutputRefs()
	if err != nil {
		set.Close()
		return nil, err
	}
	for _, h := range outputs {
		if err := set.Add(h); err != nil {
			set.Close()
			return nil, err
		}
	}

	return set, nil
}

func (c *Collector) markPackage(ctx context.Context, set *markSet, hash string) error {
	if hash == "" || set.Has(hash) {
		return nil
	}
	if err := set.Add(hash); err != nil {
		return err
	}
	b, err := c.objects.Get(ctx, hash)
	if err != nil {
		// A dangling package ref (object already gone) shouldn't abort the
		// whole sweep; it simply contributes no further reachability.
		return nil
	}
	var pkg model.PackageDescriptor
	if err := json.Unmarshal(b, &pkg); err != nil {
		return nil
	}
	for _, taskHash := range pkg.Tasks {
		if err := c.markTask(ctx, set, taskHash); err != nil {
			return err
		}
	}
	return c.markTree(ctx, set, pkg.DataRoot)
}

func (c *Collector) markTask(ctx context.Context, set *markSet, hash string) error {
	if hash == "" || set.Has(hash) {
		return nil
	}
	if err := set.Add(hash); err != nil {
		return err
	}
	b, err := c.objects.Get(ctx, hash)
	if err != nil {
		return nil
	}
	var task model.TaskDescriptor
	if err := json.Unmarshal(b, &task); err != nil {
		return nil
	}
	if task.CommandExpr != "" {
		return set.Add(task.CommandExpr)
	}
	return nil
}

// treeNode mirrors workspacetree's on-disk node encoding; duplicated here
// rather than imported because it is a stable interchange format owned by
// no single Go type, the same way the reference blockchain store keeps its
// own block (de)serializer next to its own reader.
type treeNode struct {
	Children map[string]treeChildRef `json:"children"`
}

type treeChildRef struct {
	Kind string `json:"kind"`
	Hash string `json:"hash,omitempty"`
}

func (c *Collector) markTree(ctx context.Context, set *markSet, hash string) error {
	if hash == "" || set.Has(hash) {
		return nil
	}
	if err := set.Add(hash); err != nil {
		return err
	}
	b, err := c.objects.Get(ctx, hash)
	if err != nil {
		return nil
	}
	var n treeNode
	if err := json.Unmarshal(b, &n); err != nil {
		return nil
	}
	for _, child := range n.Children {
		switch child.Kind {
		case "node":
			if err := c.markTree(ctx, set, child.Hash); err != nil {
				return err
			}
		case "value":
			if err := set.Add(child.Hash); err != nil {
				return err
			}
		}
	}
	return nil
}
