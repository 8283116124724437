// Package dataflow implements the pure DAG helpers of spec.md §4.8, C8:
// graph construction from a package and workspace, readiness, the
// transitive skip-set on failure, and input-hash resolution. Every
// function here is pure (or read-only against the stores); the stateful
// scheduling loop lives in internal/scheduler.
package dataflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/swarmguard/fluxweave/internal/fwerr"
	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/workspacetree"
)

// TaskNode is one task in a built graph.
type TaskNode struct {
	Name       string
	Hash       string
	Descriptor model.TaskDescriptor
	DependsOn  []string // task names this task's inputs are produced by
}

// Graph is the fixed DAG derived from a package deployed into a workspace,
// spec.md §4.8.
type Graph struct {
	Tasks        map[string]*TaskNode
	Order        []string            // order in which Build visited the package's task map; Go map iteration, so not stable between builds
	OutputToTask map[string]string   // output path string -> task name
	Dependents   map[string][]string // task name -> task names that depend on it (reverse edges)
}

// Build reads the workspace's deployed package and decodes every task,
// constructing the dependency graph. Paths are matched by exact equality
// (model.Path.Equal) against other tasks' output paths; any input path that
// is not another task's output is treated as an externally-assigned
// dataset, not an edge.
func Build(ctx context.Context, objects *objectstore.Store, refs *refstore.Store, workspace string) (*Graph, error) {
	state, err := refs.GetWorkspaceState(workspace)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fwerr.ErrWorkspaceNotDeployed
	}

	pkgBytes, err := objects.Get(ctx, state.PackageHash)
	if err != nil {
		return nil, fmt.Errorf("dataflow: read package descriptor: %w", err)
	}
	var pkg model.PackageDescriptor
	if err := json.Unmarshal(pkgBytes, &pkg); err != nil {
		return nil, fmt.Errorf("dataflow: decode package descriptor: %w", err)
	}

	g := &Graph{
		Tasks:        make(map[string]*TaskNode, len(pkg.Tasks)),
		OutputToTask: make(map[string]string, len(pkg.Tasks)),
		Dependents:   make(map[string][]string, len(pkg.Tasks)),
	}

	for name, hash := range pkg.Tasks {
		taskBytes, err := objects.Get(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("dataflow: read task %q: %w", name, err)
		}
		var td model.TaskDescriptor
		if err := json.Unmarshal(taskBytes, &td); err != nil {
			return nil, fmt.Errorf("dataflow: decode task %q: %w", name, err)
		}
		g.Tasks[name] = &TaskNode{Name: name, Hash: hash, Descriptor: td}
		g.OutputToTask[td.Output.String()] = name
		g.Order = append(g.Order, name)
	}

	for name, node := range g.Tasks {
		for _, in := range node.Descriptor.Inputs {
			if producer, ok := g.OutputToTask[in.String()]; ok && producer != name {
				node.DependsOn = append(node.DependsOn, producer)
				g.Dependents[producer] = append(g.Dependents[producer], name)
			}
		}
	}

	if err := detectCycle(g); err != nil {
		return nil, err
	}

	return g, nil
}

func detectCycle(g *Graph) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.Tasks))
	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range g.Tasks[name].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("dataflow: cycle detected involving task %q", dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for _, name := range g.Order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadyTasks returns every task, in graph order, whose dependencies are all
// in completed.
func ReadyTasks(g *Graph, completed map[string]bool) []string {
	var ready []string
	for _, name := range g.Order {
		if completed[name] {
			continue
		}
		allDone := true
		for _, dep := range g.Tasks[name].DependsOn {
			if !completed[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, name)
		}
	}
	return ready
}

// DependentsToSkip performs a BFS over reverse edges from failed, yielding
// each new transitive dependent exactly once. Expansion stops at completed
// tasks (their output already committed breaks the failure chain) and
// continues through already-skipped tasks without re-reporting them,
// matching spec.md §4.8.
func DependentsToSkip(g *Graph, failed string, completed map[string]bool, alreadySkipped map[string]bool) []string {
	var newlySkipped []string
	seen := make(map[string]bool)
	queue := append([]string(nil), g.Dependents[failed]...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] || completed[name] {
			continue
		}
		seen[name] = true
		if !alreadySkipped[name] {
			newlySkipped = append(newlySkipped, name)
		}
		queue = append(queue, g.Dependents[name]...)
	}
	return newlySkipped
}

// ResolveInputHashes returns the current dataset hash at each of task's
// input paths, or "" for an unassigned path, in declared order.
func ResolveInputHashes(ctx context.Context, tree *workspacetree.Tree, workspace string, task *TaskNode) ([]string, error) {
	hashes := make([]string, len(task.Descriptor.Inputs))
	for i, path := range task.Descriptor.Inputs {
		ref, err := tree.Get(ctx, workspace, path)
		if err != nil {
			return nil, fmt.Errorf("dataflow: resolve input %s: %w", path.String(), err)
		}
		if ref.Type == workspacetree.RefValue {
			hashes[i] = ref.Hash
		}
	}
	return hashes, nil
}

// HasTask reports whether the graph contains a task called name. The graph
// itself is never narrowed by a filter: InScope computes the filtered set,
// and the scheduler consults it (also to limit skip propagation, spec.md §9
// open question 3).
func (g *Graph) HasTask(name string) bool {
	_, ok := g.Tasks[name]
	return ok
}

// InScope computes the set of task names reachable from filter (filter
// itself plus its transitive dependencies), or every task if filter is "".
func (g *Graph) InScope(filter string) (map[string]bool, error) {
	if filter == "" {
		scope := make(map[string]bool, len(g.Order))
		for _, n := range g.Order {
			scope[n] = true
		}
		return scope, nil
	}
	if !g.HasTask(filter) {
		return nil, &fwerr.TaskNotFound{Name: filter}
	}
	scope := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if scope[name] {
			return
		}
		scope[name] = true
		for _, dep := range g.Tasks[name].DependsOn {
			visit(dep)
		}
	}
	visit(filter)
	return scope, nil
}
