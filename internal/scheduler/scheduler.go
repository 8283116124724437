// Package scheduler implements the dataflow execution loop of spec.md
// §4.9, C9: lock acquisition, bounded-concurrency launch, workspace-mutex
// guarded commit, cache-hit-with-workspace-match, and cooperative
// cancellation. Grounded on the teacher's dag_engine.go worker-pool
// coordinator combined with cancellation.go's cancel bookkeeping, stripped
// of retries since a task here runs at most once per execution id.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/swarmguard/fluxweave/internal/dataflow"
	"github.com/swarmguard/fluxweave/internal/fwerr"
	"github.com/swarmguard/fluxweave/internal/lockservice"
	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/taskrunner"
	"github.com/swarmguard/fluxweave/internal/workspacetree"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TaskOutcome is one line of DataflowResult.Tasks.
type TaskOutcome struct {
	Name        string
	Status      model.ExecutionStatusKind // zero value when Skipped is true
	Skipped     bool
	Cached      bool
	OutputHash  string
	ExecutionID string
	Duration    time.Duration
	Err         error
}

// DataflowResult is the return value of Execute, spec.md §4.9.
type DataflowResult struct {
	Success  bool
	Executed int
	Cached   int
	Failed   int
	Skipped  int
	Tasks    []TaskOutcome
	Duration time.Duration
}

// Options configures one Execute call.
type Options struct {
	Concurrency int
	Force       bool
	Filter      string
	Signal      <-chan struct{} // closed or sent-to to request cancellation
	Lock        *lockservice.Handle // externally held lock; if nil, Execute acquires and releases its own
	Runner      *taskrunner.Runner
	RunnerOpts  taskrunner.Options // ScratchDir etc, forwarded per task

	OnTaskStart    func(name string)
	OnTaskComplete func(outcome TaskOutcome)
	OnStdout       func(name string, chunk []byte)
	OnStderr       func(name string, chunk []byte)
}

// Scheduler executes dataflow runs against one repository.
type Scheduler struct {
	objects *objectstore.Store
	refs    *refstore.Store
	tree    *workspacetree.Tree
	locks   *lockservice.Service

	tracer   trace.Tracer
	duration metric.Float64Histogram
	runs     metric.Int64Counter
}

// New constructs a Scheduler.
func New(objects *objectstore.Store, refs *refstore.Store, tree *workspacetree.Tree, locks *lockservice.Service, tracer trace.Tracer, meter metric.Meter) *Scheduler {
	s := &Scheduler{objects: objects, refs: refs, tree: tree, locks: locks, tracer: tracer}
	if meter != nil {
		s.duration, _ = meter.Float64Histogram("fluxweave_scheduler_run_duration_seconds")
		s.runs, _ = meter.Int64Counter("fluxweave_scheduler_runs_total")
	}
	return s
}

// run is the mutable per-invocation state of spec.md §4.9.
type run struct {
	g    *dataflow.Graph
	ws   string
	opts Options

	readyQueue []string
	completed  map[string]bool
	inProgress map[string]bool
	skipped    map[string]bool
	unresolved map[string]int
	inScope    map[string]bool

	executed, cached, failed, skippedCount int
	hasFailure                             bool
	aborted                                 bool
	tasks                                   []TaskOutcome

	wsMutex *sync.Mutex // per-run serialization of workspace reads and commits, spec.md §5; a plain sync.Mutex, waiters are not served in FIFO order
}

// Execute runs ws's deployed DAG to completion, spec.md §4.9.
func (s *Scheduler) Execute(ctx context.Context, ws string, opts Options) (DataflowResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute")
	defer span.End()

	start := time.Now()
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}

	var handle *lockservice.Handle
	ownLock := opts.Lock == nil
	if ownLock {
		h, err := s.locks.Acquire(ctx, ws, model.LockDataflow)
		if err != nil {
			return DataflowResult{}, fmt.Errorf("scheduler: acquire lock: %w", err)
		}
		if h == nil {
			return DataflowResult{}, s.locks.AsLockError(ws)
		}
		handle = h
	} else {
		handle = opts.Lock
	}
	defer func() {
		if ownLock {
			_ = s.locks.Release(handle)
		}
	}()

	g, err := dataflow.Build(ctx, s.objects, s.refs, ws)
	if err != nil {
		return DataflowResult{}, classifyBuildError(err)
	}

	scope, err := g.InScope(opts.Filter)
	if err != nil {
		return DataflowResult{}, err
	}

	r := &run{
		g: g, ws: ws, opts: opts,
		completed:  map[string]bool{},
		inProgress: map[string]bool{},
		skipped:    map[string]bool{},
		unresolved: map[string]int{},
		inScope:    scope,
		wsMutex:    &sync.Mutex{},
	}
	for name, node := range g.Tasks {
		if scope[name] {
			r.unresolved[name] = len(node.DependsOn)
		}
	}
	for name := range scope {
		if r.unresolved[name] == 0 {
			r.readyQueue = append(r.readyQueue, name)
		}
	}

	if err := s.loop(ctx, r); err != nil {
		return DataflowResult{}, err
	}

	duration := time.Since(start)
	if s.duration != nil {
		s.duration.Record(ctx, duration.Seconds())
	}
	if s.runs != nil {
		s.runs.Add(ctx, 1)
	}

	if r.aborted {
		partial := DataflowResult{
			Success: false, Executed: r.executed, Cached: r.cached, Failed: r.failed,
			Skipped: r.skippedCount, Tasks: r.tasks, Duration: duration,
		}
		return DataflowResult{}, &fwerr.DataflowAborted{Partial: partial}
	}

	return DataflowResult{
		Success:  !r.hasFailure,
		Executed: r.executed,
		Cached:   r.cached,
		Failed:   r.failed,
		Skipped:  r.skippedCount,
		Tasks:    r.tasks,
		Duration: duration,
	}, nil
}

func classifyBuildError(err error) error {
	switch err {
	case fwerr.ErrWorkspaceNotFound, fwerr.ErrWorkspaceNotDeployed:
		return err
	default:
		return &fwerr.DataflowError{Cause: err}
	}
}

type taskResult struct {
	outcome TaskOutcome
	err     error
}

// loop is the main scheduling loop, spec.md §4.9 steps 1-3.
func (s *Scheduler) loop(ctx context.Context, r *run) error {
	results := make(chan taskResult)
	running := map[string]bool{}

	cancelled := func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
		}
		if r.opts.Signal != nil {
			select {
			case <-r.opts.Signal:
				return true
			default:
			}
		}
		return false
	}

	for len(r.readyQueue) > 0 || len(running) > 0 {
		if cancelled() {
			r.aborted = true
		}

		for !r.hasFailure && !r.aborted && len(running) < r.opts.Concurrency && len(r.readyQueue) > 0 {
			name := r.readyQueue[0]
			r.readyQueue = r.readyQueue[1:]
			if r.completed[name] || r.inProgress[name] || r.skipped[name] {
				continue
			}

			hitOutcome, hit, err := s.checkCacheHit(ctx, r, name)
			if err != nil {
				return &fwerr.DataflowError{Cause: err}
			}
			if hit {
				r.completed[name] = true
				r.cached++
				r.tasks = append(r.tasks, hitOutcome)
				if r.opts.OnTaskComplete != nil {
					r.opts.OnTaskComplete(hitOutcome)
				}
				s.notifyDependents(r, name)
				continue
			}

			r.inProgress[name] = true
			if r.opts.OnTaskStart != nil {
				r.opts.OnTaskStart(name)
			}
			running[name] = true
			go s.runTask(ctx, r, name, results)
		}

		if len(running) == 0 {
			if len(r.readyQueue) == 0 || r.aborted {
				break
			}
			continue
		}

		res := <-results
		delete(running, res.outcome.Name)
		delete(r.inProgress, res.outcome.Name)

		if res.err != nil {
			return &fwerr.DataflowError{Cause: res.err}
		}

		r.tasks = append(r.tasks, res.outcome)
		if r.opts.OnTaskComplete != nil {
			r.opts.OnTaskComplete(res.outcome)
		}

		if res.outcome.Status == model.StatusSuccess {
			r.completed[res.outcome.Name] = true
			r.executed++
			s.notifyDependents(r, res.outcome.Name)
		} else {
			r.hasFailure = true
			r.failed++
			s.skipDependents(r, res.outcome.Name)
		}
	}

	// Drain any stragglers left running when the loop broke out early
	// (aborted with launches already in flight), spec.md §4.9 step 2.
	for len(running) > 0 {
		res := <-results
		delete(running, res.outcome.Name)
		if res.err != nil {
			return &fwerr.DataflowError{Cause: res.err}
		}
		r.tasks = append(r.tasks, res.outcome)
		if r.opts.OnTaskComplete != nil {
			r.opts.OnTaskComplete(res.outcome)
		}
		if res.outcome.Status == model.StatusSuccess {
			r.completed[res.outcome.Name] = true
			r.executed++
			s.notifyDependents(r, res.outcome.Name)
		} else {
			r.hasFailure = true
			r.failed++
			s.skipDependents(r, res.outcome.Name)
		}
	}

	return nil
}

// checkCacheHit implements cache-hit-with-workspace-match, spec.md §4.9.
func (s *Scheduler) checkCacheHit(ctx context.Context, r *run, name string) (TaskOutcome, bool, error) {
	if r.opts.Force {
		return TaskOutcome{}, false, nil
	}
	node := r.g.Tasks[name]

	r.wsMutex.Lock()
	defer r.wsMutex.Unlock()

	hashes, err := dataflow.ResolveInputHashes(ctx, s.tree, r.ws, node)
	if err != nil {
		return TaskOutcome{}, false, err
	}
	for _, h := range hashes {
		if h == "" {
			return TaskOutcome{}, false, nil
		}
	}
	inputsHash := taskrunner.InputsHash(hashes)
	outputHash, hit, err := s.refs.OutputFor(node.Hash, inputsHash)
	if err != nil || !hit {
		return TaskOutcome{}, false, err
	}
	current, err := s.tree.Get(ctx, r.ws, node.Descriptor.Output)
	if err != nil {
		return TaskOutcome{}, false, err
	}
	if current.Type != workspacetree.RefValue || current.Hash != outputHash {
		return TaskOutcome{}, false, nil
	}
	return TaskOutcome{Name: name, Status: model.StatusSuccess, Cached: true, OutputHash: outputHash}, true, nil
}

// runTask spawns name's task future and, on success, commits its output to
// the workspace tree under the workspace mutex before reporting.
func (s *Scheduler) runTask(ctx context.Context, r *run, name string, results chan<- taskResult) {
	node := r.g.Tasks[name]

	r.wsMutex.Lock()
	hashes, err := dataflow.ResolveInputHashes(ctx, s.tree, r.ws, node)
	r.wsMutex.Unlock()
	if err != nil {
		results <- taskResult{outcome: TaskOutcome{Name: name}, err: err}
		return
	}

	opts := r.opts.RunnerOpts
	opts.Force = r.opts.Force
	if r.opts.OnStdout != nil {
		opts.OnStdout = func(chunk []byte) { r.opts.OnStdout(name, chunk) }
	}
	if r.opts.OnStderr != nil {
		opts.OnStderr = func(chunk []byte) { r.opts.OnStderr(name, chunk) }
	}

	res, err := r.opts.Runner.Execute(ctx, node.Hash, hashes, opts)
	if err != nil {
		results <- taskResult{outcome: TaskOutcome{Name: name}, err: err}
		return
	}

	outcome := TaskOutcome{
		Name: name, Status: res.State, Cached: res.Cached,
		OutputHash: res.OutputHash, ExecutionID: res.ExecutionID,
		Duration: res.Duration, Err: res.Err,
	}

	if res.State == model.StatusSuccess {
		r.wsMutex.Lock()
		_, commitErr := s.tree.SetByHash(ctx, r.ws, node.Descriptor.Output, res.OutputHash)
		r.wsMutex.Unlock()
		if commitErr != nil {
			results <- taskResult{outcome: outcome, err: commitErr}
			return
		}
	}

	results <- taskResult{outcome: outcome}
}

// notifyDependents decrements every dependent's unresolved count, pushing
// those reaching zero onto the ready queue, spec.md §4.9.
func (s *Scheduler) notifyDependents(r *run, name string) {
	for _, dep := range r.g.Dependents[name] {
		if !r.inScope[dep] {
			continue
		}
		r.unresolved[dep]--
		if r.unresolved[dep] == 0 && !r.completed[dep] && !r.inProgress[dep] && !r.skipped[dep] {
			r.readyQueue = append(r.readyQueue, dep)
		}
	}
}

// skipDependents marks name's transitive dependents as skipped, using
// dataflow.DependentsToSkip so each is reported exactly once.
func (s *Scheduler) skipDependents(r *run, name string) {
	newly := dataflow.DependentsToSkip(r.g, name, r.completed, r.skipped)
	for _, dep := range newly {
		if !r.inScope[dep] {
			continue
		}
		r.skipped[dep] = true
		r.skippedCount++
		outcome := TaskOutcome{Name: dep, Skipped: true}
		r.tasks = append(r.tasks, outcome)
		if r.opts.OnTaskComplete != nil {
			r.opts.OnTaskComplete(outcome)
		}
	}
}
