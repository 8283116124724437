// Package stepfn exposes the scheduler's dataflow algorithm (spec.md §4.9,
// C9) as a serialisable ExecutionState plus pure step functions (spec.md
// §4.10, C10), for external orchestrators that cannot hold a single process
// open for the duration of a run. internal/scheduler remains the in-process
// fast path; this package re-expresses the same readiness/commit/skip rules
// as discrete, resumable mutations over a JSON-friendly state value.
//
// No direct teacher analogue exists for this split (the reference
// orchestrator always holds one goroutine open for a workflow run); it is
// grounded on spec.md §9's "arena/index" note that the scheduler's working
// set is rebuilt per run, so there is no long-lived graph to manage with
// ownership subtlety -- the same holds for ExecutionState.
package stepfn

import (
	"context"
	"fmt"
	"time"

	"github.com/swarmguard/fluxweave/internal/dataflow"
	"github.com/swarmguard/fluxweave/internal/fwerr"
	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/taskrunner"
	"github.com/swarmguard/fluxweave/internal/workspacetree"
)

// Phase is the per-task state machine of spec.md §4.9's last paragraph:
// pending -> (ready | skipped) -> in_progress -> (completed | failed | error).
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseReady      Phase = "ready"
	PhaseInProgress Phase = "in_progress"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseError      Phase = "error"
	PhaseSkipped    Phase = "skipped"
)

// Status is the run-level status of an ExecutionState.
type Status string

const (
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailure  Status = "failure"
	StatusAborted  Status = "aborted"
)

// TaskState is one task's progress within a run.
type TaskState struct {
	Name        string        `json:"name"`
	Phase       Phase         `json:"phase"`
	Cached      bool          `json:"cached,omitempty"`
	OutputHash  string        `json:"output_hash,omitempty"`
	ExecutionID string        `json:"execution_id,omitempty"`
	ExitCode    int           `json:"exit_code,omitempty"`
	ErrMessage  string        `json:"err_message,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
}

// ExecutionState is the serialisable, resumable counterpart of the
// scheduler's in-memory run struct (spec.md §4.9's "run" local state),
// reorganized around a JSON-marshalable value rather than goroutine-local
// variables.
type ExecutionState struct {
	ID          string          `json:"id"` // execution id for this dataflow run
	Workspace   string          `json:"workspace"`
	Filter      string          `json:"filter,omitempty"`
	Force       bool            `json:"force,omitempty"`
	Concurrency int             `json:"concurrency"`
	Status      Status          `json:"status"`
	Graph       *dataflow.Graph `json:"graph"`
	Scope       map[string]bool `json:"scope"`
	Tasks       map[string]*TaskState `json:"tasks"`
	ReadyQueue  []string        `json:"ready_queue"`
	Unresolved  map[string]int  `json:"unresolved"`
	Seq         int64           `json:"seq"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
}

// Event is one entry of the resumable event log, spec.md §4.10: every
// mutation appends one with a monotonically increasing sequence number so
// consumers can diff-poll.
type Event struct {
	Seq    int64                  `json:"seq"`
	Time   time.Time              `json:"time"`
	Kind   string                 `json:"kind"`
	Task   string                 `json:"task,omitempty"`
	Fields map[string]interface{} `json:"fields,omitempty"`
}

func (s *ExecutionState) nextEvent(kind, task string, fields map[string]interface{}) Event {
	s.Seq++
	return Event{Seq: s.Seq, Time: time.Now().UTC(), Kind: kind, Task: task, Fields: fields}
}

// Initialize builds the dataflow graph for ws and constructs a fresh
// ExecutionState with every in-scope task pending, marking the initial
// ready set (spec.md §4.10 `initialize`).
func Initialize(ctx context.Context, objects *objectstore.Store, refs *refstore.Store, ws, executionID string, filter string, force bool, concurrency int) (*ExecutionState, Event, error) {
	g, err := dataflow.Build(ctx, objects, refs, ws)
	if err != nil {
		return nil, Event{}, err
	}
	scope, err := g.InScope(filter)
	if err != nil {
		return nil, Event{}, err
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	st := &ExecutionState{
		ID: executionID, Workspace: ws, Filter: filter, Force: force, Concurrency: concurrency,
		Status: StatusRunning, Graph: g, Scope: scope,
		Tasks: make(map[string]*TaskState, len(scope)), Unresolved: make(map[string]int, len(scope)),
		StartedAt: time.Now().UTC(),
	}
	for name := range scope {
		st.Tasks[name] = &TaskState{Name: name, Phase: PhasePending}
		st.Unresolved[name] = len(g.Tasks[name].DependsOn)
	}
	for _, name := range g.Order {
		if scope[name] && st.Unresolved[name] == 0 {
			st.Tasks[name].Phase = PhaseReady
			st.ReadyQueue = append(st.ReadyQueue, name)
		}
	}

	ev := st.nextEvent("initialized", "", map[string]interface{}{"ready": append([]string(nil), st.ReadyQueue...)})
	return st, ev, nil
}

// GetReady returns the names currently in the ready queue, pure.
func GetReady(st *ExecutionState) []string {
	return append([]string(nil), st.ReadyQueue...)
}

// IsComplete reports whether no task remains pending, ready, or
// in-progress (spec.md §4.10 `is_complete`, pure). A task left pending
// because its dependency failed is only resolved once TasksSkipped has
// been applied to it; until then IsComplete correctly reports false.
func IsComplete(st *ExecutionState) bool {
	for name := range st.Scope {
		switch st.Tasks[name].Phase {
		case PhasePending, PhaseReady, PhaseInProgress:
			return false
		}
	}
	return true
}

// PreparedTask is the result of PrepareTask: either a cache hit (no work to
// do; CachedOutputHash is set) or the inputs needed to actually spawn the
// task's subprocess elsewhere.
type PreparedTask struct {
	TaskHash         string
	InputHashes      []string
	OutputPath       model.Path
	CachedOutputHash string // non-empty iff the cache-hit-with-workspace-match check succeeded
}

// PrepareTask resolves name's current input hashes and, unless Force is
// set, checks cache-hit-with-workspace-match exactly as
// internal/scheduler.checkCacheHit does (spec.md §4.9): a hit requires both
// a recorded success for this (task, inputs) pair AND the workspace's
// current output at the task's output path already equalling it, so no
// tree write is needed on a hit.
func PrepareTask(ctx context.Context, objects *objectstore.Store, refs *refstore.Store, tree *workspacetree.Tree, st *ExecutionState, name string) (PreparedTask, error) {
	node, ok := st.Graph.Tasks[name]
	if !ok {
		return PreparedTask{}, &fwerr.TaskNotFound{Name: name}
	}
	hashes, err := dataflow.ResolveInputHashes(ctx, tree, st.Workspace, node)
	if err != nil {
		return PreparedTask{}, err
	}
	prepared := PreparedTask{TaskHash: node.Hash, InputHashes: hashes, OutputPath: node.Descriptor.Output}

	if st.Force {
		return prepared, nil
	}
	for _, h := range hashes {
		if h == "" {
			return prepared, nil
		}
	}
	inputsHash := taskrunner.InputsHash(hashes)
	outputHash, hit, err := refs.OutputFor(node.Hash, inputsHash)
	if err != nil || !hit {
		return prepared, err
	}
	current, err := tree.Get(ctx, st.Workspace, node.Descriptor.Output)
	if err != nil {
		return prepared, err
	}
	if current.Type == workspacetree.RefValue && current.Hash == outputHash {
		prepared.CachedOutputHash = outputHash
	}
	return prepared, nil
}

// TaskStarted transitions name from ready to in_progress and removes it
// from the ready queue (spec.md §4.10 `task_started`).
func TaskStarted(st *ExecutionState, name string) (Event, error) {
	ts, ok := st.Tasks[name]
	if !ok {
		return Event{}, &fwerr.TaskNotFound{Name: name}
	}
	ts.Phase = PhaseInProgress
	st.ReadyQueue = removeFirst(st.ReadyQueue, name)
	return st.nextEvent("task_started", name, nil), nil
}

// TaskCompleted records a successful (or cache-hit) outcome for name and
// notifies its dependents, returning the names newly made ready (spec.md
// §4.10 `task_completed`). Callers must have already committed the output
// to the workspace tree via ApplyTreeUpdate before calling this, per
// spec.md §5's ordering guarantee that dependents are only notified after
// their dependency's output is visible.
func TaskCompleted(st *ExecutionState, name, outputHash string, cached bool, duration time.Duration) ([]string, Event, error) {
	ts, ok := st.Tasks[name]
	if !ok {
		return nil, Event{}, &fwerr.TaskNotFound{Name: name}
	}
	ts.Phase = PhaseCompleted
	ts.OutputHash = outputHash
	ts.Cached = cached
	ts.Duration = duration

	var newlyReady []string
	for _, dep := range st.Graph.Dependents[name] {
		if !st.Scope[dep] {
			continue
		}
		st.Unresolved[dep]--
		if st.Unresolved[dep] == 0 && st.Tasks[dep].Phase == PhasePending {
			st.Tasks[dep].Phase = PhaseReady
			st.ReadyQueue = append(st.ReadyQueue, dep)
			newlyReady = append(newlyReady, dep)
		}
	}

	ev := st.nextEvent("task_completed", name, map[string]interface{}{
		"output_hash": outputHash, "cached": cached, "duration_ms": duration.Milliseconds(),
	})
	return newlyReady, ev, nil
}

// TaskFailed records a failed or errored outcome for name and computes its
// transitive dependents to skip (spec.md §4.10 `task_failed`). The caller
// must still call TasksSkipped with the returned names to actually mark
// them, mirroring the scheduler's two-step failed -> skipDependents flow.
func TaskFailed(st *ExecutionState, name string, errMessage string, exitCode int, duration time.Duration) ([]string, Event, error) {
	ts, ok := st.Tasks[name]
	if !ok {
		return nil, Event{}, &fwerr.TaskNotFound{Name: name}
	}
	if errMessage != "" {
		ts.Phase = PhaseError
		ts.ErrMessage = errMessage
	} else {
		ts.Phase = PhaseFailed
		ts.ExitCode = exitCode
	}
	ts.Duration = duration

	toSkip := dataflow.DependentsToSkip(st.Graph, name, completedSet(st), skippedSet(st))
	var inScope []string
	for _, dep := range toSkip {
		if st.Scope[dep] {
			inScope = append(inScope, dep)
		}
	}

	ev := st.nextEvent("task_failed", name, map[string]interface{}{
		"err_message": errMessage, "exit_code": exitCode, "duration_ms": duration.Milliseconds(),
	})
	return inScope, ev, nil
}

// TasksSkipped marks every name as skipped, one Event per name (spec.md
// §4.10 `tasks_skipped`). Names already skipped are left untouched and
// produce no event, matching dependents_to_skip's idempotence guarantee.
func TasksSkipped(st *ExecutionState, names []string, cause string) []Event {
	var events []Event
	for _, name := range names {
		ts, ok := st.Tasks[name]
		if !ok || ts.Phase == PhaseSkipped {
			continue
		}
		ts.Phase = PhaseSkipped
		st.ReadyQueue = removeFirst(st.ReadyQueue, name)
		events = append(events, st.nextEvent("task_skipped", name, map[string]interface{}{"cause": cause}))
	}
	return events
}

// Result is the terminal summary of a run, mirroring
// internal/scheduler.DataflowResult's counters.
type Result struct {
	Success  bool
	Executed int
	Cached   int
	Failed   int
	Skipped  int
	Duration time.Duration
}

// Finalize computes the terminal Result from the accumulated task phases
// and marks the state Status (spec.md §4.10 `finalize`). Counts are
// derived from Tasks rather than maintained as separate running counters,
// so a state restored from a snapshot mid-run is always internally
// consistent without replaying every prior event.
func Finalize(st *ExecutionState) (Result, Event) {
	st.CompletedAt = time.Now().UTC()
	var res Result
	hasFailure := false
	for name := range st.Scope {
		switch st.Tasks[name].Phase {
		case PhaseCompleted:
			if st.Tasks[name].Cached {
				res.Cached++
			} else {
				res.Executed++
			}
		case PhaseFailed, PhaseError:
			res.Failed++
			hasFailure = true
		case PhaseSkipped:
			res.Skipped++
		}
	}
	res.Duration = st.CompletedAt.Sub(st.StartedAt)
	res.Success = !hasFailure && st.Status != StatusAborted
	if st.Status != StatusAborted {
		if hasFailure {
			st.Status = StatusFailure
		} else {
			st.Status = StatusSuccess
		}
	}
	ev := st.nextEvent("finalized", "", map[string]interface{}{
		"success": res.Success, "executed": res.Executed, "cached": res.Cached,
		"failed": res.Failed, "skipped": res.Skipped,
	})
	return res, ev
}

// Cancel marks the run aborted (spec.md §4.10 `cancel`); Finalize called
// afterward reports Success=false regardless of task outcomes.
func Cancel(st *ExecutionState, reason string) Event {
	st.Status = StatusAborted
	return st.nextEvent("cancelled", "", map[string]interface{}{"reason": reason})
}

// ApplyTreeUpdate is the only async mutation of the workspace root exposed
// to step-form callers (spec.md §4.10): orchestrators must route every
// tree update through a single logical writer to preserve the workspace
// mutex invariant that internal/scheduler enforces in-process via
// sync.Mutex.
func ApplyTreeUpdate(ctx context.Context, tree *workspacetree.Tree, ws string, outputPath model.Path, outputHash string) (string, error) {
	newRoot, err := tree.SetByHash(ctx, ws, outputPath, outputHash)
	if err != nil {
		return "", fmt.Errorf("stepfn: apply tree update: %w", err)
	}
	return newRoot, nil
}

func completedSet(st *ExecutionState) map[string]bool {
	out := make(map[string]bool, len(st.Tasks))
	for name, ts := range st.Tasks {
		if ts.Phase == PhaseCompleted {
			out[name] = true
		}
	}
	return out
}

func skippedSet(st *ExecutionState) map[string]bool {
	out := make(map[string]bool, len(st.Tasks))
	for name, ts := range st.Tasks {
		if ts.Phase == PhaseSkipped {
			out[name] = true
		}
	}
	return out
}

func removeFirst(queue []string, name string) []string {
	for i, n := range queue {
		if n == name {
			return append(queue[:i:i], queue[i+1:]...)
		}
	}
	return queue
}
