// Package taskrunner implements task execution identity, caching, scratch
// staging, subprocess supervision and status/log persistence (spec.md
// §4.6, C6).
package taskrunner

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"github.com/swarmguard/fluxweave/internal/evaluator"
	"github.com/swarmguard/fluxweave/internal/hostprobe"
	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InputsHash computes I = H(h1 || 0x00 || h2 || 0x00 || ... || hN), order
// sensitive, per spec.md §3.
func InputsHash(hashes []string) string {
	h := sha256.New()
	for i, hh := range hashes {
		if i > 0 {
			h.Write([]byte{0x00})
		}
		h.Write([]byte(hh))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Options configures one Execute call.
type Options struct {
	Force     bool
	OnStdout  func(chunk []byte)
	OnStderr  func(chunk []byte)
	ScratchDir string // overrides the system temp root; tests use t.TempDir()
}

// Result is the outcome of one Execute call, spec.md §4.6.
type Result struct {
	Cached      bool
	State       model.ExecutionStatusKind
	OutputHash  string
	ExitCode    int
	Duration    time.Duration
	ExecutionID string
	Err         error
}

// Runner executes tasks against one repository's stores.
type Runner struct {
	objects *objectstore.Store
	refs    *refstore.Store
	probe   hostprobe.Probe
	eval    evaluator.Evaluator

	tracer trace.Tracer
	spawns metric.Int64Counter
	hits   metric.Int64Counter
	dur    metric.Float64Histogram
}

// New constructs a Runner.
func New(objects *objectstore.Store, refs *refstore.Store, probe hostprobe.Probe, eval evaluator.Evaluator, tracer trace.Tracer, meter metric.Meter) *Runner {
	r := &Runner{objects: objects, refs: refs, probe: probe, eval: eval, tracer: tracer}
	if meter != nil {
		r.spawns, _ = meter.Int64Counter("fluxweave_taskrunner_spawns_total")
		r.hits, _ = meter.Int64Counter("fluxweave_taskrunner_cache_hits_total")
		r.dur, _ = meter.Float64Histogram("fluxweave_taskrunner_duration_seconds")
	}
	return r
}

// Execute runs taskHash against inputHashes, or returns a cached result.
func (r *Runner) Execute(ctx context.Context, taskHash string, inputHashes []string, opts Options) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "taskrunner.execute")
	defer span.End()

	inputsHash := InputsHash(inputHashes)

	if !opts.Force {
		if out, hit, err := r.refs.OutputFor(taskHash, inputsHash); err != nil {
			return Result{}, fmt.Errorf("taskrunner: cache lookup: %w", err)
		} else if hit && r.objects.Exists(out) {
			if r.hits != nil {
				r.hits.Add(ctx, 1)
			}
			return Result{Cached: true, State: model.StatusSuccess, OutputHash: out, ExitCode: 0, Duration: 0}, nil
		}
	}

	taskBytes, err := r.objects.Get(ctx, taskHash)
	if err != nil {
		return Result{State: model.StatusError, Err: fmt.Errorf("failed to read task object: %w", err)}, nil
	}
	var task model.TaskDescriptor
	if err := json.Unmarshal(taskBytes, &task); err != nil {
		return Result{State: model.StatusError, Err: fmt.Errorf("failed to read task object: %w", err)}, nil
	}

	executionID, err := uuid.NewV7()
	if err != nil {
		return Result{}, fmt.Errorf("taskrunner: generate execution id: %w", err)
	}
	key := model.ExecutionKey{TaskHash: taskHash, InputsHash: inputsHash, ExecutionID: executionID.String()}

	scratch, err := r.makeScratchDir(opts, taskHash, inputsHash)
	if err != nil {
		return Result{}, fmt.Errorf("taskrunner: create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			span.RecordError(err)
		}
	}()

	inputPaths, err := r.stageInputs(ctx, scratch, inputHashes)
	if err != nil {
		return Result{}, fmt.Errorf("taskrunner: stage inputs: %w", err)
	}
	outputPath := filepath.Join(scratch, "output")

	argv, err := r.eval.Evaluate(ctx, task.CommandExpr, inputPaths, outputPath)
	if err != nil {
		return Result{State: model.StatusError, Err: fmt.Errorf("invalid command: %w", err)}, nil
	}
	if len(argv) == 0 {
		return Result{State: model.StatusError, Err: fmt.Errorf("empty command")}, nil
	}

	start := time.Now().UTC()
	bootID, err := r.probe.BootID()
	if err != nil {
		bootID = ""
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = scratch
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("taskrunner: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("taskrunner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return Result{State: model.StatusError, Err: fmt.Errorf("spawn failed: %w", err)}, nil
	}
	if r.spawns != nil {
		r.spawns.Add(ctx, 1)
	}

	childPID := cmd.Process.Pid
	childStartTime, err := r.probe.ProcessStartTime(childPID)
	if err != nil {
		childStartTime = start
	}
	running := model.ExecutionStatus{
		Kind: model.StatusRunning, PID: childPID, PIDStartTime: childStartTime, BootID: bootID,
		StartedAt: start, InputHashes: inputHashes,
	}
	if err := r.refs.PutStatus(ctx, key, running); err != nil {
		return Result{}, fmt.Errorf("taskrunner: record running status: %w", err)
	}

	logDone := make(chan struct{}, 2)
	go r.pumpLog(ctx, key, stdoutPipe, opts.OnStdout, r.refs.AppendStdout, logDone)
	go r.pumpLog(ctx, key, stderrPipe, opts.OnStderr, r.refs.AppendStderr, logDone)

	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	var waitErr error
	select {
	case <-ctx.Done():
		// Preemptive kill of the whole process group, not just the pid, so
		// children the task spawned die too.
		_ = syscall.Kill(-childPID, syscall.SIGKILL)
		waitErr = <-waitDone
	case waitErr = <-waitDone:
	}
	<-logDone
	<-logDone

	completedAt := time.Now().UTC()
	duration := completedAt.Sub(start)
	if r.dur != nil {
		r.dur.Record(ctx, duration.Seconds())
	}

	if ctx.Err() != nil {
		failed := model.ExecutionStatus{
			Kind: model.StatusFailed, ExitCode: -1, StartedAt: start, CompletedAt: completedAt, InputHashes: inputHashes,
		}
		_ = r.refs.PutStatus(ctx, key, failed)
		return Result{State: model.StatusFailed, ExitCode: -1, Duration: duration, ExecutionID: key.ExecutionID}, nil
	}

	exitCode := exitCodeOf(waitErr)
	if exitCode == 0 {
		outBytes, readErr := os.ReadFile(outputPath)
		if readErr != nil {
			errStatus := model.ExecutionStatus{
				Kind: model.StatusError, Message: "Failed to read output", StartedAt: start, CompletedAt: completedAt, InputHashes: inputHashes,
			}
			_ = r.refs.PutStatus(ctx, key, errStatus)
			return Result{State: model.StatusError, Err: fmt.Errorf("failed to read output"), Duration: duration, ExecutionID: key.ExecutionID}, nil
		}
		outHash, err := r.objects.Put(ctx, outBytes)
		if err != nil {
			return Result{}, fmt.Errorf("taskrunner: store output: %w", err)
		}
		if err := r.refs.PutOutputRef(ctx, key, outHash); err != nil {
			return Result{}, fmt.Errorf("taskrunner: store output ref: %w", err)
		}
		success := model.ExecutionStatus{
			Kind: model.StatusSuccess, OutputHash: outHash, StartedAt: start, CompletedAt: completedAt, InputHashes: inputHashes,
		}
		if err := r.refs.PutStatus(ctx, key, success); err != nil {
			return Result{}, fmt.Errorf("taskrunner: store success status: %w", err)
		}
		return Result{Cached: false, State: model.StatusSuccess, OutputHash: outHash, ExitCode: 0, Duration: duration, ExecutionID: key.ExecutionID}, nil
	}

	failed := model.ExecutionStatus{
		Kind: model.StatusFailed, ExitCode: exitCode, StartedAt: start, CompletedAt: completedAt, InputHashes: inputHashes,
	}
	if err := r.refs.PutStatus(ctx, key, failed); err != nil {
		return Result{}, fmt.Errorf("taskrunner: store failed status: %w", err)
	}
	return Result{State: model.StatusFailed, ExitCode: exitCode, Duration: duration, ExecutionID: key.ExecutionID}, nil
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errAs(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// errAs is errors.As without importing errors twice across this small file;
// kept local to avoid a stutter with the many other uses of "err" above.
func errAs(err error, target **exec.ExitError) bool {
	for err != nil {
		if e, ok := err.(*exec.ExitError); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func (r *Runner) pumpLog(ctx context.Context, key model.ExecutionKey, pipe io.Reader, callback func([]byte), appender func(context.Context, model.ExecutionKey, []byte) error, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()
	reader := bufio.NewReaderSize(pipe, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if appendErr := appender(ctx, key, chunk); appendErr != nil {
				// Logging failures are ignored; they never fail the execution.
			}
			if callback != nil {
				callback(chunk)
			}
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) stageInputs(ctx context.Context, scratch string, inputHashes []string) ([]string, error) {
	paths := make([]string, len(inputHashes))
	for i, h := range inputHashes {
		b, err := r.objects.Get(ctx, h)
		if err != nil {
			return nil, fmt.Errorf("stage input %d: %w", i, err)
		}
		p := filepath.Join(scratch, fmt.Sprintf("input-%d", i))
		if err := os.WriteFile(p, b, 0o644); err != nil {
			return nil, fmt.Errorf("write staged input %d: %w", i, err)
		}
		paths[i] = p
	}
	return paths, nil
}

func (r *Runner) makeScratchDir(opts Options, taskHash, inputsHash string) (string, error) {
	base := opts.ScratchDir
	if base == "" {
		base = os.TempDir()
	}
	mix := murmur3.Sum64([]byte(fmt.Sprintf("%s|%s|%d|%d", taskHash, inputsHash, os.Getpid(), time.Now().UnixNano())))
	name := fmt.Sprintf("fluxweave-%s-%s-%d-%s", shortHash(taskHash), shortHash(inputsHash), os.Getpid(), strconv.FormatUint(mix, 36))
	dir := filepath.Join(base, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
