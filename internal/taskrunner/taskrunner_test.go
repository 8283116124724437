package taskrunner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/swarmguard/fluxweave/internal/evaluator/evaltest"
	"github.com/swarmguard/fluxweave/internal/hostprobe"
	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/objectstore"
	"github.com/swarmguard/fluxweave/internal/refstore"
	"github.com/swarmguard/fluxweave/internal/repo"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

func newTestRunner(t *testing.T) (*Runner, *objectstore.Store) {
	t.Helper()
	r := repo.Open(t.TempDir())
	meter := noopmetric.NewMeterProvider().Meter("test")
	objects, err := objectstore.New(r, meter)
	if err != nil {
		t.Fatalf("objectstore.New: %v", err)
	}
	refs := refstore.New(r, meter)
	probe := hostprobe.NewSystem()
	eval := evaltest.New(objects)
	tracer := nooptrace.NewTracerProvider().Tracer("test")
	return New(objects, refs, probe, eval, tracer, meter), objects
}

func putTaskDescriptor(t *testing.T, objects *objectstore.Store, commandExprHash string, inputs []model.Path, output model.Path) string {
	t.Helper()
	td := model.TaskDescriptor{CommandExpr: commandExprHash, Inputs: inputs, Output: output}
	b, err := json.Marshal(td)
	if err != nil {
		t.Fatalf("marshal task descriptor: %v", err)
	}
	h, err := objects.Put(context.Background(), b)
	if err != nil {
		t.Fatalf("store task descriptor: %v", err)
	}
	return h
}

func TestExecuteSingleTaskSuccess(t *testing.T) {
	runner, objects := newTestRunner(t)
	ctx := context.Background()

	exprHash, err := objects.Put(ctx, evaltest.EncodeCommandExpr([]string{"sh", "-c", "echo $(( $(cat $IN0) * 2 )) > $OUT"}))
	if err != nil {
		t.Fatalf("store command expr: %v", err)
	}
	taskHash := putTaskDescriptor(t, objects, exprHash, []model.Path{{"x"}}, model.Path{"output"})

	inputHash, err := objects.Put(ctx, []byte("10"))
	if err != nil {
		t.Fatalf("store input: %v", err)
	}

	res, err := runner.Execute(ctx, taskHash, []string{inputHash}, Options{ScratchDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != model.StatusSuccess {
		t.Fatalf("expected success, got state=%v err=%v", res.State, res.Err)
	}
	out, err := objects.Get(ctx, res.OutputHash)
	if err != nil {
		t.Fatalf("read output object: %v", err)
	}
	if string(out) != "20\n" {
		t.Fatalf("expected output '20\\n', got %q", out)
	}
}

func TestExecuteCacheHitSkipsSpawn(t *testing.T) {
	runner, objects := newTestRunner(t)
	ctx := context.Background()

	exprHash, err := objects.Put(ctx, evaltest.EncodeCommandExpr([]string{"sh", "-c", "echo $(( $(cat $IN0) * 2 )) > $OUT"}))
	if err != nil {
		t.Fatalf("store command expr: %v", err)
	}
	taskHash := putTaskDescriptor(t, objects, exprHash, []model.Path{{"x"}}, model.Path{"output"})
	inputHash, err := objects.Put(ctx, []byte("10"))
	if err != nil {
		t.Fatalf("store input: %v", err)
	}

	first, err := runner.Execute(ctx, taskHash, []string{inputHash}, Options{ScratchDir: t.TempDir()})
	if err != nil || first.State != model.StatusSuccess {
		t.Fatalf("first Execute failed: %v %v", first, err)
	}

	second, err := runner.Execute(ctx, taskHash, []string{inputHash}, Options{ScratchDir: t.TempDir()})
	if err != nil {
		t.Fatalf("second Execute: %v", err)
	}
	if !second.Cached {
		t.Fatalf("expected cache hit on second execute")
	}
	if second.OutputHash != first.OutputHash {
		t.Fatalf("expected identical output hash, got %s vs %s", second.OutputHash, first.OutputHash)
	}
	if second.Duration != 0 {
		t.Fatalf("expected zero duration for cache hit, got %v", second.Duration)
	}
}

func TestExecuteNonZeroExitRecordsFailed(t *testing.T) {
	runner, objects := newTestRunner(t)
	ctx := context.Background()

	exprHash, err := objects.Put(ctx, evaltest.EncodeCommandExpr([]string{"sh", "-c", "exit 42"}))
	if err != nil {
		t.Fatalf("store command expr: %v", err)
	}
	taskHash := putTaskDescriptor(t, objects, exprHash, nil, model.Path{"output"})

	res, err := runner.Execute(ctx, taskHash, nil, Options{ScratchDir: t.TempDir()})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.State != model.StatusFailed || res.ExitCode != 42 {
		t.Fatalf("expected failed/42, got state=%v exit=%d", res.State, res.ExitCode)
	}
}

func TestInputsHashOrderSensitive(t *testing.T) {
	a := InputsHash([]string{"h1", "h2"})
	b := InputsHash([]string{"h2", "h1"})
	if a == b {
		t.Fatalf("expected order-sensitive inputs hash to differ")
	}
}
