// Package evaltest is a minimal, test-only reference implementation of the
// evaluator.Evaluator contract, sufficient to drive the task runner and
// scheduler end-to-end without the real command-expression language (out of
// scope per spec.md §1). A command expression object is JSON of the shape
// {"argv_template": ["sh", "-c", "echo $IN0 > $OUT"]}; $IN<i> and $OUT are
// substituted with the staged file paths, the same token-substitution idiom
// the reference orchestrator used for HTTP templating in task_executor.go,
// applied here to argv construction instead.
package evaltest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/swarmguard/fluxweave/internal/evaluator"
)

// ObjectGetter is the minimal read dependency this stub needs; satisfied by
// *objectstore.Store.
type ObjectGetter interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Evaluator is the test-only evaluator.Evaluator implementation.
type Evaluator struct {
	objects ObjectGetter
}

// New constructs an Evaluator reading command expressions from objects.
func New(objects ObjectGetter) *Evaluator {
	return &Evaluator{objects: objects}
}

type commandExpr struct {
	ArgvTemplate []string `json:"argv_template"`
}

// Evaluate implements evaluator.Evaluator.
func (e *Evaluator) Evaluate(ctx context.Context, commandExprHash string, inputPaths []string, outputPath string) ([]string, error) {
	b, err := e.objects.Get(ctx, commandExprHash)
	if err != nil {
		return nil, &evaluator.InvalidCommandError{Cause: fmt.Errorf("read command expr: %w", err)}
	}
	var expr commandExpr
	if err := json.Unmarshal(b, &expr); err != nil {
		return nil, &evaluator.InvalidCommandError{Cause: fmt.Errorf("decode command expr: %w", err)}
	}
	argv := make([]string, len(expr.ArgvTemplate))
	for i, tok := range expr.ArgvTemplate {
		argv[i] = substitute(tok, inputPaths, outputPath)
	}
	return argv, nil
}

func substitute(tok string, inputPaths []string, outputPath string) string {
	tok = strings.ReplaceAll(tok, "$OUT", outputPath)
	for i, p := range inputPaths {
		tok = strings.ReplaceAll(tok, "$IN"+strconv.Itoa(i), p)
	}
	return tok
}

// EncodeCommandExpr is a test helper that marshals argvTemplate into the
// bytes a command-expression object holds.
func EncodeCommandExpr(argvTemplate []string) []byte {
	b, _ := json.Marshal(commandExpr{ArgvTemplate: argvTemplate})
	return b
}
