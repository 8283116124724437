// Package model holds the shared data types of spec.md §3: package and task
// descriptors, workspace state, execution records and status, and the path
// type used by the workspace tree. It has no behavior beyond (de)serializing
// these types — every operation that acts on them lives in the package that
// owns the corresponding subsystem.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Path is an ordered sequence of field-name segments into a workspace tree.
type Path []string

// String renders a path with backtick-quoting of segments containing '.' or
// a backtick, matching spec.md §3's workspace-tree path syntax.
func (p Path) String() string {
	parts := make([]string, len(p))
	for i, seg := range p {
		if strings.ContainsAny(seg, ".`") {
			parts[i] = "`" + strings.ReplaceAll(seg, "`", "``") + "`"
		} else {
			parts[i] = seg
		}
	}
	return strings.Join(parts, ".")
}

// Equal reports whether two paths address the same location.
func (p Path) Equal(o Path) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i] != o[i] {
			return false
		}
	}
	return true
}

// PackageDescriptor maps task name to task-object hash, plus the tree
// schema and its initial content hash (spec.md §3).
type PackageDescriptor struct {
	Tasks         map[string]string `json:"tasks"`          // task name -> task descriptor hash
	DataStructure json.RawMessage   `json:"data_structure"` // opaque tree-schema encoding
	DataRoot      string            `json:"data_root"`      // initial tree content hash
}

// TaskDescriptor is the immutable, content-addressed definition of a task.
type TaskDescriptor struct {
	CommandExpr string `json:"command_expr"` // object hash of the command expression
	Inputs      []Path `json:"inputs"`       // ordered input paths
	Output      Path   `json:"output"`       // single output path
}

// WorkspaceState is the per-workspace deployment + root pointer record.
// A WorkspaceState with an empty PackageName means "exists-but-undeployed"
// (an explicitly empty state file); its absence means the workspace does
// not exist at all (handled at the refstore layer, not represented here).
type WorkspaceState struct {
	PackageName   string    `json:"package_name"`
	Version       string    `json:"version"`
	PackageHash   string    `json:"package_hash"`
	DeployedAt    time.Time `json:"deployed_at"`
	Root          string    `json:"root"`
	RootUpdatedAt time.Time `json:"root_updated_at"`
}

// Undeployed reports whether this is the zero value written for an
// undeployed-but-existing workspace.
func (w *WorkspaceState) Undeployed() bool {
	return w == nil || w.PackageName == ""
}

// ExecutionStatusKind discriminates the ExecutionStatus tagged union.
type ExecutionStatusKind string

const (
	StatusRunning ExecutionStatusKind = "running"
	StatusSuccess ExecutionStatusKind = "success"
	StatusFailed  ExecutionStatusKind = "failed"
	StatusError   ExecutionStatusKind = "error"
)

// ExecutionStatus is the tagged-union status of one execution record.
// Exactly the fields relevant to Kind are populated; this mirrors spec.md
// §3's discriminated-union requirement without a language-level sum type.
type ExecutionStatus struct {
	Kind ExecutionStatusKind `json:"kind"`

	// running
	PID           int       `json:"pid,omitempty"`
	PIDStartTime  time.Time `json:"pid_start_time,omitempty"`
	BootID        string    `json:"boot_id,omitempty"`

	// success
	OutputHash string `json:"output_hash,omitempty"`

	// failed
	ExitCode int `json:"exit_code,omitempty"`

	// error
	Message string `json:"message,omitempty"`

	// common
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	InputHashes []string  `json:"input_hashes,omitempty"`
}

func (s ExecutionStatus) String() string {
	switch s.Kind {
	case StatusRunning:
		return fmt.Sprintf("running{pid=%d, boot_id=%s}", s.PID, s.BootID)
	case StatusSuccess:
		return fmt.Sprintf("success{output=%s}", s.OutputHash)
	case StatusFailed:
		return fmt.Sprintf("failed{exit_code=%d}", s.ExitCode)
	case StatusError:
		return fmt.Sprintf("error{%s}", s.Message)
	default:
		return "unknown"
	}
}

// ExecutionKey identifies one execution record by (task hash, inputs hash,
// execution id).
type ExecutionKey struct {
	TaskHash    string
	InputsHash  string
	ExecutionID string
}

// LockKind enumerates the purposes a workspace lock may be held for.
type LockKind string

const (
	LockDataflow LockKind = "dataflow"
	LockDeploy   LockKind = "deploy"
	LockRemove   LockKind = "remove"
	LockMutate   LockKind = "mutate"
)

// LockHolder identifies who holds a workspace lock (spec.md §3).
type LockHolder struct {
	PID          int       `json:"pid"`
	PIDStartTime time.Time `json:"pid_start_time"`
	BootID       string    `json:"boot_id"`
	Kind         LockKind  `json:"kind"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

func (h LockHolder) String() string {
	return fmt.Sprintf("%s lock held by pid=%d since %s", h.Kind, h.PID, h.AcquiredAt.Format(time.RFC3339))
}
