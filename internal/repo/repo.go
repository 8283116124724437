// Package repo centralizes the on-disk layout of a fluxweave repository, per
// spec.md §6. Every other package addresses the filesystem only through
// these helpers so the layout is defined in exactly one place.
package repo

import "path/filepath"

// Repo is a single repository rooted at Dir.
type Repo struct {
	Dir string
}

// Open returns a Repo rooted at dir. It does not create dir; callers that
// need it to exist should call EnsureLayout.
func Open(dir string) *Repo { return &Repo{Dir: dir} }

// ObjectsDir is the root of the content-addressed blob tree.
func (r *Repo) ObjectsDir() string { return filepath.Join(r.Dir, "objects") }

// ObjectPath returns the path for a hash, split into a two-character prefix
// directory and the remaining characters as filename, per spec.md §6.
func (r *Repo) ObjectPath(hash string) string {
	if len(hash) < 3 {
		return filepath.Join(r.ObjectsDir(), hash+".blob")
	}
	return filepath.Join(r.ObjectsDir(), hash[:2], hash[2:]+".blob")
}

// PackagesDir is the root of package refs.
func (r *Repo) PackagesDir() string { return filepath.Join(r.Dir, "packages") }

// PackagePath returns the ref file for packages/<name>/<version>.
func (r *Repo) PackagePath(name, version string) string {
	return filepath.Join(r.PackagesDir(), name, version)
}

// PackageDir returns the directory holding every version of name.
func (r *Repo) PackageDir(name string) string { return filepath.Join(r.PackagesDir(), name) }

// WorkspacesDir is the root of workspace state files.
func (r *Repo) WorkspacesDir() string { return filepath.Join(r.Dir, "workspaces") }

// WorkspaceStatePath returns workspaces/<name>.state.
func (r *Repo) WorkspaceStatePath(name string) string {
	return filepath.Join(r.WorkspacesDir(), name+".state")
}

// ExecutionsDir is the root of execution records.
func (r *Repo) ExecutionsDir() string { return filepath.Join(r.Dir, "executions") }

// ExecutionDir returns executions/<task_hash>/<inputs_hash>/<execution_id>.
func (r *Repo) ExecutionDir(taskHash, inputsHash, executionID string) string {
	return filepath.Join(r.ExecutionsDir(), taskHash, inputsHash, executionID)
}

// ExecutionTaskDir returns executions/<task_hash>, used to list all
// inputs-hash groups for a task.
func (r *Repo) ExecutionTaskDir(taskHash string) string {
	return filepath.Join(r.ExecutionsDir(), taskHash)
}

// ExecutionInputsDir returns executions/<task_hash>/<inputs_hash>, used to
// list every execution id recorded for (T, I).
func (r *Repo) ExecutionInputsDir(taskHash, inputsHash string) string {
	return filepath.Join(r.ExecutionsDir(), taskHash, inputsHash)
}

func (r *Repo) executionFile(taskHash, inputsHash, executionID, name string) string {
	return filepath.Join(r.ExecutionDir(taskHash, inputsHash, executionID), name)
}

func (r *Repo) StatusPath(taskHash, inputsHash, executionID string) string {
	return r.executionFile(taskHash, inputsHash, executionID, "status")
}

func (r *Repo) OutputRefPath(taskHash, inputsHash, executionID string) string {
	return r.executionFile(taskHash, inputsHash, executionID, "output")
}

func (r *Repo) StdoutPath(taskHash, inputsHash, executionID string) string {
	return r.executionFile(taskHash, inputsHash, executionID, "stdout")
}

func (r *Repo) StderrPath(taskHash, inputsHash, executionID string) string {
	return r.executionFile(taskHash, inputsHash, executionID, "stderr")
}

// LocksDir is the root of workspace lock files.
func (r *Repo) LocksDir() string { return filepath.Join(r.Dir, "locks") }

// LockPath returns locks/<workspace>.
func (r *Repo) LockPath(workspace string) string { return filepath.Join(r.LocksDir(), workspace) }

// StepStoreDBPath is the bbolt database backing internal/stepstore's
// ExecutionState snapshots and ExecutionEvent sequence, per SPEC_FULL.md §3.
func (r *Repo) StepStoreDBPath() string { return filepath.Join(r.Dir, "stepstore.db") }

// TempDir is scratch space for temp-write-then-rename durability and for
// per-execution staging directories; kept inside the repository so rename
// is same-filesystem-atomic.
func (r *Repo) TempDir() string { return filepath.Join(r.Dir, "tmp") }

// EnsureLayout creates every top-level directory of the repository.
func (r *Repo) EnsureLayout() error {
	for _, dir := range []string{
		r.Dir, r.ObjectsDir(), r.PackagesDir(), r.WorkspacesDir(),
		r.ExecutionsDir(), r.LocksDir(), r.TempDir(),
	} {
		if err := mkdirAll(dir); err != nil {
			return err
		}
	}
	return nil
}
