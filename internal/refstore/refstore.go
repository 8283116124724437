// Package refstore implements the mutable named pointers of spec.md §4.2,
// C2: package refs, workspace state, and execution records (status, output
// ref, append-only stdout/stderr logs).
package refstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/swarmguard/fluxweave/internal/fwerr"
	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/repo"
	"go.opentelemetry.io/otel/metric"
)

// Store is the ref store for one repository.
type Store struct {
	repo    *repo.Repo
	writes  metric.Int64Counter
	appends metric.Int64Counter
}

// New constructs a Store.
func New(r *repo.Repo, meter metric.Meter) *Store {
	s := &Store{repo: r}
	if meter != nil {
		s.writes, _ = meter.Int64Counter("fluxweave_refstore_writes_total")
		s.appends, _ = meter.Int64Counter("fluxweave_refstore_log_appends_total")
	}
	return s
}

// --- atomic temp-write-then-rename primitive, shared by every ref kind ---

func (s *Store) writeAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("refstore: mkdir %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("refstore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("refstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("refstore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("refstore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("refstore: rename into place: %w", err)
	}
	return nil
}

// --- package refs ---

// PutPackage writes packages/<name>/<version> atomically.
func (s *Store) PutPackage(ctx context.Context, name, version, hash string) error {
	if err := s.writeAtomic(s.repo.PackagePath(name, version), []byte(hash+"\n")); err != nil {
		return err
	}
	if s.writes != nil {
		s.writes.Add(ctx, 1)
	}
	return nil
}

// GetPackage reads the hash stored at packages/<name>/<version>.
func (s *Store) GetPackage(name, version string) (string, error) {
	b, err := os.ReadFile(s.repo.PackagePath(name, version))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fwerr.ErrPackageNotFound
		}
		return "", fmt.Errorf("refstore: read package ref: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// ListPackageVersions lists every version ref written under name.
func (s *Store) ListPackageVersions(name string) ([]string, error) {
	entries, err := os.ReadDir(s.repo.PackageDir(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("refstore: list package versions: %w", err)
	}
	var versions []string
	for _, e := range entries {
		if !e.IsDir() {
			versions = append(versions, e.Name())
		}
	}
	sort.Strings(versions)
	return versions, nil
}

// RemovePackage deletes a single package version ref.
func (s *Store) RemovePackage(name, version string) error {
	if err := os.Remove(s.repo.PackagePath(name, version)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("refstore: remove package ref: %w", err)
	}
	return nil
}

// --- workspace state ---

// CreateWorkspace writes an explicitly-empty workspace state file, meaning
// "workspace exists, undeployed".
func (s *Store) CreateWorkspace(ctx context.Context, name string) error {
	return s.writeAtomic(s.repo.WorkspaceStatePath(name), nil)
}

// PutWorkspaceState atomically overwrites a workspace's state (used by
// deploy and by scheduler commits to the root hash).
func (s *Store) PutWorkspaceState(ctx context.Context, name string, st *model.WorkspaceState) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("refstore: marshal workspace state: %w", err)
	}
	if err := s.writeAtomic(s.repo.WorkspaceStatePath(name), b); err != nil {
		return err
	}
	if s.writes != nil {
		s.writes.Add(ctx, 1)
	}
	return nil
}

// GetWorkspaceState reads the workspace state. A missing file means the
// workspace does not exist (fwerr.ErrWorkspaceNotFound); a zero-length file
// means it exists but is undeployed (returns a nil *model.WorkspaceState,
// nil error).
func (s *Store) GetWorkspaceState(name string) (*model.WorkspaceState, error) {
	b, err := os.ReadFile(s.repo.WorkspaceStatePath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fwerr.ErrWorkspaceNotFound
		}
		return nil, fmt.Errorf("refstore: read workspace state: %w", err)
	}
	if len(b) == 0 {
		return nil, nil
	}
	var st model.WorkspaceState
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("refstore: decode workspace state: %w", err)
	}
	return &st, nil
}

// RemoveWorkspace deletes the workspace state file entirely.
func (s *Store) RemoveWorkspace(name string) error {
	if err := os.Remove(s.repo.WorkspaceStatePath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("refstore: remove workspace state: %w", err)
	}
	return nil
}

// ListWorkspaces returns every workspace name with a state file.
func (s *Store) ListWorkspaces() ([]string, error) {
	entries, err := os.ReadDir(s.repo.WorkspacesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("refstore: list workspaces: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".state"))
	}
	sort.Strings(names)
	return names, nil
}

// --- execution records ---

// PutStatus writes the status file for one execution record, overwriting
// any previous status for the same key (used to transition running ->
// success|failed|error).
func (s *Store) PutStatus(ctx context.Context, key model.ExecutionKey, status model.ExecutionStatus) error {
	b, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("refstore: marshal status: %w", err)
	}
	if err := s.writeAtomic(s.repo.StatusPath(key.TaskHash, key.InputsHash, key.ExecutionID), b); err != nil {
		return err
	}
	if s.writes != nil {
		s.writes.Add(ctx, 1)
	}
	return nil
}

// GetStatus reads the status of one execution record.
func (s *Store) GetStatus(key model.ExecutionKey) (model.ExecutionStatus, error) {
	b, err := os.ReadFile(s.repo.StatusPath(key.TaskHash, key.InputsHash, key.ExecutionID))
	if err != nil {
		if os.IsNotExist(err) {
			return model.ExecutionStatus{}, fwerr.ErrExecutionCorrupt
		}
		return model.ExecutionStatus{}, fmt.Errorf("refstore: read status: %w", err)
	}
	var st model.ExecutionStatus
	if err := json.Unmarshal(b, &st); err != nil {
		return model.ExecutionStatus{}, fwerr.ErrExecutionCorrupt
	}
	return st, nil
}

// PutOutputRef records the output object hash for a successful execution.
func (s *Store) PutOutputRef(ctx context.Context, key model.ExecutionKey, outputHash string) error {
	if err := s.writeAtomic(s.repo.OutputRefPath(key.TaskHash, key.InputsHash, key.ExecutionID), []byte(outputHash)); err != nil {
		return err
	}
	if s.writes != nil {
		s.writes.Add(ctx, 1)
	}
	return nil
}

// AppendStdout appends a chunk to an execution's stdout log. Not required to
// be atomic per-append (spec.md §4.2): one runner owns one execution id.
func (s *Store) AppendStdout(ctx context.Context, key model.ExecutionKey, chunk []byte) error {
	return s.appendLog(ctx, s.repo.StdoutPath(key.TaskHash, key.InputsHash, key.ExecutionID), chunk)
}

// AppendStderr appends a chunk to an execution's stderr log.
func (s *Store) AppendStderr(ctx context.Context, key model.ExecutionKey, chunk []byte) error {
	return s.appendLog(ctx, s.repo.StderrPath(key.TaskHash, key.InputsHash, key.ExecutionID), chunk)
}

func (s *Store) appendLog(ctx context.Context, path string, chunk []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("refstore: mkdir for log: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("refstore: open log for append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(chunk); err != nil {
		return fmt.Errorf("refstore: append log: %w", err)
	}
	if s.appends != nil {
		s.appends.Add(ctx, 1)
	}
	return nil
}

// LogRange is the response shape for a paginated log read (spec.md §4.2):
// a slice of bytes, the offset it starts at, the size of that slice, the
// total size of the log, and whether the slice reaches the end.
type LogRange struct {
	Bytes     []byte
	Offset    int64
	Size      int64
	TotalSize int64
	Complete  bool
}

// ReadStdout returns up to limit bytes of stdout starting at offset.
func (s *Store) ReadStdout(key model.ExecutionKey, offset, limit int64) (LogRange, error) {
	return s.readLogRange(s.repo.StdoutPath(key.TaskHash, key.InputsHash, key.ExecutionID), offset, limit)
}

// ReadStderr returns up to limit bytes of stderr starting at offset.
func (s *Store) ReadStderr(key model.ExecutionKey, offset, limit int64) (LogRange, error) {
	return s.readLogRange(s.repo.StderrPath(key.TaskHash, key.InputsHash, key.ExecutionID), offset, limit)
}

func (s *Store) readLogRange(path string, offset, limit int64) (LogRange, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LogRange{Offset: offset, Complete: true}, nil
		}
		return LogRange{}, fmt.Errorf("refstore: open log: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return LogRange{}, fmt.Errorf("refstore: stat log: %w", err)
	}
	total := info.Size()
	if offset >= total {
		return LogRange{Offset: offset, TotalSize: total, Complete: true}, nil
	}
	if limit <= 0 || offset+limit > total {
		limit = total - offset
	}
	buf := make([]byte, limit)
	n, err := f.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return LogRange{}, fmt.Errorf("refstore: read log: %w", err)
	}
	buf = buf[:n]
	end := offset + int64(n)
	return LogRange{Bytes: buf, Offset: offset, Size: int64(n), TotalSize: total, Complete: end >= total}, nil
}

// ListExecutions returns every execution id recorded for (taskHash,
// inputsHash), ordered lexically (UUIDv7 ids sort by generation time).
func (s *Store) ListExecutions(taskHash, inputsHash string) ([]string, error) {
	entries, err := os.ReadDir(s.repo.ExecutionInputsDir(taskHash, inputsHash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("refstore: list executions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// LatestExecution returns the most recent (by UUIDv7 ordering) execution id
// and status for (taskHash, inputsHash), or ("", zero, false) if none.
func (s *Store) LatestExecution(taskHash, inputsHash string) (string, model.ExecutionStatus, bool, error) {
	ids, err := s.ListExecutions(taskHash, inputsHash)
	if err != nil || len(ids) == 0 {
		return "", model.ExecutionStatus{}, false, err
	}
	latest := ids[len(ids)-1]
	st, err := s.GetStatus(model.ExecutionKey{TaskHash: taskHash, InputsHash: inputsHash, ExecutionID: latest})
	if err != nil {
		return latest, model.ExecutionStatus{}, false, err
	}
	return latest, st, true, nil
}

// OutputFor returns the output hash of the latest *succeeded* execution for
// (taskHash, inputsHash), if any. This is the cache lookup used by the task
// runner and scheduler.
func (s *Store) OutputFor(taskHash, inputsHash string) (string, bool, error) {
	ids, err := s.ListExecutions(taskHash, inputsHash)
	if err != nil {
		return "", false, err
	}
	// Any succeeded record may satisfy a cache hit (spec.md §3 "Lifecycles");
	// scan from the newest to prefer the most recent success.
	for i := len(ids) - 1; i >= 0; i-- {
		key := model.ExecutionKey{TaskHash: taskHash, InputsHash: inputsHash, ExecutionID: ids[i]}
		st, err := s.GetStatus(key)
		if err != nil {
			continue
		}
		if st.Kind == model.StatusSuccess {
			out, err := os.ReadFile(s.repo.OutputRefPath(taskHash, inputsHash, ids[i]))
			if err != nil {
				continue
			}
			return strings.TrimSpace(string(out)), true, nil
		}
	}
	return "", false, nil
}

// AllOutputRefs returns every output hash ever recorded across every
// execution record in the repository; used by the garbage collector's
// reachability sweep (spec.md §4.7 step 1c).
func (s *Store) AllOutputRefs() ([]string, error) {
	var refs []string
	taskDirs, err := os.ReadDir(s.repo.ExecutionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("refstore: list execution task dirs: %w", err)
	}
	for _, taskDir := range taskDirs {
		if !taskDir.IsDir() {
			continue
		}
		taskHash := taskDir.Name()
		inputsDirs, err := os.ReadDir(s.repo.ExecutionTaskDir(taskHash))
		if err != nil {
			return nil, fmt.Errorf("refstore: list inputs dirs: %w", err)
		}
		for _, inputsDir := range inputsDirs {
			if !inputsDir.IsDir() {
				continue
			}
			execIDs, err := s.ListExecutions(taskHash, inputsDir.Name())
			if err != nil {
				return nil, err
			}
			for _, id := range execIDs {
				out, err := os.ReadFile(s.repo.OutputRefPath(taskHash, inputsDir.Name(), id))
				if err == nil && len(out) > 0 {
					refs = append(refs, strings.TrimSpace(string(out)))
				}
			}
		}
	}
	return refs, nil
}

// AllPackageHashes returns every hash currently referenced by a package ref
// (any name, any version); used by the garbage collector.
func (s *Store) AllPackageHashes() ([]string, error) {
	names, err := os.ReadDir(s.repo.PackagesDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("refstore: list package names: %w", err)
	}
	var hashes []string
	for _, n := range names {
		if !n.IsDir() {
			continue
		}
		versions, err := s.ListPackageVersions(n.Name())
		if err != nil {
			return nil, err
		}
		for _, v := range versions {
			h, err := s.GetPackage(n.Name(), v)
			if err != nil {
				continue
			}
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

// AllWorkspaceRoots returns every workspace's current root hash, skipping
// undeployed workspaces (empty root).
func (s *Store) AllWorkspaceRoots() ([]string, error) {
	names, err := s.ListWorkspaces()
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, n := range names {
		st, err := s.GetWorkspaceState(n)
		if err != nil || st == nil || st.Root == "" {
			continue
		}
		roots = append(roots, st.Root)
	}
	return roots, nil
}

// now is overridable in tests.
var now = time.Now
