// Package lockservice implements the non-blocking advisory workspace locks
// of spec.md §4.3, C3: atomic exclusive-create acquisition, holder identity,
// and stale-lock detection across reboots via internal/hostprobe.
package lockservice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/swarmguard/fluxweave/internal/fwerr"
	"github.com/swarmguard/fluxweave/internal/hostprobe"
	"github.com/swarmguard/fluxweave/internal/model"
	"github.com/swarmguard/fluxweave/internal/repo"
	"go.opentelemetry.io/otel/metric"
)

// Service manages workspace locks for one repository.
type Service struct {
	repo       *repo.Repo
	probe      hostprobe.Probe
	contention metric.Int64Counter
}

// New constructs a Service.
func New(r *repo.Repo, probe hostprobe.Probe, meter metric.Meter) *Service {
	s := &Service{repo: r, probe: probe}
	if meter != nil {
		s.contention, _ = meter.Int64Counter("fluxweave_lockservice_contention_total")
	}
	return s
}

// Handle is returned by a successful Acquire and must be passed to Release.
type Handle struct {
	workspace string
	holder    model.LockHolder
}

// Holder returns the identity recorded for this handle.
func (h *Handle) Holder() model.LockHolder { return h.holder }

// Acquire attempts to take the workspace lock for kind, non-blocking. It
// returns (nil, nil) on contention with a live holder (caller decides to
// fail or wait), and force-takes a stale lock (boot id mismatch, or pid not
// alive with the recorded start time).
func (s *Service) Acquire(ctx context.Context, workspace string, kind model.LockKind) (*Handle, error) {
	path := s.repo.LockPath(workspace)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("lockservice: mkdir: %w", err)
	}

	holder, err := s.buildHolder(kind)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(holder)
	if err != nil {
		return nil, fmt.Errorf("lockservice: marshal holder: %w", err)
	}

	if ok, err := s.tryExclusiveCreate(path, b); err != nil {
		return nil, err
	} else if ok {
		return &Handle{workspace: workspace, holder: holder}, nil
	}

	// Contention: inspect the existing holder.
	existing, err := s.Holder(workspace)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Raced with a concurrent release; retry once.
		if ok, err := s.tryExclusiveCreate(path, b); err != nil {
			return nil, err
		} else if ok {
			return &Handle{workspace: workspace, holder: holder}, nil
		}
		return nil, nil
	}

	if s.probe.Alive(existing.PID, existing.PIDStartTime, existing.BootID) {
		if s.contention != nil {
			s.contention.Add(ctx, 1)
		}
		return nil, nil
	}

	// Stale: force-take by removing and recreating.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("lockservice: remove stale lock: %w", err)
	}
	if ok, err := s.tryExclusiveCreate(path, b); err != nil {
		return nil, err
	} else if ok {
		return &Handle{workspace: workspace, holder: holder}, nil
	}
	// Someone else raced us for the now-vacant lock.
	if s.contention != nil {
		s.contention.Add(ctx, 1)
	}
	return nil, nil
}

// tryExclusiveCreate writes the holder record to a temp file and hard-links
// it into place; the link fails if the lock file exists, and a concurrent
// reader never sees the lock file without its full holder record.
func (s *Service) tryExclusiveCreate(path string, b []byte) (bool, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lock-*.tmp")
	if err != nil {
		return false, fmt.Errorf("lockservice: create temp lock file: %w", err)
	}
	defer os.Remove(tmp.Name())
	_, werr := tmp.Write(b)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return false, fmt.Errorf("lockservice: write lock file: %w", werr)
	}
	if err := os.Link(tmp.Name(), path); err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lockservice: create lock file: %w", err)
	}
	return true, nil
}

func (s *Service) buildHolder(kind model.LockKind) (model.LockHolder, error) {
	pid := os.Getpid()
	bootID, err := s.probe.BootID()
	if err != nil {
		return model.LockHolder{}, fmt.Errorf("lockservice: read boot id: %w", err)
	}
	startTime, err := s.probe.ProcessStartTime(pid)
	if err != nil {
		return model.LockHolder{}, fmt.Errorf("lockservice: read own start time: %w", err)
	}
	return model.LockHolder{
		PID: pid, PIDStartTime: startTime, BootID: bootID,
		Kind: kind, AcquiredAt: time.Now().UTC(),
	}, nil
}

// Release deletes the lock file for a handle this process acquired.
func (s *Service) Release(handle *Handle) error {
	if handle == nil {
		return nil
	}
	path := s.repo.LockPath(handle.workspace)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lockservice: release: %w", err)
	}
	return nil
}

// Holder returns the current holder of workspace's lock, or nil if unlocked.
func (s *Service) Holder(workspace string) (*model.LockHolder, error) {
	b, err := os.ReadFile(s.repo.LockPath(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lockservice: read holder: %w", err)
	}
	var h model.LockHolder
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, fmt.Errorf("lockservice: decode holder: %w", err)
	}
	return &h, nil
}

// AsLockError wraps the current holder of workspace in a fwerr.WorkspaceLockError.
func (s *Service) AsLockError(workspace string) error {
	h, err := s.Holder(workspace)
	if err != nil {
		return err
	}
	return fwerr.NewWorkspaceLockError(h)
}
