// Package hostprobe wraps the host-global facts needed to detect stale
// running/lock records across reboots: the kernel boot id and a process's
// start time. Both are exposed through an interface so tests can inject
// fakes instead of reading real host state.
package hostprobe

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Probe reports host-global identity facts used for stale-record detection.
type Probe interface {
	// BootID returns the host's current boot identifier. Two reads on the
	// same uninterrupted boot return the same value; a reboot changes it.
	BootID() (string, error)
	// ProcessStartTime returns the start time of pid, or an error if the
	// process does not exist.
	ProcessStartTime(pid int) (time.Time, error)
	// Alive reports whether pid is currently running with the given
	// recorded start time on the given recorded boot id.
	Alive(pid int, startTime time.Time, bootID string) bool
}

// System is the production Probe, reading /proc/sys/kernel/random/boot_id
// and process start times via gopsutil.
type System struct {
	bootIDPath string
}

// NewSystem constructs the production host probe.
func NewSystem() *System {
	return &System{bootIDPath: "/proc/sys/kernel/random/boot_id"}
}

func (s *System) BootID() (string, error) {
	b, err := os.ReadFile(s.bootIDPath)
	if err != nil {
		return "", fmt.Errorf("read boot id: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func (s *System) ProcessStartTime(pid int) (time.Time, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return time.Time{}, fmt.Errorf("lookup pid %d: %w", pid, err)
	}
	ms, err := p.CreateTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("pid %d create time: %w", pid, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *System) Alive(pid int, startTime time.Time, bootID string) bool {
	curBoot, err := s.BootID()
	if err != nil || curBoot != bootID {
		return false
	}
	curStart, err := s.ProcessStartTime(pid)
	if err != nil {
		return false
	}
	// gopsutil's millisecond resolution is coarser than time.Time; compare
	// at millisecond granularity.
	return curStart.UnixMilli() == startTime.UnixMilli()
}

// Fake is a test double for Probe with a fixed boot id and an injectable
// table of live pids.
type Fake struct {
	Boot  string
	Alive_ map[int]time.Time
}

// NewFake constructs a Fake reporting bootID and no live processes.
func NewFake(bootID string) *Fake {
	return &Fake{Boot: bootID, Alive_: make(map[int]time.Time)}
}

// SetAlive marks pid as alive with the given start time.
func (f *Fake) SetAlive(pid int, startTime time.Time) {
	f.Alive_[pid] = startTime
}

// Kill removes pid from the live table, simulating process exit.
func (f *Fake) Kill(pid int) { delete(f.Alive_, pid) }

// Reboot changes the reported boot id, simulating a host reboot.
func (f *Fake) Reboot(newBootID string) {
	f.Boot = newBootID
	f.Alive_ = make(map[int]time.Time)
}

func (f *Fake) BootID() (string, error) { return f.Boot, nil }

func (f *Fake) ProcessStartTime(pid int) (time.Time, error) {
	t, ok := f.Alive_[pid]
	if !ok {
		return time.Time{}, fmt.Errorf("pid %d not running", pid)
	}
	return t, nil
}

func (f *Fake) Alive(pid int, startTime time.Time, bootID string) bool {
	if f.Boot != bootID {
		return false
	}
	t, ok := f.Alive_[pid]
	return ok && t.UnixMilli() == startTime.UnixMilli()
}
