package tasks

import (
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// orphanNameWhitelist are the process names the sweeper is allowed to
// kill; anything else is left alone even if it carries the marker, so a
// bug in marker propagation can't turn this into a generic process killer.
var orphanNameWhitelist = map[string]bool{
	"chromium":      true,
	"chrome":        true,
	"playwright":    true,
	"headless_shell": true,
}

// OrphanSweeper kills descendant browser processes left behind by a child
// that exited without cleaning up after itself, recognized by the
// CWGATE_CHILD_MARKER environment variable plus a process-name whitelist
// (spec.md §9). It refuses to run while any task is StatusRunning, holding
// the queue's mutex across both the running check and the /proc kill loop
// so a task can't start mid-sweep and have its freshly spawned child killed.
type OrphanSweeper struct {
	queue *Queue
}

func NewOrphanSweeper(q *Queue) *OrphanSweeper {
	return &OrphanSweeper{queue: q}
}

// Sweep scans /proc for candidate processes and kills matches. Linux-only
// (reads /proc directly, matching the upstream automation's deployment
// target); a no-op elsewhere.
func (s *OrphanSweeper) Sweep() {
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	if len(s.queue.running) > 0 {
		slog.Debug("orphan sweep skipped: a task is still running")
		return
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if !s.isMarkedOrphan(pid) {
			continue
		}
		if err := killPID(pid); err != nil {
			slog.Warn("failed to kill orphaned process", "pid", pid, "error", err)
		} else {
			slog.Info("killed orphaned child process", "pid", pid)
		}
	}
}

func (s *OrphanSweeper) isMarkedOrphan(pid int) bool {
	comm, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/comm")
	if err != nil {
		return false
	}
	name := strings.TrimSpace(string(comm))
	if !orphanNameWhitelist[name] {
		return false
	}

	environ, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/environ")
	if err != nil {
		return false
	}
	for _, kv := range strings.Split(string(environ), "\x00") {
		if kv == orphanMarkerKey+"="+orphanMarkerValue {
			return true
		}
	}
	return false
}

func killPID(pid int) error {
	return exec.Command("kill", "-9", strconv.Itoa(pid)).Run()
}
