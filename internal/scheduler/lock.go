package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/kis-trend-atr/engine/internal/kst"
)

// staleLockTimeout is how long a lock file may sit with no live holder
// before it's reclaimed — the original's LOCK_STALE_TIMEOUT_SECONDS.
const staleLockTimeout = 1 * time.Hour

// InstanceLock guarantees a single running instance per lock file via an
// OS-level exclusive, non-blocking flock — so an accidental second
// launch refuses to start instead of risking a double buy. Ported from
// SingleInstanceLock: a lock file is reclaimed when its metadata cannot
// be read, or when its PID is not alive and its Started time is missing
// or older than staleLockTimeout; a file whose PID is alive is never
// removed. The PID/Started metadata is written into the file for
// diagnosis.
type InstanceLock struct {
	path     string
	file     *os.File
	acquired bool
}

// NewInstanceLock builds a lock rooted at path, creating parent dirs.
func NewInstanceLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("scheduler: create lock dir: %w", err)
	}
	return &InstanceLock{path: path}, nil
}

// Acquire takes the exclusive lock, reclaiming a stale lock file first.
// Returns false (no error) if another live instance holds it.
func (l *InstanceLock) Acquire() (bool, error) {
	l.cleanupStale()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return false, fmt.Errorf("scheduler: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return false, nil
	}

	now := kst.SystemClock{}.Now()
	fmt.Fprintf(f, "PID: %d\nStarted: %s\n", os.Getpid(), now.Format(time.RFC3339))
	f.Sync()

	l.file = f
	l.acquired = true
	return true, nil
}

// Release drops the lock and removes the lock file. Safe to call more
// than once.
func (l *InstanceLock) Release() {
	if !l.acquired || l.file == nil {
		return
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	os.Remove(l.path)
	l.file = nil
	l.acquired = false
}

// lockMetadata is the PID/Started info of whoever currently holds (or
// last held) the lock file.
type lockMetadata struct {
	pid     int
	started time.Time
}

func (l *InstanceLock) readMetadata() (lockMetadata, bool) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return lockMetadata{}, false
	}

	var meta lockMetadata
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case "PID":
			if pid, err := strconv.Atoi(value); err == nil {
				meta.pid = pid
			}
		case "Started":
			if t, err := time.Parse(time.RFC3339, value); err == nil {
				meta.started = t
			}
		}
	}
	return meta, meta.pid != 0
}

// cleanupStale removes the lock file when its metadata cannot be read,
// or when its PID is not alive and its Started time is missing or older
// than staleLockTimeout — mirroring _cleanup_stale_lock_file's
// liveness-then-age check.
func (l *InstanceLock) cleanupStale() {
	if _, err := os.Stat(l.path); err != nil {
		return
	}

	meta, ok := l.readMetadata()
	if ok && processAlive(meta.pid) {
		return
	}

	if ok && !meta.started.IsZero() {
		if time.Since(meta.started) < staleLockTimeout {
			return
		}
	}

	os.Remove(l.path)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(unix.Signal(0)) == nil
}
