package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

const lockName = ".run.lock"

// AcquireLock takes the per-output-directory run lock. Two concurrent runs
// against one ledger would interleave appends and race the checkpoint, so
// the lock is created with O_EXCL and holds the owning pid for diagnostics.
// The returned release func removes the lock.
func AcquireLock(dir string) (func() error, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrap(err, "runner: create output dir")
	}

	path := filepath.Join(dir, lockName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			pid := "unknown"
			if data, readErr := os.ReadFile(path); readErr == nil {
				pid = strings.TrimSpace(string(data))
			}
			return nil, eris.Errorf("runner: another run appears active (pid %s); remove %s if it is stale", pid, path)
		}
		return nil, eris.Wrap(err, "runner: create lock")
	}

	if _, err := fmt.Fprintln(f, strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, eris.Wrap(err, "runner: write lock")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, eris.Wrap(err, "runner: close lock")
	}

	return func() error { return os.Remove(path) }, nil
}
