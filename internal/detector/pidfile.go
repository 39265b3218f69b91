// Package detector tracks out-of-process plugins through pid files so a
// restarted daemon can find processes a previous run left behind.
package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// PIDFile is a pid file: the pid on the first line, optional start metadata on the second.
type PIDFile struct {
	Path string
}

type pidMeta struct {
	StartUnix int64 `json:"start_unix"`
}

// Write records pid along with its start time when the platform can report it.
func (f PIDFile) Write(pid int) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	meta, _ := json.Marshal(pidMeta{StartUnix: procStartUnix(pid)})
	data := strconv.Itoa(pid) + "\n" + string(meta) + "\n"
	return os.WriteFile(f.Path, []byte(data), 0o600)
}

// Read returns the recorded pid and start time. A missing file yields pid 0.
func (f PIDFile) Read() (pid int, startUnix int64, err error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	pid, err = strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid pid in %s: %w", f.Path, err)
	}
	if len(lines) > 1 {
		var m pidMeta
		if json.Unmarshal([]byte(strings.TrimSpace(lines[1])), &m) == nil {
			startUnix = m.StartUnix
		}
	}
	return pid, startUnix, nil
}

// Alive reports the recorded pid and whether that process still runs.
// A pid reused by an unrelated process counts as dead.
func (f PIDFile) Alive() (int, bool, error) {
	pid, start, err := f.Read()
	if err != nil || pid == 0 {
		return pid, false, err
	}
	if start > 0 {
		if cur := procStartUnix(pid); cur > 0 && cur != start {
			return pid, false, nil
		}
	}
	return pid, pidAlive(pid), nil
}

// Remove deletes the file. A missing file is not an error.
func (f PIDFile) Remove() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Reap stops a process left over from an earlier run and removes the file.
// It returns the pid it stopped, or 0 when nothing was running.
func (f PIDFile) Reap(wait time.Duration) (int, error) {
	pid, alive, err := f.Alive()
	if err != nil {
		_ = f.Remove()
		return 0, err
	}
	if !alive {
		return 0, f.Remove()
	}
	_ = terminate(pid)
	deadline := time.Now().Add(wait)
	for pidAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if pidAlive(pid) {
		_ = kill(pid)
	}
	return pid, f.Remove()
}

func (f PIDFile) Describe() string { return "pidfile:" + f.Path }
