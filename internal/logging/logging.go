// Package logging configures the process-wide logger: one dated text log per
// day under the state dir, info level unless SONATA_DEBUG is set.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Log files older than this are removed on startup.
const logRetention = 14 * 24 * time.Hour

// Setup creates a slog.Logger that appends to today's log file in the user
// state directory and prunes logs past the retention window. The caller is
// responsible for closing the file.
func Setup() (*slog.Logger, *os.File, error) {
	stateDir, err := StateDir()
	if err != nil {
		return nil, nil, fmt.Errorf("state dir: %w", err)
	}
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create state dir: %w", err)
	}
	pruneLogs(stateDir, time.Now().Add(-logRetention))

	path := filepath.Join(stateDir, logName(time.Now()))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	level := slog.LevelInfo
	if os.Getenv("SONATA_DEBUG") != "" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(f, &slog.HandlerOptions{Level: level})
	return slog.New(handler), f, nil
}

func logName(t time.Time) string {
	return fmt.Sprintf("sonata-%s.log", t.Format("20060102"))
}

// pruneLogs removes sonata log files last modified before cutoff. Failures
// are ignored; a stale log is an annoyance, not an error.
func pruneLogs(dir string, cutoff time.Time) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "sonata-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(filepath.Join(dir, name))
	}
}

// StateDir returns the path to the sonata state directory
// (~/.config/sonata/state).
func StateDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sonata", "state"), nil
}
