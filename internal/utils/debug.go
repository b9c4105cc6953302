// Package utils holds small helpers shared across surge's packages;
// Debug, ConfigureDebug, and CleanupLogs give every package a single
// best-effort debug log without wiring a logger through every
// constructor.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/surge-downloader/surge/internal/config"
)

var (
	logDirMu sync.Mutex
	logDir   = config.GetLogsDir()

	logOnce sync.Once
	logFile *os.File
)

// ConfigureDebug points future Debug/CleanupLogs calls at dir instead
// of the default logs directory. Exists mainly so tests don't write
// into a real user's home directory.
func ConfigureDebug(dir string) {
	logDirMu.Lock()
	defer logDirMu.Unlock()
	logDir = dir
}

func currentLogDir() string {
	logDirMu.Lock()
	defer logDirMu.Unlock()
	return logDir
}

// Debug appends a formatted line to the current debug log, creating
// the file lazily on first use. Failures to open or write the log are
// swallowed: a missing debug log should never take down a download.
func Debug(format string, args ...any) {
	logOnce.Do(func() {
		dir := currentLogDir()
		if err := os.MkdirAll(dir, 0755); err != nil {
			return
		}
		name := fmt.Sprintf("debug-%s.log", time.Now().Format("20060102-150405"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return
		}
		logFile = f
	})

	if logFile == nil {
		return
	}
	line := fmt.Sprintf("%s "+format+"\n", append([]any{time.Now().Format(time.RFC3339)}, args...)...)
	_, _ = logFile.WriteString(line)
}

// CleanupLogs removes debug log files under the current log directory
// until at most keep remain, deleting the oldest by filename first.
func CleanupLogs(keep int) {
	dir := currentLogDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasPrefix(n, "debug-") && strings.HasSuffix(n, ".log") {
			names = append(names, n)
		}
	}

	if len(names) <= keep {
		return
	}

	sort.Strings(names) // debug-YYYYMMDD-HHMMSS.log sorts lexically by time
	for _, n := range names[:len(names)-keep] {
		_ = os.Remove(filepath.Join(dir, n))
	}
}
