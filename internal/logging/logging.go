// Package logging routes the stdlib logger. The one-shot CLI logs to
// stderr; the TUI owns the terminal, so it logs to a dated file under
// ~/.hearth/logs instead, with old files pruned on startup.
package logging

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// keepDays bounds how long dated log files are retained.
const keepDays = 14

var logFile *os.File

// Init routes log output. With toFile set, output goes to today's file
// under the log directory so it cannot corrupt the TUI; otherwise it goes
// to stderr.
func Init(toFile bool) error {
	if !toFile {
		log.SetOutput(os.Stderr)
		log.SetFlags(log.Ltime | log.Lshortfile)
		return nil
	}

	dir := logDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	pruneOldLogs(dir)

	path := filepath.Join(dir, "hearth-"+time.Now().Format("2006-01-02")+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	logFile = f

	log.SetOutput(f)
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Printf("=== Hearth session started ===")
	return nil
}

// Close ends file logging, if active, and restores stderr output.
func Close() {
	if logFile == nil {
		return
	}
	log.Printf("=== Hearth session ended ===")
	logFile.Close()
	logFile = nil
	log.SetOutput(os.Stderr)
}

func logDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".hearth", "logs")
}

// pruneOldLogs removes dated log files older than the retention window.
// Files that don't match the hearth-YYYY-MM-DD.log pattern are left alone.
func pruneOldLogs(dir string) {
	cutoff := time.Now().AddDate(0, 0, -keepDays)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "hearth-") || !strings.HasSuffix(name, ".log") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, "hearth-"), ".log")
		day, err := time.Parse("2006-01-02", stamp)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			os.Remove(filepath.Join(dir, name))
		}
	}
}
