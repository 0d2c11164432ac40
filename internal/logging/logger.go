package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rari-dev/rari/internal/domain"
)

// Logger handles request logging: one line per render or stream, in both a
// human-readable console form and a JSON form suitable for shipping to a
// log aggregator.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// SetEnabled enables/disables logging entirely.
func (l *Logger) SetEnabled(enabled bool) {
	l.mu.Lock()
	l.enabled = enabled
	l.mu.Unlock()
}

// Log writes a request log entry. Timestamp is stamped at write time if
// the caller left it empty.
func (l *Logger) Log(entry *domain.RequestLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().Format(time.RFC3339Nano)
	}

	if l.console {
		status := "✓"
		if !entry.Success {
			status = "✗"
		}
		cold := ""
		if entry.ColdStart {
			cold = " [cold]"
		}
		cache := ""
		if entry.FromCache {
			cache = " [cached]"
		}
		fmt.Printf("[request] %s %s %s %dms%s%s\n",
			status, entry.RequestID, entry.Route, entry.DurationMs, cold, cache)
		if entry.Error != "" {
			fmt.Printf("[request]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
