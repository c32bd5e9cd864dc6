package events

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/runmux/runmux/internal/ndjson"
)

// Log persists lifecycle events to an NDJSON file, one event per line.
type Log struct {
	file    *os.File
	encoder *ndjson.Encoder
	logger  *slog.Logger
	mu      sync.Mutex
}

// NewLog opens (creating if needed) an append-only event log.
func NewLog(logPath string, logger *slog.Logger) (*Log, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Log{
		file:    file,
		encoder: ndjson.NewEncoder(file, logger),
		logger:  logger,
	}, nil
}

// Write appends one event to the log.
func (l *Log) Write(evt Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(evt)
}

// Attach consumes a bus subscription into the log until cancel is called.
// Write failures are logged and skipped; the log must never stall a pump.
func (l *Log) Attach(bus *Bus) func() {
	ch, cancel := bus.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for evt := range ch {
			if err := l.Write(evt); err != nil {
				l.logger.Warn("failed to write event log entry", "error", err)
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
