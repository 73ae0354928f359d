package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// IngestWAL provides write-ahead logging for incoming update batches.
// Bodies are appended (and fsynced) before they are parsed, so a crash
// mid-update can be recovered by replaying the log through the
// detectors.
type IngestWAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Entry represents a single WAL entry
type Entry struct {
	Timestamp time.Time
	Body      []byte
}

// NewIngestWAL creates or opens a date-stamped ingest WAL file in
// dirPath.
func NewIngestWAL(dirPath string) (*IngestWAL, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	walPath := filepath.Join(dirPath, fmt.Sprintf("ingest-%s.wal", time.Now().Format("20060102")))

	file, err := os.OpenFile(walPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &IngestWAL{
		file: file,
		path: walPath,
	}, nil
}

// Append writes a request body to the WAL with fsync.
func (w *IngestWAL) Append(body []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Write timestamp + body length + body
	line := fmt.Sprintf("%s|%d|%s\n", time.Now().Format(time.RFC3339Nano), len(body), body)

	if _, err := w.file.WriteString(line); err != nil {
		return fmt.Errorf("failed to write WAL entry: %w", err)
	}

	// Critical: fsync to ensure durability
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

// Path returns the file the WAL is appending to.
func (w *IngestWAL) Path() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.path
}

// Close flushes and closes the WAL
func (w *IngestWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Sync(); err != nil {
		return err
	}
	return w.file.Close()
}

// Replay reads all entries from a WAL file. Malformed lines are skipped.
func Replay(walPath string) ([]Entry, error) {
	file, err := os.Open(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()

		// Parse: timestamp|length|body. The body may itself contain '|',
		// so split on the first two separators only.
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue // skip malformed lines
		}
		timestamp, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			continue
		}

		entries = append(entries, Entry{
			Timestamp: timestamp,
			Body:      []byte(parts[2]),
		})
	}

	return entries, scanner.Err()
}

// Rotate closes the current WAL and opens a fresh daily file, returning
// the new WAL and the old file path for archival.
func Rotate(dirPath string, current *IngestWAL) (*IngestWAL, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current WAL: %w", err)
	}

	newWAL, err := NewIngestWAL(dirPath)
	if err != nil {
		return nil, "", err
	}

	return newWAL, oldPath, nil
}
