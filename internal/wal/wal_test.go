package wal

import (
	"os"
	"testing"
)

func TestAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewIngestWAL(dir)
	if err != nil {
		t.Fatalf("NewIngestWAL failed: %v", err)
	}

	bodies := []string{
		`{"columns":["x0"],"rows":[[0.5]]}`,
		`{"columns":["a|b"],"rows":[[1], [2]]}`, // body containing the separator and spaces
		`plain text body`,
	}
	for _, body := range bodies {
		if err := w.Append([]byte(body)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(entries) != len(bodies) {
		t.Fatalf("Replay returned %d entries, want %d", len(entries), len(bodies))
	}
	for i, e := range entries {
		if string(e.Body) != bodies[i] {
			t.Errorf("entry %d body = %q, want %q", i, e.Body, bodies[i])
		}
		if e.Timestamp.IsZero() {
			t.Errorf("entry %d has a zero timestamp", i)
		}
	}
}

func TestReplayMissingFile(t *testing.T) {
	entries, err := Replay("/nonexistent/ingest.wal")
	if err != nil {
		t.Fatalf("Replay of a missing file should not error, got %v", err)
	}
	if entries != nil {
		t.Errorf("Replay of a missing file returned %d entries", len(entries))
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	w, err := NewIngestWAL(dir)
	if err != nil {
		t.Fatalf("NewIngestWAL failed: %v", err)
	}
	if err := w.Append([]byte("good")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	path := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := f.WriteString("garbage without separators\nnot-a-time|4|body\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	f.Close()

	entries, err := Replay(path)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Replay returned %d entries, want 1 (malformed lines skipped)", len(entries))
	}
	if string(entries[0].Body) != "good" {
		t.Errorf("entry body = %q, want %q", entries[0].Body, "good")
	}
}

func TestRotate(t *testing.T) {
	dir := t.TempDir()
	w, err := NewIngestWAL(dir)
	if err != nil {
		t.Fatalf("NewIngestWAL failed: %v", err)
	}
	if err := w.Append([]byte("before rotation")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Rotate into a second directory; within one day the date-stamped
	// name would otherwise collide with the file being closed.
	rotated, oldPath, err := Rotate(t.TempDir(), w)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	defer rotated.Close()

	if oldPath == "" {
		t.Fatal("Rotate returned an empty old path")
	}
	if err := rotated.Append([]byte("after rotation")); err != nil {
		t.Fatalf("Append to rotated WAL failed: %v", err)
	}

	entries, err := Replay(oldPath)
	if err != nil {
		t.Fatalf("Replay of the old file failed: %v", err)
	}
	if len(entries) != 1 || string(entries[0].Body) != "before rotation" {
		t.Errorf("old file entries = %v", entries)
	}
}
