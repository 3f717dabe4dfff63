package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/tab_hibernator/internal/monitor"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestWriterWritesDatePartitionedLines(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, "records", 8, 1)
	w.now = func() time.Time { return time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC) }

	for i := 0; i < 3; i++ {
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("Write(%d): %v", i, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "2026-03-04", "records.jsonl"))
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	if lines[2]["n"] != float64(2) {
		t.Fatalf("last line = %v", lines[2])
	}
}

func TestWriterRejectsAfterClose(t *testing.T) {
	w := NewWriter(t.TempDir(), "records", 1, 1)
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := w.Write("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after close = %v, want ErrClosed", err)
	}
}

func TestPassJournalSkipsPassesUnderLimit(t *testing.T) {
	dir := t.TempDir()
	j := NewPassJournal(dir, 8, 1)
	ctx := context.Background()

	j.ObservePass(ctx, monitor.PassResult{ID: "quiet", TrackedBefore: 4, TrackedAfter: 4, Hibernated: []int{}})
	j.ObservePass(ctx, monitor.PassResult{
		ID:            "busy",
		TrackedBefore: 12,
		TrackedAfter:  10,
		Excess:        2,
		Hibernated:    []int{1, 2},
	})
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*", journalName+".jsonl"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("journal files = %v (err %v), want exactly one", matches, err)
	}
	lines := readLines(t, matches[0])
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	if lines[0]["id"] != "busy" || lines[0]["excess"] != float64(2) {
		t.Fatalf("record = %v", lines[0])
	}
}
