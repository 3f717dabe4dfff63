// Package journal keeps an append-only JSONL audit trail of hibernation passes.
package journal

import (
	"context"
	"log/slog"

	"github.com/dgnsrekt/tab_hibernator/internal/monitor"
)

const journalName = "passes"

// PassJournal records passes that found the tracked set over the limit.
type PassJournal struct {
	w *Writer
}

func NewPassJournal(baseDir string, bufferSize, maxSizeMB int) *PassJournal {
	return &PassJournal{w: NewWriter(baseDir, journalName, bufferSize, maxSizeMB)}
}

func (j *PassJournal) ObservePass(_ context.Context, res monitor.PassResult) {
	if res.Excess <= 0 {
		return
	}
	if err := j.w.Write(res); err != nil {
		slog.Debug("journal pass dropped", "pass_id", res.ID, "error", err)
	}
}

func (j *PassJournal) Close() error {
	return j.w.Close()
}
