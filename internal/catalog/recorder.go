package catalog

import (
	"context"
	"log/slog"

	"github.com/storyreel/storyreel-agent/internal/generation"
)

// Recorder persists the card updates and log lines of a run as they
// happen, so the catalog reflects progress while the run executes.
type Recorder struct {
	repo   Repository
	logger *slog.Logger
}

func NewRecorder(repo Repository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger}
}

// Writes use a background context so updates made while a run is being
// cancelled are still stored.
func (r *Recorder) OnCard(card generation.Card) {
	if err := r.repo.UpsertCard(context.Background(), card); err != nil {
		r.logger.Warn("failed to store card", "run_id", card.RunID, "scene", card.Scene, "copy", card.Copy, "error", err)
	}
}

func (r *Recorder) OnLog(line generation.LogLine) {
	if err := r.repo.AppendLog(context.Background(), line); err != nil {
		r.logger.Warn("failed to store log line", "run_id", line.RunID, "error", err)
	}
}
