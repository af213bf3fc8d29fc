package catalog

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyreel/storyreel-agent/internal/generation"
)

const (
	RunTypeGenerate   = "generate"
	RunTypeRetryScene = "retry_scene"

	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run is one queued unit of work: a full generation or a retry of the
// failed copies of one scene of an earlier run.
type Run struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	ParentID   string             `json:"parent_id,omitempty"`
	Title      string             `json:"title"`
	Status     string             `json:"status"`
	Request    generation.Request `json:"request"`
	Scene      int                `json:"scene,omitempty"`
	Copies     []int              `json:"copies,omitempty"`
	Error      string             `json:"error,omitempty"`
	TotalCards int                `json:"total_cards"`
	Downloaded int                `json:"downloaded"`
	Failed     int                `json:"failed"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// CardRunID is the run whose cards this run updates. A retry writes to
// the cards of the run it retries.
func (r *Run) CardRunID() string {
	if r.Type == RunTypeRetryScene && r.ParentID != "" {
		return r.ParentID
	}
	return r.ID
}

// IsActive reports whether the run is queued or executing.
func (r *Run) IsActive() bool {
	return r.Status == RunStatusPending || r.Status == RunStatusRunning
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func NewID() string {
	return uuid.NewString()
}

// Totals counts cards by outcome.
type Totals struct {
	Cards      int
	Downloaded int
	Failed     int
}

func CountCards(cards []generation.Card) Totals {
	t := Totals{Cards: len(cards)}
	for _, c := range cards {
		switch {
		case c.Status == generation.StatusDownloaded || c.Status == generation.StatusUpscaled4K:
			t.Downloaded++
		case c.Status.IsFailure():
			t.Failed++
		}
	}
	return t
}
