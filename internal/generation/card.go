// Package generation drives a video generation run: it submits every scene,
// polls the backend until each copy settles, downloads the results and
// reports each change as a card update.
package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/storyreel/storyreel-agent/internal/project"
)

// Status is the lifecycle state of one card (one copy of one scene).
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusProcessing     Status = "PROCESSING"
	StatusReady          Status = "READY"
	StatusDownloaded     Status = "DOWNLOADED"
	StatusDownloadFailed Status = "DOWNLOAD_FAILED"
	StatusDoneNoURL      Status = "DONE_NO_URL"
	StatusFailed         Status = "FAILED"
	StatusFailedStart    Status = "FAILED_START"
	StatusTimeout        Status = "TIMEOUT"
	StatusUpscaled4K     Status = "UPSCALED_4K"
)

// IsTerminal reports whether a card in this status will not change again
// within the run that produced it.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReady:
		return false
	default:
		return true
	}
}

// IsFailure reports whether the card ended without a usable video and is
// eligible for a scene retry.
func (s Status) IsFailure() bool {
	switch s {
	case StatusFailed, StatusFailedStart, StatusTimeout, StatusDownloadFailed, StatusDoneNoURL:
		return true
	default:
		return false
	}
}

// Card is the observable state of one copy of one scene.
type Card struct {
	RunID        string    `json:"run_id"`
	Scene        int       `json:"scene"`
	Copy         int       `json:"copy"`
	Status       Status    `json:"status"`
	Operation    string    `json:"operation,omitempty"`
	Model        string    `json:"model,omitempty"`
	URL          string    `json:"url,omitempty"`
	Path         string    `json:"path,omitempty"`
	Thumb        string    `json:"thumb,omitempty"`
	UpscaledPath string    `json:"upscaled_path,omitempty"`
	ErrorReason  string    `json:"error_reason,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Key identifies a card within a run.
func (c Card) Key() string {
	return fmt.Sprintf("%d/%d", c.Scene, c.Copy)
}

// SceneSpec is one scene of a run. Number is the scene number shown to the
// user and used in file names; it stays the same across retries.
type SceneSpec struct {
	Number    int    `json:"number"`
	Prompt    string `json:"prompt"`
	Aspect    string `json:"aspect,omitempty"`
	SeedBase  int    `json:"seed_base,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	MediaID   string `json:"media_id,omitempty"`
}

// Request describes a run.
type Request struct {
	RunID     string      `json:"run_id"`
	Title     string      `json:"title"`
	Model     string      `json:"model,omitempty"`
	Aspect    string      `json:"aspect,omitempty"`
	Copies    int         `json:"copies"`
	Upscale4K bool        `json:"upscale_4k,omitempty"`
	OutputDir string      `json:"output_dir"`
	Scenes    []SceneSpec `json:"scenes"`
}

// Layout is the project directory the run writes to.
func (r Request) Layout() project.Layout {
	return project.NewLayout(r.OutputDir, r.Title)
}

// Scene returns the scene with the given number.
func (r Request) Scene(number int) (SceneSpec, bool) {
	for _, s := range r.Scenes {
		if s.Number == number {
			return s, true
		}
	}
	return SceneSpec{}, false
}

// Validate checks the fields the engine relies on.
func (r Request) Validate() error {
	var problems []string
	if strings.TrimSpace(r.Title) == "" {
		problems = append(problems, "title is required")
	}
	if strings.TrimSpace(r.OutputDir) == "" {
		problems = append(problems, "output_dir is required")
	}
	if len(r.Scenes) == 0 {
		problems = append(problems, "at least one scene is required")
	}
	seen := make(map[int]bool, len(r.Scenes))
	for _, s := range r.Scenes {
		if s.Number < 1 {
			problems = append(problems, fmt.Sprintf("scene number %d must be positive", s.Number))
		}
		if seen[s.Number] {
			problems = append(problems, fmt.Sprintf("scene %d appears twice", s.Number))
		}
		seen[s.Number] = true
		if strings.TrimSpace(s.Prompt) == "" {
			problems = append(problems, fmt.Sprintf("scene %d has no prompt", s.Number))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid request: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Result summarizes a finished, timed out or cancelled run.
type Result struct {
	Cards      []Card
	Downloaded []string
	Cancelled  bool
}

// Count returns how many cards ended in status.
func (r *Result) Count(status Status) int {
	n := 0
	for _, c := range r.Cards {
		if c.Status == status {
			n++
		}
	}
	return n
}

// Failed lists the cards eligible for a retry.
func (r *Result) Failed() []Card {
	var out []Card
	for _, c := range r.Cards {
		if c.Status.IsFailure() {
			out = append(out, c)
		}
	}
	return out
}
