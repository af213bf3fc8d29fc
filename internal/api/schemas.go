package api

import (
	"fmt"
	"net/url"
	"time"

	"github.com/storyreel/storyreel-agent/internal/catalog"
	"github.com/storyreel/storyreel-agent/internal/generation"
	"github.com/storyreel/storyreel-agent/internal/story"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State         string              `json:"state"`
	LastError     string              `json:"last_error,omitempty"`
	QueuedRuns    int                 `json:"queued_runs"`
	ActiveRun     *RunResponse        `json:"active_run,omitempty"`
	Media         *MediaStatus        `json:"media,omitempty"`
	Credentials   []CredentialsStatus `json:"credentials,omitempty"`
	Subscribers   int                 `json:"stream_subscribers"`
	DroppedEvents int64               `json:"dropped_events"`
}

type MediaStatus struct {
	HasFFmpeg     bool   `json:"has_ffmpeg"`
	FFmpegVersion string `json:"ffmpeg_version,omitempty"`
	LastProbeAt   string `json:"last_probe_at,omitempty"`
}

type CredentialsStatus struct {
	Lane      string `json:"lane"`
	ProjectID string `json:"project_id,omitempty"`
	Tokens    int    `json:"tokens"`
	Invalid   int    `json:"invalid"`
}

type SceneRequest struct {
	Number    int    `json:"number" validate:"gte=1"`
	Prompt    string `json:"prompt" validate:"required"`
	Aspect    string `json:"aspect,omitempty" validate:"omitempty,oneof=VIDEO_ASPECT_RATIO_PORTRAIT VIDEO_ASPECT_RATIO_LANDSCAPE VIDEO_ASPECT_RATIO_SQUARE"`
	SeedBase  int    `json:"seed_base,omitempty" validate:"gte=0"`
	ImagePath string `json:"image_path,omitempty"`
}

type CreateRunRequest struct {
	Title     string         `json:"title" validate:"required,max=200"`
	Model     string         `json:"model,omitempty"`
	Aspect    string         `json:"aspect,omitempty" validate:"omitempty,oneof=VIDEO_ASPECT_RATIO_PORTRAIT VIDEO_ASPECT_RATIO_LANDSCAPE VIDEO_ASPECT_RATIO_SQUARE"`
	Copies    int            `json:"copies" validate:"gte=0,lte=4"`
	Upscale4K *bool          `json:"upscale_4k,omitempty"`
	OutputDir string         `json:"output_dir,omitempty"`
	Scenes    []SceneRequest `json:"scenes" validate:"required,min=1,dive"`
}

// ToGeneration builds the engine request, filling unset fields from the
// server defaults.
func (r CreateRunRequest) ToGeneration(defaults RunDefaults) generation.Request {
	req := generation.Request{
		Title:     r.Title,
		Model:     r.Model,
		Aspect:    r.Aspect,
		Copies:    r.Copies,
		Upscale4K: defaults.Upscale4K,
		OutputDir: r.OutputDir,
		Scenes:    make([]generation.SceneSpec, len(r.Scenes)),
	}
	if r.Upscale4K != nil {
		req.Upscale4K = *r.Upscale4K
	}
	if req.OutputDir == "" {
		req.OutputDir = defaults.OutputDir
	}
	if req.Model == "" {
		req.Model = defaults.Model
	}
	for i, s := range r.Scenes {
		req.Scenes[i] = generation.SceneSpec{
			Number:    s.Number,
			Prompt:    s.Prompt,
			Aspect:    s.Aspect,
			SeedBase:  s.SeedBase,
			ImagePath: s.ImagePath,
		}
	}
	return req
}

type RunResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	ParentID   string `json:"parent_id,omitempty"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Scene      int    `json:"scene,omitempty"`
	Copies     []int  `json:"copies,omitempty"`
	Scenes     int    `json:"scenes"`
	Error      string `json:"error,omitempty"`
	TotalCards int    `json:"total_cards"`
	Downloaded int    `json:"downloaded"`
	Failed     int    `json:"failed"`
	OutputDir  string `json:"output_dir"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type RunsResponse struct {
	Runs []RunResponse `json:"runs"`
}

type RunDetailResponse struct {
	RunResponse
	Cards []CardResponse    `json:"cards"`
	Logs  []LogLineResponse `json:"logs"`
}

type CardResponse struct {
	Scene        int    `json:"scene"`
	Copy         int    `json:"copy"`
	Status       string `json:"status"`
	Operation    string `json:"operation,omitempty"`
	Model        string `json:"model,omitempty"`
	Path         string `json:"path,omitempty"`
	Thumb        string `json:"thumb,omitempty"`
	UpscaledPath string `json:"upscaled_path,omitempty"`
	ErrorReason  string `json:"error_reason,omitempty"`
	VideoURL     string `json:"video_url,omitempty"`
	UpdatedAt    string `json:"updated_at"`
}

type CardsResponse struct {
	Cards []CardResponse `json:"cards"`
}

type LogLineResponse struct {
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Time    string         `json:"time"`
}

type ScriptResponse struct {
	Provider string                 `json:"provider"`
	Script   *story.Script          `json:"script"`
	Scenes   []generation.SceneSpec `json:"scenes"`
	SavedTo  string                 `json:"saved_to,omitempty"`
}

type RunnerResponse struct {
	Paused    bool   `json:"paused"`
	ActiveRun string `json:"active_run,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func RunToResponse(r *catalog.Run) RunResponse {
	resp := RunResponse{
		ID:         r.ID,
		Type:       r.Type,
		ParentID:   r.ParentID,
		Title:      r.Title,
		Status:     r.Status,
		Scene:      r.Scene,
		Copies:     r.Copies,
		Scenes:     len(r.Request.Scenes),
		Error:      r.Error,
		TotalCards: r.TotalCards,
		Downloaded: r.Downloaded,
		Failed:     r.Failed,
		OutputDir:  r.Request.Layout().Root,
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  r.UpdatedAt.Format(time.RFC3339),
	}
	if r.StartedAt != nil {
		resp.StartedAt = r.StartedAt.Format(time.RFC3339)
	}
	if r.FinishedAt != nil {
		resp.FinishedAt = r.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func CardToResponse(c generation.Card) CardResponse {
	resp := CardResponse{
		Scene:        c.Scene,
		Copy:         c.Copy,
		Status:       string(c.Status),
		Operation:    c.Operation,
		Model:        c.Model,
		Path:         c.Path,
		Thumb:        c.Thumb,
		UpscaledPath: c.UpscaledPath,
		ErrorReason:  c.ErrorReason,
		UpdatedAt:    c.UpdatedAt.Format(time.RFC3339),
	}
	if c.Path != "" {
		resp.VideoURL = videoURL(c.RunID, c.Scene, c.Copy)
	}
	return resp
}

func CardsToResponse(cards []generation.Card) []CardResponse {
	out := make([]CardResponse, len(cards))
	for i, c := range cards {
		out[i] = CardToResponse(c)
	}
	return out
}

func LogsToResponse(lines []generation.LogLine) []LogLineResponse {
	out := make([]LogLineResponse, len(lines))
	for i, l := range lines {
		out[i] = LogLineResponse{
			Level:   l.Level,
			Message: l.Message,
			Attrs:   l.Attrs,
			Time:    l.Time.Format(time.RFC3339),
		}
	}
	return out
}

func videoURL(runID string, scene, copyNumber int) string {
	q := url.Values{}
	q.Set("run_id", runID)
	q.Set("scene", fmt.Sprint(scene))
	q.Set("copy", fmt.Sprint(copyNumber))
	return "/cards/video?" + q.Encode()
}
