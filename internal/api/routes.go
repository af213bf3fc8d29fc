package api

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storyreel/storyreel-agent/internal/catalog"
	"github.com/storyreel/storyreel-agent/internal/generation"
	"github.com/storyreel/storyreel-agent/internal/metrics"
	"github.com/storyreel/storyreel-agent/internal/project"
	"github.com/storyreel/storyreel-agent/internal/story"
)

const (
	listRunsLimit  = 50
	detailLogLimit = 200
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())

	r.Get("/health", healthHandler(cfg))
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/runs", createRunHandler(cfg))
		r.Get("/runs", listRunsHandler(cfg))
		r.Get("/runs/{id}", getRunHandler(cfg))
		r.Get("/runs/{id}/cards", listCardsHandler(cfg))
		r.Get("/runs/{id}/events", runEventsHandler(cfg))
		r.Post("/runs/{id}/cancel", cancelRunHandler(cfg))
		r.Post("/runs/{id}/scenes/{scene}/retry", retrySceneHandler(cfg))
		r.Post("/scripts", generateScriptHandler(cfg))
		r.Post("/runner/pause", pauseRunnerHandler(cfg))
		r.Post("/runner/resume", resumeRunnerHandler(cfg))

		r.With(LoopbackGuard()).Get("/cards/video", cardVideoHandler(cfg))
		r.With(LoopbackGuard()).Head("/cards/video", cardVideoHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		runs, _ := cfg.Service.ListRuns(ctx, listRunsLimit)

		state := "idle"
		var activeRun *RunResponse
		queued := 0
		lastError := ""

		for _, run := range runs {
			switch run.Status {
			case catalog.RunStatusPending:
				queued++
			case catalog.RunStatusRunning:
				state = "generating"
				resp := RunToResponse(run)
				activeRun = &resp
			case catalog.RunStatusFailed:
				if lastError == "" {
					lastError = run.Error
				}
			}
		}

		if cfg.Runner != nil && cfg.Runner.IsPaused() && state == "idle" {
			state = "paused"
		}
		if lastError != "" && state == "idle" && len(runs) > 0 && runs[0].Status == catalog.RunStatusFailed {
			state = "error"
		}

		resp := StatusResponse{
			State:      state,
			LastError:  lastError,
			QueuedRuns: queued,
			ActiveRun:  activeRun,
		}

		if cfg.Doctor != nil {
			// Peek never spawns ffmpeg; the cache is warmed at startup.
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Media = &MediaStatus{
					HasFFmpeg:     caps.HasFFmpeg,
					FFmpegVersion: caps.FFmpegVersion,
				}
				if !caps.ProbedAt.IsZero() {
					resp.Media.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				}
			}
		}

		for _, lane := range cfg.Lanes {
			cs := CredentialsStatus{Lane: lane.Name, ProjectID: lane.ProjectID}
			if lane.Pool != nil {
				cs.Tokens = lane.Pool.Size()
				cs.Invalid = lane.Pool.InvalidCount()
			}
			resp.Credentials = append(resp.Credentials, cs)
		}

		if cfg.Hub != nil {
			resp.Subscribers = cfg.Hub.Total()
			resp.DroppedEvents = cfg.Hub.Dropped()
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func createRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateRunRequest
		if err := decodeBody(w, r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		run, err := cfg.Service.CreateRun(r.Context(), req.ToGeneration(cfg.Defaults))
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusAccepted, RunToResponse(run))
	}
}

func listRunsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := cfg.Service.ListRuns(r.Context(), listRunsLimit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list runs", "INTERNAL_ERROR")
			return
		}

		resp := RunsResponse{Runs: make([]RunResponse, len(runs))}
		for i, run := range runs {
			resp.Runs[i] = RunToResponse(run)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := loadRun(cfg, w, r)
		if !ok {
			return
		}

		cards, err := cfg.Service.ListCards(r.Context(), run.CardRunID())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		logs, err := cfg.Service.ListLogs(r.Context(), run.CardRunID(), detailLogLimit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, RunDetailResponse{
			RunResponse: RunToResponse(run),
			Cards:       CardsToResponse(cards),
			Logs:        LogsToResponse(logs),
		})
	}
}

func listCardsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, ok := loadRun(cfg, w, r)
		if !ok {
			return
		}

		cards, err := cfg.Service.ListCards(r.Context(), run.CardRunID())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, CardsResponse{Cards: CardsToResponse(cards)})
	}
}

func cancelRunHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "run queue is not available", "UNAVAILABLE")
			return
		}

		err := cfg.Runner.Cancel(r.Context(), id)
		switch {
		case errors.Is(err, catalog.ErrRunNotFound):
			WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
			return
		case errors.Is(err, catalog.ErrNotCancellable):
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
			return
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		w.WriteHeader(http.StatusAccepted)
	}
}

func retrySceneHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		scene, err := strconv.Atoi(chi.URLParam(r, "scene"))
		if err != nil || scene < 1 {
			WriteError(w, http.StatusBadRequest, "scene must be a positive number", "BAD_REQUEST")
			return
		}

		run, err := cfg.Service.RetryFailed(r.Context(), id, scene)
		switch {
		case errors.Is(err, catalog.ErrRunNotFound):
			WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
			return
		case errors.Is(err, generation.ErrUnknownScene):
			WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			return
		case errors.Is(err, catalog.ErrRunActive), errors.Is(err, catalog.ErrRetryQueued), errors.Is(err, catalog.ErrNothingToRetry):
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
			return
		case err != nil:
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusAccepted, RunToResponse(run))
	}
}

func generateScriptHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Story == nil {
			WriteError(w, http.StatusServiceUnavailable, "no screenplay provider is configured", "UNAVAILABLE")
			return
		}

		var brief story.Brief
		if err := decodeBody(w, r, &brief); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		script, err := cfg.Story.Generate(r.Context(), brief)
		if err != nil {
			cfg.Logger.Error("screenplay generation failed", "provider", cfg.Story.Name(), "error", err)
			WriteError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR")
			return
		}
		scenes, err := script.SceneSpecs()
		if err != nil {
			WriteError(w, http.StatusBadGateway, err.Error(), "UPSTREAM_ERROR")
			return
		}

		resp := ScriptResponse{
			Provider: cfg.Story.Name(),
			Script:   script,
			Scenes:   scenes,
		}
		if cfg.Defaults.OutputDir != "" && script.Title != "" {
			layout := project.NewLayout(cfg.Defaults.OutputDir, script.Title)
			if err := saveScript(layout, script); err != nil {
				cfg.Logger.Warn("failed to save screenplay", "title", script.Title, "error", err)
			} else {
				resp.SavedTo = filepath.Join(layout.Script, project.ScriptFile)
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func saveScript(layout project.Layout, script *story.Script) error {
	if err := layout.Ensure(); err != nil {
		return err
	}
	return layout.WriteScript(script)
}

func pauseRunnerHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "run queue is not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Pause()
		WriteJSON(w, http.StatusOK, runnerState(cfg.Runner))
	}
}

func resumeRunnerHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "run queue is not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Resume()
		WriteJSON(w, http.StatusOK, runnerState(cfg.Runner))
	}
}

func runnerState(rc RunController) RunnerResponse {
	return RunnerResponse{Paused: rc.IsPaused(), ActiveRun: rc.ActiveRun()}
}

// loadRun writes the error response itself when it returns false.
func loadRun(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*catalog.Run, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "run id required", "BAD_REQUEST")
		return nil, false
	}

	run, err := cfg.Service.GetRun(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	if run == nil {
		WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
		return nil, false
	}
	return run, true
}
