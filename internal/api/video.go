package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/storyreel/storyreel-agent/internal/logging"
)

// cardVideoHandler serves the downloaded file of a card with range
// support. variant=upscaled selects the 4K file.
func cardVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		runID := q.Get("run_id")
		if runID == "" {
			WriteError(w, http.StatusBadRequest, "run_id is required", "BAD_REQUEST")
			return
		}
		scene, err1 := strconv.Atoi(q.Get("scene"))
		copyNumber, err2 := strconv.Atoi(q.Get("copy"))
		if err1 != nil || err2 != nil || scene < 1 || copyNumber < 1 {
			WriteError(w, http.StatusBadRequest, "scene and copy must be positive numbers", "BAD_REQUEST")
			return
		}

		run, err := cfg.Service.GetRun(r.Context(), runID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if run == nil {
			WriteError(w, http.StatusNotFound, "run not found", "NOT_FOUND")
			return
		}
		card, err := cfg.Service.GetCard(r.Context(), run.CardRunID(), scene, copyNumber)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if card == nil {
			WriteError(w, http.StatusNotFound, "card not found", "NOT_FOUND")
			return
		}

		path := card.Path
		if q.Get("variant") == "upscaled" {
			path = card.UpscaledPath
		}
		if path == "" {
			WriteError(w, http.StatusNotFound, "card has no video", "NOT_FOUND")
			return
		}
		if !insideDir(run.Request.Layout().Root, path) {
			cfg.Logger.Warn("card path outside project", "run_id", runID, "path", logging.SanitizePath(path))
			WriteError(w, http.StatusForbidden, "video is outside the project directory", "FORBIDDEN")
			return
		}

		f, err := os.Open(path)
		if err != nil {
			WriteError(w, http.StatusNotFound, "video file is missing", "NOT_FOUND")
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			WriteError(w, http.StatusNotFound, "video file is missing", "NOT_FOUND")
			return
		}

		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	}
}

func insideDir(dir, path string) bool {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return false
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absDir, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
