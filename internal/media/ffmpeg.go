// Package media handles generated video files: downloading them, grabbing
// thumbnails and producing 4K renditions with ffmpeg.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

	DefaultThumbnailTimeout = 30 * time.Second
	DefaultUpscaleTimeout   = 20 * time.Minute
	DefaultProbeTimeout     = 10 * time.Second
)

// FFmpegConfig holds the ffmpeg binary location and per-command timeouts.
type FFmpegConfig struct {
	Path             string
	ThumbnailTimeout time.Duration
	UpscaleTimeout   time.Duration
	ProbeTimeout     time.Duration
	Logger           *slog.Logger
}

// RunResult describes one ffmpeg invocation.
type RunResult struct {
	ExitCode   int
	StderrTail string
	Duration   time.Duration
}

func (r RunResult) IsSuccess() bool {
	return r.ExitCode == 0
}

// FFmpeg runs ffmpeg as a subprocess.
type FFmpeg struct {
	cfg FFmpegConfig
}

func NewFFmpeg(cfg FFmpegConfig) *FFmpeg {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.ThumbnailTimeout <= 0 {
		cfg.ThumbnailTimeout = DefaultThumbnailTimeout
	}
	if cfg.UpscaleTimeout <= 0 {
		cfg.UpscaleTimeout = DefaultUpscaleTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &FFmpeg{cfg: cfg}
}

// Thumbnail writes the first frame of videoPath as a JPEG.
func (f *FFmpeg) Thumbnail(ctx context.Context, videoPath, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ThumbnailTimeout)
	defer cancel()

	result := f.exec(ctx, outPath,
		"-y",
		"-ss", "00:00:00",
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "3",
		outPath,
	)
	if !result.IsSuccess() {
		return fmt.Errorf("thumbnail exited %d: %s", result.ExitCode, result.StderrTail)
	}
	return nil
}

// Upscale4K re-encodes videoPath to 3840 pixels wide, keeping the aspect
// ratio and copying the audio track.
func (f *FFmpeg) Upscale4K(ctx context.Context, videoPath, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.UpscaleTimeout)
	defer cancel()

	result := f.exec(ctx, outPath,
		"-y",
		"-i", videoPath,
		"-vf", "scale=3840:-2:flags=lanczos",
		"-c:v", "libx264",
		"-preset", "slow",
		"-crf", "18",
		"-pix_fmt", "yuv420p",
		"-c:a", "copy",
		"-movflags", "+faststart",
		outPath,
	)
	if !result.IsSuccess() {
		os.Remove(outPath)
		return fmt.Errorf("upscale exited %d: %s", result.ExitCode, result.StderrTail)
	}
	return nil
}

// Probe runs `ffmpeg -version` and reports what it found.
func (f *FFmpeg) Probe(ctx context.Context) (*Capabilities, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()

	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, f.cfg.Path, "-hide_banner", "-version")
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg probe: %w", err)
	}

	firstLine, _, _ := strings.Cut(stdout.String(), "\n")
	caps := &Capabilities{
		FFmpegPath:    f.cfg.Path,
		FFmpegVersion: strings.TrimSpace(firstLine),
		HasFFmpeg:     true,
		ProbedAt:      time.Now(),
	}
	f.cfg.Logger.Info("ffmpeg probe complete", "version", caps.FFmpegVersion)
	return caps, nil
}

// exec runs ffmpeg with a bounded stderr tail.
func (f *FFmpeg) exec(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmd := exec.CommandContext(ctx, f.cfg.Path, append([]string{"-hide_banner", "-loglevel", "error"}, args...)...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})
	cmd.Stdout = io.Discard

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderrBuf.WriteString(err.Error())
		}
	}

	result := RunResult{
		ExitCode:   exitCode,
		StderrTail: strings.TrimSpace(stderrBuf.String()),
		Duration:   elapsed,
	}
	if exitCode != 0 {
		f.cfg.Logger.Warn("ffmpeg command failed",
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", result.StderrTail,
		)
	} else {
		f.cfg.Logger.Debug("ffmpeg command complete", "duration_ms", elapsed.Milliseconds())
	}
	return result
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}
