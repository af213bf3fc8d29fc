package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/storyreel/storyreel-agent/internal/catalog"
	"github.com/storyreel/storyreel-agent/internal/credentials"
	"github.com/storyreel/storyreel-agent/internal/events"
	"github.com/storyreel/storyreel-agent/internal/media"
	"github.com/storyreel/storyreel-agent/internal/story"
)

const Version = "0.1.0"

// RunController is the part of the run queue the API drives.
type RunController interface {
	Pause()
	Resume()
	IsPaused() bool
	ActiveRun() string
	Cancel(ctx context.Context, runID string) error
}

// Lane describes one credential pool for /status.
type Lane struct {
	Name      string
	ProjectID string
	Pool      *credentials.Pool
}

// RunDefaults fill the fields a create request leaves out.
type RunDefaults struct {
	OutputDir string
	Model     string
	Upscale4K bool
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port       int
	Service    catalog.RunService
	Repository catalog.Repository
	Runner     RunController
	Hub        *events.Hub
	Story      story.Generator
	Doctor     *media.CachedDoctor
	Lanes      []Lane
	Defaults   RunDefaults
	Logger     *slog.Logger
	StartTime  time.Time
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	// No write timeout: event streams and video responses stay open.
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
