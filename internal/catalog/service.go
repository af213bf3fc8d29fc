package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/storyreel/storyreel-agent/internal/generation"
)

const maxCopies = 4

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunActive      = errors.New("run is still active")
	ErrRetryQueued    = errors.New("a retry for this scene is already queued")
	ErrNothingToRetry = errors.New("scene has no failed copies")
	ErrNotCancellable = errors.New("run is not active")
)

type RunService interface {
	CreateRun(ctx context.Context, req generation.Request) (*Run, error)
	RetryFailed(ctx context.Context, runID string, scene int) (*Run, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]*Run, error)
	ListCards(ctx context.Context, runID string) ([]generation.Card, error)
	GetCard(ctx context.Context, runID string, scene, copyNumber int) (*generation.Card, error)
	ListLogs(ctx context.Context, runID string, limit int) ([]generation.LogLine, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
	notify func()
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logger}
}

// OnEnqueue registers fn to be called after a run is queued.
func (s *Service) OnEnqueue(fn func()) {
	s.notify = fn
}

// CreateRun validates req and queues a generation run for it.
func (s *Service) CreateRun(ctx context.Context, req generation.Request) (*Run, error) {
	if req.Copies < 1 {
		req.Copies = 1
	}
	if req.Copies > maxCopies {
		return nil, fmt.Errorf("copies must be between 1 and %d", maxCopies)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	run := &Run{
		ID:        NewID(),
		Type:      RunTypeGenerate,
		Title:     req.Title,
		Status:    RunStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.RunID = run.ID
	run.Request = req

	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Info("run queued", "run_id", run.ID, "scenes", len(req.Scenes), "copies", req.Copies)
	}
	s.enqueued()
	return run, nil
}

// RetryFailed queues a retry of the failed copies of one scene.
func (s *Service) RetryFailed(ctx context.Context, runID string, scene int) (*Run, error) {
	parent, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, ErrRunNotFound
	}
	if parent.Type != RunTypeGenerate {
		return nil, fmt.Errorf("retry the original run %s instead", parent.ParentID)
	}
	if parent.IsActive() {
		return nil, ErrRunActive
	}
	if _, ok := parent.Request.Scene(scene); !ok {
		return nil, fmt.Errorf("%w: scene %d", generation.ErrUnknownScene, scene)
	}

	queued, err := s.repo.ListActiveRetries(ctx, parent.ID, scene)
	if err != nil {
		return nil, err
	}
	if len(queued) > 0 {
		return nil, ErrRetryQueued
	}

	cards, err := s.repo.ListCards(ctx, parent.ID)
	if err != nil {
		return nil, err
	}
	var copies []int
	for _, c := range cards {
		if c.Scene == scene && c.Status.IsFailure() {
			copies = append(copies, c.Copy)
		}
	}
	if len(copies) == 0 {
		return nil, ErrNothingToRetry
	}

	now := time.Now()
	run := &Run{
		ID:        NewID(),
		Type:      RunTypeRetryScene,
		ParentID:  parent.ID,
		Title:     parent.Title,
		Status:    RunStatusPending,
		Request:   parent.Request,
		Scene:     scene,
		Copies:    copies,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Info("scene retry queued", "run_id", run.ID, "parent_id", parent.ID, "scene", scene, "copies", copies)
	}
	s.enqueued()
	return run, nil
}

func (s *Service) enqueued() {
	if s.notify != nil {
		s.notify()
	}
}

func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	return s.repo.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	return s.repo.ListRuns(ctx, limit)
}

func (s *Service) ListCards(ctx context.Context, runID string) ([]generation.Card, error) {
	return s.repo.ListCards(ctx, runID)
}

func (s *Service) GetCard(ctx context.Context, runID string, scene, copyNumber int) (*generation.Card, error) {
	return s.repo.GetCard(ctx, runID, scene, copyNumber)
}

func (s *Service) ListLogs(ctx context.Context, runID string, limit int) ([]generation.LogLine, error) {
	return s.repo.ListLogs(ctx, runID, limit)
}
