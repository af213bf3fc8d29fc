package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storyreel/storyreel-agent/internal/generation"
	"github.com/storyreel/storyreel-agent/internal/logging"
	"github.com/storyreel/storyreel-agent/internal/metrics"
)

// Engine executes runs.
type Engine interface {
	Run(ctx context.Context, req generation.Request, obs generation.Observer) (*generation.Result, error)
	RetryScene(ctx context.Context, req generation.Request, scene int, copies []int, obs generation.Observer) (*generation.Result, error)
}

// ObserverFactory returns an extra observer for the cards of a run.
type ObserverFactory func(runID string) generation.Observer

type RunnerOption func(*Runner)

func WithPollInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.pollInterval = d }
}

func WithObservers(f ObserverFactory) RunnerOption {
	return func(r *Runner) { r.observers = f }
}

// WithStatusListener registers fn to receive a run after each status change.
func WithStatusListener(fn func(*Run)) RunnerOption {
	return func(r *Runner) { r.onStatus = fn }
}

func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

type activeRun struct {
	id     string
	cancel context.CancelFunc
}

// Runner executes queued runs one at a time.
type Runner struct {
	service      *Service
	repo         Repository
	engine       Engine
	logger       *slog.Logger
	metrics      *metrics.Metrics
	observers    ObserverFactory
	onStatus     func(*Run)
	pollInterval time.Duration
	running      atomic.Bool
	paused       atomic.Bool
	wake         chan struct{}

	mu      sync.Mutex
	current *activeRun
}

func NewRunner(service *Service, repo Repository, engine Engine, logger *slog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		service:      service,
		repo:         repo,
		engine:       engine,
		logger:       logger,
		pollInterval: 5 * time.Second,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	if service != nil {
		service.OnEnqueue(r.Notify)
	}
	return r
}

func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("run queue started")

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		if !r.paused.Load() {
			r.processNextRun(ctx)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("run queue stopping")
			r.running.Store(false)
			return
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

// Notify wakes the runner to look for queued runs without waiting for
// the next tick.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Pause stops the runner from starting new runs. The active run continues.
func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("run queue paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("run queue resumed")
	r.Notify()
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// ActiveRun returns the id of the executing run, or "".
func (r *Runner) ActiveRun() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.id
}

// Cancel stops the executing run or drops a queued one.
func (r *Runner) Cancel(ctx context.Context, runID string) error {
	r.mu.Lock()
	if r.current != nil && r.current.id == runID {
		r.current.cancel()
		r.mu.Unlock()
		r.logger.Info("cancelling run", "run_id", runID)
		return nil
	}
	r.mu.Unlock()

	run, err := r.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	if run.Status != RunStatusPending {
		return ErrNotCancellable
	}
	if err := r.repo.UpdateRunStatus(ctx, runID, RunStatusCancelled, "cancelled before start"); err != nil {
		return err
	}
	r.logger.Info("queued run cancelled", "run_id", runID)
	r.publish(ctx, runID)
	return nil
}

func (r *Runner) processNextRun(ctx context.Context) {
	runs, err := r.repo.ListPendingRuns(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("failed to list pending runs", "error", err)
		}
		return
	}
	if len(runs) == 0 {
		return
	}
	r.execute(ctx, runs[0])
}

func (r *Runner) execute(ctx context.Context, run *Run) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Bookkeeping must survive cancellation of the run.
	store := context.WithoutCancel(ctx)

	r.mu.Lock()
	r.current = &activeRun{id: run.ID, cancel: cancel}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current = nil
		r.mu.Unlock()
	}()

	// A cancel may have landed between listing and claiming the run.
	fresh, err := r.repo.GetRun(store, run.ID)
	if err != nil || fresh == nil || fresh.Status != RunStatusPending {
		return
	}

	logger := logging.WithRunID(r.logger, run.ID).With("type", run.Type)
	if run.Type == RunTypeRetryScene {
		logger = logging.WithScene(logger, run.Scene)
	}
	logger.Info("starting run")
	if err := r.repo.UpdateRunStatus(store, run.ID, RunStatusRunning, ""); err != nil {
		logger.Error("failed to mark run running", "error", err)
		return
	}
	r.publish(store, run.ID)
	r.metrics.RecordRunStarted()
	started := time.Now()

	target := run.CardRunID()
	req := run.Request
	req.RunID = target
	obs := generation.MultiObserver{NewRecorder(r.repo, r.logger)}
	if r.observers != nil {
		obs = append(obs, r.observers(target))
	}

	var res *generation.Result
	switch run.Type {
	case RunTypeGenerate:
		res, err = r.engine.Run(runCtx, req, obs)
	case RunTypeRetryScene:
		res, err = r.engine.RetryScene(runCtx, req, run.Scene, run.Copies, obs)
	default:
		err = fmt.Errorf("unknown run type %q", run.Type)
	}

	status, msg := runOutcome(res, err)
	if res != nil {
		if err := r.repo.UpdateRunTotals(store, run.ID, CountCards(res.Cards)); err != nil {
			logger.Warn("failed to store run totals", "error", err)
		}
	}
	if target != run.ID {
		r.refreshTotals(store, target, logger)
	}
	if err := r.repo.UpdateRunStatus(store, run.ID, status, msg); err != nil {
		logger.Error("failed to store run status", "error", err)
	}
	r.metrics.RecordRunFinished(status, time.Since(started).Seconds())
	r.publish(store, run.ID)
	if target != run.ID {
		r.publish(store, target)
	}

	logger.Info("run finished", "status", status, "duration", time.Since(started).Round(time.Millisecond).String())
}

func (r *Runner) refreshTotals(ctx context.Context, runID string, logger *slog.Logger) {
	cards, err := r.repo.ListCards(ctx, runID)
	if err != nil {
		logger.Warn("failed to list cards for totals", "target", runID, "error", err)
		return
	}
	if err := r.repo.UpdateRunTotals(ctx, runID, CountCards(cards)); err != nil {
		logger.Warn("failed to store run totals", "target", runID, "error", err)
	}
}

func runOutcome(res *generation.Result, err error) (string, string) {
	switch {
	case err != nil:
		return RunStatusFailed, err.Error()
	case res == nil:
		return RunStatusFailed, "no result"
	case res.Cancelled:
		return RunStatusCancelled, "cancelled"
	}
	totals := CountCards(res.Cards)
	if totals.Cards > 0 && totals.Downloaded == 0 {
		return RunStatusFailed, "no video was produced"
	}
	return RunStatusCompleted, ""
}

func (r *Runner) publish(ctx context.Context, runID string) {
	if r.onStatus == nil {
		return
	}
	run, err := r.repo.GetRun(ctx, runID)
	if err != nil || run == nil {
		return
	}
	r.onStatus(run)
}
