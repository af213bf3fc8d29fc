package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/storyreel/storyreel-agent/internal/flow"
	"github.com/storyreel/storyreel-agent/internal/logging"
	"github.com/storyreel/storyreel-agent/internal/metrics"
	"github.com/storyreel/storyreel-agent/internal/project"
)

const (
	DefaultMaxRounds             = 120
	DefaultPollInterval          = 5 * time.Second
	DefaultPollFailureDelay      = 10 * time.Second
	DefaultMaxDownloadRetries    = 5
	DefaultMissingOperationGrace = 3
)

var (
	ErrNoScenes       = errors.New("no scenes to generate")
	ErrNothingToRetry = errors.New("no copies to retry")
	ErrUnknownScene   = errors.New("scene not found in run")
)

// Downloader fetches a finished video to a local path.
type Downloader interface {
	Download(ctx context.Context, url, dst string) error
}

// Thumbnailer extracts a still frame from a video.
type Thumbnailer interface {
	Thumbnail(ctx context.Context, videoPath, outPath string) error
}

// Upscaler produces a 4K rendition of a video.
type Upscaler interface {
	Upscale4K(ctx context.Context, inPath, outPath string) error
}

// Config tunes the reconciliation loop. Zero values take the defaults.
type Config struct {
	MaxRounds             int
	PollInterval          time.Duration
	PollFailureDelay      time.Duration
	MaxDownloadRetries    int
	MissingOperationGrace int
	Logger                *slog.Logger
	Metrics               *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.MaxRounds <= 0 {
		c.MaxRounds = DefaultMaxRounds
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollFailureDelay <= 0 {
		c.PollFailureDelay = DefaultPollFailureDelay
	}
	if c.MaxDownloadRetries <= 0 {
		c.MaxDownloadRetries = DefaultMaxDownloadRetries
	}
	if c.MissingOperationGrace <= 0 {
		c.MissingOperationGrace = DefaultMissingOperationGrace
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Engine submits scenes and reconciles their operations until every card
// settles, the round budget runs out or the context is cancelled.
type Engine struct {
	cfg        Config
	lanes      *LaneSet
	downloader Downloader
	thumbs     Thumbnailer
	upscaler   Upscaler
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewEngine creates an engine. thumbs and upscaler may be nil when ffmpeg
// is not available.
func NewEngine(cfg Config, lanes *LaneSet, downloader Downloader, thumbs Thumbnailer, upscaler Upscaler) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:        cfg,
		lanes:      lanes,
		downloader: downloader,
		thumbs:     thumbs,
		upscaler:   upscaler,
		logger:     logging.WithComponent(cfg.Logger, "engine"),
		metrics:    cfg.Metrics,
	}
}

// Run generates every scene of req with req.Copies copies each.
//
// Cancelling ctx stops submission and polling between steps; requests
// already in flight complete. Cards still open are left as they are.
func (e *Engine) Run(ctx context.Context, req Request, obs Observer) (*Result, error) {
	if len(req.Scenes) == 0 {
		return nil, ErrNoScenes
	}
	return e.execute(ctx, req, req.Scenes, nil, obs)
}

// RetryScene submits fresh operations for the given copies of one scene.
// The new cards keep the failed copy numbers.
func (e *Engine) RetryScene(ctx context.Context, req Request, sceneNumber int, copies []int, obs Observer) (*Result, error) {
	scene, ok := req.Scene(sceneNumber)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownScene, sceneNumber)
	}
	copies = uniqueSorted(copies)
	if len(copies) == 0 {
		return nil, ErrNothingToRetry
	}
	return e.execute(ctx, req, []SceneSpec{scene}, copies, obs)
}

// tracked is a card with an operation still being reconciled.
type tracked struct {
	card          *Card
	scene         SceneSpec
	lane          *Lane
	ops           []flow.Operation
	position      int
	missingRounds int
	downloads     int
}

func (t *tracked) operation() (flow.Operation, error) {
	if t.position < 0 || t.position >= len(t.ops) {
		return flow.Operation{}, errIndexOutOfBounds
	}
	op := t.ops[t.position]
	if op.Name == "" {
		return op, errMissingOperation
	}
	return op, nil
}

var (
	errIndexOutOfBounds = errors.New("operation index out of bounds")
	errMissingOperation = errors.New("operation has no id yet")
)

type runState struct {
	req        Request
	layout     project.Layout
	obs        Observer
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cards      []*Card
	downloaded []string
	cancelled  bool
}

func (e *Engine) execute(ctx context.Context, req Request, scenes []SceneSpec, retryCopies []int, obs Observer) (*Result, error) {
	if obs == nil {
		obs = NopObserver{}
	}
	layout := req.Layout()
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare project directory: %w", err)
	}

	r := &runState{
		req:     req,
		layout:  layout,
		obs:     obs,
		logger:  logging.WithRunID(e.logger, req.RunID),
		metrics: e.metrics,
	}
	// Requests already sent are allowed to finish after cancellation.
	callCtx := context.WithoutCancel(ctx)

	var open []*tracked
	for i, scene := range scenes {
		if ctx.Err() != nil {
			r.cancelled = true
			break
		}
		open = append(open, e.submitScene(callCtx, r, i, scene, retryCopies)...)
	}

	if !r.cancelled {
		open = e.poll(ctx, callCtx, r, open)
	}
	if !r.cancelled && req.Upscale4K {
		e.upscaleAll(ctx, callCtx, r)
	}

	if r.cancelled {
		r.log(slog.LevelWarn, "run cancelled", "open", len(open))
	} else {
		r.log(slog.LevelInfo, "run finished",
			"cards", len(r.cards),
			"downloaded", len(r.downloaded))
	}
	return r.result(), nil
}

func (e *Engine) submitScene(ctx context.Context, r *runState, ordinal int, scene SceneSpec, retryCopies []int) []*tracked {
	if scene.Number > 0 {
		ordinal = scene.Number - 1
	}
	lane := e.lanes.ForScene(ordinal)

	copyNumbers := retryCopies
	if copyNumbers == nil {
		n := r.req.Copies
		if n < 1 {
			n = 1
		}
		copyNumbers = make([]int, n)
		for i := range copyNumbers {
			copyNumbers[i] = i + 1
		}
	}

	if err := r.layout.WritePrompt(scene.Number, scene.Prompt); err != nil {
		r.log(slog.LevelWarn, "could not save scene prompt", "scene", scene.Number, "error", err)
	}

	aspect := scene.Aspect
	if aspect == "" {
		aspect = r.req.Aspect
	}
	r.log(slog.LevelInfo, "submitting scene",
		"scene", scene.Number,
		"copies", len(copyNumbers),
		"lane", lane.Name)

	sub, err := lane.Backend.Submit(ctx, flow.SceneRequest{
		Scene:     scene.Number,
		Prompt:    scene.Prompt,
		Aspect:    aspect,
		Model:     r.req.Model,
		Copies:    len(copyNumbers),
		SeedBase:  scene.SeedBase,
		ImagePath: scene.ImagePath,
		MediaID:   scene.MediaID,
	}, lane.ProjectID)

	if sub == nil || sub.Count() == 0 {
		reason := ReasonNoOperation
		if err != nil {
			reason = ClassifyFailure(err.Error())
		}
		r.log(slog.LevelError, "scene submission failed", "scene", scene.Number, "error", errString(err))
		for _, c := range copyNumbers {
			card := r.newCard(scene.Number, c)
			r.set(card, StatusFailedStart, reason)
		}
		return nil
	}

	covered := make(map[int]bool, sub.Count())
	open := make([]*tracked, 0, sub.Count())
	for pos, op := range sub.Operations {
		if op.Copy < 1 || op.Copy > len(copyNumbers) {
			continue
		}
		copyNumber := copyNumbers[op.Copy-1]
		covered[copyNumber] = true
		card := r.newCard(scene.Number, copyNumber)
		card.Operation = op.Name
		card.Model = sub.Model
		r.set(card, StatusProcessing, "")
		open = append(open, &tracked{
			card:     card,
			scene:    scene,
			lane:     lane,
			ops:      sub.Operations,
			position: pos,
		})
	}

	if short := len(copyNumbers) - len(covered); short > 0 {
		r.log(slog.LevelWarn, "backend created fewer operations than requested",
			"scene", scene.Number,
			"requested", len(copyNumbers),
			"created", len(covered))
		for _, c := range copyNumbers {
			if !covered[c] {
				r.set(r.newCard(scene.Number, c), StatusFailedStart, ReasonNoOperation)
			}
		}
	}
	if sub.MediaID != "" && sub.MediaID != scene.MediaID {
		r.log(slog.LevelInfo, "reference image uploaded", "scene", scene.Number, "media_id", sub.MediaID)
	}
	return open
}

// poll runs status rounds until nothing is open. It returns what is still
// open when it stops early on cancellation.
func (e *Engine) poll(ctx, callCtx context.Context, r *runState, open []*tracked) []*tracked {
	for round := 1; round <= e.cfg.MaxRounds && len(open) > 0; round++ {
		if ctx.Err() != nil {
			r.cancelled = true
			return open
		}
		e.metrics.RecordPollRound()

		results, err := e.checkAll(callCtx, r, open)
		if err != nil {
			e.metrics.RecordPollError()
			r.log(slog.LevelWarn, "status check failed, retrying",
				"round", round,
				"error", err,
				"delay", e.cfg.PollFailureDelay.String())
			if sleepCtx(ctx, e.cfg.PollFailureDelay) != nil {
				r.cancelled = true
				return open
			}
			continue
		}

		next := make([]*tracked, 0, len(open))
		for _, t := range open {
			if e.reconcile(callCtx, r, t, results) {
				next = append(next, t)
			}
		}
		open = next

		if len(open) == 0 {
			break
		}
		r.log(slog.LevelInfo, "operations still running", "round", round, "open", len(open))
		if round < e.cfg.MaxRounds && sleepCtx(ctx, e.cfg.PollInterval) != nil {
			r.cancelled = true
			return open
		}
	}

	for _, t := range open {
		r.set(t.card, StatusTimeout, ReasonTimedOut)
	}
	if len(open) > 0 {
		r.log(slog.LevelWarn, "gave up waiting for operations", "timed_out", len(open))
	}
	return nil
}

// checkAll queries every lane that has open operations. Each lane sees
// only its own operations. A lane that fails is reported by leaving its
// operations out of the results; the call only fails when every lane does.
func (e *Engine) checkAll(ctx context.Context, r *runState, open []*tracked) (map[string]flow.StatusRecord, error) {
	type group struct {
		lane  *Lane
		names []string
		meta  map[string]flow.OperationMeta
	}
	var groups []*group
	byLane := make(map[*Lane]*group)
	for _, t := range open {
		op, err := t.operation()
		if err != nil {
			continue
		}
		g, ok := byLane[t.lane]
		if !ok {
			g = &group{lane: t.lane, meta: make(map[string]flow.OperationMeta)}
			byLane[t.lane] = g
			groups = append(groups, g)
		}
		g.names = append(g.names, op.Name)
		g.meta[op.Name] = op.Meta
	}

	results := make(map[string]flow.StatusRecord)
	var lastErr error
	failed := 0
	for _, g := range groups {
		recs, err := g.lane.Backend.BatchCheck(ctx, g.names, g.meta)
		if err != nil {
			failed++
			lastErr = err
			if len(groups) > 1 {
				r.log(slog.LevelWarn, "status check failed for lane", "lane", g.lane.Name, "error", err)
			}
			continue
		}
		for name, rec := range recs {
			results[name] = rec
		}
	}
	if len(groups) > 0 && failed == len(groups) {
		return nil, lastErr
	}
	return results, nil
}

// reconcile applies one status result to a card. It returns true while
// the card stays open.
func (e *Engine) reconcile(ctx context.Context, r *runState, t *tracked, results map[string]flow.StatusRecord) bool {
	op, err := t.operation()
	switch {
	case errors.Is(err, errIndexOutOfBounds):
		r.set(t.card, StatusFailed, ReasonIndexOutOfBounds)
		return false
	case errors.Is(err, errMissingOperation):
		t.missingRounds++
		if t.missingRounds > e.cfg.MissingOperationGrace {
			r.set(t.card, StatusFailed, ReasonMissingOperation)
			return false
		}
		return true
	}

	rec, ok := results[op.Name]
	if !ok {
		return true
	}

	switch rec.Status {
	case flow.StatusCompleted:
		return e.deliver(ctx, r, t, rec.VideoURL())
	case flow.StatusDoneNoURL:
		r.log(slog.LevelWarn, "operation finished without a video URL", "scene", t.card.Scene, "copy", t.card.Copy)
		r.set(t.card, StatusDoneNoURL, ReasonNoURL)
		return false
	case flow.StatusFailed:
		r.log(slog.LevelError, "operation failed",
			"scene", t.card.Scene,
			"copy", t.card.Copy,
			"error", rec.ErrorMessage)
		r.set(t.card, StatusFailed, ClassifyFailure(rec.ErrorMessage))
		return false
	default:
		return true
	}
}

// deliver downloads a completed video. A failed download keeps the card
// open for the next round until the retry budget is spent.
func (e *Engine) deliver(ctx context.Context, r *runState, t *tracked, url string) bool {
	t.card.URL = url
	if t.card.Status != StatusReady && t.card.Status != StatusDownloadFailed {
		r.set(t.card, StatusReady, "")
	}

	dst := r.layout.VideoPath(t.card.Scene, t.card.Copy)
	if err := e.downloader.Download(ctx, url, dst); err != nil {
		t.downloads++
		if t.downloads >= e.cfg.MaxDownloadRetries {
			r.log(slog.LevelError, "download failed, giving up",
				"scene", t.card.Scene,
				"copy", t.card.Copy,
				"attempts", t.downloads,
				"error", err)
			r.set(t.card, StatusDownloadFailed, fmt.Sprintf("Download failed: %v", err))
			return false
		}
		r.log(slog.LevelWarn, "download failed, retrying next round",
			"scene", t.card.Scene,
			"copy", t.card.Copy,
			"attempt", t.downloads,
			"max", e.cfg.MaxDownloadRetries,
			"error", err)
		r.set(t.card, StatusDownloadFailed, "Download failed, retrying")
		return true
	}

	t.card.Path = dst
	if e.thumbs != nil {
		thumb := r.layout.ThumbPath(t.card.Scene, t.card.Copy)
		if err := e.thumbs.Thumbnail(ctx, dst, thumb); err != nil {
			r.log(slog.LevelWarn, "thumbnail failed", "scene", t.card.Scene, "copy", t.card.Copy, "error", err)
		} else {
			t.card.Thumb = thumb
		}
	}
	r.downloaded = append(r.downloaded, dst)
	r.set(t.card, StatusDownloaded, "")
	return false
}

func (e *Engine) upscaleAll(ctx, callCtx context.Context, r *runState) {
	if e.upscaler == nil {
		r.log(slog.LevelWarn, "4K upscale requested but ffmpeg is not available")
		return
	}
	for _, card := range r.cards {
		if card.Status != StatusDownloaded {
			continue
		}
		if ctx.Err() != nil {
			r.cancelled = true
			return
		}
		out := project.UpscaledPath(card.Path)
		if err := e.upscaler.Upscale4K(callCtx, card.Path, out); err != nil {
			r.log(slog.LevelWarn, "4K upscale failed", "scene", card.Scene, "copy", card.Copy, "error", err)
			continue
		}
		card.UpscaledPath = out
		r.set(card, StatusUpscaled4K, "")
	}
}

func (r *runState) newCard(scene, copyNumber int) *Card {
	card := &Card{RunID: r.req.RunID, Scene: scene, Copy: copyNumber, Status: StatusPending}
	r.cards = append(r.cards, card)
	return card
}

func (r *runState) set(card *Card, status Status, reason string) {
	card.Status = status
	card.ErrorReason = reason
	card.UpdatedAt = time.Now().UTC()
	r.metrics.RecordCardTransition(string(status))
	r.obs.OnCard(*card)
}

// log writes to the engine logger and mirrors the line to the observer.
func (r *runState) log(level slog.Level, msg string, args ...any) {
	r.logger.Log(context.Background(), level, msg, args...)

	var attrs map[string]any
	if len(args) > 0 {
		attrs = make(map[string]any, len(args)/2)
		for i := 0; i+1 < len(args); i += 2 {
			key, ok := args[i].(string)
			if !ok {
				continue
			}
			if err, isErr := args[i+1].(error); isErr {
				attrs[key] = err.Error()
				continue
			}
			attrs[key] = args[i+1]
		}
	}
	r.obs.OnLog(LogLine{
		RunID:   r.req.RunID,
		Level:   level.String(),
		Message: msg,
		Attrs:   attrs,
		Time:    time.Now().UTC(),
	})
}

func (r *runState) result() *Result {
	res := &Result{
		Cards:      make([]Card, 0, len(r.cards)),
		Downloaded: r.downloaded,
		Cancelled:  r.cancelled,
	}
	for _, c := range r.cards {
		res.Cards = append(res.Cards, *c)
	}
	sort.SliceStable(res.Cards, func(i, j int) bool {
		if res.Cards[i].Scene != res.Cards[j].Scene {
			return res.Cards[i].Scene < res.Cards[j].Scene
		}
		return res.Cards[i].Copy < res.Cards[j].Copy
	})
	return res
}

func uniqueSorted(in []int) []int {
	seen := make(map[int]bool, len(in))
	out := make([]int, 0, len(in))
	for _, v := range in {
		if v < 1 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
