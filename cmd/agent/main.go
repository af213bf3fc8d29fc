package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/storyreel/storyreel-agent/internal/api"
	"github.com/storyreel/storyreel-agent/internal/catalog"
	"github.com/storyreel/storyreel-agent/internal/config"
	"github.com/storyreel/storyreel-agent/internal/credentials"
	"github.com/storyreel/storyreel-agent/internal/db"
	"github.com/storyreel/storyreel-agent/internal/events"
	"github.com/storyreel/storyreel-agent/internal/flow"
	"github.com/storyreel/storyreel-agent/internal/generation"
	"github.com/storyreel/storyreel-agent/internal/logging"
	"github.com/storyreel/storyreel-agent/internal/media"
	"github.com/storyreel/storyreel-agent/internal/metrics"
	"github.com/storyreel/storyreel-agent/internal/story"
	"github.com/storyreel/storyreel-agent/internal/ui"
)

var Version = api.Version

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir(), 0755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting storyreel agent", "version", Version, "data_dir", cfg.DataDir(), "output_dir", cfg.OutputDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  STORYREEL AGENT v%-24s║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	m := metrics.New()

	lanes, apiLanes, err := buildLanes(cfg, logger, m)
	if err != nil {
		return err
	}

	ffmpeg := media.NewFFmpeg(media.FFmpegConfig{Path: cfg.FFmpegPath(), Logger: logger})
	doctor := media.NewCachedDoctor(ffmpeg, logger)

	// Without ffmpeg the engine skips thumbnails and upscaling.
	var thumbs generation.Thumbnailer
	var upscaler generation.Upscaler
	probeCtx, probeCancel := context.WithTimeout(context.Background(), media.DefaultProbeTimeout)
	caps, err := doctor.Refresh(probeCtx)
	probeCancel()
	if err != nil || !caps.HasFFmpeg {
		logger.Warn("ffmpeg unavailable, thumbnails and 4K upscaling disabled", "path", cfg.FFmpegPath(), "error", err)
	} else {
		logger.Info("ffmpeg detected", "version", caps.FFmpegVersion)
		thumbs = ffmpeg
		upscaler = ffmpeg
	}

	engine := generation.NewEngine(generation.Config{
		MaxRounds:          cfg.PollRounds(),
		PollInterval:       cfg.PollInterval(),
		MaxDownloadRetries: cfg.DownloadRetries(),
		Logger:             logger,
		Metrics:            m,
	}, lanes, media.NewDownloader(nil, logger, m), thumbs, upscaler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var storyGen story.Generator
	if gen, err := story.New(ctx, cfg.LLMProvider(), cfg.LLMModel(), story.Keys{
		Gemini: cfg.GeminiAPIKey(),
		OpenAI: cfg.OpenAIAPIKey(),
	}, logger); err != nil {
		logger.Warn("screenplay generation disabled", "provider", cfg.LLMProvider(), "error", err)
	} else {
		storyGen = gen
		logger.Info("screenplay provider ready", "provider", gen.Name())
	}

	hub := events.NewHub(logger)
	catalogSvc := catalog.NewService(repo, logger)

	quitCh := make(chan struct{})
	quit := sync.OnceFunc(func() { close(quitCh) })
	var tray *ui.Tray

	runner := catalog.NewRunner(catalogSvc, repo, engine, logger,
		catalog.WithMetrics(m),
		catalog.WithObservers(hub.Observer),
		catalog.WithStatusListener(func(r *catalog.Run) {
			ev := events.Event{Type: events.TypeRun, RunID: r.ID, Data: api.RunToResponse(r)}
			hub.Publish(r.ID, ev)
			if r.ParentID != "" {
				hub.Publish(r.ParentID, ev)
			}
			if tray != nil {
				tray.UpdateRun(r)
			}
		}),
	)

	if !cfg.Headless() {
		tray = ui.NewTray(ui.TrayConfig{
			Queue:     runner,
			OutputDir: cfg.OutputDir(),
			Logger:    logger,
			OnQuit:    quit,
		})
	}

	runnerDone := make(chan struct{})
	go func() {
		runner.Start(ctx)
		close(runnerDone)
	}()

	apiServer := api.NewServer(api.ServerConfig{
		Port:       cfg.Port(),
		Service:    catalogSvc,
		Repository: repo,
		Runner:     runner,
		Hub:        hub,
		Story:      storyGen,
		Doctor:     doctor,
		Lanes:      apiLanes,
		Defaults: api.RunDefaults{
			OutputDir: cfg.OutputDir(),
			Model:     cfg.FlowModel(),
			Upscale4K: cfg.Upscale4K(),
		},
		Logger:    logger,
		StartTime: startTime,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
			quit()
		case <-quitCh:
		}
	}()

	if tray == nil {
		logger.Info("running in headless mode (no system tray)")
	} else {
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	select {
	case <-runnerDone:
	case <-shutdownCtx.Done():
		logger.Warn("run queue did not stop in time")
	}

	logger.Info("shutdown complete")
	return nil
}

// buildLanes creates one backend client per account. Without an active
// multi-account file the tokens from the environment form a single lane.
func buildLanes(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) (*generation.LaneSet, []api.Lane, error) {
	clientCfg := flow.Config{
		Endpoints:      flow.EndpointsFor(cfg.FlowBaseURL()),
		ConnectTimeout: cfg.FlowConnectTimeout(),
		ReadTimeout:    cfg.FlowReadTimeout(),
		FormatPrompt:   story.PromptText,
		Logger:         logger,
		Metrics:        m,
	}

	af, err := config.LoadAccounts(cfg.AccountsFile())
	if err != nil {
		return nil, nil, err
	}

	var accounts []credentials.Account
	if af.MultiAccountActive() {
		accounts = credentials.NewAccounts(af.Accounts).Enabled()
		logger.Info("multi-account mode", "accounts", len(accounts))
	} else {
		accounts = []credentials.Account{{
			Name:      "default",
			Tokens:    cfg.FlowTokens(),
			ProjectID: cfg.FlowProjectID(),
			Enabled:   true,
		}}
	}

	var lanes []*generation.Lane
	var apiLanes []api.Lane
	for _, acc := range accounts {
		pool, err := credentials.NewPool(acc.Tokens)
		if errors.Is(err, credentials.ErrNoTokens) {
			return nil, nil, fmt.Errorf("account %q has no tokens: set %s or add tokens to %s",
				acc.Name, config.EnvFlowTokens, cfg.AccountsFile())
		}
		if err != nil {
			return nil, nil, fmt.Errorf("account %q: %w", acc.Name, err)
		}

		projectID := flow.ResolveProjectID(acc.ProjectID)
		lanes = append(lanes, &generation.Lane{
			Name:      acc.Name,
			ProjectID: projectID,
			Backend:   flow.NewClient(pool, clientCfg),
		})
		apiLanes = append(apiLanes, api.Lane{Name: acc.Name, ProjectID: projectID, Pool: pool})
		logger.Info("backend lane ready", "lane", acc.Name, "tokens", pool.Size())
	}

	laneSet, err := generation.NewLaneSet(lanes...)
	if err != nil {
		return nil, nil, err
	}
	return laneSet, apiLanes, nil
}

func ensureAuthToken(repo catalog.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, api.AuthTokenKey)
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, api.AuthTokenKey, token); err != nil {
		return "", err
	}

	return token, nil
}
