package ui

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/systray"

	"github.com/storyreel/storyreel-agent/internal/catalog"
)

// Queue is the part of the run queue the tray controls.
type Queue interface {
	Pause()
	Resume()
	IsPaused() bool
}

type Tray struct {
	queue     Queue
	outputDir string
	logger    *slog.Logger

	statusItem  *systray.MenuItem
	lastRunItem *systray.MenuItem
	pauseItem   *systray.MenuItem

	mu      sync.Mutex
	ready   bool
	status  string
	lastRun *catalog.Run

	onQuit func()
}

type TrayConfig struct {
	Queue     Queue
	OutputDir string
	Logger    *slog.Logger
	OnQuit    func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		queue:     cfg.Queue,
		outputDir: cfg.OutputDir,
		logger:    cfg.Logger,
		status:    "Idle",
		onQuit:    cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("StoryReel")
	systray.SetTooltip("StoryReel Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current queue status")
	t.statusItem.Disable()

	t.lastRunItem = systray.AddMenuItem("No runs yet", "Most recent run")
	t.lastRunItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Stop starting new runs")
	openItem := systray.AddMenuItem("Open Output Folder", "Show generated videos")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit StoryReel Agent")

	t.mu.Lock()
	t.ready = true
	t.refreshLocked()
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-openItem.ClickedCh:
				if err := openFolder(t.outputDir); err != nil {
					t.logger.Error("failed to open output folder", "error", err)
				}
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.queue == nil {
		return
	}

	if t.queue.IsPaused() {
		t.queue.Resume()
	} else {
		t.queue.Pause()
	}
	t.refreshLocked()
}

// UpdateRun reflects a run status change in the menu. It is safe to call
// before the tray is ready.
func (t *Tray) UpdateRun(run *catalog.Run) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status = queueStatus(run)
	if !run.IsActive() {
		t.lastRun = run
	}
	t.refreshLocked()
}

func (t *Tray) refreshLocked() {
	if !t.ready {
		return
	}
	paused := t.queue != nil && t.queue.IsPaused()
	if paused {
		t.pauseItem.SetTitle("Resume")
		t.statusItem.SetTitle("Status: Paused")
	} else {
		t.pauseItem.SetTitle("Pause")
		t.statusItem.SetTitle("Status: " + t.status)
	}
	if t.lastRun != nil {
		t.lastRunItem.SetTitle(runSummary(t.lastRun, time.Now()))
	}
}

func queueStatus(run *catalog.Run) string {
	if run.Status != catalog.RunStatusRunning {
		return "Idle"
	}
	if run.Type == catalog.RunTypeRetryScene {
		return fmt.Sprintf("Retrying scene %d of %s", run.Scene, run.Title)
	}
	return "Generating " + run.Title
}

// runSummary renders a finished run for the menu, e.g.
// "Night Market: 5/6 videos, 2 minutes ago".
func runSummary(run *catalog.Run, now time.Time) string {
	when := run.UpdatedAt
	if run.FinishedAt != nil {
		when = *run.FinishedAt
	}
	ago := humanize.RelTime(when, now, "ago", "from now")
	switch run.Status {
	case catalog.RunStatusCompleted:
		return fmt.Sprintf("%s: %d/%d videos, %s", run.Title, run.Downloaded, run.TotalCards, ago)
	case catalog.RunStatusCancelled:
		return fmt.Sprintf("%s: cancelled %s", run.Title, ago)
	default:
		return fmt.Sprintf("%s: %s %s", run.Title, run.Status, ago)
	}
}

func openFolder(dir string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	return cmd.Start()
}

func (t *Tray) Quit() {
	systray.Quit()
}
