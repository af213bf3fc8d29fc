package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/storyreel/storyreel-agent/internal/catalog"
	"github.com/storyreel/storyreel-agent/internal/credentials"
	"github.com/storyreel/storyreel-agent/internal/db"
	"github.com/storyreel/storyreel-agent/internal/events"
	"github.com/storyreel/storyreel-agent/internal/generation"
	"github.com/storyreel/storyreel-agent/internal/media"
	"github.com/storyreel/storyreel-agent/internal/story"
)

const testToken = "test-token"

type fakeRunner struct {
	mu        sync.Mutex
	paused    bool
	active    string
	cancelErr error
	cancelled []string
}

func (f *fakeRunner) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeRunner) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

func (f *fakeRunner) IsPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeRunner) ActiveRun() string { return f.active }

func (f *fakeRunner) Cancel(ctx context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = append(f.cancelled, runID)
	return nil
}

type fakeGenerator struct {
	script *story.Script
	err    error
	briefs []story.Brief
}

func (f *fakeGenerator) Name() string { return "fake" }

func (f *fakeGenerator) Generate(ctx context.Context, brief story.Brief) (*story.Script, error) {
	f.briefs = append(f.briefs, brief)
	return f.script, f.err
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context) (*media.Capabilities, error) {
	return &media.Capabilities{HasFFmpeg: true, FFmpegVersion: "7.1", ProbedAt: time.Now()}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestConfig(t *testing.T) ServerConfig {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "api.db"), nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	repo := catalog.NewRepository(database.Conn())
	if err := repo.SetConfig(context.Background(), AuthTokenKey, testToken); err != nil {
		t.Fatal(err)
	}
	logger := testLogger()
	return ServerConfig{
		Service:    catalog.NewService(repo, logger),
		Repository: repo,
		Runner:     &fakeRunner{},
		Hub:        events.NewHub(logger),
		Defaults:   RunDefaults{OutputDir: t.TempDir(), Model: "veo_3_1_t2v_fast"},
		Logger:     logger,
		StartTime:  time.Now().Add(-10 * time.Second),
	}
}

func do(t *testing.T, cfg ServerConfig, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)
	return rr
}

func decodeJSONBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}

	return body
}

func validRunBody() map[string]any {
	return map[string]any{
		"title":  "Night Market",
		"copies": 2,
		"scenes": []map[string]any{
			{"number": 1, "prompt": "lanterns over a crowded alley"},
			{"number": 2, "prompt": "steam rising from a noodle stall"},
		},
	}
}

func createRun(t *testing.T, cfg ServerConfig) RunResponse {
	t.Helper()
	rr := do(t, cfg, http.MethodPost, "/runs", validRunBody())
	if rr.Code != http.StatusAccepted {
		t.Fatalf("POST /runs = %d: %s", rr.Code, rr.Body.String())
	}
	var run RunResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &run); err != nil {
		t.Fatal(err)
	}
	return run
}

func TestHealth_NoAuth(t *testing.T) {
	cfg := newTestConfig(t)
	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeJSONBody(t, rr)
	if body["status"] != "ok" || body["version"] != Version {
		t.Errorf("body = %v", body)
	}
	if uptime, _ := body["uptime_s"].(float64); uptime < 10 {
		t.Errorf("uptime_s = %v, want >= 10", body["uptime_s"])
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	cfg := newTestConfig(t)
	for _, path := range []string{"/status", "/runs", "/runs/x/cards"} {
		rr := httptest.NewRecorder()
		NewRouter(cfg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, rr.Code)
		}
	}
}

func TestCreateRun_AndGet(t *testing.T) {
	cfg := newTestConfig(t)
	run := createRun(t, cfg)

	if run.Status != catalog.RunStatusPending || run.Scenes != 2 || run.Type != catalog.RunTypeGenerate {
		t.Errorf("run = %+v", run)
	}
	if !strings.HasPrefix(run.OutputDir, cfg.Defaults.OutputDir) {
		t.Errorf("output_dir = %q, want under %q", run.OutputDir, cfg.Defaults.OutputDir)
	}

	stored, _ := cfg.Service.GetRun(context.Background(), run.ID)
	if stored.Request.Model != "veo_3_1_t2v_fast" || stored.Request.Copies != 2 {
		t.Errorf("stored request = %+v", stored.Request)
	}

	rr := do(t, cfg, http.MethodGet, "/runs/"+run.ID, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET /runs/{id} = %d", rr.Code)
	}
	var detail RunDetailResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.ID != run.ID || detail.Cards == nil || detail.Logs == nil {
		t.Errorf("detail = %+v", detail)
	}

	rr = do(t, cfg, http.MethodGet, "/runs", nil)
	var list RunsResponse
	json.Unmarshal(rr.Body.Bytes(), &list)
	if len(list.Runs) != 1 || list.Runs[0].ID != run.ID {
		t.Errorf("runs = %+v", list.Runs)
	}
}

func TestCreateRun_Validation(t *testing.T) {
	cfg := newTestConfig(t)

	cases := []struct {
		name   string
		mutate func(map[string]any)
		want   string
	}{
		{"missing title", func(b map[string]any) { delete(b, "title") }, "title"},
		{"no scenes", func(b map[string]any) { b["scenes"] = []map[string]any{} }, "scenes"},
		{"too many copies", func(b map[string]any) { b["copies"] = 5 }, "copies"},
		{"bad aspect", func(b map[string]any) { b["aspect"] = "wide" }, "aspect"},
		{"empty prompt", func(b map[string]any) {
			b["scenes"] = []map[string]any{{"number": 1, "prompt": ""}}
		}, "scenes[0].prompt"},
		{"duplicate scene", func(b map[string]any) {
			b["scenes"] = []map[string]any{{"number": 1, "prompt": "a"}, {"number": 1, "prompt": "b"}}
		}, "appears twice"},
		{"unknown field", func(b map[string]any) { b["colour"] = "red" }, "unknown field"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := validRunBody()
			tc.mutate(body)
			rr := do(t, cfg, http.MethodPost, "/runs", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rr.Code)
			}
			if msg, _ := decodeJSONBody(t, rr)["error"].(string); !strings.Contains(msg, tc.want) {
				t.Errorf("error = %q, want it to mention %q", msg, tc.want)
			}
		})
	}
}

func TestGetRun_NotFound(t *testing.T) {
	cfg := newTestConfig(t)
	for _, path := range []string{"/runs/missing", "/runs/missing/cards", "/runs/missing/events"} {
		if rr := do(t, cfg, http.MethodGet, path, nil); rr.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404", path, rr.Code)
		}
	}
}

func finishRun(t *testing.T, cfg ServerConfig, runID string, statuses ...generation.Status) {
	t.Helper()
	ctx := context.Background()
	for i, st := range statuses {
		card := generation.Card{RunID: runID, Scene: 1, Copy: i + 1, Status: st, UpdatedAt: time.Now()}
		if err := cfg.Repository.UpsertCard(ctx, card); err != nil {
			t.Fatal(err)
		}
	}
	if err := cfg.Repository.UpdateRunStatus(ctx, runID, catalog.RunStatusCompleted, ""); err != nil {
		t.Fatal(err)
	}
}

func TestRetryScene(t *testing.T) {
	cfg := newTestConfig(t)
	run := createRun(t, cfg)

	if rr := do(t, cfg, http.MethodPost, "/runs/"+run.ID+"/scenes/1/retry", nil); rr.Code != http.StatusConflict {
		t.Errorf("retry of active run = %d, want 409", rr.Code)
	}

	finishRun(t, cfg, run.ID, generation.StatusDownloaded, generation.StatusTimeout)

	rr := do(t, cfg, http.MethodPost, "/runs/"+run.ID+"/scenes/1/retry", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("retry = %d: %s", rr.Code, rr.Body.String())
	}
	var retry RunResponse
	json.Unmarshal(rr.Body.Bytes(), &retry)
	if retry.ParentID != run.ID || retry.Scene != 1 || len(retry.Copies) != 1 || retry.Copies[0] != 2 {
		t.Errorf("retry = %+v", retry)
	}

	checks := []struct {
		path string
		want int
	}{
		{"/runs/" + run.ID + "/scenes/1/retry", http.StatusConflict},
		{"/runs/" + run.ID + "/scenes/2/retry", http.StatusConflict},
		{"/runs/" + run.ID + "/scenes/9/retry", http.StatusNotFound},
		{"/runs/" + run.ID + "/scenes/x/retry", http.StatusBadRequest},
		{"/runs/missing/scenes/1/retry", http.StatusNotFound},
	}
	for _, c := range checks {
		if rr := do(t, cfg, http.MethodPost, c.path, nil); rr.Code != c.want {
			t.Errorf("POST %s = %d, want %d", c.path, rr.Code, c.want)
		}
	}

	// Retry runs report the parent's cards.
	rr = do(t, cfg, http.MethodGet, "/runs/"+retry.ID+"/cards", nil)
	var cards CardsResponse
	json.Unmarshal(rr.Body.Bytes(), &cards)
	if len(cards.Cards) != 2 {
		t.Errorf("retry run cards = %d, want 2", len(cards.Cards))
	}
}

func TestCancelRun(t *testing.T) {
	cfg := newTestConfig(t)
	runner := cfg.Runner.(*fakeRunner)

	if rr := do(t, cfg, http.MethodPost, "/runs/abc/cancel", nil); rr.Code != http.StatusAccepted {
		t.Errorf("cancel = %d, want 202", rr.Code)
	}
	if len(runner.cancelled) != 1 || runner.cancelled[0] != "abc" {
		t.Errorf("cancelled = %v", runner.cancelled)
	}

	runner.cancelErr = catalog.ErrRunNotFound
	if rr := do(t, cfg, http.MethodPost, "/runs/abc/cancel", nil); rr.Code != http.StatusNotFound {
		t.Errorf("cancel missing = %d, want 404", rr.Code)
	}
	runner.cancelErr = catalog.ErrNotCancellable
	if rr := do(t, cfg, http.MethodPost, "/runs/abc/cancel", nil); rr.Code != http.StatusConflict {
		t.Errorf("cancel finished = %d, want 409", rr.Code)
	}
	runner.cancelErr = errors.New("disk full")
	if rr := do(t, cfg, http.MethodPost, "/runs/abc/cancel", nil); rr.Code != http.StatusInternalServerError {
		t.Errorf("cancel error = %d, want 500", rr.Code)
	}
}

func TestRunnerPauseResume(t *testing.T) {
	cfg := newTestConfig(t)

	rr := do(t, cfg, http.MethodPost, "/runner/pause", nil)
	if rr.Code != http.StatusOK || decodeJSONBody(t, rr)["paused"] != true {
		t.Fatalf("pause = %d %s", rr.Code, rr.Body.String())
	}
	if state := decodeJSONBody(t, do(t, cfg, http.MethodGet, "/status", nil))["state"]; state != "paused" {
		t.Errorf("state = %v, want paused", state)
	}

	rr = do(t, cfg, http.MethodPost, "/runner/resume", nil)
	if rr.Code != http.StatusOK || decodeJSONBody(t, rr)["paused"] != false {
		t.Fatalf("resume = %d %s", rr.Code, rr.Body.String())
	}
}

func TestStatus(t *testing.T) {
	cfg := newTestConfig(t)
	pool, err := credentials.NewPool([]string{"tok-a", "tok-b"})
	if err != nil {
		t.Fatal(err)
	}
	pool.MarkInvalid("tok-b")
	cfg.Lanes = []Lane{{Name: "main", ProjectID: "proj-1", Pool: pool}}

	rr := do(t, cfg, http.MethodGet, "/status", nil)
	body := decodeJSONBody(t, rr)
	if body["state"] != "idle" {
		t.Errorf("state = %v, want idle", body["state"])
	}
	if _, ok := body["media"]; ok {
		t.Error("media should be omitted without a doctor")
	}
	creds, _ := body["credentials"].([]interface{})
	if len(creds) != 1 {
		t.Fatalf("credentials = %v", body["credentials"])
	}
	lane := creds[0].(map[string]interface{})
	if lane["tokens"] != float64(2) || lane["invalid"] != float64(1) || lane["project_id"] != "proj-1" {
		t.Errorf("lane = %v", lane)
	}

	createRun(t, cfg)
	doctor := media.NewCachedDoctor(fakeProber{}, cfg.Logger)
	if _, err := doctor.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	cfg.Doctor = doctor

	body = decodeJSONBody(t, do(t, cfg, http.MethodGet, "/status", nil))
	if body["queued_runs"] != float64(1) {
		t.Errorf("queued_runs = %v, want 1", body["queued_runs"])
	}
	m, ok := body["media"].(map[string]interface{})
	if !ok || m["has_ffmpeg"] != true || m["ffmpeg_version"] != "7.1" || m["last_probe_at"] == "" {
		t.Errorf("media = %v", body["media"])
	}
}

func TestStatus_ErrorState(t *testing.T) {
	cfg := newTestConfig(t)
	run := createRun(t, cfg)
	if err := cfg.Repository.UpdateRunStatus(context.Background(), run.ID, catalog.RunStatusFailed, "no video was produced"); err != nil {
		t.Fatal(err)
	}

	body := decodeJSONBody(t, do(t, cfg, http.MethodGet, "/status", nil))
	if body["state"] != "error" || body["last_error"] != "no video was produced" {
		t.Errorf("body = %v", body)
	}
}

func TestGenerateScript(t *testing.T) {
	cfg := newTestConfig(t)

	if rr := do(t, cfg, http.MethodPost, "/scripts", map[string]any{"idea": "a fox"}); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("without provider = %d, want 503", rr.Code)
	}

	gen := &fakeGenerator{script: &story.Script{
		Title: "Fox",
		Scenes: []story.Scene{
			{Prompt: "a fox wakes", Duration: 8},
			{Prompt: "the fox runs", Duration: 8},
		},
	}}
	cfg.Story = gen

	rr := do(t, cfg, http.MethodPost, "/scripts", map[string]any{"idea": "a fox in the snow", "duration_seconds": 16, "language": "en"})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp ScriptResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Provider != "fake" || len(resp.Scenes) != 2 || resp.Scenes[1].Number != 2 {
		t.Errorf("resp = %+v", resp)
	}
	if !strings.Contains(resp.Scenes[0].Prompt, "a fox wakes") {
		t.Errorf("scene prompt = %q", resp.Scenes[0].Prompt)
	}
	if len(gen.briefs) != 1 || gen.briefs[0].DurationSeconds != 16 {
		t.Errorf("briefs = %+v", gen.briefs)
	}
	if !strings.HasPrefix(resp.SavedTo, cfg.Defaults.OutputDir) {
		t.Errorf("saved_to = %q, want under %q", resp.SavedTo, cfg.Defaults.OutputDir)
	}
	if _, err := os.Stat(resp.SavedTo); err != nil {
		t.Errorf("screenplay not written: %v", err)
	}

	if rr := do(t, cfg, http.MethodPost, "/scripts", map[string]any{"idea": "x"}); rr.Code != http.StatusBadRequest {
		t.Errorf("short idea = %d, want 400", rr.Code)
	}
	if rr := do(t, cfg, http.MethodPost, "/scripts", map[string]any{"idea": "a fox", "language": "english"}); rr.Code != http.StatusBadRequest {
		t.Errorf("bad language = %d, want 400", rr.Code)
	}

	gen.err = errors.New("quota exceeded")
	if rr := do(t, cfg, http.MethodPost, "/scripts", map[string]any{"idea": "a fox"}); rr.Code != http.StatusBadGateway {
		t.Errorf("provider error = %d, want 502", rr.Code)
	}
}

func TestCardVideo(t *testing.T) {
	cfg := newTestConfig(t)
	run := createRun(t, cfg)
	stored, _ := cfg.Service.GetRun(context.Background(), run.ID)
	layout := stored.Request.Layout()
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	videoPath := layout.VideoPath(1, 1)
	if err := os.WriteFile(videoPath, []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "elsewhere.mp4")
	os.WriteFile(outside, []byte("nope"), 0o644)

	ctx := context.Background()
	cfg.Repository.UpsertCard(ctx, generation.Card{RunID: run.ID, Scene: 1, Copy: 1, Status: generation.StatusDownloaded, Path: videoPath})
	cfg.Repository.UpsertCard(ctx, generation.Card{RunID: run.ID, Scene: 1, Copy: 2, Status: generation.StatusDownloaded, Path: outside})
	cfg.Repository.UpsertCard(ctx, generation.Card{RunID: run.ID, Scene: 2, Copy: 1, Status: generation.StatusFailed})

	url := videoURL(run.ID, 1, 1)
	req := httptest.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Range", "bytes=2-5")
	req.RemoteAddr = "127.0.0.1:40000"
	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "2345" {
		t.Errorf("body = %q, want %q", rr.Body.String(), "2345")
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", got)
	}

	checks := []struct {
		path string
		want int
	}{
		{url, http.StatusOK},
		{videoURL(run.ID, 1, 2), http.StatusForbidden},
		{videoURL(run.ID, 2, 1), http.StatusNotFound},
		{videoURL(run.ID, 3, 1), http.StatusNotFound},
		{videoURL("missing", 1, 1), http.StatusNotFound},
		{url + "&variant=upscaled", http.StatusNotFound},
		{"/cards/video?run_id=" + run.ID + "&scene=a&copy=1", http.StatusBadRequest},
		{"/cards/video?scene=1&copy=1", http.StatusBadRequest},
	}
	for _, c := range checks {
		if rr := do(t, cfg, http.MethodGet, c.path, nil); rr.Code != c.want {
			t.Errorf("GET %s = %d, want %d", c.path, rr.Code, c.want)
		}
	}

	// Card links point at the serving route.
	cards := decodeJSONBody(t, do(t, cfg, http.MethodGet, "/runs/"+run.ID+"/cards", nil))["cards"].([]interface{})
	if link := cards[0].(map[string]interface{})["video_url"]; link != url {
		t.Errorf("video_url = %v, want %s", link, url)
	}
}

func TestCardVideo_RejectsRemoteClients(t *testing.T) {
	cfg := newTestConfig(t)
	req := httptest.NewRequest(http.MethodGet, videoURL("r", 1, 1), nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.RemoteAddr = "10.0.0.7:5000"
	rr := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rr.Code)
	}
}
