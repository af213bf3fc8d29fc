package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/storyreel/storyreel-agent/internal/credentials"
)

func TestDefaults(t *testing.T) {
	for _, env := range []string{EnvPollRounds, EnvPollInterval, EnvFlowTokens, EnvLLMProvider, EnvDataDir} {
		t.Setenv(env, "")
	}

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollRounds() != DefaultPollRounds {
		t.Errorf("PollRounds = %d, want %d", cfg.PollRounds(), DefaultPollRounds)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval())
	}
	if cfg.FlowReadTimeout() != 180*time.Second {
		t.Errorf("FlowReadTimeout = %v, want 180s", cfg.FlowReadTimeout())
	}
	if cfg.LLMProvider() != "gemini" {
		t.Errorf("LLMProvider = %q, want gemini", cfg.LLMProvider())
	}
	if len(cfg.FlowTokens()) != 0 {
		t.Errorf("FlowTokens = %v, want none", cfg.FlowTokens())
	}
}

func TestFlowTokens_FromEnv(t *testing.T) {
	t.Setenv(EnvFlowTokens, "tok-a, tok-b\ntok-c,,")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := cfg.FlowTokens()
	if len(got) != 3 || got[0] != "tok-a" || got[2] != "tok-c" {
		t.Errorf("FlowTokens = %v", got)
	}
}

func TestInvalidPollRounds(t *testing.T) {
	t.Setenv(EnvPollRounds, "0")
	if _, err := New(); err == nil {
		t.Error("expected error for zero poll rounds")
	}

	t.Setenv(EnvPollRounds, "many")
	if _, err := New(); err == nil {
		t.Error("expected error for non-numeric poll rounds")
	}
}

func TestInvalidLLMProvider(t *testing.T) {
	t.Setenv(EnvLLMProvider, "llama")
	if _, err := New(); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestOutputAndAccountsDefaultUnderDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	t.Setenv(EnvOutput, "")
	t.Setenv(EnvAccountsFile, "")

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OutputDir() != filepath.Join(dir, "projects") {
		t.Errorf("OutputDir = %q", cfg.OutputDir())
	}
	if cfg.AccountsFile() != filepath.Join(dir, AccountsFilename) {
		t.Errorf("AccountsFile = %q", cfg.AccountsFile())
	}
}

func TestLoadAccounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	data := `multi_account: true
accounts:
  - name: main
    project_id: 0123456789-main
    enabled: true
    tokens: [tok-1, tok-2]
  - project_id: 0123456789-spare
    enabled: false
    tokens: [tok-3]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	af, err := LoadAccounts(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(af.Accounts) != 2 {
		t.Fatalf("accounts = %d, want 2", len(af.Accounts))
	}
	if af.Accounts[0].Name != "main" || len(af.Accounts[0].Tokens) != 2 {
		t.Errorf("first account = %+v", af.Accounts[0])
	}
	if af.Accounts[1].Name != "account-2" {
		t.Errorf("unnamed account got %q, want account-2", af.Accounts[1].Name)
	}
	if !af.MultiAccountActive() {
		t.Error("expected multi-account mode")
	}
}

func TestLoadAccounts_MissingFile(t *testing.T) {
	af, err := LoadAccounts(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if af.MultiAccountActive() || len(af.Accounts) != 0 {
		t.Errorf("af = %+v, want empty", af)
	}
}

func TestSaveAccounts_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.yaml")
	in := &AccountsFile{
		MultiAccount: false,
		Accounts:     []credentials.Account{{Name: "solo", ProjectID: "0123456789-solo", Enabled: true, Tokens: []string{"t"}}},
	}
	if err := SaveAccounts(path, in); err != nil {
		t.Fatalf("SaveAccounts: %v", err)
	}
	out, err := LoadAccounts(path)
	if err != nil {
		t.Fatalf("LoadAccounts: %v", err)
	}
	if out.Accounts[0].ProjectID != "0123456789-solo" || out.MultiAccountActive() {
		t.Errorf("out = %+v", out)
	}
}
