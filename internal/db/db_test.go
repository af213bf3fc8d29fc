package db

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew_CreatesDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "nested", "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	tables := []string{"runs", "cards", "run_logs", "config", "_migrations"}
	for _, table := range tables {
		var name string
		err := database.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestNew_WALEnabled(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer database.Close()

	var journalMode string
	if err := database.Conn().QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("PRAGMA journal_mode error = %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %s, want wal", journalMode)
	}
}

func TestNew_MigrationsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("first New() error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var count int
	if err := db2.Conn().QueryRow("SELECT COUNT(*) FROM _migrations").Scan(&count); err != nil {
		t.Fatalf("count migrations error = %v", err)
	}
	if count != 2 {
		t.Errorf("migration count = %d, want 2", count)
	}
}

func TestMarkInterruptedRuns(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = db1.Conn().Exec(`
		INSERT INTO runs (id, type, title, status, request, created_at, updated_at)
		VALUES ('run-a', 'generate', 'A', 'running', '{}', datetime('now'), datetime('now')),
		       ('run-b', 'generate', 'B', 'completed', '{}', datetime('now'), datetime('now'))
	`)
	if err != nil {
		t.Fatalf("insert run error = %v", err)
	}
	db1.Close()

	db2, err := New(dbPath, nil)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	defer db2.Close()

	var status, errMsg string
	if err := db2.Conn().QueryRow("SELECT status, error FROM runs WHERE id = 'run-a'").Scan(&status, &errMsg); err != nil {
		t.Fatalf("query run error = %v", err)
	}
	if status != "failed" || errMsg != InterruptedReason {
		t.Errorf("run-a = %s/%q, want failed/%q", status, errMsg, InterruptedReason)
	}

	if err := db2.Conn().QueryRow("SELECT status FROM runs WHERE id = 'run-b'").Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != "completed" {
		t.Errorf("run-b status = %s, want completed", status)
	}
}

func TestNew_LogsAppliedMigrationsOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	db1, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	db1.Close()
	if got := strings.Count(buf.String(), "applied migration"); got != 2 {
		t.Errorf("applied migration lines = %d, want 2", got)
	}

	buf.Reset()
	db2, err := New(dbPath, logger)
	if err != nil {
		t.Fatalf("second New() error = %v", err)
	}
	db2.Close()
	if buf.Len() != 0 {
		t.Errorf("reopen logged %q, want nothing", buf.String())
	}
}
