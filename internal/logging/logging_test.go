package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewLoggerTo_WritesJSONWithAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := WithScene(WithRunID(NewLoggerTo(&buf, "info"), "run-1"), 3)
	logger.Info("hello")
	logger.Debug("hidden")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("expected one JSON line, got %q: %v", buf.String(), err)
	}
	if entry["run_id"] != "run-1" || entry["scene"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
}

func TestSanitizeToken(t *testing.T) {
	if got := SanitizeToken("ya29.abcdefghijkl"); got != "ya29...ijkl" {
		t.Errorf("SanitizeToken = %q", got)
	}
	if got := SanitizeToken("short"); got != "****" {
		t.Errorf("SanitizeToken(short) = %q", got)
	}
}
