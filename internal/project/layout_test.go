package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSanitizeName_ControlChars(t *testing.T) {
	got := SanitizeName(" A\nB\rC\tD\x00 ", 100)
	if strings.ContainsAny(got, "\n\r\t\x00") {
		t.Fatalf("sanitize output contains control chars: %q", got)
	}
	if got != "ABCD" {
		t.Fatalf("SanitizeName control char behavior mismatch, got %q", got)
	}
}

func TestSanitizeName_ReplacesDisallowed(t *testing.T) {
	got := SanitizeName("bad<>|\"name", 100)
	if got != "bad____name" {
		t.Fatalf("SanitizeName disallowed replacement mismatch: got %q", got)
	}
}

func TestLayout_VideoPathSanitizesTitle(t *testing.T) {
	cases := map[string]string{
		"Chú mèo: phần 1":  "Chú_mèo__phần_1_scene2_copy1.mp4",
		"../../etc/passwd": "etc_passwd_scene2_copy1.mp4",
		"???":              "untitled_scene2_copy1.mp4",
	}
	for title, want := range cases {
		if got := filepath.Base(NewLayout("/out", title).VideoPath(2, 1)); got != want {
			t.Errorf("VideoPath for %q = %q, want %q", title, got, want)
		}
	}
}

func TestLayout_VideoPathLongTitleKeepsSceneAndCopy(t *testing.T) {
	l := NewLayout(t.TempDir(), strings.Repeat("A", 200))

	seen := make(map[string]bool)
	for scene := 1; scene <= 3; scene++ {
		for copyNumber := 1; copyNumber <= 4; copyNumber++ {
			path := l.VideoPath(scene, copyNumber)
			if seen[path] {
				t.Fatalf("scene %d copy %d reuses %s", scene, copyNumber, path)
			}
			seen[path] = true

			suffix := fmt.Sprintf("_scene%d_copy%d.mp4", scene, copyNumber)
			if !strings.HasSuffix(path, suffix) {
				t.Errorf("VideoPath(%d, %d) = %q, want suffix %q", scene, copyNumber, path, suffix)
			}
		}
	}

	base := filepath.Base(l.VideoPath(1, 1))
	if title := strings.TrimSuffix(base, "_scene1_copy1.mp4"); len([]rune(title)) != maxNameLen {
		t.Errorf("title part has %d runes, want %d", len([]rune(title)), maxNameLen)
	}
}

func TestLayout_Paths(t *testing.T) {
	l := NewLayout("/out", "My Story")

	if l.Root != filepath.Join("/out", "My_Story") {
		t.Errorf("Root = %q", l.Root)
	}
	if got := l.VideoPath(3, 2); got != filepath.Join("/out", "My_Story", "videos", "My_Story_scene3_copy2.mp4") {
		t.Errorf("VideoPath = %q", got)
	}
	if got := l.ThumbPath(3, 2); got != filepath.Join("/out", "My_Story", "videos", "thumbs", "thumb_c3_v2.jpg") {
		t.Errorf("ThumbPath = %q", got)
	}
	if got := UpscaledPath("/x/a.mp4"); got != "/x/a_4k.mp4" {
		t.Errorf("UpscaledPath = %q", got)
	}
}

func TestLayout_EnsureAndWrite(t *testing.T) {
	l := NewLayout(t.TempDir(), "demo")
	if err := l.Ensure(); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if err := l.WritePrompt(1, `{"key_action":"run"}`); err != nil {
		t.Fatalf("WritePrompt json: %v", err)
	}
	if err := l.WritePrompt(2, "plain words"); err != nil {
		t.Fatalf("WritePrompt text: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(l.Prompts, "scene_02.json"))
	if err != nil {
		t.Fatal(err)
	}
	var wrapped map[string]string
	if err := json.Unmarshal(data, &wrapped); err != nil || wrapped["prompt"] != "plain words" {
		t.Errorf("scene_02.json = %s", data)
	}

	if err := l.WriteScript(map[string]string{"title": "demo"}); err != nil {
		t.Fatalf("WriteScript: %v", err)
	}
	if _, err := os.Stat(filepath.Join(l.Script, "screenplay.json")); err != nil {
		t.Errorf("screenplay not written: %v", err)
	}
}

func TestValidateOutputDir(t *testing.T) {
	if err := ValidateOutputDir(t.TempDir()); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, bad := range []string{"", "relative/dir", "/tmp/../etc", "/definitely/not/here"} {
		if err := ValidateOutputDir(bad); err == nil {
			t.Errorf("ValidateOutputDir(%q) = nil, want error", bad)
		}
	}
}
