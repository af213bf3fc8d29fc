// Package project lays out a generation project on disk.
package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	maxNameLen = 80

	ScriptFile = "screenplay.json"
)

// Layout is the directory tree of one project:
//
//	<root>/script/screenplay.json
//	<root>/prompts/scene_01.json
//	<root>/videos/<title>_scene1_copy1.mp4
//	<root>/videos/thumbs/thumb_c1_v1.jpg
type Layout struct {
	Title   string
	Root    string
	Script  string
	Prompts string
	Videos  string
	Thumbs  string
}

func NewLayout(baseDir, title string) Layout {
	root := filepath.Join(baseDir, sanitizeBase(title))
	videos := filepath.Join(root, "videos")
	return Layout{
		Title:   title,
		Root:    root,
		Script:  filepath.Join(root, "script"),
		Prompts: filepath.Join(root, "prompts"),
		Videos:  videos,
		Thumbs:  filepath.Join(videos, "thumbs"),
	}
}

// Ensure creates every directory of the layout.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Script, l.Prompts, l.Videos, l.Thumbs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// VideoPath is the download target for one copy of a scene. Only the
// title is shortened, so every (scene, copy) pair keeps its own file.
func (l Layout) VideoPath(scene, copy int) string {
	return filepath.Join(l.Videos, fmt.Sprintf("%s_scene%d_copy%d.mp4", sanitizeBase(l.Title), scene, copy))
}

func (l Layout) ThumbPath(scene, copy int) string {
	return filepath.Join(l.Thumbs, fmt.Sprintf("thumb_c%d_v%d.jpg", scene, copy))
}

// UpscaledPath names the 4K rendition next to the source video.
func UpscaledPath(videoPath string) string {
	return strings.TrimSuffix(videoPath, filepath.Ext(videoPath)) + "_4k.mp4"
}

// WritePrompt stores the prompt payload of a scene. JSON payloads are
// indented, anything else is wrapped as {"prompt": ...}.
func (l Layout) WritePrompt(scene int, prompt string) error {
	var out bytes.Buffer
	if json.Valid([]byte(prompt)) {
		if err := json.Indent(&out, []byte(prompt), "", "  "); err != nil {
			return err
		}
	} else {
		data, err := json.MarshalIndent(map[string]string{"prompt": prompt}, "", "  ")
		if err != nil {
			return err
		}
		out.Write(data)
	}
	path := filepath.Join(l.Prompts, fmt.Sprintf("scene_%02d.json", scene))
	return os.WriteFile(path, out.Bytes(), 0o644)
}

// WriteScript stores the screenplay the scenes came from.
func (l Layout) WriteScript(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal screenplay: %w", err)
	}
	return os.WriteFile(filepath.Join(l.Script, ScriptFile), data, 0o644)
}
