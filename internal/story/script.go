// Package story turns a short idea into a screenplay with one video prompt
// per scene, using Gemini or OpenAI.
package story

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/storyreel/storyreel-agent/internal/generation"
)

const (
	// SceneSeconds is the length of one generated clip.
	SceneSeconds = 8

	defaultDuration = 30
	minDuration     = 3
	longFormAfter   = 7 * 60
)

var ErrBadScript = errors.New("model did not return a screenplay with scenes")

// Generator writes a screenplay for a brief.
type Generator interface {
	Generate(ctx context.Context, brief Brief) (*Script, error)
	Name() string
}

// Brief is the user input for a screenplay.
type Brief struct {
	Idea            string `json:"idea" validate:"required,min=3"`
	Style           string `json:"style"`
	DurationSeconds int    `json:"duration_seconds" validate:"gte=0,lte=3600"`
	Language        string `json:"language" validate:"omitempty,len=2"`
}

type Character struct {
	Name           string `json:"name"`
	Role           string `json:"role,omitempty"`
	KeyTrait       string `json:"key_trait,omitempty"`
	Motivation     string `json:"motivation,omitempty"`
	VisualIdentity string `json:"visual_identity,omitempty"`
}

type Dialogue struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
	Emotion string `json:"emotion,omitempty"`
}

type Scene struct {
	Prompt       string     `json:"prompt"`
	Duration     int        `json:"duration"`
	Characters   []string   `json:"characters,omitempty"`
	Location     string     `json:"location,omitempty"`
	TimeOfDay    string     `json:"time_of_day,omitempty"`
	CameraShot   string     `json:"camera_shot,omitempty"`
	LightingMood string     `json:"lighting_mood,omitempty"`
	Emotion      string     `json:"emotion,omitempty"`
	StoryBeat    string     `json:"story_beat,omitempty"`
	Dialogues    []Dialogue `json:"dialogues,omitempty"`
	VisualNotes  string     `json:"visual_notes,omitempty"`
}

// Script is a generated screenplay.
type Script struct {
	Title          string      `json:"title"`
	HookSummary    string      `json:"hook_summary,omitempty"`
	CharacterBible []Character `json:"character_bible,omitempty"`
	Outline        string      `json:"outline,omitempty"`
	Screenplay     string      `json:"screenplay,omitempty"`
	EmotionalArc   string      `json:"emotional_arc,omitempty"`
	Scenes         []Scene     `json:"scenes"`

	// Style and Language are copied from the brief.
	Style    string `json:"style,omitempty"`
	Language string `json:"language,omitempty"`
}

// SceneCount splits a total duration into clips of SceneSeconds. The last
// clip takes the remainder. A non-positive total means 30 seconds.
func SceneCount(totalSeconds int) (int, []int) {
	total := totalSeconds
	if total <= 0 {
		total = defaultDuration
	}
	if total < minDuration {
		total = minDuration
	}
	n := (total + SceneSeconds - 1) / SceneSeconds
	if n < 1 {
		n = 1
	}
	per := make([]int, n)
	for i := range per {
		per[i] = SceneSeconds
	}
	last := total - SceneSeconds*(n-1)
	if last < 1 {
		last = 1
	}
	per[n-1] = last
	return n, per
}

// Mode is SHORT for videos up to seven minutes, LONG otherwise.
func Mode(totalSeconds int) string {
	if totalSeconds > longFormAfter {
		return "LONG"
	}
	return "SHORT"
}

// parseScript decodes a model reply. Code fences and text around the JSON
// object are tolerated. Scene durations are forced to the planned split.
func parseScript(raw string, per []int) (*Script, error) {
	raw = strings.TrimSpace(raw)
	var s Script
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		obj := extractJSONObject(raw)
		if obj == "" {
			return nil, fmt.Errorf("decode screenplay: %w", err)
		}
		if err := json.Unmarshal([]byte(obj), &s); err != nil {
			return nil, fmt.Errorf("decode screenplay: %w", err)
		}
	}
	if len(s.Scenes) == 0 {
		return nil, ErrBadScript
	}
	for i := range s.Scenes {
		if i < len(per) {
			s.Scenes[i].Duration = per[i]
		}
	}
	return &s, nil
}

func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// SceneSpecs converts the screenplay into engine scenes. Each prompt is a
// JSON payload; PromptText renders it when the scene is submitted.
func (s *Script) SceneSpecs() ([]generation.SceneSpec, error) {
	specs := make([]generation.SceneSpec, 0, len(s.Scenes))
	for i, sc := range s.Scenes {
		data, err := json.Marshal(s.promptPayload(sc))
		if err != nil {
			return nil, fmt.Errorf("encode scene %d prompt: %w", i+1, err)
		}
		specs = append(specs, generation.SceneSpec{Number: i + 1, Prompt: string(data)})
	}
	return specs, nil
}

func (s *Script) promptPayload(sc Scene) map[string]any {
	payload := map[string]any{
		"key_action": sc.Prompt,
	}
	if s.Style != "" {
		payload["constraints"] = map[string]any{"visual_style_tags": splitTags(s.Style)}
	}
	if details := s.characterDetails(sc.Characters); details != "" {
		payload["character_details"] = details
	}

	var setting []string
	for _, v := range []string{sc.Location, sc.TimeOfDay, sc.LightingMood} {
		if v != "" {
			setting = append(setting, v)
		}
	}
	if len(setting) > 0 {
		payload["setting_details"] = strings.Join(setting, ", ")
	}
	if sc.CameraShot != "" {
		payload["camera_direction"] = []map[string]string{
			{"t": fmt.Sprintf("0-%ds", max(sc.Duration, 1)), "shot": sc.CameraShot},
		}
	}

	var lines []string
	for _, d := range sc.Dialogues {
		if strings.TrimSpace(d.Text) == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", d.Speaker, d.Text))
	}
	if len(lines) > 0 {
		payload["audio"] = map[string]any{
			"voiceover": map[string]string{
				"language": s.Language,
				"text":     strings.Join(lines, "\n"),
			},
		}
	}
	if sc.VisualNotes != "" {
		payload["Task_Instructions"] = []string{sc.VisualNotes}
	}
	payload["negatives"] = []string{"text overlays", "watermarks", "distorted faces"}
	return payload
}

func (s *Script) characterDetails(names []string) string {
	var parts []string
	for _, name := range names {
		for _, c := range s.CharacterBible {
			if !strings.EqualFold(c.Name, name) {
				continue
			}
			desc := c.Name
			if c.VisualIdentity != "" {
				desc += ": " + c.VisualIdentity
			}
			if c.KeyTrait != "" {
				desc += " (" + c.KeyTrait + ")"
			}
			parts = append(parts, desc)
			break
		}
	}
	return strings.Join(parts, "\n")
}

func splitTags(style string) []string {
	var tags []string
	for _, t := range strings.Split(style, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}
