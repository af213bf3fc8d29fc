package story

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

var languageNames = map[string]string{
	"vi": "Vietnamese",
	"en": "English",
	"ja": "Japanese",
	"ko": "Korean",
	"zh": "Chinese",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
	"ru": "Russian",
	"th": "Thai",
	"id": "Indonesian",
}

// LanguageName returns the display name for a language code, English when
// the code is unknown.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return "English"
}

var screenplayMarkers = []string{
	"scene ", "act 1", "act 2", "act 3", "int.", "ext.",
	"screenplay", "fade in", "fade out", "close up", "cut to",
}

const systemPrompt = "You are a screenwriter for short AI-generated videos. Reply with a single JSON object and nothing else."

const schemaTemplate = `{
  "title": "Compelling title in %[1]s",
  "hook_summary": "What makes the first 3 seconds impossible to skip",
  "character_bible": [{"name":"","role":"","key_trait":"","motivation":"","visual_identity":""}],
  "outline": "%[2]s outline: act structure and key emotional beats",
  "screenplay": "Full screenplay in %[1]s with INT./EXT. headings, action and dialogue",
  "emotional_arc": "Start emotion -> peaks and valleys -> end emotion",
  "scenes": [
    {
      "prompt": "Specific visual prompt: action, lighting, camera, mood, characters. 2-3 cinematic sentences",
      "duration": 8,
      "characters": ["names appearing"],
      "location": "",
      "time_of_day": "",
      "camera_shot": "shot type and movement",
      "lighting_mood": "",
      "emotion": "",
      "story_beat": "setup, rising action, twist, climax or resolution",
      "dialogues": [{"speaker":"","text":"line in %[1]s","emotion":""}],
      "visual_notes": "props, colors, transitions"
    }
  ]
}`

// BuildPrompt renders the user prompt asking for a screenplay of n scenes.
func BuildPrompt(brief Brief, n int, per []int) string {
	language := LanguageName(brief.Language)
	mode := Mode(brief.DurationSeconds)

	lower := strings.ToLower(brief.Idea)
	detailed := false
	for _, m := range screenplayMarkers {
		if strings.Contains(lower, m) {
			detailed = true
			break
		}
	}

	var b strings.Builder
	if detailed {
		b.WriteString("The user supplied a detailed screenplay. Keep its story, characters and structure; only adapt it to video scenes.\n")
	} else {
		b.WriteString("Develop the user's rough idea into a gripping short video screenplay. Scene 1 must be a strong hook.\n")
	}
	fmt.Fprintf(&b, "All narration and dialogue must be in %s.\n\n", language)
	b.WriteString("INPUT:\n")
	label := "Idea"
	if detailed {
		label = "Screenplay"
	}
	fmt.Fprintf(&b, "- %s: %q\n", label, brief.Idea)
	if brief.Style != "" {
		fmt.Fprintf(&b, "- Style: %q\n", brief.Style)
	}
	fmt.Fprintf(&b, "- Mode: %s\n", mode)
	fmt.Fprintf(&b, "- Scenes: exactly %d (each %ds; the last %ds)\n\n", n, SceneSeconds, per[len(per)-1])
	b.WriteString("Return valid JSON matching this schema exactly:\n")
	fmt.Fprintf(&b, schemaTemplate, language, mode)
	return b.String()
}

// PromptText renders a stored scene prompt as the text sent to the video
// backend. Plain text passes through; a JSON object is flattened into
// labelled sections.
func PromptText(prompt string) string {
	trimmed := strings.TrimSpace(prompt)
	if !strings.HasPrefix(trimmed, "{") {
		return prompt
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(trimmed), &data); err != nil {
		return prompt
	}
	text := flatten(data)
	if text == "" {
		return prompt
	}
	return text
}

func flatten(data map[string]any) string {
	var sections []string
	add := func(s string) { sections = append(sections, s) }

	if constraints, ok := data["constraints"].(map[string]any); ok {
		if tags := stringList(constraints["visual_style_tags"]); len(tags) > 0 {
			add("VISUAL STYLE: " + strings.Join(tags, ", "))
		}
	}
	if s := str(data["character_details"]); s != "" {
		add("CHARACTER CONSISTENCY:\n" + s)
	}
	if locks, ok := data["hard_locks"].(map[string]any); ok {
		keys := make([]string, 0, len(locks))
		for k := range locks {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var lines []string
		for _, k := range keys {
			if v := str(locks[k]); v != "" {
				lines = append(lines, fmt.Sprintf("- %s: %s", titleKey(k), v))
			}
		}
		if len(lines) > 0 {
			add("CONSISTENCY REQUIREMENTS:\n" + strings.Join(lines, "\n"))
		}
	}
	if s := str(data["setting_details"]); s != "" {
		add("SETTING: " + s)
	}

	action := str(data["key_action"])
	if action == "" {
		if loc, ok := data["localization"].(map[string]any); ok {
			for _, lang := range []string{"vi", "en"} {
				if entry, ok := loc[lang].(map[string]any); ok {
					if p := str(entry["prompt"]); p != "" {
						action = p
						break
					}
				}
			}
		}
	}
	if action != "" {
		add("SCENE ACTION:\n" + action)
	}

	if items := stringList(data["Task_Instructions"]); len(items) > 0 {
		add("TASK INSTRUCTIONS:\n" + bullets(items))
	}
	if audio, ok := data["audio"].(map[string]any); ok {
		if vo, ok := audio["voiceover"].(map[string]any); ok {
			if text := str(vo["text"]); text != "" {
				add(fmt.Sprintf("VOICEOVER (%s):\n%s", str(vo["language"]), text))
			}
		}
	}
	if shots, ok := data["camera_direction"].([]any); ok {
		var lines []string
		for _, item := range shots {
			cam, ok := item.(map[string]any)
			if !ok {
				continue
			}
			t, shot := str(cam["t"]), str(cam["shot"])
			if t != "" && shot != "" {
				lines = append(lines, fmt.Sprintf("[%s] %s", t, shot))
			}
		}
		if len(lines) > 0 {
			add("CAMERA:\n" + strings.Join(lines, "\n"))
		}
	}
	if items := stringList(data["negatives"]); len(items) > 0 {
		add("AVOID:\n" + bullets(items))
	}
	return strings.Join(sections, "\n\n")
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case nil:
		return ""
	case float64, bool:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := str(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func bullets(items []string) string {
	lines := make([]string, len(items))
	for i, s := range items {
		lines[i] = "- " + s
	}
	return strings.Join(lines, "\n")
}

// titleKey turns "hair_color" into "Hair Color".
func titleKey(k string) string {
	words := strings.Fields(strings.ReplaceAll(k, "_", " "))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + strings.ToLower(w[1:])
	}
	return strings.Join(words, " ")
}
