package flow

import (
	"net/url"
	"path"
	"sort"
	"strings"
)

// URLPrefixes are the schemes a string must start with to count as a URL.
// Matching is case-insensitive.
var URLPrefixes = []string{"https://", "http://", "gs://"}

// URLKeys are field names known to carry media URLs. URLs found under them
// sort ahead of URLs found elsewhere.
var URLKeys = []string{
	"fifeUrl",
	"gcsUrl", "gcsUri",
	"signedUrl", "signedUri",
	"downloadUrl", "downloadUri",
	"videoUrl",
	"fileUri",
	"url", "uri",
}

var (
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".webm": true, ".m4v": true}
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true}
)

// IsURL reports whether s starts with one of URLPrefixes.
func IsURL(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, p := range URLPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

func isURLKey(key string) bool {
	for _, k := range URLKeys {
		if k == key {
			return true
		}
	}
	return false
}

type foundURL struct {
	value     string
	preferred bool
}

// CollectURLs walks decoded JSON and returns every URL-shaped string,
// split into video and image URLs. URLs that look like neither are dropped.
// Each list is ordered: allow-listed keys first, then shorter URLs, then
// lexically.
func CollectURLs(v any) (video, image []string) {
	found := map[string]*foundURL{}
	walkURLs(v, "", found)

	var videos, images []*foundURL
	for _, f := range found {
		switch classifyURL(f.value) {
		case "video":
			videos = append(videos, f)
		case "image":
			images = append(images, f)
		}
	}
	return sortURLs(videos), sortURLs(images)
}

func walkURLs(v any, key string, found map[string]*foundURL) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkURLs(t[k], k, found)
		}
	case []any:
		for _, item := range t {
			walkURLs(item, key, found)
		}
	case string:
		s := strings.TrimSpace(t)
		if !IsURL(s) {
			return
		}
		preferred := isURLKey(key)
		if f, ok := found[s]; ok {
			f.preferred = f.preferred || preferred
			return
		}
		found[s] = &foundURL{value: s, preferred: preferred}
	}
}

func classifyURL(raw string) string {
	lower := strings.ToLower(raw)
	if strings.Contains(lower, "/video/") {
		return "video"
	}
	if strings.Contains(lower, "/image/") {
		return "image"
	}
	p := lower
	if u, err := url.Parse(lower); err == nil {
		p = u.Path
	}
	ext := path.Ext(p)
	switch {
	case videoExts[ext]:
		return "video"
	case imageExts[ext]:
		return "image"
	}
	return ""
}

func sortURLs(list []*foundURL) []string {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.preferred != b.preferred {
			return a.preferred
		}
		if len(a.value) != len(b.value) {
			return len(a.value) < len(b.value)
		}
		return a.value < b.value
	})
	out := make([]string, len(list))
	for i, f := range list {
		out[i] = f.value
	}
	return out
}

// HTTPURL rewrites gs:// object URLs to their public storage endpoint.
func HTTPURL(raw string) string {
	if len(raw) >= 5 && strings.EqualFold(raw[:5], "gs://") {
		return "https://storage.googleapis.com/" + raw[5:]
	}
	return raw
}
