package flow

import "strings"

// RemoteStatus is the normalized state of one remote operation.
type RemoteStatus string

const (
	StatusProcessing RemoteStatus = "PROCESSING"
	StatusCompleted  RemoteStatus = "COMPLETED"
	StatusDoneNoURL  RemoteStatus = "DONE_NO_URL"
	StatusFailed     RemoteStatus = "FAILED"
)

// Shape tells which response layout a status record was read from.
type Shape string

const (
	// ShapeExplicit carries a terminal status enum and dedicated fields
	// for the video URL and the error message.
	ShapeExplicit Shape = "explicit"
	// ShapeGeneric is the long-running-operation layout with done, error
	// and response fields.
	ShapeGeneric Shape = "generic"
)

var (
	successStatuses = map[string]bool{
		"MEDIA_GENERATION_STATUS_SUCCESSFUL": true,
		"MEDIA_GENERATION_STATUS_SUCCEEDED":  true,
		"SUCCEEDED":                          true,
		"SUCCESS":                            true,
	}
	failureStatuses = map[string]bool{
		"MEDIA_GENERATION_STATUS_FAILED": true,
		"FAILED":                         true,
		"ERROR":                          true,
	}
)

// StatusRecord is the normalized view of one status-check item.
type StatusRecord struct {
	Status       RemoteStatus
	Shape        Shape
	VideoURLs    []string
	ImageURLs    []string
	ErrorMessage string
	Raw          map[string]any
}

// VideoURL returns the preferred video URL, or "".
func (r StatusRecord) VideoURL() string {
	if len(r.VideoURLs) == 0 {
		return ""
	}
	return r.VideoURLs[0]
}

// Normalize reads one item of a batch status response. A terminal status
// enum wins over the done/error heuristic. Items matching neither layout
// are reported as still processing.
func Normalize(item map[string]any) StatusRecord {
	rec := StatusRecord{Raw: item, Shape: ShapeGeneric}
	status := strings.ToUpper(strings.TrimSpace(digString(item, "status")))

	switch {
	case successStatuses[status]:
		rec.Shape = ShapeExplicit
		rec.VideoURLs, rec.ImageURLs = itemURLs(item)
		if fife := strings.TrimSpace(digString(item, "operation", "metadata", "video", "fifeUrl")); IsURL(fife) {
			rec.VideoURLs = prepend(fife, rec.VideoURLs)
		}
		rec.Status = completedStatus(rec.VideoURLs)
		return rec

	case failureStatuses[status]:
		rec.Shape = ShapeExplicit
		rec.Status = StatusFailed
		rec.ErrorMessage = errorMessage(item)
		return rec
	}

	done, _ := item["done"].(bool)
	if !done {
		rec.Status = StatusProcessing
		return rec
	}
	if errVal, ok := item["error"]; ok && errVal != nil {
		rec.Status = StatusFailed
		rec.ErrorMessage = errorMessage(item)
		return rec
	}
	rec.VideoURLs, rec.ImageURLs = itemURLs(item)
	rec.Status = completedStatus(rec.VideoURLs)
	return rec
}

func completedStatus(videoURLs []string) RemoteStatus {
	if len(videoURLs) > 0 {
		return StatusCompleted
	}
	return StatusDoneNoURL
}

// itemURLs looks in the response payload first and falls back to the
// whole item.
func itemURLs(item map[string]any) (video, image []string) {
	if resp := asMap(item["response"]); resp != nil {
		video, image = CollectURLs(resp)
		if len(video)+len(image) > 0 {
			return video, image
		}
	}
	return CollectURLs(item)
}

func errorMessage(item map[string]any) string {
	for _, path := range [][]string{
		{"operation", "error", "message"},
		{"error", "message"},
		{"error"},
	} {
		if msg := strings.TrimSpace(digString(item, path...)); msg != "" {
			return msg
		}
	}
	return ""
}

func prepend(s string, list []string) []string {
	out := make([]string, 0, len(list)+1)
	out = append(out, s)
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
