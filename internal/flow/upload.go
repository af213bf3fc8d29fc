package flow

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type clientContext struct {
	SessionID string `json:"sessionId,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
}

type imageInput struct {
	RawImageBytes  string `json:"rawImageBytes"`
	MimeType       string `json:"mimeType"`
	IsUserUploaded bool   `json:"isUserUploaded"`
	AspectRatio    string `json:"aspectRatio"`
}

type uploadImageRequest struct {
	ImageInput    imageInput    `json:"imageInput"`
	ClientContext clientContext `json:"clientContext"`
}

// imageAspect maps a video aspect ratio onto the matching image aspect.
func imageAspect(videoAspect string) string {
	switch videoAspect {
	case AspectLandscape:
		return "IMAGE_ASPECT_RATIO_LANDSCAPE"
	case AspectSquare:
		return "IMAGE_ASPECT_RATIO_SQUARE"
	default:
		return "IMAGE_ASPECT_RATIO_PORTRAIT"
	}
}

func imageMimeType(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

// UploadImage sends a reference image and returns the backend media id.
func (c *Client) UploadImage(ctx context.Context, path, aspect string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read reference image: %w", err)
	}

	payload := uploadImageRequest{
		ImageInput: imageInput{
			RawImageBytes:  base64.StdEncoding.EncodeToString(raw),
			MimeType:       imageMimeType(path),
			IsUserUploaded: true,
			AspectRatio:    imageAspect(aspect),
		},
		ClientContext: clientContext{
			SessionID: strconv.FormatInt(time.Now().UnixMilli(), 10),
		},
	}

	data, err := c.post(ctx, "upload_image", c.cfg.Endpoints.UploadImage, payload)
	if err != nil {
		return "", fmt.Errorf("upload reference image: %w", err)
	}

	mediaID := digString(data, "mediaGenerationId", "mediaGenerationId")
	if mediaID == "" {
		mediaID = digString(data, "mediaGenerationId")
	}
	if mediaID == "" {
		return "", fmt.Errorf("upload reference image: response carried no media id")
	}

	c.logger.Info("reference image uploaded",
		"image", filepath.Base(path),
		"bytes", len(raw),
	)
	return mediaID, nil
}
