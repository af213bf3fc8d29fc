package flow

import (
	"context"
	"errors"
	"log/slog"
)

// DefaultOperationStatus is assumed when the backend omits a status.
const DefaultOperationStatus = "MEDIA_GENERATION_STATUS_PENDING"

// Submission paths, also used as metric labels.
const (
	PathBatch    = "batch"
	PathReupload = "reupload"
	PathPerCopy  = "per_copy"
)

// SceneRequest describes one scene to generate.
type SceneRequest struct {
	Scene    int
	Prompt   string
	Aspect   string
	Model    string
	Copies   int
	SeedBase int
	// ImagePath is a local reference image. MediaID, when set, is an image
	// the backend already knows; ImagePath is then only used to re-upload.
	ImagePath string
	MediaID   string
}

// OperationMeta is echoed back to the backend on status checks.
type OperationMeta struct {
	SceneID string `json:"sceneId,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Operation is one remote generation job, for one copy of a scene.
type Operation struct {
	Name string
	Copy int
	Meta OperationMeta
}

// Submission is the outcome of Submit. Operations never exceeds Requested
// and carries distinct copy numbers.
type Submission struct {
	Operations []Operation
	Requested  int
	Model      string
	MediaID    string
	Path       string
}

func (s *Submission) Count() int {
	return len(s.Operations)
}

func (s *Submission) Shortfall() int {
	return s.Requested - len(s.Operations)
}

type textInput struct {
	Prompt string `json:"prompt"`
}

type startImage struct {
	MediaID string `json:"mediaId"`
}

type videoRequest struct {
	AspectRatio   string      `json:"aspectRatio"`
	Seed          int         `json:"seed"`
	VideoModelKey string      `json:"videoModelKey"`
	TextInput     textInput   `json:"textInput"`
	StartImage    *startImage `json:"startImage,omitempty"`
}

type generateRequest struct {
	ClientContext clientContext  `json:"clientContext"`
	Requests      []videoRequest `json:"requests"`
}

// attempt is one body shape sent through the model ladder: which seeds to
// request and which copy number each resulting operation belongs to.
type attempt struct {
	family    Family
	aspect    string
	prompt    string
	mediaID   string
	projectID string
	seeds     []int
	copies    []int
}

// Submit creates up to req.Copies remote operations for a scene. It walks
// the model ladder, re-uploads the reference image once when the backend
// rejects the media id, and finally submits copies one at a time. The
// returned Submission is never nil; the error is set only when no
// operation was created.
func (c *Client) Submit(ctx context.Context, req SceneRequest, projectID string) (*Submission, error) {
	copies := max(1, req.Copies)
	sub := &Submission{Requested: copies, MediaID: req.MediaID}
	logger := c.logger.With("scene", req.Scene)

	if sub.MediaID == "" && req.ImagePath != "" {
		mediaID, err := c.UploadImage(ctx, req.ImagePath, req.Aspect)
		if err != nil {
			logger.Warn("reference image upload failed, using text-to-video", "error", err)
		} else {
			sub.MediaID = mediaID
		}
	}
	// Every media id gets UploadSettle before its first reference.
	if sub.MediaID != "" {
		if err := sleepCtx(ctx, c.cfg.UploadSettle); err != nil {
			return sub, err
		}
	}

	family := FamilyTextToVideo
	if sub.MediaID != "" {
		family = FamilyImageToVideo
	}
	candidates := ModelCandidates(family, req.Aspect, req.Model)

	batch := attempt{
		family:    family,
		aspect:    NormalizeAspect(req.Aspect),
		prompt:    c.cfg.FormatPrompt(req.Prompt),
		mediaID:   sub.MediaID,
		projectID: ResolveProjectID(projectID),
		seeds:     make([]int, copies),
		copies:    make([]int, copies),
	}
	for k := 0; k < copies; k++ {
		batch.seeds[k] = req.SeedBase + k
		batch.copies[k] = k + 1
	}

	logger.Info("submitting scene",
		"family", family.String(),
		"copies", copies,
		"models", candidates,
	)

	sub.Path = PathBatch
	ops, model, err := c.submitLadder(ctx, logger, candidates, batch)

	if err != nil && family == FamilyImageToVideo && req.ImagePath != "" && IsInvalidArgument(err) {
		logger.Info("backend rejected the reference image, re-uploading")
		mediaID, upErr := c.UploadImage(ctx, req.ImagePath, req.Aspect)
		if upErr != nil {
			logger.Warn("re-upload failed", "error", upErr)
		} else if err = sleepCtx(ctx, c.cfg.UploadSettle); err == nil {
			sub.MediaID = mediaID
			batch.mediaID = mediaID
			sub.Path = PathReupload
			ops, model, err = c.submitLadder(ctx, logger, candidates, batch)
		}
	}

	if err != nil && ctx.Err() == nil {
		logger.Warn("batch submission failed, submitting copies one at a time", "error", err)
		sub.Path = PathPerCopy
		ops, model, err = c.submitPerCopy(ctx, logger, candidates, batch)
	}

	sub.Operations = ops
	sub.Model = model
	c.metrics.RecordSubmission(sub.Path, len(ops))

	if len(ops) == 0 {
		if err == nil {
			err = ErrNoOperations
		}
		return sub, err
	}
	if sub.Shortfall() > 0 {
		logger.Warn("backend created fewer operations than requested",
			"requested", copies,
			"created", len(ops),
		)
	}
	return sub, nil
}

// submitLadder sends the attempt with each candidate model until one is
// accepted. Only invalid-argument rejections advance the ladder.
func (c *Client) submitLadder(ctx context.Context, logger *slog.Logger, candidates []string, a attempt) ([]Operation, string, error) {
	url := c.cfg.Endpoints.TextToVideo
	endpoint := "text_to_video"
	if a.family == FamilyImageToVideo {
		url = c.cfg.Endpoints.ImageToVideo
		endpoint = "image_to_video"
	}

	var lastErr error
	for _, model := range candidates {
		body := generateRequest{
			ClientContext: clientContext{ProjectID: a.projectID},
			Requests:      make([]videoRequest, 0, len(a.seeds)),
		}
		for _, seed := range a.seeds {
			r := videoRequest{
				AspectRatio:   a.aspect,
				Seed:          seed,
				VideoModelKey: model,
				TextInput:     textInput{Prompt: a.prompt},
			}
			if a.family == FamilyImageToVideo {
				r.StartImage = &startImage{MediaID: a.mediaID}
			}
			body.Requests = append(body.Requests, r)
		}

		data, err := c.post(ctx, endpoint, url, body)
		if err != nil {
			lastErr = err
			if IsInvalidArgument(err) {
				logger.Debug("model rejected, trying next", "model", model, "error", err)
				continue
			}
			return nil, "", err
		}
		return parseOperations(data, a.copies), model, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no model candidates")
	}
	return nil, "", lastErr
}

func (c *Client) submitPerCopy(ctx context.Context, logger *slog.Logger, candidates []string, batch attempt) ([]Operation, string, error) {
	var (
		ops     []Operation
		model   string
		lastErr error
	)
	for k := range batch.copies {
		if err := ctx.Err(); err != nil {
			return ops, model, err
		}
		single := batch
		single.seeds = []int{batch.seeds[k]}
		single.copies = []int{batch.copies[k]}

		got, m, err := c.submitLadder(ctx, logger, candidates, single)
		if err != nil {
			lastErr = err
			logger.Warn("copy submission failed", "copy", batch.copies[k], "error", err)
			continue
		}
		ops = append(ops, got...)
		model = m
	}
	if len(ops) == 0 {
		return nil, "", lastErr
	}
	return ops, model, nil
}

// parseOperations maps response operations onto copy numbers by position.
// Extra operations beyond the requested copies are ignored.
func parseOperations(data map[string]any, copies []int) []Operation {
	items, _ := data["operations"].([]any)
	ops := make([]Operation, 0, len(copies))
	for _, raw := range items {
		if len(ops) == len(copies) {
			break
		}
		item := asMap(raw)
		if item == nil {
			continue
		}
		name := operationName(item)
		if name == "" {
			continue
		}
		meta := OperationMeta{
			SceneID: digString(item, "sceneId"),
			Status:  digString(item, "status"),
		}
		if meta.Status == "" {
			meta.Status = DefaultOperationStatus
		}
		ops = append(ops, Operation{Name: name, Copy: copies[len(ops)], Meta: meta})
	}
	return ops
}
