package flow

const (
	AspectPortrait  = "VIDEO_ASPECT_RATIO_PORTRAIT"
	AspectLandscape = "VIDEO_ASPECT_RATIO_LANDSCAPE"
	AspectSquare    = "VIDEO_ASPECT_RATIO_SQUARE"
)

// Family is the submission endpoint family.
type Family int

const (
	FamilyTextToVideo Family = iota
	FamilyImageToVideo
)

func (f Family) String() string {
	if f == FamilyImageToVideo {
		return "image_to_video"
	}
	return "text_to_video"
}

// Model keys tried in order after the requested model is rejected.
var (
	imageToVideoLadders = map[string][]string{
		AspectPortrait: {
			"veo_3_1_i2v_s_fast_portrait_ultra",
			"veo_3_1_i2v_s_fast_portrait",
			"veo_3_1_i2v_s_portrait",
			"veo_3_1_i2v_s",
		},
		AspectLandscape: {
			"veo_3_1_i2v_s_fast_ultra",
			"veo_3_1_i2v_s_fast",
			"veo_3_1_i2v_s",
		},
		AspectSquare: {
			"veo_3_1_i2v_s_fast",
			"veo_3_1_i2v_s",
		},
	}

	textToVideoLadder = []string{
		"veo_3_1_t2v_fast_ultra",
		"veo_3_1_t2v",
	}
)

// NormalizeAspect maps unknown aspect ratios to landscape.
func NormalizeAspect(aspect string) string {
	switch aspect {
	case AspectPortrait, AspectLandscape, AspectSquare:
		return aspect
	default:
		return AspectLandscape
	}
}

// ModelCandidates lists the requested model first, then the ladder for the
// family and aspect, without duplicates.
func ModelCandidates(family Family, aspect, requested string) []string {
	ladder := textToVideoLadder
	if family == FamilyImageToVideo {
		ladder = imageToVideoLadders[NormalizeAspect(aspect)]
	}

	out := make([]string, 0, len(ladder)+1)
	seen := make(map[string]bool, len(ladder)+1)
	if requested != "" {
		out = append(out, requested)
		seen[requested] = true
	}
	for _, m := range ladder {
		if !seen[m] {
			out = append(out, m)
			seen[m] = true
		}
	}
	return out
}
