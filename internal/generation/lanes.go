package generation

import (
	"context"
	"errors"

	"github.com/storyreel/storyreel-agent/internal/flow"
)

// Backend is the part of the video backend client the engine uses.
type Backend interface {
	Submit(ctx context.Context, req flow.SceneRequest, projectID string) (*flow.Submission, error)
	BatchCheck(ctx context.Context, names []string, meta map[string]flow.OperationMeta) (map[string]flow.StatusRecord, error)
}

// Lane is one account: a backend client with its own tokens and project.
// Operations are always polled through the lane that created them.
type Lane struct {
	Name      string
	ProjectID string
	Backend   Backend
}

// LaneSet spreads scenes over lanes round-robin.
type LaneSet struct {
	lanes []*Lane
}

func NewLaneSet(lanes ...*Lane) (*LaneSet, error) {
	if len(lanes) == 0 {
		return nil, errors.New("at least one backend lane is required")
	}
	return &LaneSet{lanes: lanes}, nil
}

// ForScene picks the lane for the scene at a 0-based position.
func (s *LaneSet) ForScene(ordinal int) *Lane {
	if ordinal < 0 {
		ordinal = -ordinal
	}
	return s.lanes[ordinal%len(s.lanes)]
}

func (s *LaneSet) Lanes() []*Lane {
	return s.lanes
}
