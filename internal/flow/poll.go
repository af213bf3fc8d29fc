package flow

import (
	"context"
	"fmt"
)

type operationKey struct {
	Name string `json:"name"`
}

type operationRef struct {
	Operation operationKey `json:"operation"`
	SceneID   string       `json:"sceneId,omitempty"`
	Status    string       `json:"status,omitempty"`
}

// BatchCheckRequest is the body of a batched status check.
type BatchCheckRequest struct {
	Operations []operationRef `json:"operations"`
}

// WrapOperations builds the status-check body. Names are deduplicated in
// first-seen order and blank names are dropped.
func WrapOperations(names []string, meta map[string]OperationMeta) BatchCheckRequest {
	req := BatchCheckRequest{Operations: make([]operationRef, 0, len(names))}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		ref := operationRef{Operation: operationKey{Name: n}}
		if m, ok := meta[n]; ok {
			ref.SceneID = m.SceneID
			ref.Status = m.Status
		}
		req.Operations = append(req.Operations, ref)
	}
	return req
}

// BatchCheck asks for the status of every named operation in one call.
// Failures of the call itself are returned to the caller, which owns the
// retry policy.
func (c *Client) BatchCheck(ctx context.Context, names []string, meta map[string]OperationMeta) (map[string]StatusRecord, error) {
	out := make(map[string]StatusRecord)
	req := WrapOperations(names, meta)
	if len(req.Operations) == 0 {
		return out, nil
	}

	data, err := c.post(ctx, "batch_check", c.cfg.Endpoints.BatchCheck, req)
	if err != nil {
		return nil, fmt.Errorf("batch status check: %w", err)
	}

	items, _ := data["operations"].([]any)
	for i, raw := range items {
		item := asMap(raw)
		if item == nil {
			continue
		}
		key := operationName(item)
		if key == "" && i < len(req.Operations) {
			key = req.Operations[i].Operation.Name
		}
		if key == "" {
			continue
		}
		out[key] = Normalize(item)
	}
	return out, nil
}
