package handler

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// newCloneHandler loads the voice-cloning backend. Unlike the other
// kinds, its payload is action-routed: "action" selects one of four
// sub-operations, each with its own required fields.
func newCloneHandler() (Func, error) {
	return cloneHandle, nil
}

func cloneHandle(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	action, err := requireString(payload, "action")
	if err != nil {
		return nil, err
	}

	switch action {
	case "create_instant":
		return cloneCreate(ctx, payload, "instant", "audio_sample")
	case "create_professional":
		return cloneCreate(ctx, payload, "professional", "audio_samples")
	case "create_synthetic":
		return cloneCreate(ctx, payload, "synthetic", "description")
	case "get_status":
		return cloneGetStatus(payload)
	default:
		return nil, fmt.Errorf("Unknown voice cloning action: %q", action)
	}
}

func cloneCreate(ctx context.Context, payload map[string]interface{}, kind, requiredField string) (map[string]interface{}, error) {
	name, err := requireString(payload, "name")
	if err != nil {
		return nil, err
	}
	if _, err := requireString(payload, requiredField); err != nil {
		return nil, err
	}

	work := time.Duration(200+rand.Intn(800)) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(work):
	}

	return map[string]interface{}{
		"voice_id": fmt.Sprintf("clone-%s-%s", kind, name),
		"kind":     kind,
		"status":   "ready",
	}, nil
}

func cloneGetStatus(payload map[string]interface{}) (map[string]interface{}, error) {
	voiceID, err := requireString(payload, "voice_id")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"voice_id": voiceID,
		"status":   "ready",
	}, nil
}
