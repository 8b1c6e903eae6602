package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"
)

// newTTSHandler loads a text-to-speech model.
func newTTSHandler() (Func, error) {
	return ttsHandle, nil
}

func ttsHandle(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	text, err := requireString(payload, "text")
	if err != nil {
		return nil, err
	}
	model, err := requireString(payload, "model")
	if err != nil {
		return nil, err
	}
	voice := optionalString(payload, "voice", "default")
	speed := optionalFloat(payload, "speed", 1.0)
	if speed <= 0 {
		return nil, fmt.Errorf("field %q must be positive", "speed")
	}

	work := time.Duration(rand.Intn(400)) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(work):
	}

	fake := []byte(fmt.Sprintf("simulated-audio:model=%s:len=%d", model, len(text)))
	return map[string]interface{}{
		"audio": base64.StdEncoding.EncodeToString(fake),
		"voice": voice,
		"speed": speed,
	}, nil
}
