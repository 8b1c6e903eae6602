package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"
)

// newSTTHandler loads a speech-to-text model. The real distribution loads
// a Whisper-family checkpoint here; this handler loads nothing and
// simulates only the transcription latency, the way the teacher's
// worker.execute does.
func newSTTHandler() (Func, error) {
	return sttHandle, nil
}

func sttHandle(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	audioB64, err := requireString(payload, "audio")
	if err != nil {
		return nil, err
	}
	language := optionalString(payload, "language", "en")

	raw, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		return nil, fmt.Errorf("audio field is not valid base64: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("audio field decodes to zero bytes")
	}

	work := time.Duration(rand.Intn(300)) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(work):
	}

	return map[string]interface{}{
		"transcript": fmt.Sprintf("[simulated transcript, %d bytes audio, lang=%s]", len(raw), language),
		"language":   language,
	}, nil
}
