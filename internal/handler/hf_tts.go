package handler

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"time"
)

// newHFTTSHandler loads a Hugging Face hosted text-to-speech model. It is
// distinct from newTTSHandler because the upstream distribution routes it
// through a separate inference backend with its own voice-prompt contract.
func newHFTTSHandler() (Func, error) {
	return hfTTSHandle, nil
}

func hfTTSHandle(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	text, err := requireString(payload, "text")
	if err != nil {
		return nil, err
	}
	model, err := requireString(payload, "model")
	if err != nil {
		return nil, err
	}
	voicePrompt := optionalString(payload, "voice_prompt", "")

	work := time.Duration(rand.Intn(600)) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(work):
	}

	fake := []byte(fmt.Sprintf("simulated-hf-audio:model=%s:len=%d", model, len(text)))
	return map[string]interface{}{
		"audio":        base64.StdEncoding.EncodeToString(fake),
		"format":       "wav",
		"sample_rate":  float64(24000),
		"voice_prompt": voicePrompt,
	}, nil
}
