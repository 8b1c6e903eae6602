package handler

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// newVLLMHandler loads a vLLM-served language model. The payload is a
// free-form generation request; the handler boundary only requires a
// "prompt" string, matching the distribution's minimal contract.
func newVLLMHandler() (Func, error) {
	return vllmHandle, nil
}

func vllmHandle(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error) {
	prompt, err := requireString(payload, "prompt")
	if err != nil {
		return nil, err
	}
	maxTokens := optionalFloat(payload, "max_tokens", 256)

	work := time.Duration(rand.Intn(800)) * time.Millisecond
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(work):
	}

	return map[string]interface{}{
		"text":        fmt.Sprintf("[simulated generation for prompt of %d chars]", len(prompt)),
		"finish_reason": "stop",
		"max_tokens":  maxTokens,
	}, nil
}
