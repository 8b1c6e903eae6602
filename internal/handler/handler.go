// Package handler implements the per-WorkerKind Task Handler contract.
// Handlers are black boxes to the pool: each one validates its own payload
// shape once at the boundary and returns a result map or an error. A
// validation or handler failure becomes an error Result; it never crashes
// the worker process that calls it.
package handler

import (
	"context"
	"fmt"

	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

// Func executes one task's payload and returns its result payload.
type Func func(ctx context.Context, payload map[string]interface{}) (map[string]interface{}, error)

// Factory loads whatever state a handler needs (a model, in the real
// distribution) and returns the Func that executes tasks against it.
// Factory failure is terminal for the worker process that calls it.
type Factory func() (Func, error)

// registry maps each known WorkerKind to its handler factory. Adding a new
// kind is a one-line table change plus the Factory implementation.
var registry = map[types.WorkerKind]Factory{
	types.KindSTT:   newSTTHandler,
	types.KindTTS:   newTTSHandler,
	types.KindHFTTS: newHFTTSHandler,
	types.KindVLLM:  newVLLMHandler,
	types.KindClone: newCloneHandler,
}

// Lookup returns the Factory registered for kind, or an error if kind is
// not one of the known WorkerKind values.
func Lookup(kind types.WorkerKind) (Factory, error) {
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown worker kind %q", kind)
	}
	return f, nil
}

// requireString extracts a required non-empty string field from payload.
func requireString(payload map[string]interface{}, field string) (string, error) {
	raw, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing required field %q", field)
	}
	s, ok := raw.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("field %q must be a non-empty string", field)
	}
	return s, nil
}

// optionalString extracts an optional string field, returning def when
// absent or of the wrong type.
func optionalString(payload map[string]interface{}, field, def string) string {
	raw, ok := payload[field]
	if !ok {
		return def
	}
	s, ok := raw.(string)
	if !ok {
		return def
	}
	return s
}

// optionalFloat extracts an optional numeric field, returning def when
// absent or of the wrong type. JSON numbers decode to float64.
func optionalFloat(payload map[string]interface{}, field string, def float64) float64 {
	raw, ok := payload[field]
	if !ok {
		return def
	}
	f, ok := raw.(float64)
	if !ok {
		return def
	}
	return f
}
