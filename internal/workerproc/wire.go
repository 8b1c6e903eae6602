package workerproc

// wireTask is one line of the parent-to-child protocol written to a
// worker's stdin: one JSON object per line, newline delimited.
type wireTask struct {
	Type    string                 `json:"type"`
	TaskID  string                 `json:"task_id"`
	Payload map[string]interface{} `json:"payload"`
}

// wireMessage is one line of the child-to-parent protocol read from a
// worker's stdout. Type is one of "worker_ready", "worker_init_failed",
// or "result".
type wireMessage struct {
	Type           string                 `json:"type"`
	TaskID         string                 `json:"task_id,omitempty"`
	Status         string                 `json:"status,omitempty"`
	Result         map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ProcessingTime float64                `json:"processing_time,omitempty"`
}

// Environment variables used to hand the child its identity. The child
// entry point is never reachable through a user-facing flag.
const (
	EnvChildMarker = "MLPOOL_WORKER_CHILD"
	EnvChildKind   = "MLPOOL_WORKER_KIND"
	EnvChildID     = "MLPOOL_WORKER_ID"
)
