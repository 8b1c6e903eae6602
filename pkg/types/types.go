// Package types defines the wire-level domain models shared between the
// supervisor, its pools, and the worker child processes.
package types

import "time"

// WorkerKind is the closed enumeration of task categories the pool knows
// how to serve. Each kind binds to exactly one handler factory.
type WorkerKind string

const (
	KindSTT     WorkerKind = "stt"
	KindTTS     WorkerKind = "tts"
	KindHFTTS   WorkerKind = "hf_tts"
	KindVLLM    WorkerKind = "vllm"
	KindClone   WorkerKind = "clone"
	KindUnknown WorkerKind = ""
)

// Kinds returns the set of kinds the supervisor recognizes.
func Kinds() []WorkerKind {
	return []WorkerKind{KindSTT, KindTTS, KindHFTTS, KindVLLM, KindClone}
}

// Valid reports whether k is one of the known worker kinds.
func (k WorkerKind) Valid() bool {
	switch k {
	case KindSTT, KindTTS, KindHFTTS, KindVLLM, KindClone:
		return true
	default:
		return false
	}
}

// ResultStatus is the outcome of a completed task.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusError   ResultStatus = "error"
)

// WorkerState is the lifecycle state of one worker slot.
type WorkerState string

const (
	WorkerStarting        WorkerState = "starting"
	WorkerIdle            WorkerState = "idle"
	WorkerBusy            WorkerState = "busy"
	WorkerDead            WorkerState = "dead"
	WorkerDeadPermanently WorkerState = "dead_permanently"
)

// Task is a unit of work submitted from outside the supervisor. The
// supervisor never inspects Payload; it is handler-defined shape.
type Task struct {
	TaskID      string                 `json:"task_id"`
	Kind        WorkerKind             `json:"kind"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    int                    `json:"priority"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// Result is a completed task's outcome.
type Result struct {
	TaskID         string                 `json:"task_id"`
	WorkerID       int                    `json:"worker_id"`
	Status         ResultStatus           `json:"status"`
	Value          map[string]interface{} `json:"result,omitempty"`
	Error          string                 `json:"error,omitempty"`
	ProcessingTime float64                `json:"processing_time"`
}

// WorkerRecord is the supervisor-side handle describing one worker slot.
type WorkerRecord struct {
	WorkerID       int         `json:"worker_id"`
	Kind           WorkerKind  `json:"kind"`
	Status         WorkerState `json:"status"`
	TasksProcessed int64       `json:"tasks_processed"`
	Errors         int64       `json:"errors"`
	RestartCount   int         `json:"restart_count"`
	LastActivity   *time.Time  `json:"last_activity,omitempty"`
}

// PoolState is the per-kind counter snapshot returned by metrics().
type PoolState struct {
	Kind                   WorkerKind `json:"kind"`
	TasksSubmitted         int64      `json:"tasks_submitted"`
	TasksCompleted         int64      `json:"tasks_completed"`
	TasksFailed            int64      `json:"tasks_failed"`
	QueueDepth             int        `json:"queue_depth"`
	AliveWorkers           int        `json:"alive_workers"`
	NumWorkers             int        `json:"num_workers"`
	WorkerUtilization      float64    `json:"worker_utilization"`
	WorkersDeadPermanently int        `json:"workers_dead_permanently"`
}
