package workerproc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ChuLiYu/ml-worker-pool/internal/handler"
	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

// IsChild reports whether the current process was re-executed as a worker
// child (i.e. should run RunChild instead of the supervisor CLI).
func IsChild() bool {
	return os.Getenv(EnvChildMarker) == "1"
}

// RunChild is the entry point executed inside a spawned worker process. It
// loads the handler for its assigned kind exactly once, then loops reading
// Tasks from stdin and writing Results to stdout until stdin is closed.
// Handler failures become error results; they never terminate the loop.
// Initialization failure is terminal: one diagnostic line to stderr, exit
// non-zero, no tasks are ever read.
func RunChild() int {
	kind := types.WorkerKind(os.Getenv(EnvChildKind))

	factory, err := handler.Lookup(kind)
	if err != nil {
		writeDiagnostic(fmt.Sprintf("worker init failed: %v", err))
		return 1
	}

	fn, err := factory()
	if err != nil {
		emit(wireMessage{Type: "worker_init_failed", Error: err.Error()})
		writeDiagnostic(fmt.Sprintf("handler factory failed: %v", err))
		return 1
	}

	emit(wireMessage{Type: "worker_ready"})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var task wireTask
		if err := json.Unmarshal(line, &task); err != nil {
			writeDiagnostic(fmt.Sprintf("malformed task frame: %v", err))
			continue
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		result, herr := fn(ctx, task.Payload)
		cancel()
		elapsed := time.Since(start).Seconds()

		if herr != nil {
			emit(wireMessage{
				Type:           "result",
				TaskID:         task.TaskID,
				Status:         string(types.StatusError),
				Error:          herr.Error(),
				ProcessingTime: elapsed,
			})
			continue
		}

		emit(wireMessage{
			Type:           "result",
			TaskID:         task.TaskID,
			Status:         string(types.StatusSuccess),
			Result:         result,
			ProcessingTime: elapsed,
		})
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		writeDiagnostic(fmt.Sprintf("stdin read error: %v", err))
		return 1
	}

	return 0
}

var stdoutWriter = bufio.NewWriter(os.Stdout)

func emit(msg wireMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		writeDiagnostic(fmt.Sprintf("failed to marshal result: %v", err))
		return
	}
	stdoutWriter.Write(data)
	stdoutWriter.WriteByte('\n')
	stdoutWriter.Flush()
}

func writeDiagnostic(msg string) {
	line, _ := json.Marshal(map[string]string{"type": "diagnostic", "message": msg})
	fmt.Fprintln(os.Stderr, string(line))
}
