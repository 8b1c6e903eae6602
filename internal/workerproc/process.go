// Package workerproc owns the one-worker-one-process primitive: spawning a
// worker child via os/exec, feeding it Tasks on its stdin, and reading
// Results back off its stdout. It realizes spec.md's "Cross-process
// ownership" redesign note: the pipe pair is the chosen IPC transport, and
// no heap is shared between the supervisor and its workers.
package workerproc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

// ErrWorkerDied is returned by WaitResult when the worker process exits
// (crash, signal, OOM) before producing a result for the dispatched task.
var ErrWorkerDied = errors.New("worker process died before producing a result")

// Process is the supervisor-side handle for one worker child process.
type Process struct {
	ID   int
	Kind types.WorkerKind

	cmd   *exec.Cmd
	stdin io.WriteCloser

	messages chan wireMessage
	done     chan struct{}

	mu             sync.Mutex
	state          types.WorkerState
	tasksProcessed int64
	errorsCount    int64
	restartCount   int
	lastActivity   time.Time
	currentTaskID  string
}

// Spawn starts a fresh worker process bound to kind, numbered id.
// restartCount carries forward the slot's restart count, reported through
// Record and RestartCount; the pool's restart backoff does not read it.
func Spawn(id int, kind types.WorkerKind, restartCount int) (*Process, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable path: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Env = append(os.Environ(),
		EnvChildMarker+"=1",
		EnvChildKind+"="+string(kind),
		fmt.Sprintf("%s=%d", EnvChildID, id),
	)
	cmd.Stderr = os.Stderr
	setSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open worker stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	p := &Process{
		ID:           id,
		Kind:         kind,
		cmd:          cmd,
		stdin:        stdin,
		messages:     make(chan wireMessage, 8),
		done:         make(chan struct{}),
		state:        types.WorkerStarting,
		restartCount: restartCount,
	}

	go p.readLoop(stdout)
	return p, nil
}

// readLoop drains the worker's stdout, one JSON line at a time, publishing
// each onto messages. When the worker exits, stdout closes, Wait()
// reaps the process, and done is closed to unblock anyone waiting on a
// result that will never arrive.
func (p *Process) readLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		select {
		case p.messages <- msg:
		case <-p.done:
			return
		}
	}

	p.cmd.Wait()
	close(p.done)
}

// Alive reports whether the worker process has not yet been reaped.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// AwaitReady blocks until the worker reports readiness, reports an
// initialization failure, or the deadline passes, whichever comes first.
func (p *Process) AwaitReady(ctx context.Context) error {
	select {
	case msg := <-p.messages:
		switch msg.Type {
		case "worker_ready":
			p.setState(types.WorkerIdle)
			return nil
		case "worker_init_failed":
			p.setState(types.WorkerDead)
			return fmt.Errorf("worker init failed: %s", msg.Error)
		default:
			return fmt.Errorf("unexpected message %q while awaiting readiness", msg.Type)
		}
	case <-p.done:
		return ErrWorkerDied
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit writes one Task to the worker's stdin and records it as owned by
// this slot (the dequeue ACK from spec.md's task-loss redesign note).
func (p *Process) Submit(task types.Task) error {
	p.mu.Lock()
	p.currentTaskID = task.TaskID
	p.state = types.WorkerBusy
	p.mu.Unlock()

	data, err := json.Marshal(wireTask{Type: "task", TaskID: task.TaskID, Payload: task.Payload})
	if err != nil {
		return fmt.Errorf("marshal task frame: %w", err)
	}
	data = append(data, '\n')

	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write task frame: %w", err)
	}
	return nil
}

// WaitResult blocks until the worker produces a result for its current
// task, the worker dies, or ctx expires.
func (p *Process) WaitResult(ctx context.Context) (types.Result, error) {
	select {
	case msg := <-p.messages:
		if msg.Type != "result" {
			return types.Result{}, fmt.Errorf("unexpected message %q while awaiting result", msg.Type)
		}
		p.mu.Lock()
		p.currentTaskID = ""
		p.state = types.WorkerIdle
		p.tasksProcessed++
		if msg.Status == string(types.StatusError) {
			p.errorsCount++
		}
		now := time.Now()
		p.lastActivity = now
		p.mu.Unlock()

		return types.Result{
			TaskID:         msg.TaskID,
			WorkerID:       p.ID,
			Status:         types.ResultStatus(msg.Status),
			Value:          msg.Result,
			Error:          msg.Error,
			ProcessingTime: msg.ProcessingTime,
		}, nil
	case <-p.done:
		return types.Result{}, ErrWorkerDied
	case <-ctx.Done():
		return types.Result{}, ctx.Err()
	}
}

// CurrentTaskID returns the task id currently dispatched to this worker,
// or "" if idle.
func (p *Process) CurrentTaskID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentTaskID
}

func (p *Process) setState(s types.WorkerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// MarkPermanentlyDead records that this slot has exhausted its restart
// budget. Called by the pool once its backoff reports the slot permanent,
// so the state is visible through Record() instead of staying stuck at
// plain "dead".
func (p *Process) MarkPermanentlyDead() {
	p.setState(types.WorkerDeadPermanently)
}

// Record returns a snapshot of this slot's supervisor-visible state.
func (p *Process) Record() types.WorkerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := types.WorkerRecord{
		WorkerID:       p.ID,
		Kind:           p.Kind,
		Status:         p.state,
		TasksProcessed: p.tasksProcessed,
		Errors:         p.errorsCount,
		RestartCount:   p.restartCount,
	}
	if !p.lastActivity.IsZero() {
		t := p.lastActivity
		rec.LastActivity = &t
	}
	return rec
}

// RestartCount returns how many times this slot has been restarted.
func (p *Process) RestartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartCount
}

// Shutdown gracefully stops the worker process: it closes stdin (EOF
// signals the child's read loop to exit cleanly), waits up to grace for
// the process to exit on its own, then escalates to SIGTERM and finally
// SIGKILL. Idempotent.
func (p *Process) Shutdown(grace time.Duration) {
	if !p.Alive() {
		return
	}

	p.stdin.Close()

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	terminate(p.cmd)

	select {
	case <-p.done:
		return
	case <-time.After(grace):
	}

	kill(p.cmd)
	<-p.done
}
