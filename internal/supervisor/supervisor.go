// Package supervisor implements the control plane: a single-writer loop
// that reads newline-delimited JSON control requests from stdin, routes
// them to the right pool, and writes one newline-delimited JSON response
// per request to stdout. It also owns the periodic health sweep.
package supervisor

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/ml-worker-pool/internal/pool"
	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

var log = slog.Default()

// healthSweepInterval is the independent tick that keeps an idle pool's
// dead workers from accumulating (spec.md §9's "Periodic health sweep
// piggybacking on every control frame" redesign note).
const healthSweepInterval = 1 * time.Second

// Supervisor owns one or more Pools and serves the control protocol.
type Supervisor struct {
	pools map[types.WorkerKind]*pool.Pool
	order []types.WorkerKind

	in  io.Reader
	out *bufio.Writer

	genTaskID func() string
}

// New constructs a Supervisor. order fixes the worker_type ordering used
// in the startup ready message; pools must contain exactly one entry per
// element of order.
func New(pools map[types.WorkerKind]*pool.Pool, order []types.WorkerKind, in io.Reader, out io.Writer) *Supervisor {
	return &Supervisor{
		pools:     pools,
		order:     order,
		in:        in,
		out:       bufio.NewWriter(out),
		genTaskID: uuid.NewString,
	}
}

// Start calls start() on every pool in configured order.
func (s *Supervisor) Start() error {
	for _, k := range s.order {
		if err := s.pools[k].Start(); err != nil {
			return fmt.Errorf("start pool %s: %w", k, err)
		}
	}
	return nil
}

// EmitReady writes the one-time startup message. Must be called exactly
// once, before the control loop begins reading requests.
func (s *Supervisor) EmitReady() {
	if len(s.order) == 1 {
		k := s.order[0]
		s.writeResponse(map[string]interface{}{
			"type":        "ready",
			"worker_type": string(k),
			"num_workers": s.pools[k].Metrics().NumWorkers,
		})
		return
	}

	kinds := make([]string, len(s.order))
	counts := make([]int, len(s.order))
	for i, k := range s.order {
		kinds[i] = string(k)
		counts[i] = s.pools[k].Metrics().NumWorkers
	}
	s.writeResponse(map[string]interface{}{
		"type":        "ready",
		"worker_type": kinds,
		"num_workers": counts,
	})
}

// Run reads control requests until end-of-stream, a shutdown request, or
// a termination signal on sigCh, whichever comes first. It always leaves
// every pool shut down before returning.
func (s *Supervisor) Run(sigCh <-chan os.Signal) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
		scanErr <- scanner.Err()
	}()

	ticker := time.NewTicker(healthSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				log.Info("input stream closed, draining pools before exit")
				s.drainAll()
				s.shutdownAll()
				return <-scanErr
			}

			if len(line) == 0 {
				continue
			}

			resp := s.handleLine(line)
			s.writeResponse(resp)
			s.healthSweepAll()

			if resp["type"] == "shutdown_complete" {
				return nil
			}

		case sig := <-sigCh:
			log.Info("received termination signal, shutting down", "signal", sig)
			s.shutdownAll()
			return nil

		case <-ticker.C:
			s.healthSweepAll()
		}
	}
}

func (s *Supervisor) handleLine(line string) map[string]interface{} {
	var req controlRequest
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return errorResponse(fmt.Sprintf("malformed request: %v", err))
	}

	switch req.Type {
	case "submit_task":
		return s.handleSubmit(req)
	case "get_result":
		return s.handleGetResult(req)
	case "get_metrics":
		return s.handleGetMetrics(req)
	case "health_check":
		s.healthSweepAll()
		return map[string]interface{}{"type": "health_check_complete"}
	case "shutdown":
		s.shutdownAll()
		return map[string]interface{}{"type": "shutdown_complete"}
	default:
		return errorResponse(fmt.Sprintf("unknown request type %q", req.Type))
	}
}

func (s *Supervisor) handleSubmit(req controlRequest) map[string]interface{} {
	p, err := s.resolvePool(req.Kind)
	if err != nil {
		return errorResponse(err.Error())
	}

	taskID := req.TaskID
	if taskID == "" {
		taskID = s.genTaskID()
	}

	task := types.Task{
		TaskID:   taskID,
		Kind:     p.Kind(),
		Payload:  req.Data,
		Priority: req.Priority,
	}

	latency, err := p.Submit(task)
	if err != nil {
		return errorResponse(err.Error())
	}

	return map[string]interface{}{
		"type":               "task_submitted",
		"task_id":            taskID,
		"submission_latency": float64(latency.Microseconds()) / 1000.0,
	}
}

func (s *Supervisor) handleGetResult(req controlRequest) map[string]interface{} {
	p, err := s.resolvePool(req.Kind)
	if err != nil {
		return errorResponse(err.Error())
	}

	timeoutSeconds := 1.0
	if req.Timeout != nil {
		timeoutSeconds = *req.Timeout
	}

	result, ok := p.GetResult(time.Duration(timeoutSeconds * float64(time.Second)))
	if !ok {
		return map[string]interface{}{"type": "no_result"}
	}

	return resultResponse(result)
}

// resultResponse renders a Result as a task_result control-protocol frame,
// shared by handleGetResult and the shutdown-time drain.
func resultResponse(result types.Result) map[string]interface{} {
	resp := map[string]interface{}{
		"type":            "task_result",
		"task_id":         result.TaskID,
		"status":          string(result.Status),
		"worker_id":       result.WorkerID,
		"processing_time": result.ProcessingTime,
	}
	if result.Status == types.StatusSuccess {
		resp["result"] = result.Value
	} else {
		resp["error"] = result.Error
	}
	return resp
}

func (s *Supervisor) handleGetMetrics(req controlRequest) map[string]interface{} {
	if req.Kind == "" && len(s.order) > 1 {
		pools := make([]map[string]interface{}, 0, len(s.order))
		for _, k := range s.order {
			pools = append(pools, metricsPayload(s.pools[k]))
		}
		return map[string]interface{}{"type": "metrics", "pools": pools}
	}

	p, err := s.resolvePool(req.Kind)
	if err != nil {
		return errorResponse(err.Error())
	}
	payload := metricsPayload(p)
	payload["type"] = "metrics"
	return payload
}

func metricsPayload(p *pool.Pool) map[string]interface{} {
	st := p.Metrics()
	return map[string]interface{}{
		"worker_type":              string(st.Kind),
		"num_workers":              st.NumWorkers,
		"alive_workers":            st.AliveWorkers,
		"tasks_submitted":          st.TasksSubmitted,
		"tasks_completed":          st.TasksCompleted,
		"tasks_failed":             st.TasksFailed,
		"queue_depth":              st.QueueDepth,
		"worker_utilization":       st.WorkerUtilization,
		"workers_dead_permanently": st.WorkersDeadPermanently,
	}
}

func (s *Supervisor) resolvePool(kindStr string) (*pool.Pool, error) {
	if kindStr == "" {
		if len(s.order) == 1 {
			return s.pools[s.order[0]], nil
		}
		return nil, fmt.Errorf("kind is required when multiple worker types are configured")
	}

	k := types.WorkerKind(kindStr)
	p, ok := s.pools[k]
	if !ok {
		return nil, fmt.Errorf("unknown worker kind %q", kindStr)
	}
	return p, nil
}

func (s *Supervisor) healthSweepAll() {
	for _, p := range s.pools {
		p.HealthCheck()
	}
}

// drainResultTimeout bounds how long drainAll waits for each pool's
// outbound queue to go quiet before giving up on a given round.
const drainResultTimeout = 50 * time.Millisecond

// drainAll flushes every pool's already-completed results to stdout as
// unsolicited task_result messages before shutdown begins, so a Result
// that finished right before stdin closed is never silently lost
// (spec.md §9's "drain the outbound queue with a short bounded wait
// before exiting" resolution).
func (s *Supervisor) drainAll() {
	for _, k := range s.order {
		p := s.pools[k]
		for {
			result, ok := p.GetResult(drainResultTimeout)
			if !ok {
				break
			}
			s.writeResponse(resultResponse(result))
		}
	}
}

func (s *Supervisor) shutdownAll() {
	var wg sync.WaitGroup
	for _, p := range s.pools {
		wg.Add(1)
		go func(p *pool.Pool) {
			defer wg.Done()
			p.Shutdown()
		}(p)
	}
	wg.Wait()
}

var writeMu sync.Mutex

func (s *Supervisor) writeResponse(resp map[string]interface{}) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error("failed to marshal response", "error", err)
		return
	}
	writeMu.Lock()
	defer writeMu.Unlock()
	s.out.Write(data)
	s.out.WriteByte('\n')
	s.out.Flush()
}
