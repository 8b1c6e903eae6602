// Package pool owns N worker processes of one WorkerKind, the bounded
// inbound queue and outbound result queue between them and the
// supervisor, and the health sweep that replaces dead workers.
//
// Design Pattern:
//   Generalizes the teacher's goroutine-based worker pool
//   (internal/worker/worker_pool.go) to a pool of real OS processes:
//
//   ┌──────────────┐
//   │  Supervisor  │ --Submit()--> highCh / normalCh
//   └──────────────┘
//         ↑
//    GetResult()
//         ↑
//   ┌──────────────┐
//   │     Pool     │
//   │  ┌─────────┐ │
//   │  │ slot 0  │←── highCh / normalCh (priority dequeue)
//   │  │ slot 1  │←──                          ──→ resultCh
//   │  │ slot N  │←──
//   │  └─────────┘ │
//   └──────────────┘
//
// Each slot is a supervising goroutine paired with one workerproc.Process
// (a real child process). Workers race to dequeue from the shared queues,
// so results may complete out of submission order across workers; within
// one worker, order is preserved because it handles one task at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/ml-worker-pool/internal/metrics"
	"github.com/ChuLiYu/ml-worker-pool/internal/workerproc"
	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

var log = slog.Default()

// Errors returned by pool operations.
var (
	ErrPoolNotStarted = errors.New("worker pool not started")
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrQueueFull      = errors.New("worker pool inbound queue is full")
)

// Default tuning values, overridable via Config.
const (
	DefaultQueueCapacity        = 1000
	DefaultRestartBackoffFloor  = 500 * time.Millisecond
	DefaultRestartBackoffCeil   = 30 * time.Second
	DefaultMaxConsecutiveInit   = 5
	defaultResultBuffer         = 4096
	defaultStartupReadyDeadline = 10 * time.Second
	defaultShutdownGrace        = 3 * time.Second
)

// Config configures one Pool.
type Config struct {
	Kind                   types.WorkerKind
	NumWorkers             int
	QueueCapacity          int
	RestartBackoffFloor    time.Duration
	RestartBackoffCeiling  time.Duration
	MaxConsecutiveFailures int
	Metrics                *metrics.Collector // optional
}

func (c *Config) setDefaults() {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.RestartBackoffFloor <= 0 {
		c.RestartBackoffFloor = DefaultRestartBackoffFloor
	}
	if c.RestartBackoffCeiling <= 0 {
		c.RestartBackoffCeiling = DefaultRestartBackoffCeil
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveInit
	}
}

// Pool manages num_workers worker processes of one kind.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	slots   []*workerproc.Process
	backoff []*slotBackoff
	started bool
	stopped bool

	highCh   chan types.Task
	normalCh chan types.Task
	resultCh chan types.Result
	stopCh   chan struct{}
	wg       sync.WaitGroup

	tasksSubmitted int64
	tasksCompleted int64
	tasksFailed    int64
}

// New constructs a Pool. Call Start to spawn its workers.
func New(cfg Config) *Pool {
	cfg.setDefaults()
	return &Pool{
		cfg:      cfg,
		highCh:   make(chan types.Task, cfg.QueueCapacity),
		normalCh: make(chan types.Task, cfg.QueueCapacity),
		resultCh: make(chan types.Result, defaultResultBuffer),
		stopCh:   make(chan struct{}),
	}
}

// Kind returns the WorkerKind this pool serves.
func (p *Pool) Kind() types.WorkerKind { return p.cfg.Kind }

// Start spawns num_workers worker processes and returns once all have
// been launched. It does not wait for them to finish initializing; each
// slot transitions from starting to idle asynchronously.
func (p *Pool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started")
	}

	p.slots = make([]*workerproc.Process, p.cfg.NumWorkers)
	p.backoff = make([]*slotBackoff, p.cfg.NumWorkers)

	for id := 0; id < p.cfg.NumWorkers; id++ {
		p.backoff[id] = newSlotBackoff(p.cfg.RestartBackoffFloor, p.cfg.RestartBackoffCeiling, p.cfg.MaxConsecutiveFailures)

		proc, err := workerproc.Spawn(id, p.cfg.Kind, 0)
		if err != nil {
			return fmt.Errorf("spawn worker %d: %w", id, err)
		}
		p.slots[id] = proc

		p.wg.Add(1)
		go p.superviseSlot(id, proc)
	}

	p.started = true
	return nil
}

// superviseSlot owns one worker slot for the lifetime of one process
// incarnation: it waits for readiness, then repeatedly dequeues a task,
// dispatches it, and waits for the result until the process dies or the
// pool is asked to stop.
func (p *Pool) superviseSlot(id int, proc *workerproc.Process) {
	defer p.wg.Done()

	readyCtx, cancel := context.WithTimeout(context.Background(), defaultStartupReadyDeadline)
	err := proc.AwaitReady(readyCtx)
	cancel()

	if err != nil {
		log.Warn("worker failed to become ready", "worker_id", id, "kind", p.cfg.Kind, "error", err)
		if p.backoff[id].recordFailure() {
			proc.MarkPermanentlyDead()
		}
		return
	}
	p.backoff[id].recordSuccess()

	for {
		task, ok := p.dequeue()
		if !ok {
			return
		}

		if err := proc.Submit(task); err != nil {
			log.Warn("submit to worker failed, requeueing task", "worker_id", id, "task_id", task.TaskID, "error", err)
			p.requeue(task)
			return
		}

		result, err := proc.WaitResult(context.Background())
		if err != nil {
			if errors.Is(err, workerproc.ErrWorkerDied) {
				log.Error("worker died with a task in flight, requeueing", "worker_id", id, "task_id", task.TaskID)
				p.requeue(task)
			}
			return
		}

		p.pushResult(result)
	}
}

// dequeue pops the next task respecting the high/normal priority bands:
// a high-priority task is always preferred when one is waiting, but a
// normal task is served whenever no high task is queued, so normal work
// is never starved outright.
func (p *Pool) dequeue() (types.Task, bool) {
	select {
	case t := <-p.highCh:
		return t, true
	default:
	}

	select {
	case t := <-p.highCh:
		return t, true
	case t := <-p.normalCh:
		return t, true
	case <-p.stopCh:
		return types.Task{}, false
	}
}

func (p *Pool) requeue(task types.Task) {
	ch := p.normalCh
	if task.Priority > 0 {
		ch = p.highCh
	}
	select {
	case ch <- task:
	default:
		log.Error("dropped task on requeue, queue full", "task_id", task.TaskID, "kind", p.cfg.Kind)
	}
}

func (p *Pool) pushResult(r types.Result) {
	select {
	case p.resultCh <- r:
	case <-p.stopCh:
	}
}

// Submit enqueues task non-blockingly, stamping submitted_at and
// incrementing tasks_submitted. Returns the submission latency on
// success, or ErrQueueFull if the inbound queue has reached capacity.
func (p *Pool) Submit(task types.Task) (time.Duration, error) {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()

	if !started {
		return 0, ErrPoolNotStarted
	}
	if stopped {
		return 0, ErrPoolClosed
	}

	start := time.Now()
	task.SubmittedAt = start

	ch := p.normalCh
	if task.Priority > 0 {
		ch = p.highCh
	}

	select {
	case ch <- task:
	default:
		return 0, ErrQueueFull
	}

	atomic.AddInt64(&p.tasksSubmitted, 1)
	latency := time.Since(start)
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.RecordSubmit(p.cfg.Kind, latency.Seconds())
	}
	return latency, nil
}

// GetResult pops one Result, waiting up to timeout. Returns ok=false (the
// no_result sentinel) if nothing arrived within the window; that is not
// an error.
func (p *Pool) GetResult(timeout time.Duration) (types.Result, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-p.resultCh:
		if r.Status == types.StatusSuccess {
			atomic.AddInt64(&p.tasksCompleted, 1)
		} else {
			atomic.AddInt64(&p.tasksFailed, 1)
		}
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordResult(p.cfg.Kind, r.Status, r.ProcessingTime)
		}
		return r, true
	case <-timer.C:
		return types.Result{}, false
	}
}

// Metrics reads counters and probes worker liveness. Never blocks on a
// queue.
func (p *Pool) Metrics() types.PoolState {
	p.mu.Lock()
	slots := append([]*workerproc.Process(nil), p.slots...)
	p.mu.Unlock()

	alive, busy, deadPermanently := 0, 0, 0
	for _, s := range slots {
		if s == nil {
			continue
		}
		if s.Record().Status == types.WorkerDeadPermanently {
			deadPermanently++
		}
		if !s.Alive() {
			continue
		}
		alive++
		if s.Record().Status == types.WorkerBusy {
			busy++
		}
	}

	queueDepth := len(p.highCh) + len(p.normalCh)
	util := 0.0
	if alive > 0 {
		util = float64(busy) / float64(alive)
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.UpdateGauges(p.cfg.Kind, queueDepth, alive)
	}

	return types.PoolState{
		Kind:                   p.cfg.Kind,
		TasksSubmitted:         atomic.LoadInt64(&p.tasksSubmitted),
		TasksCompleted:         atomic.LoadInt64(&p.tasksCompleted),
		TasksFailed:            atomic.LoadInt64(&p.tasksFailed),
		QueueDepth:             queueDepth,
		AliveWorkers:           alive,
		NumWorkers:             p.cfg.NumWorkers,
		WorkerUtilization:      util,
		WorkersDeadPermanently: deadPermanently,
	}
}

// WorkerRecords returns a snapshot of every worker slot, for diagnostics.
func (p *Pool) WorkerRecords() []types.WorkerRecord {
	p.mu.Lock()
	slots := append([]*workerproc.Process(nil), p.slots...)
	p.mu.Unlock()

	records := make([]types.WorkerRecord, 0, len(slots))
	for _, s := range slots {
		if s == nil {
			continue
		}
		records = append(records, s.Record())
	}
	return records
}

// HealthCheck replaces any dead worker slot whose restart backoff has
// elapsed, and leaves slots that have exhausted their restart budget in
// dead_permanently. The inbound/outbound queues are preserved across
// restart: only the slot and its supervising goroutine are replaced.
func (p *Pool) HealthCheck() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	numWorkers := p.cfg.NumWorkers
	p.mu.Unlock()

	for id := 0; id < numWorkers; id++ {
		p.mu.Lock()
		proc := p.slots[id]
		back := p.backoff[id]
		p.mu.Unlock()

		if proc != nil && proc.Alive() {
			continue
		}
		if back.permanentlyDeadNow() {
			continue
		}
		if !back.readyToRetry() {
			continue
		}

		restartCount := 0
		if proc != nil {
			restartCount = proc.RestartCount() + 1
		}

		newProc, err := workerproc.Spawn(id, p.cfg.Kind, restartCount)
		if err != nil {
			log.Error("failed to respawn worker", "worker_id", id, "kind", p.cfg.Kind, "error", err)
			if back.recordFailure() && proc != nil {
				proc.MarkPermanentlyDead()
			}
			continue
		}

		p.mu.Lock()
		p.slots[id] = newProc
		p.mu.Unlock()

		if p.cfg.Metrics != nil {
			p.cfg.Metrics.RecordRestart(p.cfg.Kind)
		}

		p.wg.Add(1)
		go p.superviseSlot(id, newProc)
	}
}

// Shutdown sets the shutdown signal, waits bounded time for workers to
// exit gracefully, escalates to forceful termination, and is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	slots := append([]*workerproc.Process(nil), p.slots...)
	p.mu.Unlock()

	close(p.stopCh)

	var wg sync.WaitGroup
	for _, s := range slots {
		if s == nil {
			continue
		}
		wg.Add(1)
		go func(s *workerproc.Process) {
			defer wg.Done()
			s.Shutdown(defaultShutdownGrace)
		}(s)
	}
	wg.Wait()

	p.wg.Wait()
}

// IsStarted reports whether Start has been called successfully.
func (p *Pool) IsStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}
