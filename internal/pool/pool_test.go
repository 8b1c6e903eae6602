package pool

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ml-worker-pool/internal/workerproc"
	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

// TestMain re-executes this test binary as a worker child when Spawn
// marks it so, exactly as cmd/mlpool's main does in production.
func TestMain(m *testing.M) {
	if workerproc.IsChild() {
		os.Exit(workerproc.RunChild())
	}
	os.Exit(m.Run())
}

func newTestPool(t *testing.T, kind types.WorkerKind, numWorkers int) *Pool {
	t.Helper()
	p := New(Config{
		Kind:       kind,
		NumWorkers: numWorkers,
	})
	require.NoError(t, p.Start())
	t.Cleanup(p.Shutdown)
	return p
}

func awaitAliveWorkers(t *testing.T, p *Pool, want int, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if p.Metrics().AliveWorkers >= want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d alive workers, got %d", want, p.Metrics().AliveWorkers)
}

func TestPoolStartAndSubmit(t *testing.T) {
	p := newTestPool(t, types.KindVLLM, 2)
	awaitAliveWorkers(t, p, 2, 5*time.Second)

	_, err := p.Submit(types.Task{
		TaskID:  "task-1",
		Payload: map[string]interface{}{"prompt": "hello"},
	})
	require.NoError(t, err)

	result, ok := p.GetResult(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "task-1", result.TaskID)
	assert.Equal(t, types.StatusSuccess, result.Status)
}

func TestPoolSubmitBeforeStartFails(t *testing.T) {
	p := New(Config{Kind: types.KindVLLM, NumWorkers: 1})
	_, err := p.Submit(types.Task{TaskID: "x"})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
}

func TestPoolSubmitAfterShutdownFails(t *testing.T) {
	p := New(Config{Kind: types.KindVLLM, NumWorkers: 1})
	require.NoError(t, p.Start())
	awaitAliveWorkers(t, p, 1, 5*time.Second)
	p.Shutdown()

	_, err := p.Submit(types.Task{TaskID: "x"})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolQueueFull(t *testing.T) {
	p := New(Config{Kind: types.KindVLLM, NumWorkers: 0, QueueCapacity: 1})
	require.NoError(t, p.Start())
	t.Cleanup(p.Shutdown)

	_, err := p.Submit(types.Task{TaskID: "a"})
	require.NoError(t, err)

	_, err = p.Submit(types.Task{TaskID: "b"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPoolGetResultTimesOut(t *testing.T) {
	p := newTestPool(t, types.KindVLLM, 1)
	awaitAliveWorkers(t, p, 1, 5*time.Second)

	_, ok := p.GetResult(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestPoolHighPriorityPreferredOverNormal(t *testing.T) {
	p := newTestPool(t, types.KindVLLM, 1)
	awaitAliveWorkers(t, p, 1, 5*time.Second)

	_, err := p.Submit(types.Task{TaskID: "normal-1", Payload: map[string]interface{}{"prompt": "n1"}})
	require.NoError(t, err)
	_, err = p.Submit(types.Task{TaskID: "normal-2", Payload: map[string]interface{}{"prompt": "n2"}})
	require.NoError(t, err)
	_, err = p.Submit(types.Task{TaskID: "high-1", Priority: 1, Payload: map[string]interface{}{"prompt": "h1"}})
	require.NoError(t, err)

	first, ok := p.GetResult(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "normal-1", first.TaskID, "already-dequeued task finishes first regardless of band")

	second, ok := p.GetResult(5 * time.Second)
	require.True(t, ok)
	assert.Equal(t, "high-1", second.TaskID, "high band is preferred over normal once both are queued")
}

func TestPoolMetricsReflectSubmissions(t *testing.T) {
	p := newTestPool(t, types.KindVLLM, 1)
	awaitAliveWorkers(t, p, 1, 5*time.Second)

	_, err := p.Submit(types.Task{TaskID: "m-1", Payload: map[string]interface{}{"prompt": "x"}})
	require.NoError(t, err)
	_, ok := p.GetResult(5 * time.Second)
	require.True(t, ok)

	st := p.Metrics()
	assert.Equal(t, int64(1), st.TasksSubmitted)
	assert.Equal(t, int64(1), st.TasksCompleted)
	assert.Equal(t, types.KindVLLM, st.Kind)
}

func TestPoolWorkerRecordsCoverAllSlots(t *testing.T) {
	p := newTestPool(t, types.KindVLLM, 3)
	awaitAliveWorkers(t, p, 3, 5*time.Second)

	records := p.WorkerRecords()
	assert.Len(t, records, 3)
	ids := map[int]bool{}
	for _, r := range records {
		ids[r.WorkerID] = true
		assert.Equal(t, types.KindVLLM, r.Kind)
	}
	assert.Len(t, ids, 3)
}

func TestPoolRestartsDeadWorker(t *testing.T) {
	p := New(Config{
		Kind:                types.KindVLLM,
		NumWorkers:          1,
		RestartBackoffFloor: 10 * time.Millisecond,
	})
	require.NoError(t, p.Start())
	t.Cleanup(p.Shutdown)
	awaitAliveWorkers(t, p, 1, 5*time.Second)

	p.mu.Lock()
	slot := p.slots[0]
	p.mu.Unlock()
	slot.Shutdown(0)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.HealthCheck()
		p.mu.Lock()
		restarted := p.slots[0] != slot && p.slots[0].Alive()
		p.mu.Unlock()
		if restarted {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for dead worker slot to be restarted")
}

func TestPoolStartTwiceFails(t *testing.T) {
	p := newTestPool(t, types.KindVLLM, 1)
	err := p.Start()
	assert.Error(t, err)
}

func TestPoolShutdownIsIdempotent(t *testing.T) {
	p := New(Config{Kind: types.KindVLLM, NumWorkers: 1})
	require.NoError(t, p.Start())
	awaitAliveWorkers(t, p, 1, 5*time.Second)

	p.Shutdown()
	assert.NotPanics(t, func() {
		p.Shutdown()
	})
}
