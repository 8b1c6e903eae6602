package supervisor

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/ml-worker-pool/internal/pool"
	"github.com/ChuLiYu/ml-worker-pool/internal/workerproc"
	"github.com/ChuLiYu/ml-worker-pool/pkg/types"
)

// TestMain lets this test binary stand in for the worker executable, same
// as every package that drives a real pool.Pool.
func TestMain(m *testing.M) {
	if workerproc.IsChild() {
		os.Exit(workerproc.RunChild())
	}
	os.Exit(m.Run())
}

func decodeLines(t *testing.T, out *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines
}

func newSinglePoolSupervisor(t *testing.T, in *strings.Reader, out *bytes.Buffer) *Supervisor {
	t.Helper()
	p := pool.New(pool.Config{Kind: types.KindVLLM, NumWorkers: 1})
	require.NoError(t, p.Start())
	t.Cleanup(p.Shutdown)

	sup := New(map[types.WorkerKind]*pool.Pool{types.KindVLLM: p}, []types.WorkerKind{types.KindVLLM}, in, out)
	return sup
}

func TestSupervisorEmitReadySinglePool(t *testing.T) {
	out := &bytes.Buffer{}
	sup := newSinglePoolSupervisor(t, strings.NewReader(""), out)
	sup.EmitReady()

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, "ready", lines[0]["type"])
	assert.Equal(t, "vllm", lines[0]["worker_type"])
	assert.Equal(t, float64(1), lines[0]["num_workers"])
}

func TestSupervisorSubmitAndGetResult(t *testing.T) {
	input := `{"type":"submit_task","task_id":"fixed-1","data":{"prompt":"hello"}}` + "\n" +
		`{"type":"get_result","timeout":5}` + "\n"
	out := &bytes.Buffer{}
	sup := newSinglePoolSupervisor(t, strings.NewReader(input), out)
	require.NoError(t, sup.Start())

	sigCh := make(chan os.Signal)
	err := sup.Run(sigCh)
	require.NoError(t, err)

	lines := decodeLines(t, out)
	require.Len(t, lines, 2)

	assert.Equal(t, "task_submitted", lines[0]["type"])
	assert.Equal(t, "fixed-1", lines[0]["task_id"])

	assert.Equal(t, "task_result", lines[1]["type"])
	assert.Equal(t, "fixed-1", lines[1]["task_id"])
	assert.Equal(t, "success", lines[1]["status"])
}

func TestSupervisorAutoGeneratesTaskID(t *testing.T) {
	input := `{"type":"submit_task","data":{"prompt":"hello"}}` + "\n"
	out := &bytes.Buffer{}
	sup := newSinglePoolSupervisor(t, strings.NewReader(input), out)
	require.NoError(t, sup.Start())

	sigCh := make(chan os.Signal)
	require.NoError(t, sup.Run(sigCh))

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	taskID, _ := lines[0]["task_id"].(string)
	assert.NotEmpty(t, taskID)
}

func TestSupervisorMalformedLineYieldsError(t *testing.T) {
	input := "not json\n"
	out := &bytes.Buffer{}
	sup := newSinglePoolSupervisor(t, strings.NewReader(input), out)
	require.NoError(t, sup.Start())

	sigCh := make(chan os.Signal)
	require.NoError(t, sup.Run(sigCh))

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["type"])
}

func TestSupervisorUnknownRequestType(t *testing.T) {
	input := `{"type":"frobnicate"}` + "\n"
	out := &bytes.Buffer{}
	sup := newSinglePoolSupervisor(t, strings.NewReader(input), out)
	require.NoError(t, sup.Start())

	sigCh := make(chan os.Signal)
	require.NoError(t, sup.Run(sigCh))

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["type"])
}

func TestSupervisorShutdownRequestStopsLoop(t *testing.T) {
	input := `{"type":"shutdown"}` + "\n" + `{"type":"get_metrics"}` + "\n"
	out := &bytes.Buffer{}
	sup := newSinglePoolSupervisor(t, strings.NewReader(input), out)
	require.NoError(t, sup.Start())

	sigCh := make(chan os.Signal)
	done := make(chan error, 1)
	go func() { done <- sup.Run(sigCh) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after shutdown request")
	}

	lines := decodeLines(t, out)
	require.Len(t, lines, 1, "the second queued line must never be processed once shutdown_complete is emitted")
	assert.Equal(t, "shutdown_complete", lines[0]["type"])
}

func TestSupervisorGetMetricsUnknownKind(t *testing.T) {
	input := `{"type":"get_metrics","kind":"bogus"}` + "\n"
	out := &bytes.Buffer{}
	sup := newSinglePoolSupervisor(t, strings.NewReader(input), out)
	require.NoError(t, sup.Start())

	sigCh := make(chan os.Signal)
	require.NoError(t, sup.Run(sigCh))

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["type"])
}

func TestSupervisorMultiPoolRequiresKind(t *testing.T) {
	sttPool := pool.New(pool.Config{Kind: types.KindSTT, NumWorkers: 1})
	require.NoError(t, sttPool.Start())
	t.Cleanup(sttPool.Shutdown)

	vllmPool := pool.New(pool.Config{Kind: types.KindVLLM, NumWorkers: 1})
	require.NoError(t, vllmPool.Start())
	t.Cleanup(vllmPool.Shutdown)

	input := `{"type":"submit_task","data":{"prompt":"hi"}}` + "\n"
	out := &bytes.Buffer{}
	sup := New(
		map[types.WorkerKind]*pool.Pool{types.KindSTT: sttPool, types.KindVLLM: vllmPool},
		[]types.WorkerKind{types.KindSTT, types.KindVLLM},
		strings.NewReader(input), out,
	)

	sigCh := make(chan os.Signal)
	require.NoError(t, sup.Run(sigCh))

	lines := decodeLines(t, out)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["type"])
}

func TestSupervisorMultiPoolSubmitWithKind(t *testing.T) {
	sttPool := pool.New(pool.Config{Kind: types.KindSTT, NumWorkers: 1})
	require.NoError(t, sttPool.Start())
	t.Cleanup(sttPool.Shutdown)

	vllmPool := pool.New(pool.Config{Kind: types.KindVLLM, NumWorkers: 1})
	require.NoError(t, vllmPool.Start())
	t.Cleanup(vllmPool.Shutdown)

	input := `{"type":"submit_task","kind":"vllm","data":{"prompt":"hi"}}` + "\n" +
		`{"type":"get_result","kind":"vllm","timeout":5}` + "\n"
	out := &bytes.Buffer{}
	sup := New(
		map[types.WorkerKind]*pool.Pool{types.KindSTT: sttPool, types.KindVLLM: vllmPool},
		[]types.WorkerKind{types.KindSTT, types.KindVLLM},
		strings.NewReader(input), out,
	)

	sigCh := make(chan os.Signal)
	require.NoError(t, sup.Run(sigCh))

	lines := decodeLines(t, out)
	require.Len(t, lines, 2)
	assert.Equal(t, "task_submitted", lines[0]["type"])
	assert.Equal(t, "task_result", lines[1]["type"])
}
