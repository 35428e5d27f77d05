package service

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxapientia/alphacore/pkg/config"
	"github.com/luxapientia/alphacore/pkg/events"
	"github.com/luxapientia/alphacore/pkg/queue"
	"github.com/luxapientia/alphacore/pkg/store"
	"github.com/luxapientia/alphacore/pkg/tap"
	"github.com/luxapientia/alphacore/pkg/types"
)

type fakeRunner struct {
	mu    sync.Mutex
	block chan struct{}
	count int
}

func (f *fakeRunner) Run(ctx context.Context, job *types.Job, tapDevice, token string) (*types.Result, error) {
	f.mu.Lock()
	f.count++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
		}
	}
	return &types.Result{
		Status: types.ResultPass, Score: 1,
		PassedInvariants: 1, TotalInvariants: 1,
	}, nil
}

func (f *fakeRunner) running() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

type fakeTokens struct{ ready bool }

func (f *fakeTokens) Current(ctx context.Context) (string, error) { return "test-token", nil }
func (f *fakeTokens) Ready() bool                                 { return f.ready }

type testEnv struct {
	srv    *Server
	ts     *httptest.Server
	cfg    *config.Config
	runner *fakeRunner
	tokens *fakeTokens
}

func newTestEnv(t *testing.T, workers, queueSize int) *testEnv {
	t.Helper()

	dataRoot := t.TempDir()
	archiveRoot := t.TempDir()

	cfg := config.Default()
	cfg.Data.Root = dataRoot
	cfg.Data.ArchiveRoot = archiveRoot
	cfg.Pool.Workers = workers
	cfg.Pool.QueueSize = queueSize
	cfg.Server.SubmitRatePerSec = 0 // tests drive capacity, not the limiter

	st, err := store.Open(cfg.IndexPath(), cfg.JobsDir(), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	devices := make([]string, workers)
	for i := range devices {
		devices[i] = fmt.Sprintf("actap%d", i)
	}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	runner := &fakeRunner{}
	tokens := &fakeTokens{ready: true}

	pool, err := queue.New(workers, queueSize, tap.NewStatic(devices), tokens, runner, st, broker)
	require.NoError(t, err)
	pool.Start()
	t.Cleanup(pool.Stop)

	srv := New(cfg, pool, st, tokens, "test")
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	return &testEnv{srv: srv, ts: ts, cfg: cfg, runner: runner, tokens: tokens}
}

// writeArchive drops a zip under the archive root and returns its path
func (e *testEnv) writeArchive(t *testing.T, name string, entries map[string]string) string {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for entryName, body := range entries {
		w, err := zw.Create(entryName)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(e.cfg.Data.ArchiveRoot, name)
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func (e *testEnv) submit(t *testing.T, body map[string]interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.ts.URL+"/validate", "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func submitBody(archivePath string) map[string]interface{} {
	return map[string]interface{}{
		"workspace_archive_path": archivePath,
		"task_id":                "task-1",
		"task_spec": map[string]interface{}{
			"invariants": []map[string]interface{}{
				{"id": "i1", "kind": "resource_exists", "params": map[string]string{"name": "random_id.example"}},
			},
		},
		"timeout_s": 30,
	}
}

func TestSubmitHappyPath(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	archive := env.writeArchive(t, "good.zip", map[string]string{
		"main.tf": `resource "random_id" "example" { byte_length = 4 }`,
	})

	resp := env.submit(t, submitBody(archive))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.JobID)
	assert.Equal(t, "task-1", out.TaskID)
	require.NotNil(t, out.Result)
	assert.Equal(t, types.ResultPass, out.Result.Status)
	assert.Equal(t, 1.0, out.Result.Score)
	assert.Contains(t, out.SubmissionPath, "task-1")

	// Submission is filed on disk
	_, err := os.Stat(out.SubmissionPath)
	assert.NoError(t, err)

	// And the job is retrievable afterwards
	getResp, err := http.Get(env.ts.URL + "/validate/" + out.JobID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestSubmitTraversalRejected(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	archive := env.writeArchive(t, "evil.zip", map[string]string{
		"../evil.tf": "# escape",
	})

	resp := env.submit(t, submitBody(archive))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	// No job record may exist
	active, err := http.Get(env.ts.URL + "/validate/active")
	require.NoError(t, err)
	defer active.Body.Close()
	var out struct {
		Jobs []*types.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(active.Body).Decode(&out))
	assert.Empty(t, out.Jobs)
}

func TestSubmitOutsideArchiveRoot(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	outside := filepath.Join(t.TempDir(), "out.zip")
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, _ := zw.Create("main.tf")
	w.Write([]byte("# x"))
	zw.Close()
	require.NoError(t, os.WriteFile(outside, buf.Bytes(), 0o644))

	resp := env.submit(t, submitBody(outside))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSubmitMalformedRequest(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	resp, err := http.Post(env.ts.URL+"/validate", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// timeout above the cap
	body := submitBody("/tmp/x.zip")
	body["timeout_s"] = 999999
	resp2 := env.submit(t, body)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	// explicit zero timeout is rejected; only an absent field defaults
	bodyZero := submitBody("/tmp/x.zip")
	bodyZero["timeout_s"] = 0
	respZero := env.submit(t, bodyZero)
	defer respZero.Body.Close()
	assert.Equal(t, http.StatusBadRequest, respZero.StatusCode)

	// duplicate invariant ids
	bodyDup := submitBody("/tmp/x.zip")
	bodyDup["task_spec"] = map[string]interface{}{
		"invariants": []map[string]interface{}{
			{"id": "i1", "kind": "resource_exists", "params": map[string]string{"name": "a.b"}},
			{"id": "i1", "kind": "resource_exists", "params": map[string]string{"name": "c.d"}},
		},
	}
	respDup := env.submit(t, bodyDup)
	defer respDup.Body.Close()
	assert.Equal(t, http.StatusBadRequest, respDup.StatusCode)

	// non-zip suffix
	body3 := submitBody("/tmp/archive.tar")
	resp3 := env.submit(t, body3)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp3.StatusCode)
}

func TestSubmitNotReady(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	env.tokens.ready = false

	archive := env.writeArchive(t, "good.zip", map[string]string{"main.tf": "# x"})
	resp := env.submit(t, submitBody(archive))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubmitCapacity(t *testing.T) {
	env := newTestEnv(t, 2, 0)
	env.runner.block = make(chan struct{})

	archive := env.writeArchive(t, "good.zip", map[string]string{"main.tf": "# x"})

	type result struct {
		status int
		retry  string
	}
	results := make(chan result, 3)

	launch := func() {
		resp := env.submit(t, submitBody(archive))
		defer resp.Body.Close()
		results <- result{resp.StatusCode, resp.Header.Get("Retry-After")}
	}

	// Two submissions occupy both workers
	go launch()
	go launch()
	require.Eventually(t, func() bool { return env.runner.running() == 2 },
		5*time.Second, 10*time.Millisecond)

	// The third must be refused immediately
	resp := env.submit(t, submitBody(archive))
	resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	close(env.runner.block)
	for i := 0; i < 2; i++ {
		r := <-results
		assert.Equal(t, http.StatusOK, r.status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, 1, 4)

	resp, err := http.Get(env.ts.URL + "/validate/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	archive := env.writeArchive(t, "good.zip", map[string]string{"main.tf": "# x"})

	resp := env.submit(t, submitBody(archive))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	taskResp, err := http.Get(env.ts.URL + "/task/task-1")
	require.NoError(t, err)
	defer taskResp.Body.Close()
	require.Equal(t, http.StatusOK, taskResp.StatusCode)

	var out struct {
		TaskID      string            `json:"task_id"`
		Submissions []store.TaskEntry `json:"submissions"`
	}
	require.NoError(t, json.NewDecoder(taskResp.Body).Decode(&out))
	assert.Equal(t, "task-1", out.TaskID)
	require.Len(t, out.Submissions, 1)

	missing, err := http.Get(env.ts.URL + "/task/never-seen")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestGetLogTailValidation(t *testing.T) {
	env := newTestEnv(t, 1, 4)
	archive := env.writeArchive(t, "good.zip", map[string]string{"main.tf": "# x"})

	resp := env.submit(t, submitBody(archive))
	defer resp.Body.Close()
	var out SubmitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	bad, err := http.Get(env.ts.URL + "/validate/" + out.JobID + "/log?tail=-5")
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, 2, 4)

	resp, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status types.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.SandboxReady)
	assert.True(t, status.TokenReady)
	assert.Equal(t, 2, status.WorkersTotal)
	assert.Equal(t, 2, status.WorkersIdle)
	assert.Equal(t, 0, status.QueueDepth)

	env.tokens.ready = false
	resp2, err := http.Get(env.ts.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}
