package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apflow/taskflow"
	"github.com/apflow/taskflow/config"
	"github.com/apflow/taskflow/facade"
	"github.com/apflow/taskflow/registry"
	"github.com/apflow/taskflow/store/memstore"
)

func registerNoop(t *testing.T, reg *registry.ExecutorRegistry) {
	t.Helper()
	require.NoError(t, reg.Register(&registry.Extension{
		ID:   "noop",
		Type: "noop",
		Factory: func(inputs, params map[string]any, cancelCheck taskflow.CancelChecker) (taskflow.Executor, error) {
			return noopExecutor{}, nil
		},
	}))
}

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, inputs map[string]any) (taskflow.ExecResult, error) {
	return taskflow.ExecResult{Status: taskflow.ResultSuccess, Result: map[string]any{"ok": true}}, nil
}
func (noopExecutor) InputSchema() map[string]any { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	reg := registry.NewExecutorRegistry()
	registerNoop(t, reg)
	f := facade.New(memstore.New(), config.New(), reg, nil)
	return NewServer(f, true)
}

func TestSubmitAndGet(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	body := submitRequest{Tasks: []taskSpecDTO{
		{ID: "root", Name: "root"},
		{ID: "leaf", ParentID: strp("root"), Name: "leaf", Method: "noop"},
	}}
	buf, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	assert.Equal(t, "root", accepted["root_task_id"])

	// Give the background goroutine a moment to finish the (trivial) tree.
	time.Sleep(50 * time.Millisecond)

	getResp, err := http.Get(ts.URL + "/api/tasks/root")
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var status map[string]any
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&status))
	assert.Equal(t, string(taskflow.StatusCompleted), status["status"])
}

func TestGetUnknownTask(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/tasks/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamReceivesFinalEvent(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/tasks/root/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var connectMsg map[string]any
	require.NoError(t, conn.ReadJSON(&connectMsg))
	assert.Equal(t, "connect", connectMsg["type"])

	body := submitRequest{Tasks: []taskSpecDTO{
		{ID: "root", Name: "root"},
		{ID: "leaf", ParentID: strp("root"), Name: "leaf", Method: "noop"},
	}}
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/tasks", "application/json", bytes.NewReader(buf))
	require.NoError(t, err)
	resp.Body.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	sawFinal := false
	for i := 0; i < 20; i++ {
		var ev taskflow.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		if ev.Final {
			sawFinal = true
			break
		}
	}
	assert.True(t, sawFinal)
}

func strp(s string) *string { return &s }
