package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bvarner/shmcam"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestAPI(t *testing.T) (*api, *httptest.Server) {
	t.Helper()
	cfg := shmcam.DefaultConfig()
	cfg.Width, cfg.Height, cfg.FrameRate = 16, 8, 100
	events := new(shmcam.Emitter)
	server, err := shmcam.NewCameraServer("http-test", shmcam.NewSimulator(16, 8), 2, 0,
		shmcam.WithConfig(cfg), shmcam.WithLogger(zaptest.NewLogger(t)), shmcam.WithEmitter(events))
	require.NoError(t, err)
	// Websocket handlers may outlive the test.
	a := &api{server: server, events: events, logger: zap.NewNop()}
	ts := httptest.NewServer(a.router())
	t.Cleanup(func() {
		ts.Close()
		server.Close()
	})
	return a, ts
}

func getStatus(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var status map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func TestStatusAndDrop(t *testing.T) {
	_, ts := newTestAPI(t)

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	status := getStatus(t, resp)
	assert.Equal(t, float64(shmcam.RunlevelInitial), status["runlevel"])
	assert.Equal(t, false, status["drop"])

	resp, err = http.Post(ts.URL+"/api/drop?value=true", "", nil)
	require.NoError(t, err)
	assert.Equal(t, true, getStatus(t, resp)["drop"])

	resp, err = http.Post(ts.URL+"/api/drop?value=maybe", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommands(t *testing.T) {
	a, ts := newTestAPI(t)

	// No worker yet.
	resp, err := http.Post(ts.URL+"/api/start", "", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	require.NoError(t, a.server.Start())
	resp, err = http.Post(ts.URL+"/api/start", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(shmcam.RunlevelAcquire), getStatus(t, resp)["runlevel"])

	resp, err = http.Post(ts.URL+"/api/stop", "", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(shmcam.RunlevelIdle), getStatus(t, resp)["runlevel"])
}

func TestWebRoot(t *testing.T) {
	_, ts := newTestAPI(t)
	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<title>shmcam</title>")
}

func TestWebSocketStreamsFrames(t *testing.T) {
	a, ts := newTestAPI(t)
	require.NoError(t, a.server.Start())
	require.NoError(t, a.server.StartAcquisition())

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hdr frameHeader
	require.NoError(t, conn.ReadJSON(&hdr))
	assert.Greater(t, hdr.Serial, int64(0))
	assert.Equal(t, []int{16, 8}, hdr.Dims)
	assert.Equal(t, "float32", hdr.Type)

	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	assert.Len(t, data, 16*8*4)
}
