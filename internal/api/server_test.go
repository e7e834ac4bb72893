package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/framepipe/internal/control"
	"github.com/bryanchriswhite/framepipe/internal/output"
)

func newTestServer(t *testing.T, mjpeg *output.MJPEGOutput) (*control.Control, *httptest.Server) {
	t.Helper()
	ctl := control.New(context.Background())
	s := NewServer(ctl, func() any { return map[string]int{"captured": 3} }, mjpeg)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ctl, ts
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func post(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	return resp
}

func TestHealthAndState(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", decode(t, resp)["status"])

	resp, err = http.Get(ts.URL + "/api/state")
	require.NoError(t, err)
	assert.Equal(t, "stopped", decode(t, resp)["state"])
}

func TestControl(t *testing.T) {
	t.Parallel()

	ctl, ts := newTestServer(t, nil)

	testCases := []struct {
		command string
		status  int
		state   string
	}{
		{"stop", http.StatusConflict, "stopped"},
		{"start", http.StatusOK, "running"},
		{"START", http.StatusConflict, "running"},
		{"stop", http.StatusOK, "stopped"},
		{"reset", http.StatusOK, "running"},
		{"rewind", http.StatusNotFound, "running"},
		{"quit", http.StatusOK, "exit"},
		{"start", http.StatusConflict, "exit"},
	}

	for _, tc := range testCases {
		resp := post(t, ts.URL+"/api/control/"+tc.command)
		assert.Equal(t, tc.status, resp.StatusCode, tc.command)
		assert.Equal(t, tc.state, decode(t, resp)["state"], tc.command)
	}
	assert.Equal(t, control.Exit, ctl.State())

	resp, err := http.Get(ts.URL + "/api/control/start")
	require.NoError(t, err)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "exit", decode(t, resp)["state"])
}

func TestMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ctl, ts := newTestServer(t, nil)

	testCases := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/control/start"},
		{http.MethodPut, "/api/control/stop"},
		{http.MethodPost, "/api/stats"},
		{http.MethodPost, "/api/health"},
		{http.MethodDelete, "/api/state"},
	}

	for _, tc := range testCases {
		req, err := http.NewRequest(tc.method, ts.URL+tc.path, nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, "%s %s", tc.method, tc.path)
		assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		assert.Equal(t, "stopped", decode(t, resp)["state"])
	}
	assert.Equal(t, control.Stopped, ctl.State(), "rejected requests leave the state alone")

	resp, err := http.Get(ts.URL + "/api/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStats(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, output.NewMJPEGOutput(output.Config{Width: 2, Height: 2}))

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	body := decode(t, resp)
	assert.Equal(t, map[string]any{"captured": float64(3)}, body["pipeline"])
	assert.Contains(t, body, "mjpeg")
}

func TestIndex(t *testing.T) {
	t.Parallel()

	t.Run("Without preview", func(t *testing.T) {
		t.Parallel()
		_, ts := newTestServer(t, nil)
		resp, err := http.Get(ts.URL + "/")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")

		resp, err = http.Get(ts.URL + "/stream")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("Stopped preview", func(t *testing.T) {
		t.Parallel()
		_, ts := newTestServer(t, output.NewMJPEGOutput(output.Config{Width: 2, Height: 2}))
		resp, err := http.Get(ts.URL + "/stream")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, nil)
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/control/start", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStateStream(t *testing.T) {
	t.Parallel()

	ctl, ts := newTestServer(t, nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/state/stream"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() string {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var msg stateResponse
		require.NoError(t, conn.ReadJSON(&msg))
		return msg.State
	}

	assert.Equal(t, "stopped", read())

	require.NoError(t, ctl.Start())
	assert.Equal(t, "running", read())

	ctl.Quit()
	assert.Equal(t, "exit", read())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestServeShutsDownWithContext(t *testing.T) {
	t.Parallel()

	s := NewServer(control.New(context.Background()), func() any { return nil }, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
