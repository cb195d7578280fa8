package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	iface "SafetyMonServer/interface"
	"SafetyMonServer/monitor"
	"SafetyMonServer/pipeline"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAnalyzer struct {
	calls   atomic.Int32
	err     error
	started chan struct{}
	release chan struct{}

	mu       sync.Mutex
	payloads []string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, connID, payload string) (*pipeline.ResultMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.ResultMessage{
		Type:        "result",
		FrameObject: "data:image/jpeg;base64,AA==",
		FramePose:   "data:image/jpeg;base64,AA==",
		Detections:  []iface.Detection{},
		FPS:         9.5,
	}, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	mgr   *Manager
	srv   *httptest.Server
	clock *fakeClock
}

func newHarness(t *testing.T, a Analyzer) *harness {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	mgr := NewManager(a, Options{MinFrameGap: 100 * time.Millisecond, Now: clock.Now})
	healthy := func() iface.Health { return iface.Health{DetectorLoaded: true, PoseLoaded: true} }
	srv := httptest.NewServer(NewRouter(mgr, healthy))
	t.Cleanup(func() {
		mgr.Close()
		srv.Close()
	})
	return &harness{mgr: mgr, srv: srv, clock: clock}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func recv(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var out map[string]any
	require.NoError(t, ws.ReadJSON(&out))
	return out
}

func frame() Envelope {
	return Envelope{Type: TypeFrame, Frame: "data:image/jpeg;base64,AA=="}
}

func (f *fakeAnalyzer) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.payloads...)
}

func TestPingBypassesPipeline(t *testing.T) {
	a := &fakeAnalyzer{}
	h := newHarness(t, a)
	ws := h.dial(t)

	send(t, ws, Envelope{Type: TypePing})
	assert.Equal(t, map[string]any{"type": "pong"}, recv(t, ws))
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestFrameResult(t *testing.T) {
	a := &fakeAnalyzer{}
	h := newHarness(t, a)
	ws := h.dial(t)

	sent := testutil.ToFloat64(monitor.ResultsSent)
	send(t, ws, frame())
	msg := recv(t, ws)
	assert.Equal(t, "result", msg["type"])
	assert.Equal(t, 9.5, msg["fps"])
	assert.Equal(t, []any{}, msg["detections"])
	assert.Contains(t, msg, "posture")
	assert.Nil(t, msg["posture"])
	assert.Equal(t, sent+1, testutil.ToFloat64(monitor.ResultsSent))
}

func TestThrottleDropsCloseFrames(t *testing.T) {
	a := &fakeAnalyzer{}
	h := newHarness(t, a)
	ws := h.dial(t)
	throttled := testutil.ToFloat64(monitor.FramesDropped.WithLabelValues(monitor.DropThrottle))

	send(t, ws, frame())
	assert.Equal(t, "result", recv(t, ws)["type"])

	h.clock.Advance(50 * time.Millisecond)
	send(t, ws, frame())
	// the next message on the wire must be the pong, not a second result
	send(t, ws, Envelope{Type: TypePing})
	assert.Equal(t, "pong", recv(t, ws)["type"])
	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, throttled+1, testutil.ToFloat64(monitor.FramesDropped.WithLabelValues(monitor.DropThrottle)))

	h.clock.Advance(60 * time.Millisecond)
	send(t, ws, frame())
	assert.Equal(t, "result", recv(t, ws)["type"])
	assert.Equal(t, int32(2), a.calls.Load())
}

func TestFrameWaitsForInFlightFrame(t *testing.T) {
	a := &fakeAnalyzer{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, a)
	ws := h.dial(t)

	send(t, ws, frame())
	<-a.started
	h.clock.Advance(500 * time.Millisecond)
	send(t, ws, Envelope{Type: TypeFrame, Frame: "data:image/jpeg;base64,Qg=="})
	// pings are answered while a frame is in flight
	send(t, ws, Envelope{Type: TypePing})
	assert.Equal(t, "pong", recv(t, ws)["type"])
	assert.Equal(t, int32(1), a.calls.Load())

	close(a.release)
	assert.Equal(t, "result", recv(t, ws)["type"])
	assert.Equal(t, "result", recv(t, ws)["type"])
	assert.Equal(t, int32(2), a.calls.Load())
	assert.Equal(t, "data:image/jpeg;base64,Qg==", a.seen()[1])
}

func TestNewerFrameReplacesPending(t *testing.T) {
	a := &fakeAnalyzer{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, a)
	ws := h.dial(t)
	superseded := testutil.ToFloat64(monitor.FramesDropped.WithLabelValues(monitor.DropSuperseded))

	send(t, ws, frame())
	<-a.started
	h.clock.Advance(200 * time.Millisecond)
	send(t, ws, Envelope{Type: TypeFrame, Frame: "data:image/jpeg;base64,Qg=="})
	h.clock.Advance(200 * time.Millisecond)
	send(t, ws, Envelope{Type: TypeFrame, Frame: "data:image/jpeg;base64,Qw=="})
	send(t, ws, Envelope{Type: TypePing})
	assert.Equal(t, "pong", recv(t, ws)["type"])
	assert.Equal(t, superseded+1, testutil.ToFloat64(monitor.FramesDropped.WithLabelValues(monitor.DropSuperseded)))

	close(a.release)
	assert.Equal(t, "result", recv(t, ws)["type"])
	assert.Equal(t, "result", recv(t, ws)["type"])
	assert.Equal(t, []string{frame().Frame, "data:image/jpeg;base64,Qw=="}, a.seen())
}

func TestDecodeErrorKeepsConnection(t *testing.T) {
	a := &fakeAnalyzer{err: fmt.Errorf("%w: bad base64", pipeline.ErrDecode)}
	h := newHarness(t, a)
	ws := h.dial(t)
	decodeErrs := testutil.ToFloat64(monitor.DecodeErrors)

	send(t, ws, frame())
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	send(t, ws, Envelope{Type: TypeFrame})
	send(t, ws, Envelope{Type: TypePing})
	assert.Equal(t, "pong", recv(t, ws)["type"])
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(monitor.DecodeErrors) == decodeErrs+3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.mgr.Count())
}

func TestPipelineErrorReply(t *testing.T) {
	a := &fakeAnalyzer{err: fmt.Errorf("%w: detector exploded", pipeline.ErrOrchestrator)}
	h := newHarness(t, a)
	ws := h.dial(t)

	send(t, ws, frame())
	msg := recv(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Contains(t, msg["message"], "detector exploded")

	send(t, ws, Envelope{Type: TypePing})
	assert.Equal(t, "pong", recv(t, ws)["type"])
}

func TestUnsupportedMessage(t *testing.T) {
	h := newHarness(t, &fakeAnalyzer{})
	ws := h.dial(t)

	send(t, ws, Envelope{Type: "subscribe"})
	msg := recv(t, ws)
	assert.Equal(t, "error", msg["type"])
	assert.Equal(t, "unsupported message type: subscribe", msg["message"])
}

func TestCloseMidFrameDiscardsResult(t *testing.T) {
	a := &fakeAnalyzer{started: make(chan struct{}, 1), release: make(chan struct{})}
	h := newHarness(t, a)
	ws := h.dial(t)
	require.Eventually(t, func() bool { return h.mgr.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	discarded := testutil.ToFloat64(monitor.ResultsDiscarded)
	sent := testutil.ToFloat64(monitor.ResultsSent)

	send(t, ws, frame())
	<-a.started
	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return h.mgr.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	close(a.release)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(monitor.ResultsDiscarded) == discarded+1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, sent, testutil.ToFloat64(monitor.ResultsSent))
}

func TestClosedManagerRejectsConnections(t *testing.T) {
	a := &fakeAnalyzer{}
	h := newHarness(t, a)
	h.mgr.Close()

	ws := h.dial(t)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
	assert.Equal(t, 0, h.mgr.Count())
	assert.Equal(t, int32(0), a.calls.Load())
}

func TestConnectionsAreIndependent(t *testing.T) {
	a := &fakeAnalyzer{}
	h := newHarness(t, a)
	first, second := h.dial(t), h.dial(t)

	send(t, first, frame())
	send(t, second, frame())
	assert.Equal(t, "result", recv(t, first)["type"])
	assert.Equal(t, "result", recv(t, second)["type"])
	assert.Equal(t, 2, h.mgr.Count())
}

func TestCheckOrigin(t *testing.T) {
	m := NewManager(&fakeAnalyzer{}, Options{AllowedOrigins: []string{"http://localhost:5173"}})
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, m.checkOrigin(req))
	req.Header.Set("Origin", "http://localhost:5173")
	assert.True(t, m.checkOrigin(req))
	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, m.checkOrigin(req))
}

func TestHealthRoutes(t *testing.T) {
	var h iface.Health
	mgr := NewManager(&fakeAnalyzer{}, Options{})
	r := NewRouter(mgr, func() iface.Health { return h })

	get := func(path string) (int, map[string]any) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		return w.Code, body
	}

	code, body := get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])

	h = iface.Health{DetectorLoaded: true, PoseLoaded: true}
	code, body = get("/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["pose_loaded"])

	code, body = get("/api/ping")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body["message"])

	code, body = get("/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, banner, body["message"])
}
