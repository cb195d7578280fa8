// Package transport owns client websocket connections: it parses envelopes,
// throttles frames per connection and relays pipeline results back.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"SafetyMonServer/logger"
	"SafetyMonServer/monitor"
	"SafetyMonServer/pipeline"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// Analyzer runs one frame payload through the pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, connID, payload string) (*pipeline.ResultMessage, error)
}

type Options struct {
	MinFrameGap    time.Duration
	ReadLimit      int64
	AllowedOrigins []string
	// Now is the throttle clock; time.Now when nil.
	Now func() time.Time
}

type connection struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wake    chan struct{}
	log     *zap.Logger

	// pending holds the newest accepted frame not yet picked up by process.
	pendingMu  sync.Mutex
	pending    string
	hasPending bool

	// touched only by the reader goroutine
	lastProcessedAt time.Time
}

// Manager keeps the registry of open connections keyed by an issued token.
type Manager struct {
	upgrader websocket.Upgrader
	analyzer Analyzer
	opts     Options
	log      *zap.Logger

	mu     sync.Mutex
	conns  map[string]*connection
	closed bool
	wg     sync.WaitGroup
}

func NewManager(analyzer Analyzer, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 20 * 1024 * 1024
	}
	m := &Manager{
		analyzer: analyzer,
		opts:     opts,
		log:      logger.Named("transport"),
		conns:    make(map[string]*connection),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	if len(m.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range m.opts.AllowedOrigins {
		if o == origin || o == "*" {
			return true
		}
	}
	return false
}

// Count returns the number of open connections.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Handle upgrades the request and serves the connection until it closes.
func (m *Manager) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		id:     uuid.NewString(),
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
	c.log = m.log.With(zap.String("conn", c.id))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	m.conns[c.id] = c
	m.wg.Add(1)
	m.mu.Unlock()
	monitor.ConnectionsActive.Inc()
	c.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	ws.SetReadLimit(m.opts.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go m.process(c)
	go m.keepalive(c)
	m.read(c)
}

func (m *Manager) read(c *connection) {
	defer m.remove(c)
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Warn("read failed", zap.Error(err))
			}
			return
		}
		// any client traffic proves liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.TextMessage {
			m.reply(c, newError("unsupported message type"))
			continue
		}
		var env Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			monitor.DecodeErrors.Inc()
			c.log.Debug("dropping undecodable message", zap.Error(err))
			continue
		}
		switch env.Type {
		case TypePing:
			m.reply(c, pongMessage{Type: TypePong})
		case TypeFrame:
			m.admit(c, env.Frame)
		default:
			m.reply(c, newError("unsupported message type: "+env.Type))
		}
	}
}

// admit applies the per-connection gate. A frame arriving within the minimum
// gap of the last accepted one is dropped. An accepted frame waits in the
// pending slot until the in-flight one finishes; a newer accepted frame
// replaces it there.
func (m *Manager) admit(c *connection, payload string) {
	monitor.FramesReceived.Inc()
	if payload == "" {
		monitor.DecodeErrors.Inc()
		c.log.Debug("dropping frame without payload")
		return
	}
	now := m.opts.Now()
	if !c.lastProcessedAt.IsZero() && now.Sub(c.lastProcessedAt) < m.opts.MinFrameGap {
		monitor.FramesDropped.WithLabelValues(monitor.DropThrottle).Inc()
		return
	}
	c.lastProcessedAt = now

	c.pendingMu.Lock()
	if c.hasPending {
		monitor.FramesDropped.WithLabelValues(monitor.DropSuperseded).Inc()
	}
	c.pending, c.hasPending = payload, true
	c.pendingMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *connection) take() (string, bool) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	p, ok := c.pending, c.hasPending
	c.pending, c.hasPending = "", false
	return p, ok
}

// process is the connection's single consumer; results leave in accept order.
func (m *Manager) process(c *connection) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}
		for {
			payload, ok := c.take()
			if !ok {
				break
			}
			if !m.analyze(c, payload) {
				return
			}
		}
	}
}

// analyze runs one frame and replies. It reports false once the connection
// has gone away.
func (m *Manager) analyze(c *connection, payload string) bool {
	res, err := m.analyzer.Analyze(c.ctx, c.id, payload)
	if c.ctx.Err() != nil {
		monitor.ResultsDiscarded.Inc()
		c.log.Debug("connection closed mid-frame, result discarded")
		return false
	}
	switch {
	case err == nil:
		if m.reply(c, res) {
			monitor.ResultsSent.Inc()
		}
	case errors.Is(err, pipeline.ErrDecode):
		monitor.DecodeErrors.Inc()
		c.log.Debug("dropping undecodable frame", zap.Error(err))
	default:
		monitor.ErrorReplies.Inc()
		c.log.Error("frame failed", zap.Error(err))
		m.reply(c, newError(err.Error()))
	}
	return true
}

func (m *Manager) keepalive(c *connection) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := m.write(c, websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

// reply sends v as JSON. A failed write closes the socket so the reader
// unblocks and tears the connection down.
func (m *Manager) reply(c *connection, v any) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(v); err != nil {
		c.log.Warn("write failed", zap.Error(err))
		_ = c.ws.Close()
		return false
	}
	return true
}

func (m *Manager) write(c *connection, messageType int, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, payload)
}

func (m *Manager) remove(c *connection) {
	c.cancel()
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	_ = c.ws.Close()
	monitor.ConnectionsActive.Dec()
	c.log.Info("client disconnected")
	m.wg.Done()
}

// Close disconnects every client and waits for their readers to exit.
// New upgrades after Close are turned away.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, c := range m.conns {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.cancel()
		_ = c.ws.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
