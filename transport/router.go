package transport

import (
	"net/http"
	"time"

	iface "SafetyMonServer/interface"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const banner = "SafetyMon realtime PPE and posture analysis"

// ZapLogger logs one line per request through zap.
func ZapLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client", c.ClientIP()))
	}
}

// NewRouter mounts the websocket endpoint and the health routes.
func NewRouter(m *Manager, health func() iface.Health) *gin.Engine {
	r := gin.New()
	r.Use(ZapLogger(m.log), gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": banner})
	})
	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", func(c *gin.Context) {
		h := health()
		status, code := "healthy", http.StatusOK
		if !h.Healthy() {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":          status,
			"detector_loaded": h.DetectorLoaded,
			"pose_loaded":     h.PoseLoaded,
			"connections":     m.Count(),
		})
	})
	r.GET("/ws", func(c *gin.Context) {
		m.Handle(c.Writer, c.Request)
	})
	return r
}
