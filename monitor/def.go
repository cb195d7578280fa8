package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"os"
	"time"

	"SafetyMonServer/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

const (
	DropThrottle   = "throttle"
	DropSuperseded = "superseded"

	StageDetect = "detect"
	StagePose   = "pose"
)

// Registry holds only this service's collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	memUsage = factory.NewGauge(prometheus.GaugeOpts{
		Name: "memory_usage_Megabytes",
		Help: "Memory usage in Megabytes",
	})
	cpuUsage = factory.NewGauge(prometheus.GaugeOpts{
		Name: "cpu_usage_percent",
		Help: "CPU usage in percent",
	})

	ConnectionsActive = factory.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections_active",
		Help: "Open websocket connections",
	})
	FramesReceived = factory.NewCounter(prometheus.CounterOpts{
		Name: "frames_received_total",
		Help: "Frame messages received from clients",
	})
	FramesDropped = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "frames_dropped_total",
		Help: "Frame messages dropped before processing",
	}, []string{"reason"})
	DecodeErrors = factory.NewCounter(prometheus.CounterOpts{
		Name: "decode_errors_total",
		Help: "Inbound messages that could not be decoded",
	})
	StageFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "stage_failures_total",
		Help: "Adapter failures per pipeline stage",
	}, []string{"stage"})
	ResultsSent = factory.NewCounter(prometheus.CounterOpts{
		Name: "results_sent_total",
		Help: "Result messages delivered to clients",
	})
	ResultsDiscarded = factory.NewCounter(prometheus.CounterOpts{
		Name: "results_discarded_total",
		Help: "Results dropped because their connection closed mid-pipeline",
	})
	ErrorReplies = factory.NewCounter(prometheus.CounterOpts{
		Name: "error_replies_total",
		Help: "Structured error replies sent to clients",
	})
	PipelineSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_duration_seconds",
		Help:    "Time from frame acceptance to encoded result",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.4, 0.8, 1.6},
	})
	CurrentFPS = factory.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_fps",
		Help: "Processed frames per second over the last window",
	})
	EventsPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "safety_events_published_total",
		Help: "Safety events handed to the emitter",
	}, []string{"result"})
)

var pid *process.Process

func prom(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log().Error("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}

// CheckProcessInfo samples RSS and CPU of this process into the gauges.
func CheckProcessInfo() {
	if pid == nil {
		return
	}
	if memInfo, err := pid.MemoryInfo(); err == nil {
		memUsage.Set(float64(memInfo.RSS / 1024 / 1024))
	}
	if cpuPercent, err := pid.CPUPercent(); err == nil {
		cpuUsage.Set(math.Round(cpuPercent*100) / 100)
	}
}

func GotPID() error {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	pid = p
	return nil
}

// StartMon serves /metrics on port and samples process stats until ctx ends.
func StartMon(ctx context.Context, port int) {
	if err := GotPID(); err != nil {
		logger.Log().Warn("process stats unavailable", zap.Error(err))
	}
	srv := prom(port)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
checkPcs:
	for {
		select {
		case <-ctx.Done():
			break checkPcs
		case <-ticker.C:
			CheckProcessInfo()
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Log().Warn("metrics server shutdown", zap.Error(err))
	}
}
