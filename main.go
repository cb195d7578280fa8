package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	adhoc "SafetyMonServer/Adhoc"
	"SafetyMonServer/config"
	"SafetyMonServer/emitter"
	"SafetyMonServer/engine"
	rpc "SafetyMonServer/gRPC"
	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"
	"SafetyMonServer/monitor"
	"SafetyMonServer/pipeline"
	"SafetyMonServer/transport"
	"SafetyMonServer/worker"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func GetOutboundIP() (string, error) {
	// no packet is sent; dialing UDP only resolves the outbound route
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String(), nil
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default $SAFETYMON_CONFIG, then ./config.yaml)")
	flag.Parse()
	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "safetymon:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configPath == "" && os.Getenv("SAFETYMON_CONFIG") == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configPath = "config.yaml"
		}
	}
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogDevelopment); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Log()

	cpuNum := runtime.NumCPU()
	log.Info("starting",
		zap.String("http", cfg.HTTPAddr),
		zap.Int("grpc_port", cfg.RPCPort),
		zap.Int("metrics_port", cfg.AdhocPort),
		zap.Int("cpu_cores", cpuNum),
		zap.Int("workers", cfg.WorkersNum))
	if cfg.WorkersNum > cpuNum {
		log.Warn("workers_num exceeds CPU cores, which may degrade throughput")
	}

	det, err := engine.NewOnnxDetector(cfg.Detector)
	if err != nil {
		return fmt.Errorf("detector init: %w", err)
	}
	defer det.Close()
	pose, err := engine.NewRemotePose(cfg.Pose.Endpoint, cfg.PoseTimeout())
	if err != nil {
		return fmt.Errorf("pose init: %w", err)
	}
	defer pose.Close()
	if cfg.Detector.UseGPU {
		log.Info("using GPU, warming up")
		engine.Warmup(det, pose, cfg.FrameWidth, cfg.FrameHeight)
	}

	var sink iface.EventSink
	if cfg.MQTT.Enabled {
		em := emitter.NewMQTTEmitter(cfg.MQTT)
		if err := em.Connect(ctx); err != nil {
			log.Warn("mqtt unavailable, events are dropped until it reconnects", zap.Error(err))
		}
		defer func() {
			em.Disconnect()
			st := em.Stats()
			log.Info("mqtt emitter closed",
				zap.Any("published", st.Published),
				zap.Uint64("errors", st.Errors))
		}()
		sink = em
	}

	pool := worker.NewPool(cfg.WorkersNum)
	log.Info("worker pool started", zap.Int("size", pool.Size()))
	policy := pipeline.NewClassPolicy(det.Classes().Compliant)
	orch := pipeline.NewOrchestrator(det, pose, policy, pipeline.NewFPSMeter(nil), cfg.FrameWidth, cfg.FrameHeight)
	svc := pipeline.NewService(orch, pool, cfg.JPEGQuality, sink)

	mgr := transport.NewManager(svc, transport.Options{
		MinFrameGap:    cfg.MinFrameGap(),
		ReadLimit:      cfg.ReadLimitBytes,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           transport.NewRouter(mgr, svc.Health),
		ReadHeaderTimeout: 5 * time.Second,
	}

	health, err := rpc.StartGRPCServer(cfg.RPCPort, svc.Health)
	if err != nil {
		pool.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		monitor.StartMon(ctx, cfg.AdhocPort)
	}()
	if cfg.Registry.Enabled {
		startHeartbeat(ctx, &wg, cfg, mgr, svc)
	} else {
		log.Info("registry disabled, skipping registration")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
		log.Error("http server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	mgr.Close()
	pool.Close()
	health.Stop()
	stop()
	wg.Wait()
	log.Info("safely exited")
	return runErr
}

func startHeartbeat(ctx context.Context, wg *sync.WaitGroup, cfg *config.Config, mgr *transport.Manager, svc *pipeline.Service) {
	log := logger.Log()
	ip, err := GetOutboundIP()
	if err != nil {
		log.Warn("outbound IP unknown, registry heartbeat disabled", zap.Error(err))
		return
	}
	_, portStr, err := net.SplitHostPort(cfg.HTTPAddr)
	if err != nil {
		log.Warn("cannot derive port from http_addr", zap.String("http_addr", cfg.HTTPAddr), zap.Error(err))
		return
	}
	port, _ := strconv.Atoi(portStr)
	instanceClass := adhoc.CpuInstance
	if cfg.Detector.UseGPU {
		instanceClass = adhoc.CudaInstance
	}
	hb := adhoc.NewHeartbeat(cfg.Registry.Host, cfg.Registry.Port, ip, port, instanceClass, cfg.RegistryInterval(), func() adhoc.Status {
		return adhoc.Status{Healthy: svc.Health().Healthy(), Connections: mgr.Count()}
	})
	wg.Add(1)
	go adhoc.SendAliveMessage(ctx, wg, hb)
}
