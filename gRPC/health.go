// Package rpc exposes adapter liveness through the standard gRPC health
// service.
package rpc

import (
	"fmt"
	"net"
	"sync"
	"time"

	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Service names reported next to the overall ("") status.
const (
	ServiceDetector = "detector"
	ServicePose     = "pose"
)

const refreshInterval = 5 * time.Second

// Probe reports the current adapter health.
type Probe func() iface.Health

type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	probe  Probe
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// StartGRPCServer listens on port and serves the health service.
func StartGRPCServer(port int, probe Probe) (*HealthServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	return Serve(lis, probe, refreshInterval), nil
}

// Serve registers the health service on lis and re-evaluates probe every
// interval until Stop.
func Serve(lis net.Listener, probe Probe, interval time.Duration) *HealthServer {
	h := &HealthServer{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		probe:  probe,
		stop:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(h.srv, h.health)
	reflection.Register(h.srv)
	h.Refresh()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		logger.Log().Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
		if err := h.srv.Serve(lis); err != nil {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	go func() {
		defer h.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				h.Refresh()
			}
		}
	}()
	return h
}

func servingStatus(ok bool) healthpb.HealthCheckResponse_ServingStatus {
	if ok {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Refresh copies the probe result into the health service.
func (h *HealthServer) Refresh() {
	st := h.probe()
	h.health.SetServingStatus(ServiceDetector, servingStatus(st.DetectorLoaded))
	h.health.SetServingStatus(ServicePose, servingStatus(st.PoseLoaded))
	h.health.SetServingStatus("", servingStatus(st.Healthy()))
}

// Stop marks every service NOT_SERVING and drains the server.
func (h *HealthServer) Stop() {
	h.once.Do(func() {
		close(h.stop)
		h.health.Shutdown()
		h.srv.GracefulStop()
	})
	h.wg.Wait()
}
