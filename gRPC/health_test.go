package rpc

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	iface "SafetyMonServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestHealthServer(t *testing.T) {
	var poseUp atomic.Bool
	poseUp.Store(true)
	probe := func() iface.Health {
		return iface.Health{DetectorLoaded: true, PoseLoaded: poseUp.Load()}
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	h := Serve(lis, probe, time.Hour)
	defer h.Stop()

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceDetector))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServicePose))

	poseUp.Store(false)
	h.Refresh()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceDetector))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServicePose))
}

func TestStartGRPCServerBadPort(t *testing.T) {
	_, err := StartGRPCServer(-1, func() iface.Health { return iface.Health{} })
	assert.Error(t, err)
}
