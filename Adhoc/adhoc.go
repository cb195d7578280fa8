// Package Adhoc announces this instance to a registry with periodic
// heartbeats.
package Adhoc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SafetyMonServer/logger"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	CpuInstance    = 0x2002
	CudaInstance   = 0x2003
	TimeOutSeconds = 5
)

type RegisterRequest struct {
	Id            string `json:"id"`
	IP            string `json:"ip"`
	Port          int    `json:"port"`
	InstanceClass int    `json:"instanceClass"`
	TimeStamp     int64  `json:"timestamp"`
	Healthy       bool   `json:"healthy"`
	Connections   int    `json:"connections"`
}

type RegisterResponse struct {
	Id      string `json:"id"`
	Success bool   `json:"success"`
}

// Status is sampled before every heartbeat.
type Status struct {
	Healthy     bool
	Connections int
}

// Heartbeat describes this instance and where to report it.
type Heartbeat struct {
	RegistryAddr  string
	IP            string
	Port          int
	InstanceClass int
	Interval      time.Duration
	Status        func() Status

	id     string
	client *resty.Client
}

func NewHeartbeat(registryHost string, registryPort int, ip string, port int, instanceClass int, interval time.Duration, status func() Status) *Heartbeat {
	if interval <= 0 {
		interval = TimeOutSeconds * time.Second
	}
	return &Heartbeat{
		RegistryAddr:  fmt.Sprintf("%s:%d", registryHost, registryPort),
		IP:            ip,
		Port:          port,
		InstanceClass: instanceClass,
		Interval:      interval,
		Status:        status,
		id:            uuid.NewString(),
		client:        resty.New().SetTimeout(TimeOutSeconds * time.Second),
	}
}

func (h *Heartbeat) ID() string {
	return h.id
}

// Send posts one heartbeat. Errors are returned, never fatal.
func (h *Heartbeat) Send(ctx context.Context) error {
	var st Status
	if h.Status != nil {
		st = h.Status()
	}
	var respBody RegisterResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(RegisterRequest{
			Id:            h.id,
			IP:            h.IP,
			Port:          h.Port,
			InstanceClass: h.InstanceClass,
			TimeStamp:     time.Now().Unix(),
			Healthy:       st.Healthy,
			Connections:   st.Connections,
		}).
		SetResult(&respBody).
		Post(fmt.Sprintf("http://%s/api/register", h.RegistryAddr))
	if err != nil {
		return fmt.Errorf("register request: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("registry returned %s: %s", resp.Status(), resp.String())
	}
	if !respBody.Success {
		return fmt.Errorf("registry rejected instance %s", h.id)
	}
	return nil
}

// SendAliveMessage heartbeats until ctx ends, recovering from any panic in a
// single round.
func SendAliveMessage(ctx context.Context, wg *sync.WaitGroup, h *Heartbeat) {
	defer wg.Done()
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()
	safeDoRequest := func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Log().Error("heartbeat panic recovered", zap.Any("panic", r))
			}
		}()
		if err := h.Send(ctx); err != nil && ctx.Err() == nil {
			logger.Log().Warn("heartbeat failed", zap.String("registry", h.RegistryAddr), zap.Error(err))
		}
	}
	safeDoRequest()
	for {
		select {
		case <-ctx.Done():
			logger.Log().Info("heartbeat stopped")
			return
		case <-ticker.C:
			safeDoRequest()
		}
	}
}
