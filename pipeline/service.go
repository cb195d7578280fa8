package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"
	"SafetyMonServer/monitor"
	"SafetyMonServer/worker"

	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// ResultMessage is the "result" envelope sent back to a client.
type ResultMessage struct {
	Type        string                   `json:"type"`
	FrameObject string                   `json:"frame_object"`
	FramePose   string                   `json:"frame_pose"`
	Detections  []iface.Detection        `json:"detections"`
	Posture     *iface.PostureAssessment `json:"posture"`
	FPS         float64                  `json:"fps"`
}

// Service runs decode, orchestration and encoding on the worker pool.
type Service struct {
	orch    *Orchestrator
	pool    *worker.Pool
	quality int
	sink    iface.EventSink
	now     func() time.Time
}

// NewService wires the pipeline. sink may be nil.
func NewService(orch *Orchestrator, pool *worker.Pool, jpegQuality int, sink iface.EventSink) *Service {
	return &Service{
		orch:    orch,
		pool:    pool,
		quality: jpegQuality,
		sink:    sink,
		now:     time.Now,
	}
}

func (s *Service) Health() iface.Health {
	return s.orch.Health()
}

// Analyze processes one frame payload for connID. Errors wrap ErrDecode for
// bad input, ErrOrchestrator for processing faults, or are the ctx error when
// the connection went away first.
func (s *Service) Analyze(ctx context.Context, connID, payload string) (*ResultMessage, error) {
	start := s.now()
	var (
		msg    *ResultMessage
		jobErr error
	)
	err := s.pool.Do(ctx, func() {
		msg, jobErr = s.analyze(payload)
	})
	if err != nil {
		if errors.Is(err, worker.ErrJobPanicked) || errors.Is(err, worker.ErrPoolClosed) {
			return nil, fmt.Errorf("%w: %v", ErrOrchestrator, err)
		}
		return nil, err
	}
	if jobErr != nil {
		return nil, jobErr
	}
	monitor.PipelineSeconds.Observe(s.now().Sub(start).Seconds())

	if s.sink != nil {
		if ev := Summarize(connID, s.now(), msg.Detections, msg.Posture, s.orch.policy); ev != nil {
			go s.publish(*ev)
		}
	}
	return msg, nil
}

func (s *Service) analyze(payload string) (*ResultMessage, error) {
	frame, err := DecodeDataURI(payload)
	if err != nil {
		return nil, err
	}
	defer frame.Close()

	res, err := s.orch.Process(frame)
	if err != nil {
		return nil, err
	}
	defer res.Close()

	objectURI, err := EncodeDataURI(res.ObjectFrame, s.quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrchestrator, err)
	}
	poseURI, err := EncodeDataURI(res.PoseFrame, s.quality)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrchestrator, err)
	}
	return &ResultMessage{
		Type:        "result",
		FrameObject: objectURI,
		FramePose:   poseURI,
		Detections:  res.Detect.Detections,
		Posture:     res.Posture,
		FPS:         res.FPS,
	}, nil
}

func (s *Service) publish(ev iface.SafetyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.sink.Publish(ctx, ev); err != nil {
		monitor.EventsPublished.WithLabelValues("error").Inc()
		logger.Log().Warn("safety event not published", zap.String("conn", ev.Connection), zap.Error(err))
		return
	}
	monitor.EventsPublished.WithLabelValues("ok").Inc()
}
