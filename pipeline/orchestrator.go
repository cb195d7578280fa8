// Package pipeline turns a decoded frame into an annotated, scored result:
// normalize, detect, annotate, estimate pose, score, then measure throughput.
package pipeline

import (
	"fmt"
	"image"
	"runtime/debug"

	"SafetyMonServer/ergonomic"
	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"
	"SafetyMonServer/monitor"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type StageStatus int

const (
	StageOK StageStatus = iota
	StageEmpty
	StageFailed
)

func (s StageStatus) String() string {
	switch s {
	case StageOK:
		return "ok"
	case StageEmpty:
		return "empty"
	default:
		return "failed"
	}
}

// DetectStage is the detector's outcome for one frame. Detections is never
// nil.
type DetectStage struct {
	Status     StageStatus
	Detections []iface.Detection
	Err        error
}

// PoseStage carries landmarks only when Status is StageOK.
type PoseStage struct {
	Status    StageStatus
	Landmarks iface.LandmarkSet
	Err       error
}

// FrameResult owns both annotated Mats; Close releases them.
type FrameResult struct {
	ObjectFrame gocv.Mat
	PoseFrame   gocv.Mat
	Detect      DetectStage
	Pose        PoseStage
	Posture     *iface.PostureAssessment
	FPS         float64
}

func (r *FrameResult) Close() {
	_ = r.ObjectFrame.Close()
	_ = r.PoseFrame.Close()
}

// Orchestrator runs one frame through detection, pose and scoring.
type Orchestrator struct {
	detector iface.Detector
	pose     iface.PoseEstimator
	policy   ClassPolicy
	fps      *FPSMeter
	size     image.Point
}

func NewOrchestrator(det iface.Detector, pose iface.PoseEstimator, policy ClassPolicy, fps *FPSMeter, width, height int) *Orchestrator {
	if fps == nil {
		fps = NewFPSMeter(nil)
	}
	return &Orchestrator{
		detector: det,
		pose:     pose,
		policy:   policy,
		fps:      fps,
		size:     image.Pt(width, height),
	}
}

// Health reports whether both adapters are loaded.
func (o *Orchestrator) Health() iface.Health {
	return iface.Health{
		DetectorLoaded: o.detector != nil && o.detector.Loaded(),
		PoseLoaded:     o.pose != nil && o.pose.Loaded(),
	}
}

// Process runs every stage on frame, which is left untouched. Adapter failures
// degrade their own stage; only a fault in the orchestration itself returns
// an error, wrapped in ErrOrchestrator.
func (o *Orchestrator) Process(frame gocv.Mat) (res *FrameResult, err error) {
	normalized := gocv.NewMat()
	var owned []gocv.Mat
	defer func() {
		_ = normalized.Close()
		if r := recover(); r != nil {
			logger.Log().Error("orchestrator panic",
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res, err = nil, fmt.Errorf("%w: %v", ErrOrchestrator, r)
		}
		if err != nil {
			for _, m := range owned {
				_ = m.Close()
			}
		}
	}()
	if frame.Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrOrchestrator)
	}

	gocv.Resize(frame, &normalized, o.size, 0, 0, gocv.InterpolationLinear)

	detInput := normalized.Clone()
	detect := o.runDetect(detInput)
	_ = detInput.Close()

	objectFrame := normalized.Clone()
	owned = append(owned, objectFrame)
	DrawDetections(&objectFrame, detect.Detections, o.policy)

	poseInput := normalized.Clone()
	pose := o.runPose(poseInput)
	_ = poseInput.Close()

	poseFrame := normalized.Clone()
	owned = append(owned, poseFrame)
	if pose.Status == StageOK {
		DrawPose(&poseFrame, pose.Landmarks)
	}
	text, c := PoseCaption(pose)
	DrawCaption(&poseFrame, text, c)

	var posture *iface.PostureAssessment
	if pose.Status == StageOK {
		posture = ergonomic.Assess(pose.Landmarks)
	}

	fps := o.fps.Tick()
	monitor.CurrentFPS.Set(fps)

	return &FrameResult{
		ObjectFrame: objectFrame,
		PoseFrame:   poseFrame,
		Detect:      detect,
		Pose:        pose,
		Posture:     posture,
		FPS:         fps,
	}, nil
}

func (o *Orchestrator) runDetect(img gocv.Mat) DetectStage {
	dets, err := o.detector.Detect(img)
	if err != nil {
		monitor.StageFailures.WithLabelValues(monitor.StageDetect).Inc()
		logger.Log().Warn("stage failed", zap.String("stage", monitor.StageDetect), zap.Error(err))
		return DetectStage{Status: StageFailed, Detections: []iface.Detection{}, Err: err}
	}
	if len(dets) == 0 {
		return DetectStage{Status: StageEmpty, Detections: []iface.Detection{}}
	}
	for i := range dets {
		if dets[i].ClassName == "" {
			dets[i].ClassName = o.detector.ClassName(dets[i].ClassID)
		}
	}
	return DetectStage{Status: StageOK, Detections: dets}
}

func (o *Orchestrator) runPose(img gocv.Mat) PoseStage {
	set, err := o.pose.Estimate(img)
	if err != nil {
		monitor.StageFailures.WithLabelValues(monitor.StagePose).Inc()
		logger.Log().Warn("stage failed", zap.String("stage", monitor.StagePose), zap.Error(err))
		return PoseStage{Status: StageFailed, Err: err}
	}
	if !set.Valid() {
		return PoseStage{Status: StageEmpty}
	}
	return PoseStage{Status: StageOK, Landmarks: set}
}
