package iface

import (
	"context"

	"gocv.io/x/gocv"
)

// Detector is the object-detection collaborator. Implementations must be safe
// for concurrent use or serialize internally.
type Detector interface {
	Detect(img gocv.Mat) ([]Detection, error)
	ClassName(classID int) string
	Loaded() bool
	Close() error
}

// PoseEstimator returns an empty set when no body is found.
type PoseEstimator interface {
	Estimate(img gocv.Mat) (LandmarkSet, error)
	Loaded() bool
	Close() error
}

// EventSink receives safety events off the delivery path.
type EventSink interface {
	Publish(ctx context.Context, event SafetyEvent) error
}
