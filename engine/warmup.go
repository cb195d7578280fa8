package engine

import (
	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const warmupRounds = 3

// Warmup pushes a few black frames through both adapters so the first client
// frame does not pay for lazy backend initialization. Failures are logged only.
func Warmup(det iface.Detector, pose iface.PoseEstimator, width, height int) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), height, width, gocv.MatTypeCV8UC3)
	defer frame.Close()
	for i := 0; i < warmupRounds; i++ {
		if det != nil {
			if _, err := det.Detect(frame); err != nil {
				logger.Log().Warn("detector warmup", zap.Int("round", i), zap.Error(err))
			}
		}
		if pose != nil {
			if _, err := pose.Estimate(frame); err != nil {
				logger.Log().Warn("pose warmup", zap.Int("round", i), zap.Error(err))
			}
		}
	}
	logger.Log().Debug("warmup done", zap.Int("rounds", warmupRounds))
}
