package pipeline

import (
	"time"

	iface "SafetyMonServer/interface"
)

// Posture scores at or above these are reported as safety events.
const (
	RulaAlertScore = 5
	RebaAlertScore = 8
)

// Summarize returns an event when a frame shows a PPE violation or an
// elevated posture score, and nil otherwise.
func Summarize(connID string, at time.Time, dets []iface.Detection, posture *iface.PostureAssessment, policy ClassPolicy) *iface.SafetyEvent {
	var violations []string
	seen := map[string]struct{}{}
	for _, d := range dets {
		if policy.Kind(d.ClassName) != KindViolation {
			continue
		}
		if _, ok := seen[d.ClassName]; ok {
			continue
		}
		seen[d.ClassName] = struct{}{}
		violations = append(violations, d.ClassName)
	}
	elevated := posture != nil && (posture.Rula.Score >= RulaAlertScore || posture.Reba.Score >= RebaAlertScore)
	if len(violations) == 0 && !elevated {
		return nil
	}
	if violations == nil {
		violations = []string{}
	}
	return &iface.SafetyEvent{
		Connection: connID,
		Timestamp:  at.UTC(),
		Violations: violations,
		Posture:    posture,
	}
}
