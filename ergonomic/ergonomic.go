// Package ergonomic scores worker posture from body landmarks using simplified
// RULA and REBA bands.
//
// Only the left-side limbs are measured; the body is assumed symmetric.
package ergonomic

import (
	"math"

	iface "SafetyMonServer/interface"
)

const (
	rulaMin = 1
	rulaMax = 7
	rebaMin = 1
	rebaMax = 15
)

// SubScores holds the banded joint scores an assessment is built from.
type SubScores struct {
	UpperArm int
	LowerArm int
	Wrist    int
	Neck     int
	Trunk    int
	Leg      int
}

// Assess scores a landmark set. It returns nil when the set does not hold
// exactly 33 landmarks; that is a skipped assessment, not an error.
func Assess(landmarks iface.LandmarkSet) *iface.PostureAssessment {
	if !landmarks.Valid() {
		return nil
	}
	s := Score(landmarks)
	rula := Rula(s)
	reba := Reba(s)
	return &iface.PostureAssessment{
		Rula: iface.Score{Score: rula, Risk: RulaRisk(rula)},
		Reba: iface.Score{Score: reba, Risk: RebaRisk(reba)},
	}
}

// Score computes every sub-score. The caller guarantees a valid set.
func Score(lm iface.LandmarkSet) SubScores {
	return SubScores{
		UpperArm: upperArm(lm),
		LowerArm: lowerArm(lm),
		Wrist:    wrist(lm),
		Neck:     neck(lm),
		Trunk:    trunk(lm),
		Leg:      leg(lm),
	}
}

// Rula maps sub-scores to the 1-7 scale.
func Rula(s SubScores) int {
	posture := float64(s.UpperArm+s.LowerArm+s.Wrist+s.Neck) / 4
	return clamp(rulaMin, rulaMax, int(math.Floor(posture*2)))
}

// Reba maps sub-scores to the 1-15 scale.
func Reba(s SubScores) int {
	upperLimb := float64(s.UpperArm+s.LowerArm) / 2
	posture := (float64(s.Trunk)*1.5 + float64(s.Neck) + float64(s.Leg) + upperLimb) / 4
	return clamp(rebaMin, rebaMax, int(math.Floor(posture*3)))
}

// RulaRisk maps a RULA score to its action level.
func RulaRisk(score int) iface.RiskLevel {
	switch {
	case score <= 2:
		return iface.RulaAcceptable
	case score <= 4:
		return iface.RulaInvestigate
	case score <= 6:
		return iface.RulaInvestigateSoon
	default:
		return iface.RulaInvestigateNow
	}
}

// RebaRisk maps a REBA score to its risk label.
func RebaRisk(score int) iface.RiskLevel {
	switch {
	case score <= 3:
		return iface.RebaNegligible
	case score <= 7:
		return iface.RebaLow
	case score <= 10:
		return iface.RebaMedium
	case score <= 14:
		return iface.RebaHigh
	default:
		return iface.RebaVeryHigh
	}
}

func upperArm(lm iface.LandmarkSet) int {
	angle := AngleFromVertical(lm[iface.LeftShoulder], lm[iface.LeftElbow])
	switch {
	case angle < 20:
		return 1
	case angle < 45:
		return 2
	case angle < 90:
		return 3
	default:
		return 4
	}
}

func lowerArm(lm iface.LandmarkSet) int {
	angle := JointAngle(lm[iface.LeftShoulder], lm[iface.LeftElbow], lm[iface.LeftWrist])
	switch {
	case angle >= 60 && angle <= 100:
		return 1
	case angle < 60 || angle > 120:
		return 3
	default:
		return 2
	}
}

func wrist(lm iface.LandmarkSet) int {
	deviation := math.Abs(lm[iface.LeftWrist].Y-lm[iface.LeftElbow].Y) * 100
	switch {
	case deviation < 5:
		return 1
	case deviation < 15:
		return 2
	default:
		return 3
	}
}

func neck(lm iface.LandmarkSet) int {
	shoulderMid := (lm[iface.LeftShoulder].Y + lm[iface.RightShoulder].Y) / 2
	forward := math.Abs((lm[iface.Nose].Y - shoulderMid) * 100)
	switch {
	case forward < 10:
		return 1
	case forward < 20:
		return 2
	case forward < 40:
		return 3
	default:
		return 4
	}
}

// trunk measures hip->shoulder. With image y growing downward an upright torso
// reads close to 180 degrees and lands in the top band.
func trunk(lm iface.LandmarkSet) int {
	angle := AngleFromVertical(lm[iface.LeftHip], lm[iface.LeftShoulder])
	switch {
	case angle < 5:
		return 1
	case angle < 20:
		return 2
	case angle < 60:
		return 3
	case angle < 90:
		return 4
	default:
		return 5
	}
}

func leg(lm iface.LandmarkSet) int {
	angle := JointAngle(lm[iface.LeftHip], lm[iface.LeftKnee], lm[iface.LeftAnkle])
	switch {
	case angle > 150:
		return 1
	case angle > 90:
		return 2
	case angle > 60:
		return 3
	default:
		return 4
	}
}

func clamp(lo, hi, v int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
