package iface

import "time"

// LandmarkCount is the number of body landmarks a valid LandmarkSet carries.
const LandmarkCount = 33

// Landmark indices used by the scoring engine.
const (
	Nose          = 0
	LeftShoulder  = 11
	RightShoulder = 12
	LeftElbow     = 13
	RightElbow    = 14
	LeftWrist     = 15
	RightWrist    = 16
	LeftHip       = 23
	RightHip      = 24
	LeftKnee      = 25
	RightKnee     = 26
	LeftAnkle     = 27
	RightAnkle    = 28
)

// Detection is one detector hit on the normalized frame.
type Detection struct {
	BBox      [4]int  `json:"bbox"`
	Conf      float32 `json:"conf"`
	ClassID   int     `json:"class_id"`
	ClassName string  `json:"class_name"`
}

// Landmark coordinates are roughly normalized to [0,1] relative to the frame.
type Landmark struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z"`
	Visibility float64 `json:"visibility"`
}

type LandmarkSet []Landmark

// Valid reports whether the set can be scored.
func (ls LandmarkSet) Valid() bool {
	return len(ls) == LandmarkCount
}

type RiskLevel string

const (
	RulaAcceptable      RiskLevel = "Acceptable"
	RulaInvestigate     RiskLevel = "Investigate"
	RulaInvestigateSoon RiskLevel = "Investigate Soon"
	RulaInvestigateNow  RiskLevel = "Investigate Now"

	RebaNegligible RiskLevel = "Negligible"
	RebaLow        RiskLevel = "Low"
	RebaMedium     RiskLevel = "Medium"
	RebaHigh       RiskLevel = "High"
	RebaVeryHigh   RiskLevel = "Very High"
)

type Score struct {
	Score int       `json:"score"`
	Risk  RiskLevel `json:"risk"`
}

type PostureAssessment struct {
	Rula Score `json:"rula"`
	Reba Score `json:"reba"`
}

// Health is the liveness view of both adapters.
type Health struct {
	DetectorLoaded bool `json:"detector_loaded"`
	PoseLoaded     bool `json:"pose_loaded"`
}

func (h Health) Healthy() bool {
	return h.DetectorLoaded && h.PoseLoaded
}

// SafetyEvent summarizes a frame worth reporting downstream.
type SafetyEvent struct {
	Connection string             `json:"connection"`
	Timestamp  time.Time          `json:"timestamp"`
	Violations []string           `json:"violations"`
	Posture    *PostureAssessment `json:"posture,omitempty"`
}
