package ergonomic

import (
	"math"

	iface "SafetyMonServer/interface"
)

// AngleFromVertical returns the absolute angle in degrees between the vector
// a->b and the image vertical axis.
func AngleFromVertical(a, b iface.Landmark) float64 {
	dx := b.X - a.X
	dy := b.Y - a.Y
	return math.Abs(degrees(math.Atan2(dx, dy)))
}

// JointAngle returns the angle in degrees at c formed by c->a and c->b.
// A zero-length arm yields 0.
func JointAngle(a, c, b iface.Landmark) float64 {
	v1x, v1y := a.X-c.X, a.Y-c.Y
	v2x, v2y := b.X-c.X, b.Y-c.Y

	mag1 := math.Sqrt(v1x*v1x + v1y*v1y)
	mag2 := math.Sqrt(v2x*v2x + v2y*v2y)
	if mag1 == 0 || mag2 == 0 {
		return 0
	}

	cos := (v1x*v2x + v1y*v2y) / (mag1 * mag2)
	cos = math.Max(-1, math.Min(1, cos))
	return degrees(math.Acos(cos))
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
