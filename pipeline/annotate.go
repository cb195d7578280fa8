package pipeline

import (
	"fmt"
	"image"
	"image/color"
	"strings"

	iface "SafetyMonServer/interface"

	"gocv.io/x/gocv"
)

type ClassKind int

const (
	KindNeutral ClassKind = iota
	KindCompliant
	KindViolation
)

var defaultCompliant = []string{"hardhat", "helmet", "mask", "safety vest", "vest"}

var (
	colorGreen  = color.RGBA{R: 0, G: 200, B: 0, A: 0}
	colorRed    = color.RGBA{R: 255, G: 0, B: 0, A: 0}
	colorYellow = color.RGBA{R: 255, G: 255, B: 0, A: 0}
	colorWhite  = color.RGBA{R: 255, G: 255, B: 255, A: 0}
	colorBlack  = color.RGBA{}
	colorBlue   = color.RGBA{R: 0, G: 0, B: 255, A: 0}
)

// ClassPolicy maps a detector class name to its annotation style.
type ClassPolicy struct {
	compliant map[string]struct{}
}

// NewClassPolicy uses the default PPE names when compliant is empty.
func NewClassPolicy(compliant []string) ClassPolicy {
	if len(compliant) == 0 {
		compliant = defaultCompliant
	}
	set := make(map[string]struct{}, len(compliant))
	for _, n := range compliant {
		set[normalizeClass(n)] = struct{}{}
	}
	return ClassPolicy{compliant: set}
}

func normalizeClass(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (p ClassPolicy) Kind(name string) ClassKind {
	n := normalizeClass(name)
	if strings.HasPrefix(n, "no-") {
		return KindViolation
	}
	if _, ok := p.compliant[n]; ok {
		return KindCompliant
	}
	return KindNeutral
}

func (p ClassPolicy) colors(name string) (box, text color.RGBA) {
	switch p.Kind(name) {
	case KindCompliant:
		return colorGreen, colorWhite
	case KindViolation:
		return colorRed, colorYellow
	default:
		return colorYellow, colorBlack
	}
}

// DrawDetections draws boxes and "<name> <conf>" labels in place.
func DrawDetections(img *gocv.Mat, dets []iface.Detection, policy ClassPolicy) {
	for _, d := range dets {
		box, text := policy.colors(d.ClassName)
		rect := image.Rect(d.BBox[0], d.BBox[1], d.BBox[2], d.BBox[3])
		gocv.Rectangle(img, rect, box, 2)

		label := fmt.Sprintf("%s %.2f", d.ClassName, d.Conf)
		size := gocv.GetTextSize(label, gocv.FontHersheySimplex, 0.5, 1)
		top := rect.Min.Y - size.Y - 6
		if top < 0 {
			top = rect.Min.Y
		}
		bg := image.Rect(rect.Min.X, top, rect.Min.X+size.X+4, top+size.Y+6)
		gocv.Rectangle(img, bg, box, -1)
		gocv.PutText(img, label, image.Pt(rect.Min.X+2, top+size.Y+2), gocv.FontHersheySimplex, 0.5, text, 1)
	}
}

// poseConnections are the 35 MediaPipe body connections.
var poseConnections = [][2]int{
	{0, 1}, {1, 2}, {2, 3}, {3, 7}, {0, 4}, {4, 5}, {5, 6}, {6, 8}, {9, 10},
	{11, 12}, {11, 13}, {13, 15}, {15, 17}, {15, 19}, {15, 21}, {17, 19},
	{12, 14}, {14, 16}, {16, 18}, {16, 20}, {16, 22}, {18, 20},
	{11, 23}, {12, 24}, {23, 24}, {23, 25}, {24, 26}, {25, 27}, {26, 28},
	{27, 29}, {28, 30}, {29, 31}, {30, 32}, {27, 31}, {28, 32},
}

const minVisibility = 0.5

// DrawPose overlays the skeleton of a valid landmark set.
func DrawPose(img *gocv.Mat, set iface.LandmarkSet) {
	if !set.Valid() {
		return
	}
	w, h := float64(img.Cols()), float64(img.Rows())
	pt := func(l iface.Landmark) image.Point {
		return image.Pt(int(l.X*w), int(l.Y*h))
	}
	for _, c := range poseConnections {
		a, b := set[c[0]], set[c[1]]
		if a.Visibility < minVisibility || b.Visibility < minVisibility {
			continue
		}
		gocv.Line(img, pt(a), pt(b), colorGreen, 2)
	}
	for _, l := range set {
		if l.Visibility < minVisibility {
			continue
		}
		gocv.Circle(img, pt(l), 3, colorBlue, -1)
	}
}

const captionMaxErr = 30

// PoseCaption is the operator-visible pose status text and its color.
func PoseCaption(stage PoseStage) (string, color.RGBA) {
	switch stage.Status {
	case StageOK:
		return "POSE DETECTED", colorGreen
	case StageFailed:
		msg := ""
		if stage.Err != nil {
			msg = stage.Err.Error()
		}
		if len(msg) > captionMaxErr {
			msg = msg[:captionMaxErr]
		}
		return "POSE ERROR: " + msg, colorRed
	default:
		return "NO POSE DETECTED", colorRed
	}
}

func DrawCaption(img *gocv.Mat, text string, c color.RGBA) {
	gocv.PutText(img, text, image.Pt(10, 30), gocv.FontHersheySimplex, 0.8, c, 2)
}
