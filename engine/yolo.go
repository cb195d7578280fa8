package engine

import (
	"image"

	"gocv.io/x/gocv"
)

// candidate is a pre-NMS detection in frame pixel space.
type candidate struct {
	rect    image.Rectangle
	score   float32
	classID int
}

// parseYOLOOutput decodes a YOLOv8/11 head. data holds either [4+nc, n]
// (channel major) or [n, 4+nc] rows; attrs is 4+nc. Boxes are center-size in
// input pixels and are scaled by sx, sy then clamped to the frame.
func parseYOLOOutput(data []float32, attrs, n int, channelMajor bool, sx, sy float32, frame image.Point, conf float32) []candidate {
	if attrs <= 4 || n <= 0 || len(data) < attrs*n {
		return nil
	}
	at := func(attr, i int) float32 {
		if channelMajor {
			return data[attr*n+i]
		}
		return data[i*attrs+attr]
	}
	bounds := image.Rect(0, 0, frame.X, frame.Y)
	var out []candidate
	for i := 0; i < n; i++ {
		best, bestScore := -1, float32(0)
		for c := 4; c < attrs; c++ {
			if s := at(c, i); s > bestScore {
				best, bestScore = c-4, s
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}
		cx, cy, w, h := at(0, i)*sx, at(1, i)*sy, at(2, i)*sx, at(3, i)*sy
		r := image.Rect(
			int(cx-w/2), int(cy-h/2),
			int(cx+w/2), int(cy+h/2),
		).Intersect(bounds)
		if r.Empty() {
			continue
		}
		out = append(out, candidate{rect: r, score: bestScore, classID: best})
	}
	return out
}

// maxBoxSide shifts each class into its own coordinate band so one NMS pass
// never lets a box suppress a box of another class.
const maxBoxSide = 7680

// classAwareNMS returns the indices of cands kept by per-class NMS.
func classAwareNMS(cands []candidate, conf, iou float32) []int {
	if len(cands) == 0 {
		return nil
	}
	rects := make([]image.Rectangle, len(cands))
	scores := make([]float32, len(cands))
	for i, c := range cands {
		off := c.classID * maxBoxSide
		rects[i] = c.rect.Add(image.Pt(off, off))
		scores[i] = c.score
	}
	return gocv.NMSBoxes(rects, scores, conf, iou)
}
