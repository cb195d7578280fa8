package engine

import (
	"fmt"
	"image"
	"os"
	"sync"

	"SafetyMonServer/config"
	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// OnnxDetector runs a YOLO ONNX export through the OpenCV DNN backend.
// A gocv Net is not safe for concurrent use, so Detect is serialized.
type OnnxDetector struct {
	ModelPath string
	Conf      float32
	Iou       float32
	InputSize int
	UseGPU    bool
	State     int

	mu      sync.Mutex
	net     gocv.Net
	classes *ClassSet
}

var _ iface.Detector = (*OnnxDetector)(nil)

// NewOnnxDetector loads the model and class file. Any failure here is meant
// to stop the process.
func NewOnnxDetector(cfg config.DetectorConfig) (*OnnxDetector, error) {
	d := &OnnxDetector{
		ModelPath: cfg.ModelPath,
		Conf:      cfg.Confidence,
		Iou:       cfg.Iou,
		InputSize: cfg.InputSize,
		UseGPU:    cfg.UseGPU,
		State:     UNREGISTERED,
		classes:   &ClassSet{},
	}
	if d.InputSize <= 0 {
		d.InputSize = 640
	}
	if cfg.ClassesPath != "" {
		cs, err := LoadClassFile(cfg.ClassesPath)
		if err != nil {
			return nil, fmt.Errorf("load classes: %w", err)
		}
		d.classes = cs
	}
	if _, err := os.Stat(d.ModelPath); err != nil {
		return nil, fmt.Errorf("model %s: %w", d.ModelPath, err)
	}
	d.net = gocv.ReadNetFromONNX(d.ModelPath)
	if d.net.Empty() {
		_ = d.net.Close()
		return nil, fmt.Errorf("model %s: %w", d.ModelPath, ErrNotLoaded)
	}
	if d.UseGPU {
		d.net.SetPreferableBackend(gocv.NetBackendCUDA)
		d.net.SetPreferableTarget(gocv.NetTargetCUDA)
	}
	d.State = IDLE
	logger.Log().Info("detector loaded",
		zap.String("model", d.ModelPath),
		zap.Int("classes", len(d.classes.Names)),
		zap.Bool("gpu", d.UseGPU))
	return d, nil
}

// Classes exposes the loaded class table.
func (d *OnnxDetector) Classes() *ClassSet {
	return d.classes
}

func (d *OnnxDetector) ClassName(classID int) string {
	return className(d.classes.Names, classID)
}

func (d *OnnxDetector) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.State != UNREGISTERED
}

func (d *OnnxDetector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return nil, ErrNotLoaded
	}
	if img.Empty() {
		return nil, fmt.Errorf("detect: empty frame")
	}
	d.State = BUSY
	defer func() { d.State = IDLE }()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(d.InputSize, d.InputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	dims := out.Size()
	if len(dims) != 3 {
		return nil, fmt.Errorf("detect: unexpected output shape %v", dims)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("detect: read output: %w", err)
	}
	// v8/v11 heads emit [1, 4+nc, anchors]; some exports are transposed.
	attrs, n, channelMajor := dims[1], dims[2], true
	if attrs > n {
		attrs, n, channelMajor = dims[2], dims[1], false
	}
	sx := float32(img.Cols()) / float32(d.InputSize)
	sy := float32(img.Rows()) / float32(d.InputSize)
	cands := parseYOLOOutput(data, attrs, n, channelMajor, sx, sy, image.Pt(img.Cols(), img.Rows()), d.Conf)
	if len(cands) == 0 {
		return []iface.Detection{}, nil
	}

	keep := classAwareNMS(cands, d.Conf, d.Iou)
	dets := make([]iface.Detection, 0, len(keep))
	for _, idx := range keep {
		c := cands[idx]
		dets = append(dets, iface.Detection{
			BBox:      [4]int{c.rect.Min.X, c.rect.Min.Y, c.rect.Max.X, c.rect.Max.Y},
			Conf:      c.score,
			ClassID:   c.classID,
			ClassName: d.ClassName(c.classID),
		})
	}
	return dets, nil
}

func (d *OnnxDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == UNREGISTERED {
		return nil
	}
	d.State = UNREGISTERED
	return d.net.Close()
}
