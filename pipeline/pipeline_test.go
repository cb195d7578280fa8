package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	iface "SafetyMonServer/interface"
	"SafetyMonServer/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

type fakeDetector struct {
	mu     sync.Mutex
	dets   []iface.Detection
	err    error
	panics bool
	seen   []byte
	rows   int
	cols   int
}

func (f *fakeDetector) Detect(img gocv.Mat) ([]iface.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("native crash")
	}
	f.seen = img.ToBytes()
	f.rows, f.cols = img.Rows(), img.Cols()
	if f.err != nil {
		return nil, f.err
	}
	out := make([]iface.Detection, len(f.dets))
	copy(out, f.dets)
	return out, nil
}
func (f *fakeDetector) ClassName(id int) string { return "class_" + string(rune('0'+id)) }
func (f *fakeDetector) Loaded() bool            { return true }
func (f *fakeDetector) Close() error            { return nil }

type fakePose struct {
	mu   sync.Mutex
	set  iface.LandmarkSet
	err  error
	seen []byte
}

func (f *fakePose) Estimate(img gocv.Mat) (iface.LandmarkSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = img.ToBytes()
	return f.set, f.err
}
func (f *fakePose) Loaded() bool { return f.err == nil }
func (f *fakePose) Close() error { return nil }

type fakeSink struct {
	events chan iface.SafetyEvent
}

func (f *fakeSink) Publish(_ context.Context, ev iface.SafetyEvent) error {
	f.events <- ev
	return nil
}

func fullBody() iface.LandmarkSet {
	set := make(iface.LandmarkSet, iface.LandmarkCount)
	for i := range set {
		set[i] = iface.Landmark{X: 0.5, Y: float64(i) / 40, Visibility: 0.9}
	}
	return set
}

func testFrame() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(40, 80, 120, 0), 240, 320, gocv.MatTypeCV8UC3)
}

func vest() iface.Detection {
	return iface.Detection{BBox: [4]int{100, 100, 300, 300}, Conf: 0.91, ClassID: 7, ClassName: "Safety Vest"}
}

func TestFPSMeter(t *testing.T) {
	base := time.Unix(1700000000, 0)
	now := base
	m := NewFPSMeter(func() time.Time { return now })

	for i := 1; i <= 9; i++ {
		now = base.Add(time.Duration(i) * 100 * time.Millisecond)
		assert.Equal(t, 0.0, m.Tick(), "tick %d", i)
	}
	now = base.Add(time.Second)
	assert.InDelta(t, 10.0, m.Tick(), 1e-9)

	// held until the next window closes
	now = now.Add(300 * time.Millisecond)
	assert.InDelta(t, 10.0, m.Tick(), 1e-9)
	assert.InDelta(t, 10.0, m.value(), 1e-9)

	now = now.Add(900 * time.Millisecond)
	assert.InDelta(t, 1.67, m.Tick(), 1e-9)
}

func TestClassPolicy(t *testing.T) {
	p := NewClassPolicy(nil)
	cases := map[string]ClassKind{
		"Hardhat":        KindCompliant,
		" Safety Vest ":  KindCompliant,
		"mask":           KindCompliant,
		"NO-Hardhat":     KindViolation,
		"no-safety vest": KindViolation,
		"Person":         KindNeutral,
		"Safety Cone":    KindNeutral,
	}
	for name, want := range cases {
		assert.Equal(t, want, p.Kind(name), name)
	}

	custom := NewClassPolicy([]string{"Gloves"})
	assert.Equal(t, KindCompliant, custom.Kind("gloves"))
	assert.Equal(t, KindNeutral, custom.Kind("Hardhat"))
}

func TestPoseCaption(t *testing.T) {
	text, c := PoseCaption(PoseStage{Status: StageOK})
	assert.Equal(t, "POSE DETECTED", text)
	assert.Equal(t, colorGreen, c)

	text, _ = PoseCaption(PoseStage{Status: StageEmpty})
	assert.Equal(t, "NO POSE DETECTED", text)

	text, c = PoseCaption(PoseStage{Status: StageFailed, Err: errors.New(strings.Repeat("x", 50))})
	assert.Equal(t, "POSE ERROR: "+strings.Repeat("x", 30), text)
	assert.Equal(t, colorRed, c)
}

func TestSummarize(t *testing.T) {
	p := NewClassPolicy(nil)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	noHat := iface.Detection{ClassName: "NO-Hardhat"}

	assert.Nil(t, Summarize("c1", at, []iface.Detection{vest()}, nil, p))

	ev := Summarize("c1", at, []iface.Detection{noHat, vest(), noHat}, nil, p)
	require.NotNil(t, ev)
	assert.Equal(t, []string{"NO-Hardhat"}, ev.Violations)
	assert.Equal(t, "c1", ev.Connection)
	assert.Equal(t, at, ev.Timestamp)

	calm := &iface.PostureAssessment{Rula: iface.Score{Score: 4}, Reba: iface.Score{Score: 7}}
	assert.Nil(t, Summarize("c1", at, nil, calm, p))

	risky := &iface.PostureAssessment{Rula: iface.Score{Score: 3}, Reba: iface.Score{Score: 8}}
	ev = Summarize("c1", at, nil, risky, p)
	require.NotNil(t, ev)
	assert.Empty(t, ev.Violations)
	assert.NotNil(t, ev.Violations)
	assert.Same(t, risky, ev.Posture)
}

func TestCodec(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		img := testFrame()
		defer img.Close()
		uri, err := EncodeDataURI(img, 60)
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(uri, jpegDataURIPrefix))

		back, err := DecodeDataURI(uri)
		require.NoError(t, err)
		defer back.Close()
		assert.Equal(t, 240, back.Rows())
		assert.Equal(t, 320, back.Cols())

		bare, err := DecodeDataURI(strings.TrimPrefix(uri, jpegDataURIPrefix))
		require.NoError(t, err)
		_ = bare.Close()
	})

	for name, payload := range map[string]string{
		"empty":       "",
		"bad base64":  "data:image/jpeg;base64,@@@",
		"not image":   "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("hello")),
		"prefix only": "data:image/jpeg;base64,",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeDataURI(payload)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestOrchestratorProcess(t *testing.T) {
	det := &fakeDetector{dets: []iface.Detection{vest()}}
	pose := &fakePose{set: fullBody()}
	o := NewOrchestrator(det, pose, NewClassPolicy(nil), nil, 640, 480)

	frame := testFrame()
	defer frame.Close()
	before := frame.ToBytes()

	res, err := o.Process(frame)
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, 480, det.rows)
	assert.Equal(t, 640, det.cols)
	assert.Equal(t, before, frame.ToBytes(), "input frame must stay untouched")

	// both models saw the same clean normalized frame
	assert.Equal(t, det.seen, pose.seen)
	assert.NotEqual(t, det.seen, res.ObjectFrame.ToBytes(), "boxes drawn on the object frame")
	assert.NotEqual(t, det.seen, res.PoseFrame.ToBytes(), "skeleton drawn on the pose frame")

	assert.Equal(t, StageOK, res.Detect.Status)
	assert.Len(t, res.Detect.Detections, 1)
	assert.Equal(t, StageOK, res.Pose.Status)
	require.NotNil(t, res.Posture)
	assert.GreaterOrEqual(t, res.Posture.Rula.Score, 1)
	assert.True(t, o.Health().Healthy())
}

func TestOrchestratorStageFailures(t *testing.T) {
	frame := testFrame()
	defer frame.Close()

	t.Run("detector error", func(t *testing.T) {
		o := NewOrchestrator(&fakeDetector{err: errors.New("cuda oom")}, &fakePose{set: fullBody()}, NewClassPolicy(nil), nil, 640, 480)
		res, err := o.Process(frame)
		require.NoError(t, err)
		defer res.Close()
		assert.Equal(t, StageFailed, res.Detect.Status)
		assert.NotNil(t, res.Detect.Detections)
		assert.Empty(t, res.Detect.Detections)
		assert.NotNil(t, res.Posture)
	})

	t.Run("pose error", func(t *testing.T) {
		o := NewOrchestrator(&fakeDetector{dets: []iface.Detection{vest()}}, &fakePose{err: errors.New("sidecar down")}, NewClassPolicy(nil), nil, 640, 480)
		res, err := o.Process(frame)
		require.NoError(t, err)
		defer res.Close()
		assert.Equal(t, StageFailed, res.Pose.Status)
		assert.Nil(t, res.Posture)
		assert.Len(t, res.Detect.Detections, 1)
		assert.False(t, o.Health().Healthy())
	})

	t.Run("no person", func(t *testing.T) {
		o := NewOrchestrator(&fakeDetector{}, &fakePose{}, NewClassPolicy(nil), nil, 640, 480)
		res, err := o.Process(frame)
		require.NoError(t, err)
		defer res.Close()
		assert.Equal(t, StageEmpty, res.Detect.Status)
		assert.Equal(t, StageEmpty, res.Pose.Status)
		assert.Nil(t, res.Posture)
	})

	t.Run("partial landmarks are not scored", func(t *testing.T) {
		o := NewOrchestrator(&fakeDetector{}, &fakePose{set: fullBody()[:20]}, NewClassPolicy(nil), nil, 640, 480)
		res, err := o.Process(frame)
		require.NoError(t, err)
		defer res.Close()
		assert.Equal(t, StageEmpty, res.Pose.Status)
		assert.Nil(t, res.Posture)
	})

	t.Run("panic", func(t *testing.T) {
		o := NewOrchestrator(&fakeDetector{panics: true}, &fakePose{}, NewClassPolicy(nil), nil, 640, 480)
		res, err := o.Process(frame)
		assert.Nil(t, res)
		assert.ErrorIs(t, err, ErrOrchestrator)
	})

	t.Run("empty frame", func(t *testing.T) {
		o := NewOrchestrator(&fakeDetector{}, &fakePose{}, NewClassPolicy(nil), nil, 640, 480)
		empty := gocv.NewMat()
		defer empty.Close()
		_, err := o.Process(empty)
		assert.ErrorIs(t, err, ErrOrchestrator)
	})
}

func encodedFrame(t *testing.T) string {
	t.Helper()
	img := testFrame()
	defer img.Close()
	uri, err := EncodeDataURI(img, 90)
	require.NoError(t, err)
	return uri
}

func TestServiceAnalyze(t *testing.T) {
	pool := worker.NewPool(2)
	defer pool.Close()

	noHat := iface.Detection{BBox: [4]int{10, 10, 50, 50}, Conf: 0.7, ClassID: 2, ClassName: "NO-Hardhat"}
	sink := &fakeSink{events: make(chan iface.SafetyEvent, 1)}
	o := NewOrchestrator(&fakeDetector{dets: []iface.Detection{noHat}}, &fakePose{}, NewClassPolicy(nil), nil, 640, 480)
	svc := NewService(o, pool, 60, sink)

	msg, err := svc.Analyze(context.Background(), "conn-1", encodedFrame(t))
	require.NoError(t, err)
	assert.Equal(t, "result", msg.Type)
	assert.True(t, strings.HasPrefix(msg.FrameObject, jpegDataURIPrefix))
	assert.True(t, strings.HasPrefix(msg.FramePose, jpegDataURIPrefix))
	assert.Len(t, msg.Detections, 1)
	assert.Nil(t, msg.Posture)

	select {
	case ev := <-sink.events:
		assert.Equal(t, "conn-1", ev.Connection)
		assert.Equal(t, []string{"NO-Hardhat"}, ev.Violations)
	case <-time.After(2 * time.Second):
		t.Fatal("safety event not published")
	}

	_, err = svc.Analyze(context.Background(), "conn-1", "data:image/jpeg;base64,AAAA")
	assert.ErrorIs(t, err, ErrDecode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = svc.Analyze(ctx, "conn-1", encodedFrame(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceOrchestratorFault(t *testing.T) {
	pool := worker.NewPool(1)
	defer pool.Close()
	o := NewOrchestrator(&fakeDetector{panics: true}, &fakePose{}, NewClassPolicy(nil), nil, 640, 480)
	svc := NewService(o, pool, 60, nil)

	_, err := svc.Analyze(context.Background(), "conn-2", encodedFrame(t))
	assert.ErrorIs(t, err, ErrOrchestrator)
}
