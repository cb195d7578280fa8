package engine

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	iface "SafetyMonServer/interface"
	"SafetyMonServer/logger"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const (
	poseHealthPath  = "/healthz"
	poseEstimateURL = "/v1/pose"
)

type poseResponse struct {
	Landmarks []iface.Landmark `json:"landmarks"`
}

// RemotePose asks a pose-estimation sidecar for the 33 body landmarks of the
// most prominent person in a frame.
type RemotePose struct {
	Endpoint string
	client   *resty.Client
	loaded   atomic.Bool
}

var _ iface.PoseEstimator = (*RemotePose)(nil)

// NewRemotePose checks the sidecar's health endpoint before returning.
func NewRemotePose(endpoint string, timeout time.Duration) (*RemotePose, error) {
	endpoint = strings.TrimRight(endpoint, "/")
	p := &RemotePose{
		Endpoint: endpoint,
		client: resty.New().
			SetBaseURL(endpoint).
			SetTimeout(timeout),
	}
	resp, err := p.client.R().Get(poseHealthPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoseEndpoint, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: %s returned %s", ErrPoseEndpoint, poseHealthPath, resp.Status())
	}
	p.loaded.Store(true)
	logger.Log().Info("pose estimator ready", zap.String("endpoint", endpoint))
	return p, nil
}

func (p *RemotePose) Loaded() bool {
	return p.loaded.Load()
}

// Estimate returns nil when the sidecar found nobody.
func (p *RemotePose) Estimate(img gocv.Mat) (iface.LandmarkSet, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("pose: encode frame: %w", err)
	}
	defer buf.Close()
	return p.estimateJPEG(buf.GetBytes())
}

func (p *RemotePose) estimateJPEG(jpeg []byte) (iface.LandmarkSet, error) {
	if !p.Loaded() {
		return nil, ErrNotLoaded
	}
	var out poseResponse
	resp, err := p.client.R().
		SetHeader("Content-Type", "image/jpeg").
		SetBody(jpeg).
		ForceContentType("application/json").
		SetResult(&out).
		Post(poseEstimateURL)
	if err != nil {
		return nil, fmt.Errorf("pose: request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("pose: sidecar returned %s", resp.Status())
	}
	switch len(out.Landmarks) {
	case 0:
		return nil, nil
	case iface.LandmarkCount:
		return iface.LandmarkSet(out.Landmarks), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadLandmarks, len(out.Landmarks))
	}
}

func (p *RemotePose) Close() error {
	p.loaded.Store(false)
	p.client.GetClient().CloseIdleConnections()
	return nil
}
