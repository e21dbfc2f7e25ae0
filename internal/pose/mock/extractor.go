// Package mock provides Extractor implementations for tests and local runs
// without a pose service.
package mock

import (
	"context"
	"math"
	"sync/atomic"

	"github.com/kiranshivaraju/strokelab/internal/pose"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// Landmarks emitted by the synthetic extractor.
var Landmarks = []string{
	"left_shoulder", "left_elbow", "left_wrist",
	"right_shoulder", "right_elbow", "right_wrist",
	"left_hip", "left_knee", "left_ankle",
	"right_hip", "right_knee", "right_ankle",
}

// MockExtractor satisfies pose.Extractor and counts calls.
type MockExtractor struct {
	ExtractFunc func(ctx context.Context, req pose.Request) ([]models.PoseSample, error)
	calls       atomic.Int64
}

func (m *MockExtractor) Extract(ctx context.Context, req pose.Request) ([]models.PoseSample, error) {
	m.calls.Add(1)
	if m.ExtractFunc != nil {
		return m.ExtractFunc(ctx, req)
	}
	return nil, nil
}

// Calls reports how many times Extract ran.
func (m *MockExtractor) Calls() int {
	return int(m.calls.Load())
}

// NewSyntheticExtractor returns a MockExtractor that emits one sample per
// 1/SampleRate seconds of the requested window, on the global timeline.
func NewSyntheticExtractor() *MockExtractor {
	return &MockExtractor{
		ExtractFunc: func(_ context.Context, req pose.Request) ([]models.PoseSample, error) {
			return Samples(req.Start, req.End, req.SampleRate), nil
		},
	}
}

// NewFailingExtractor returns a MockExtractor that always returns err.
func NewFailingExtractor(err error) *MockExtractor {
	return &MockExtractor{
		ExtractFunc: func(_ context.Context, _ pose.Request) ([]models.PoseSample, error) {
			return nil, err
		},
	}
}

// NewBlockingExtractor returns a MockExtractor that blocks until ctx is done.
func NewBlockingExtractor() *MockExtractor {
	return &MockExtractor{
		ExtractFunc: func(ctx context.Context, _ pose.Request) ([]models.PoseSample, error) {
			<-ctx.Done()
			return nil, pose.ErrExtractorTimeout
		},
	}
}

// Samples generates deterministic poses at multiples of 1/rate inside [start, end).
func Samples(start, end float64, rate int) []models.PoseSample {
	if rate <= 0 || end <= start {
		return nil
	}
	r := float64(rate)
	first := int(math.Ceil(start*r - 1e-9))
	var out []models.PoseSample
	for i := first; float64(i)/r < end; i++ {
		t := float64(i) / r
		out = append(out, models.PoseSample{Timestamp: t, Keypoints: keypointsAt(t)})
	}
	return out
}

// keypointsAt places a figure whose arms swing with a two second period.
func keypointsAt(t float64) []models.Keypoint {
	swing := math.Sin(2 * math.Pi * t / 2)
	kps := make([]models.Keypoint, 0, len(Landmarks))
	for i, name := range Landmarks {
		side := -1.0
		if i%6 >= 3 {
			side = 1.0
		}
		x, y := 0.5+side*0.1, 0.3
		switch i % 3 {
		case 1:
			x += side * 0.08 * (1 + swing)
			y += 0.12
		case 2:
			x += side * 0.12 * (1 + swing)
			y += 0.2 + 0.05*swing
		}
		if i >= 6 {
			y += 0.35
		}
		kps = append(kps, models.Keypoint{Name: name, X: x, Y: y, Visibility: 0.9})
	}
	return kps
}

// Compile-time check that MockExtractor implements Extractor.
var _ pose.Extractor = (*MockExtractor)(nil)
