// Package analysis computes whole-video metrics over a merged pose timeline
// and renders them into report findings.
package analysis

import (
	"errors"
	"fmt"
	"math"

	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// ErrUnorderedSamples is returned when timestamps are not strictly increasing.
var ErrUnorderedSamples = errors.New("pose samples not strictly increasing")

// DefaultMinVisibility is the landmark visibility below which a keypoint is
// treated as undetected.
const DefaultMinVisibility = 0.5

// jointAngle names an angle measured at Vertex between rays to A and B.
type jointAngle struct {
	Name   string
	A      string
	Vertex string
	B      string
}

var trackedJoints = []jointAngle{
	{"left_elbow", "left_shoulder", "left_elbow", "left_wrist"},
	{"right_elbow", "right_shoulder", "right_elbow", "right_wrist"},
	{"left_shoulder", "left_hip", "left_shoulder", "left_elbow"},
	{"right_shoulder", "right_hip", "right_shoulder", "right_elbow"},
	{"left_knee", "left_hip", "left_knee", "left_ankle"},
	{"right_knee", "right_hip", "right_knee", "right_ankle"},
}

// Computer is the default metrics collaborator.
type Computer struct {
	MinVisibility float64
}

// NewComputer returns a Computer with the default visibility threshold.
func NewComputer() *Computer {
	return &Computer{MinVisibility: DefaultMinVisibility}
}

// Compute measures detection coverage and joint ranges over samples, which
// must be sorted by strictly increasing timestamp.
func (c *Computer) Compute(samples []models.PoseSample, durationSeconds float64, sampleRate int) (models.Metrics, error) {
	m := models.Metrics{
		DurationSeconds: durationSeconds,
		SampleCount:     len(samples),
		Joints:          []models.JointStats{},
	}
	if len(samples) == 0 {
		m.LongestGapSeconds = durationSeconds
		return m, nil
	}

	for i := 1; i < len(samples); i++ {
		if samples[i].Timestamp <= samples[i-1].Timestamp {
			return models.Metrics{}, fmt.Errorf("%w: %v after %v", ErrUnorderedSamples,
				samples[i].Timestamp, samples[i-1].Timestamp)
		}
	}
	m.FirstTimestamp = samples[0].Timestamp
	m.LastTimestamp = samples[len(samples)-1].Timestamp

	var (
		detected   int
		visSum     float64
		visCount   int
		lastSeen   = 0.0
		longestGap = 0.0
		acc        = make(map[string]*angleAcc, len(trackedJoints))
	)
	for _, s := range samples {
		points := make(map[string]models.Keypoint, len(s.Keypoints))
		seen := false
		for _, kp := range s.Keypoints {
			visSum += kp.Visibility
			visCount++
			if kp.Visibility >= c.MinVisibility {
				points[kp.Name] = kp
				seen = true
			}
		}
		if !seen {
			continue
		}
		detected++
		longestGap = math.Max(longestGap, s.Timestamp-lastSeen)
		lastSeen = s.Timestamp

		for _, j := range trackedJoints {
			a, okA := points[j.A]
			v, okV := points[j.Vertex]
			b, okB := points[j.B]
			if !okA || !okV || !okB {
				continue
			}
			deg, ok := angleAt(a, v, b)
			if !ok {
				continue
			}
			if acc[j.Name] == nil {
				acc[j.Name] = &angleAcc{min: deg, max: deg}
			}
			acc[j.Name].add(deg)
		}
	}
	if detected == 0 {
		longestGap = durationSeconds
	} else {
		longestGap = math.Max(longestGap, durationSeconds-lastSeen)
	}

	if expected := durationSeconds * float64(sampleRate); expected > 0 {
		m.DetectionRate = math.Min(1, float64(detected)/expected)
	}
	if visCount > 0 {
		m.MeanVisibility = visSum / float64(visCount)
	}
	m.LongestGapSeconds = longestGap

	for _, j := range trackedJoints {
		a := acc[j.Name]
		if a == nil {
			continue
		}
		m.Joints = append(m.Joints, models.JointStats{
			Joint:   j.Name,
			Min:     round2(a.min),
			Max:     round2(a.max),
			Mean:    round2(a.sum / float64(a.n)),
			Range:   round2(a.max - a.min),
			Samples: a.n,
		})
	}
	return m, nil
}

type angleAcc struct {
	min, max, sum float64
	n             int
}

func (a *angleAcc) add(deg float64) {
	a.min = math.Min(a.min, deg)
	a.max = math.Max(a.max, deg)
	a.sum += deg
	a.n++
}

// angleAt returns the angle ABV in degrees, or false for a degenerate ray.
func angleAt(a, v, b models.Keypoint) (float64, bool) {
	ax, ay := a.X-v.X, a.Y-v.Y
	bx, by := b.X-v.X, b.Y-v.Y
	na := math.Hypot(ax, ay)
	nb := math.Hypot(bx, by)
	if na == 0 || nb == 0 {
		return 0, false
	}
	cos := (ax*bx + ay*by) / (na * nb)
	cos = math.Max(-1, math.Min(1, cos))
	return math.Acos(cos) * 180 / math.Pi, true
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
