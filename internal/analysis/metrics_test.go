package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/strokelab/internal/pose/mock"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

func kp(name string, x, y, vis float64) models.Keypoint {
	return models.Keypoint{Name: name, X: x, Y: y, Visibility: vis}
}

// rightArm builds a sample whose right elbow sits at the given angle.
func rightArm(t float64, straight bool) models.PoseSample {
	wrist := kp("right_wrist", 0.7, 0.5, 0.9) // straight arm along x
	if !straight {
		wrist = kp("right_wrist", 0.6, 0.6, 0.9) // elbow bent to 90°
	}
	return models.PoseSample{Timestamp: t, Keypoints: []models.Keypoint{
		kp("right_shoulder", 0.5, 0.5, 0.9),
		kp("right_elbow", 0.6, 0.5, 0.9),
		wrist,
	}}
}

func TestCompute_Empty(t *testing.T) {
	m, err := NewComputer().Compute(nil, 12.5, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, m.SampleCount)
	assert.Equal(t, 12.5, m.DurationSeconds)
	assert.Equal(t, 12.5, m.LongestGapSeconds)
	assert.Zero(t, m.DetectionRate)
	assert.NotNil(t, m.Joints)
}

func TestCompute_RejectsUnorderedSamples(t *testing.T) {
	tests := []struct {
		name    string
		samples []models.PoseSample
	}{
		{"out of order", []models.PoseSample{{Timestamp: 1}, {Timestamp: 0.5}}},
		{"duplicate", []models.PoseSample{{Timestamp: 1}, {Timestamp: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewComputer().Compute(tt.samples, 2, 5)
			assert.ErrorIs(t, err, ErrUnorderedSamples)
		})
	}
}

func TestCompute_ElbowRange(t *testing.T) {
	samples := []models.PoseSample{
		rightArm(0.0, true),
		rightArm(0.5, false),
		rightArm(1.0, true),
	}
	m, err := NewComputer().Compute(samples, 1.5, 2)
	require.NoError(t, err)

	require.Len(t, m.Joints, 1)
	elbow := m.Joints[0]
	assert.Equal(t, "right_elbow", elbow.Joint)
	assert.Equal(t, 3, elbow.Samples)
	assert.InDelta(t, 90, elbow.Min, 0.01)
	assert.InDelta(t, 180, elbow.Max, 0.01)
	assert.InDelta(t, 90, elbow.Range, 0.01)
	assert.InDelta(t, 150, elbow.Mean, 0.01)

	assert.Equal(t, 0.0, m.FirstTimestamp)
	assert.Equal(t, 1.0, m.LastTimestamp)
	assert.Equal(t, 1.0, m.DetectionRate)
	assert.InDelta(t, 0.9, m.MeanVisibility, 1e-9)
	assert.InDelta(t, 0.5, m.LongestGapSeconds, 1e-9)
}

func TestCompute_LowVisibilityIsUndetected(t *testing.T) {
	hidden := models.PoseSample{Timestamp: 1, Keypoints: []models.Keypoint{
		kp("right_shoulder", 0.5, 0.5, 0.1),
		kp("right_elbow", 0.6, 0.5, 0.2),
	}}
	samples := []models.PoseSample{rightArm(0, true), hidden, rightArm(4, true)}

	m, err := NewComputer().Compute(samples, 5, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, m.SampleCount)
	assert.InDelta(t, 2.0/5.0, m.DetectionRate, 1e-9)
	assert.InDelta(t, 4.0, m.LongestGapSeconds, 1e-9)
	assert.Equal(t, 2, m.Joints[0].Samples)
}

func TestCompute_TrailingGapCountsToDuration(t *testing.T) {
	m, err := NewComputer().Compute([]models.PoseSample{rightArm(1, true)}, 10, 1)
	require.NoError(t, err)
	assert.InDelta(t, 9.0, m.LongestGapSeconds, 1e-9)
}

func TestCompute_SyntheticTimeline(t *testing.T) {
	samples := mock.Samples(0, 10, 5)
	m, err := NewComputer().Compute(samples, 10, 5)
	require.NoError(t, err)

	assert.Equal(t, len(samples), m.SampleCount)
	assert.InDelta(t, 1.0, m.DetectionRate, 0.001)
	joints := map[string]bool{}
	for _, j := range m.Joints {
		joints[j.Joint] = true
		assert.LessOrEqual(t, j.Min, j.Mean)
		assert.LessOrEqual(t, j.Mean, j.Max)
		assert.GreaterOrEqual(t, j.Min, 0.0)
		assert.LessOrEqual(t, j.Max, 180.0)
	}
	assert.True(t, joints["left_elbow"])
	assert.True(t, joints["right_knee"])
}

func TestAngleAt_Degenerate(t *testing.T) {
	p := kp("x", 0.5, 0.5, 1)
	_, ok := angleAt(p, p, kp("y", 0.6, 0.6, 1))
	assert.False(t, ok)
}
