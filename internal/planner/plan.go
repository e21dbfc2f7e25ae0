// Package planner splits a video duration into chunk intervals and persists
// the resulting chunk set for a job.
package planner

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidPlan is returned for a non-positive duration or chunk length.
var ErrInvalidPlan = errors.New("invalid plan input")

// roundingULPs bounds the float error of start+chunkSeconds relative to the
// duration. A tail shorter than that is rounding, not video.
const roundingULPs = 8

// roundingSlack is the largest tail of duration treated as rounding error.
func roundingSlack(duration float64) float64 {
	return duration * roundingULPs * 0x1p-52
}

// Interval is a half-open [Start, End) range on the whole-video timeline, in seconds.
type Interval struct {
	Start float64
	End   float64
}

// Duration returns End - Start.
func (i Interval) Duration() float64 {
	return i.End - i.Start
}

// Plan returns ceil(duration/chunkSeconds) contiguous intervals covering
// [0, duration). Every interval is chunkSeconds long except the last, which is
// clipped to duration. An exact multiple produces no zero-length tail.
func Plan(duration, chunkSeconds float64) ([]Interval, error) {
	if !(duration > 0) || math.IsInf(duration, 0) {
		return nil, fmt.Errorf("%w: duration %v", ErrInvalidPlan, duration)
	}
	if !(chunkSeconds > 0) || math.IsInf(chunkSeconds, 0) {
		return nil, fmt.Errorf("%w: chunk length %v", ErrInvalidPlan, chunkSeconds)
	}

	n := int(math.Ceil(duration / chunkSeconds))
	slack := roundingSlack(duration)
	intervals := make([]Interval, 0, n)
	for i := 0; i < n; i++ {
		// Starts are computed from the index so error does not accumulate.
		start := float64(i) * chunkSeconds
		end := math.Min(start+chunkSeconds, duration)
		if duration-end <= slack {
			end = duration
		}
		intervals = append(intervals, Interval{Start: start, End: end})
		if end == duration {
			break
		}
	}
	return intervals, nil
}
