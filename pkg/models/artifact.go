package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact kinds. Decoders reject payloads whose kind does not match.
const (
	ArtifactKindChunkPose   = "chunk_pose.v1"
	ArtifactKindFinalReport = "final_report.v1"
)

// Keypoint is one detected body landmark in normalized image coordinates.
type Keypoint struct {
	Name       string  `json:"name"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Z          float64 `json:"z,omitempty"`
	Visibility float64 `json:"visibility"`
}

// PoseSample holds the landmarks of one sampled frame. Timestamp is seconds
// from the start of the whole video, never from the start of a chunk.
type PoseSample struct {
	Timestamp float64    `json:"t"`
	Keypoints []Keypoint `json:"keypoints"`
}

// ChunkArtifact is the stored result of processing one chunk.
type ChunkArtifact struct {
	Kind       string       `json:"kind"`
	JobID      uuid.UUID    `json:"job_id"`
	ChunkIndex int          `json:"chunk_index"`
	StartSec   float64      `json:"start_sec"`
	EndSec     float64      `json:"end_sec"`
	SampleRate int          `json:"sample_rate"`
	Samples    []PoseSample `json:"samples"`
	CreatedAt  time.Time    `json:"created_at"`
}

// JointStats summarizes one joint angle, in degrees, over the merged timeline.
type JointStats struct {
	Joint   string  `json:"joint"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Mean    float64 `json:"mean"`
	Range   float64 `json:"range"`
	Samples int     `json:"samples"`
}

// Metrics are whole-video measurements computed over the merged timeline.
type Metrics struct {
	DurationSeconds   float64      `json:"duration_seconds"`
	SampleCount       int          `json:"sample_count"`
	DetectionRate     float64      `json:"detection_rate"`
	MeanVisibility    float64      `json:"mean_visibility"`
	LongestGapSeconds float64      `json:"longest_gap_seconds"`
	FirstTimestamp    float64      `json:"first_timestamp"`
	LastTimestamp     float64      `json:"last_timestamp"`
	Joints            []JointStats `json:"joints"`
}

// FinalReport is the immutable output of a successful aggregation.
type FinalReport struct {
	Kind            string    `json:"kind"`
	JobID           uuid.UUID `json:"job_id"`
	SessionID       string    `json:"session_id"`
	DurationSeconds float64   `json:"duration_seconds"`
	ChunkCount      int       `json:"chunk_count"`
	SampleCount     int       `json:"sample_count"`
	Metrics         Metrics   `json:"metrics"`
	Findings        []string  `json:"findings"`
	ReportText      string    `json:"report_text"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// EncodeChunkArtifact stamps the artifact kind and marshals it.
func EncodeChunkArtifact(a *ChunkArtifact) ([]byte, error) {
	a.Kind = ArtifactKindChunkPose
	return json.Marshal(a)
}

// DecodeChunkArtifact unmarshals data and checks its kind.
func DecodeChunkArtifact(data []byte) (*ChunkArtifact, error) {
	var a ChunkArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode chunk artifact: %w", err)
	}
	if a.Kind != ArtifactKindChunkPose {
		return nil, fmt.Errorf("decode chunk artifact: unexpected kind %q", a.Kind)
	}
	return &a, nil
}

// EncodeFinalReport stamps the report kind and marshals it.
func EncodeFinalReport(r *FinalReport) ([]byte, error) {
	r.Kind = ArtifactKindFinalReport
	return json.Marshal(r)
}

// DecodeFinalReport unmarshals data and checks its kind.
func DecodeFinalReport(data []byte) (*FinalReport, error) {
	var r FinalReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode final report: %w", err)
	}
	if r.Kind != ArtifactKindFinalReport {
		return nil, fmt.Errorf("decode final report: unexpected kind %q", r.Kind)
	}
	return &r, nil
}
