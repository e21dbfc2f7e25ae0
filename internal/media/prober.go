// Package media determines the duration of a source video with ffprobe.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ErrMediaUnreadable means the container could not be opened or holds no
// decodable video frames. It is fatal to the job.
var ErrMediaUnreadable = errors.New("media unreadable")

// Runner executes a command and returns its stdout. A non-zero exit must be
// reported as an *exec.ExitError.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec, folding stderr into the error.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// Prober reads video duration from container metadata, falling back to a full
// frame count when the container does not carry one.
type Prober struct {
	ffprobe string
	run     Runner
	logger  *slog.Logger
}

// NewProber creates a Prober that invokes the ffprobe binary at path.
func NewProber(path string, run Runner, logger *slog.Logger) *Prober {
	if run == nil {
		run = ExecRunner
	}
	return &Prober{ffprobe: path, run: run, logger: logger}
}

// Probe returns the duration of the video at videoURL in seconds.
func (p *Prober) Probe(ctx context.Context, videoURL string) (float64, error) {
	out, err := p.run(ctx, p.ffprobe,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		videoURL)
	if err != nil {
		return 0, p.classify(err)
	}

	var format formatOutput
	if err := json.Unmarshal(out, &format); err != nil {
		return 0, fmt.Errorf("%w: decoding ffprobe output: %v", ErrMediaUnreadable, err)
	}
	if d, ok := parsePositive(format.Format.Duration); ok {
		return d, nil
	}

	p.logger.Info("container has no duration, counting frames", "video", redact(videoURL))
	return p.countFrames(ctx, videoURL)
}

// countFrames decodes the first video stream end to end. Slow path only.
func (p *Prober) countFrames(ctx context.Context, videoURL string) (float64, error) {
	out, err := p.run(ctx, p.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_frames",
		"-show_entries", "stream=nb_read_frames,avg_frame_rate,r_frame_rate",
		"-of", "json",
		videoURL)
	if err != nil {
		return 0, p.classify(err)
	}

	var streams streamsOutput
	if err := json.Unmarshal(out, &streams); err != nil {
		return 0, fmt.Errorf("%w: decoding ffprobe output: %v", ErrMediaUnreadable, err)
	}
	if len(streams.Streams) == 0 {
		return 0, fmt.Errorf("%w: no video stream", ErrMediaUnreadable)
	}

	s := streams.Streams[0]
	frames, err := strconv.ParseInt(s.ReadFrames, 10, 64)
	if err != nil || frames <= 0 {
		return 0, fmt.Errorf("%w: no decodable frames", ErrMediaUnreadable)
	}
	fps, ok := parseRate(s.AvgFrameRate)
	if !ok {
		fps, ok = parseRate(s.RFrameRate)
	}
	if !ok {
		return 0, fmt.Errorf("%w: unknown frame rate", ErrMediaUnreadable)
	}
	return float64(frames) / fps, nil
}

// classify separates "ffprobe ran and rejected the input" from failures to run
// ffprobe at all. Only the former is a media error.
func (p *Prober) classify(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %v", ErrMediaUnreadable, err)
	}
	return fmt.Errorf("running ffprobe: %w", err)
}

type formatOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type streamsOutput struct {
	Streams []struct {
		ReadFrames   string `json:"nb_read_frames"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
	} `json:"streams"`
}

func parsePositive(s string) (float64, bool) {
	if s == "" || s == "N/A" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || !(v > 0) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// parseRate parses an ffprobe rational such as "30000/1001".
func parseRate(s string) (float64, bool) {
	num, den, found := strings.Cut(s, "/")
	if !found {
		return parsePositive(s)
	}
	n, ok := parsePositive(num)
	if !ok {
		return 0, false
	}
	d, ok := parsePositive(den)
	if !ok {
		return 0, false
	}
	return n / d, true
}

// redact drops the query string so signed URL credentials stay out of logs.
func redact(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
