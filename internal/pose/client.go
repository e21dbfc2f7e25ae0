// Package pose talks to the pose-landmark extraction service.
package pose

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/strokelab/internal/media"
	"github.com/kiranshivaraju/strokelab/pkg/models"
)

// Sentinel errors for extraction failures. All of them are local to one chunk.
var (
	ErrExtractionFailed     = errors.New("pose extraction failed")
	ErrExtractorUnreachable = errors.New("pose extractor unreachable")
	ErrExtractorTimeout     = errors.New("pose extractor timeout")
)

// Extractor turns a segment of a video into per-frame pose samples.
type Extractor interface {
	Extract(ctx context.Context, req Request) ([]models.PoseSample, error)
}

// Request selects a half-open [Start, End) window of the video. Returned
// timestamps are on the whole-video timeline.
type Request struct {
	VideoURL   string
	Start      float64
	End        float64
	SampleRate int
	MaxWidth   int
}

// HTTPClient implements Extractor against the pose service's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new pose service client.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Extract(ctx context.Context, req Request) ([]models.PoseSample, error) {
	body, err := json.Marshal(extractRequest{
		VideoURL:   req.VideoURL,
		StartSec:   req.Start,
		EndSec:     req.End,
		SampleRate: req.SampleRate,
		MaxWidth:   req.MaxWidth,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", media.ErrMediaUnreadable, readDetail(resp.Body))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d: %s", ErrExtractionFailed, resp.StatusCode, readDetail(resp.Body))
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrExtractionFailed, err)
	}

	return window(out.Samples, req.Start, req.End), nil
}

// window keeps samples inside [start, end) and sorts them by timestamp. The
// service may return frames slightly outside the window after seeking.
func window(samples []models.PoseSample, start, end float64) []models.PoseSample {
	kept := make([]models.PoseSample, 0, len(samples))
	for _, s := range samples {
		if s.Timestamp >= start && s.Timestamp < end {
			kept = append(kept, s)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Timestamp < kept[j].Timestamp })
	return kept
}

func readDetail(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	var e struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(b, &e) == nil {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return string(bytes.TrimSpace(b))
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrExtractorTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrExtractorTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrExtractorUnreachable, err)
}

type extractRequest struct {
	VideoURL   string  `json:"video_url"`
	StartSec   float64 `json:"start_sec"`
	EndSec     float64 `json:"end_sec"`
	SampleRate int     `json:"sample_rate"`
	MaxWidth   int     `json:"max_width"`
}

type extractResponse struct {
	Samples []models.PoseSample `json:"samples"`
}

// Compile-time check that HTTPClient implements Extractor.
var _ Extractor = (*HTTPClient)(nil)
