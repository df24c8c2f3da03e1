// internal/inference/client.go

// Package inference is the boundary to the external liver-segmentation
// model service. The orchestrator treats every failure here as fatal
// for the run; retry decisions belong to the job scheduler.
package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"liverscan-back/internal/metrics"
)

// ErrInferenceFailed wraps every transport, protocol and decode failure
// on the model boundary.
var ErrInferenceFailed = errors.New("inference failed")

// Input identifies the study the model should segment. SourceURL is a
// presigned link to the uploaded volume, empty when the scan carries no
// source artifact.
type Input struct {
	ScanID     uint   `json:"scan_id"`
	PatientID  string `json:"patient_id"`
	SliceCount int    `json:"slice_count"`
	Modality   string `json:"modality"`
	SourceURL  string `json:"source_url,omitempty"`
}

// Output is one successful segmentation run.
type Output struct {
	MaskData        []byte
	Contours        json.RawMessage
	Metrics         metrics.ResultMetrics
	InferenceTimeMs int64
}

// Client runs one segmentation against the model service.
type Client interface {
	Run(ctx context.Context, in Input) (*Output, error)
}

// HTTPClient talks JSON to the model service at MODEL_URL. Every call
// carries a timeout so a stuck model cannot wedge a worker.
type HTTPClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
	}
}

// response is the model service's wire format. The mask volume comes
// back base64-encoded.
type response struct {
	Mask            string                `json:"mask"`
	Contours        json.RawMessage       `json:"contours"`
	Metrics         metrics.ResultMetrics `json:"metrics"`
	InferenceTimeMs int64                 `json:"inference_time_ms"`
}

func (c *HTTPClient) Run(ctx context.Context, in Input) (*Output, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: MODEL_URL not configured", ErrInferenceFailed)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode request: %v", ErrInferenceFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrInferenceFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInferenceFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: model returned %d: %s", ErrInferenceFailed, resp.StatusCode, string(detail))
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %v", ErrInferenceFailed, err)
	}

	mask, err := base64.StdEncoding.DecodeString(r.Mask)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid mask encoding: %v", ErrInferenceFailed, err)
	}
	if len(mask) == 0 {
		return nil, fmt.Errorf("%w: model returned an empty mask", ErrInferenceFailed)
	}

	return &Output{
		MaskData:        mask,
		Contours:        r.Contours,
		Metrics:         r.Metrics,
		InferenceTimeMs: r.InferenceTimeMs,
	}, nil
}
