// Package inference talks to the external ML failure-detection service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

const jpegQuality = 85

// Service is the inference surface the monitor and the standby controller
// consume.
type Service interface {
	// Detect submits one frame and returns the normalized result. The
	// returned Detection carries the maximum failure confidence over all
	// entries; an empty detection list maps to confidence 0.0.
	Detect(ctx context.Context, frame types.Frame) (types.Detection, error)
	// Healthy polls the service health endpoint.
	Healthy(ctx context.Context) bool
}

// Client is the HTTP implementation of Service.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates an inference client for the given base URL. The timeout
// bounds every Detect call; expiry is surfaced as an error the caller treats
// as a skipped cycle, never as a detected failure.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// response is the service's wire format:
// {"detections": [["failure", 0.85, [512, 384, 128, 96]], ...]}
type response struct {
	Detections []entry `json:"detections"`
}

// entry is one detection list entry: [label, confidence, bounding_box].
// The confidence always lives at index 1; trailing elements beyond the
// bounding box are tolerated and ignored, so a service that appends fields
// does not silently shift the confidence we read.
type entry struct {
	Label      string
	Confidence float64
	BBox       *types.PixelRect
}

// UnmarshalJSON decodes the positional entry format.
func (e *entry) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("detection entry is not an array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("detection entry has %d elements, want at least [label, confidence]", len(raw))
	}

	if err := json.Unmarshal(raw[0], &e.Label); err != nil {
		return fmt.Errorf("detection label: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Confidence); err != nil {
		return fmt.Errorf("detection confidence: %w", err)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("detection confidence %v outside [0,1]", e.Confidence)
	}

	if len(raw) >= 3 {
		var box [4]int
		if err := json.Unmarshal(raw[2], &box); err != nil {
			return fmt.Errorf("detection bounding box: %w", err)
		}
		e.BBox = &types.PixelRect{X: box[0], Y: box[1], Width: box[2], Height: box[3]}
	}

	return nil
}

// Detect implements Service.
func (c *Client) Detect(ctx context.Context, frame types.Frame) (types.Detection, error) {
	jpegData, err := frame.EncodeJPEG(jpegQuality)
	if err != nil {
		return types.Detection{}, fmt.Errorf("encode frame: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")

	part, err := writer.CreatePart(h)
	if err != nil {
		return types.Detection{}, fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(jpegData); err != nil {
		return types.Detection{}, fmt.Errorf("write image data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return types.Detection{}, fmt.Errorf("close writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", &buf)
	if err != nil {
		return types.Detection{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Detection{}, fmt.Errorf("inference request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return types.Detection{}, fmt.Errorf("inference service returned %s: %s", resp.Status, body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Detection{}, fmt.Errorf("read response: %w", err)
	}

	det, err := ParseResponse(body)
	if err != nil {
		return types.Detection{}, err
	}

	slog.Debug("inference completed",
		"trace_id", frame.TraceID,
		"confidence", det.Confidence,
	)

	return det, nil
}

// ParseResponse normalizes the raw service response into a Detection.
// Exported separately from Detect so the format contract is testable without
// a live endpoint.
func ParseResponse(body []byte) (types.Detection, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return types.Detection{}, fmt.Errorf("malformed inference response: %w", err)
	}

	if len(r.Detections) == 0 {
		return types.Detection{Confidence: 0.0}, nil
	}

	entries := make([]types.DetectionEntry, len(r.Detections))
	for i, e := range r.Detections {
		entries[i] = types.DetectionEntry{
			Label:       e.Label,
			Confidence:  e.Confidence,
			BoundingBox: e.BBox,
		}
	}

	top := lo.MaxBy(r.Detections, func(a, b entry) bool {
		return a.Confidence > b.Confidence
	})

	return types.Detection{
		Confidence:  top.Confidence,
		BoundingBox: top.BBox,
		Entries:     entries,
	}, nil
}

// Healthy implements Service. The service answers 200 "ok" on /hc/ when the
// model is loaded and ready.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/hc/", nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		slog.Debug("inference health check failed", "error", err)
		return false
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64))
	return resp.StatusCode == http.StatusOK && strings.TrimSpace(string(body)) == "ok"
}
