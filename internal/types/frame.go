package types

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"
)

// Frame represents a single decoded video frame. Frames are immutable after
// capture: the stream package hands out copies, consumers never write into
// Data.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64
	// Timestamp is when the frame was captured/decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains raw RGB24 pixel data (3 bytes per pixel, row-major)
	Data []byte
	// TraceID is a unique identifier for tracing a frame across the pipeline
	TraceID string
}

// Valid reports whether the frame carries a plausible RGB24 payload.
func (f Frame) Valid() bool {
	return f.Width > 0 && f.Height > 0 && len(f.Data) >= f.Width*f.Height*3
}

// Luminance returns the single-channel luminance plane of the frame using
// ITU-R BT.601 integer weights. Used by the motion detector.
func (f Frame) Luminance() []byte {
	n := f.Width * f.Height
	lum := make([]byte, n)
	for i := 0; i < n; i++ {
		r := int(f.Data[i*3])
		g := int(f.Data[i*3+1])
		b := int(f.Data[i*3+2])
		lum[i] = byte((299*r + 587*g + 114*b) / 1000)
	}
	return lum
}

// EncodeJPEG re-encodes the frame as JPEG at the given quality. Used for the
// inference request body and the dashboard frame endpoint.
func (f Frame) EncodeJPEG(quality int) ([]byte, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("invalid frame: %dx%d with %d bytes", f.Width, f.Height, len(f.Data))
	}

	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			src := (y*f.Width + x) * 3
			dst := img.PixOffset(x, y)
			img.Pix[dst] = f.Data[src]
			img.Pix[dst+1] = f.Data[src+1]
			img.Pix[dst+2] = f.Data[src+2]
			img.Pix[dst+3] = 0xff
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

// StreamStats contains frame source statistics.
type StreamStats struct {
	FrameCount  uint64
	FPSReal     float64
	Reconnects  uint32
	BytesRead   uint64
	IsConnected bool
	LastFrameAt time.Time
}
