// Package motion classifies printer activity by differencing consecutive
// camera frames on a single luminance channel.
package motion

import (
	"log/slog"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// Detector compares each frame against the immediately previous one. No
// deeper history is kept.
type Detector struct {
	intensityThreshold int // minimum per-pixel luminance delta to count a pixel as changed
	pixelThreshold     int // changed-pixel count that must be exceeded to report motion

	prevLum    []byte
	prevWidth  int
	prevHeight int
}

// NewDetector creates a motion detector with the given thresholds.
func NewDetector(intensityThreshold, pixelThreshold int) *Detector {
	return &Detector{
		intensityThreshold: intensityThreshold,
		pixelThreshold:     pixelThreshold,
	}
}

// Detect reports whether the frame shows motion relative to the previous
// frame. The first frame after startup or a resolution change never reports
// motion; it only seeds the history.
func (d *Detector) Detect(frame types.Frame) bool {
	if !frame.Valid() {
		return false
	}

	lum := frame.Luminance()

	if d.prevLum == nil || d.prevWidth != frame.Width || d.prevHeight != frame.Height {
		d.prevLum = lum
		d.prevWidth = frame.Width
		d.prevHeight = frame.Height
		return false
	}

	changed := 0
	for i := range lum {
		diff := int(lum[i]) - int(d.prevLum[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > d.intensityThreshold {
			changed++
		}
	}

	d.prevLum = lum

	hasMotion := changed > d.pixelThreshold
	slog.Debug("motion check",
		"changed_pixels", changed,
		"pixel_threshold", d.pixelThreshold,
		"motion", hasMotion,
	)

	return hasMotion
}

// Reset drops the frame history, forcing the next Detect call to seed again.
func (d *Detector) Reset() {
	d.prevLum = nil
	d.prevWidth = 0
	d.prevHeight = 0
}
