package stream

import (
	"testing"
	"time"
)

func TestNewRTSPSourceValidation(t *testing.T) {
	if _, err := NewRTSPSource(RTSPConfig{Width: 640, Height: 480}); err == nil {
		t.Error("source accepted an empty rtsp url")
	}
	if _, err := NewRTSPSource(RTSPConfig{RTSPURL: "rtsp://cam/stream", Width: 0, Height: 480}); err == nil {
		t.Error("source accepted a zero width")
	}
}

// A transport outage must not blank the feed immediately. The last frame is
// served until the staleness grace ages it out, so consumers see a transient
// blip only once the frame is genuinely old.
func TestLatestSurvivesDisconnectUntilGraceExpires(t *testing.T) {
	s, err := NewRTSPSource(RTSPConfig{
		RTSPURL:     "rtsp://cam/stream",
		Width:       640,
		Height:      480,
		GracePeriod: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewRTSPSource() failed: %v", err)
	}

	s.cell.Put(cellFrame(1, time.Now().Add(-10*time.Second)))
	s.connected.Store(false)

	if _, ok := s.Latest(); !ok {
		t.Error("recent frame dropped on disconnect before the grace expired")
	}

	s.cell.Put(cellFrame(2, time.Now().Add(-40*time.Second)))
	if _, ok := s.Latest(); ok {
		t.Error("frame older than the grace still served")
	}
}
