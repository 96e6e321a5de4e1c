package stream

import (
	"context"
	"errors"

	"github.com/Dustpan95/3dprinter-Vision-Monitor/internal/types"
)

// ErrNoFrame is returned by snapshotting callers when no fresh frame exists.
var ErrNoFrame = errors.New("no frame available")

// Source provides the freshest available camera frame without blocking the
// caller for the duration of a network read.
type Source interface {
	// Start launches the background reader. Non-blocking.
	Start(ctx context.Context) error
	// Latest returns the most recent frame within the staleness grace,
	// or false while the transport is down or the frame is stale.
	Latest() (types.Frame, bool)
	// Connected reports transport health.
	Connected() bool
	// Stats returns source statistics.
	Stats() types.StreamStats
	// Stop tears down the reader and the transport connection.
	Stop() error
}
