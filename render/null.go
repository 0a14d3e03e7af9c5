package render

import (
	"context"

	"github.com/cyclopcam/logs"

	"github.com/nvr-ai/go-featrec/session"
)

// Null is a headless sink. It logs the lock and a line per locked frame at debug level.
type Null struct {
	Log logs.Log
	// MaxFrames stops the session after this many frames when positive.
	MaxFrames int

	frames int
}

// Render logs the step.
func (n *Null) Render(ctx context.Context, step *session.Step) error {
	n.frames++
	switch {
	case step.Locking:
		n.Log.Infof("Frame %d: locked %v with %d detections", step.Frame.ID, step.Target, len(step.Detections))
	case step.State == session.Locked:
		if layer, selected, overview, ok := step.Primary(); ok && overview != nil {
			n.Log.Debugf("Frame %d: layer %d peak %.3f selected, %.3f overall",
				step.Frame.ID, layer, selected.Peak, overview.Peak)
		}
	default:
		n.Log.Debugf("Frame %d: searching, %d detections", step.Frame.ID, len(step.Detections))
	}
	if n.MaxFrames > 0 && n.frames >= n.MaxFrames {
		return session.ErrStopped
	}
	return nil
}
