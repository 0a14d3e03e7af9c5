// Package inference - Detector contract, detection records and YOLO output decoding shared by all
// inference backends.
package inference

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/nvr-ai/go-featrec/features"
)

// AllLayers asks a detector to run the full network and record every layer.
const AllLayers = features.AllLayers

// Frame is a single frame of video.
type Frame struct {
	ID        int
	Image     image.Image
	Timestamp time.Time
}

// Size returns the frame dimensions in pixels.
func (f Frame) Size() image.Point {
	if f.Image == nil {
		return image.Point{}
	}
	return f.Image.Bounds().Size()
}

// Detection is a single detection in frame pixel coordinates.
type Detection struct {
	Label      string
	ClassID    int
	Confidence float32
	Box        image.Rectangle
}

func (d Detection) String() string {
	return fmt.Sprintf("%s %.2f %v", d.Label, d.Confidence, d.Box)
}

// Result is the output of one inference pass.
type Result struct {
	// Detections are in the order the detector emitted them.
	Detections []Detection
	// Activations holds the recorded layer outputs.
	Activations *features.Activations
	// Projection maps frame pixels onto the network input the activations were computed on.
	Projection features.Projection
}

// Detector runs a network on a frame and records its intermediate layer outputs.
//
// stopAt is the deepest layer the caller needs; AllLayers runs the full network including the
// detection head. When stopAt is a layer index the detector may skip everything deeper, and the
// result may carry no detections.
type Detector interface {
	Infer(ctx context.Context, frame Frame, stopAt int) (*Result, error)
	Close() error
}
