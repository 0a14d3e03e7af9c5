package detectors

import (
	"context"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
)

// FeatureExtractor computes layer activations for a frame.
type FeatureExtractor interface {
	Extract(ctx context.Context, frame inference.Frame, stopAt int) (*features.Activations, features.Projection, error)
}

// DetectionSource supplies the detections of a frame.
type DetectionSource interface {
	Detections(frame inference.Frame) ([]inference.Detection, error)
}

// Composite is a detector assembled from a feature extractor and a separate detection source.
// Detections are only requested for full passes.
type Composite struct {
	Features   FeatureExtractor
	Detections DetectionSource
	Log        logs.Log
	// Closers are closed in order by Close.
	Closers []interface{ Close() error }
}

// Infer extracts activations and, for full passes, looks up the frame's detections.
func (c *Composite) Infer(ctx context.Context, frame inference.Frame, stopAt int) (*inference.Result, error) {
	acts, proj, err := c.Features.Extract(ctx, frame, stopAt)
	if err != nil {
		return nil, errors.Wrap(err, "extract features")
	}
	res := &inference.Result{Activations: acts, Projection: proj}
	if stopAt != inference.AllLayers {
		return res, nil
	}
	res.Detections, err = c.Detections.Detections(frame)
	if err != nil {
		return nil, errors.Wrap(err, "detections")
	}
	if c.Log != nil && len(res.Detections) > 0 {
		c.Log.Debugf("Frame %d: %d detections", frame.ID, len(res.Detections))
	}
	return res, nil
}

// Close closes the registered closers and returns the first error.
func (c *Composite) Close() error {
	var first error
	for _, closer := range c.Closers {
		if err := closer.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
