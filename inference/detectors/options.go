// Package detectors - Detector backends: darknet networks through the OpenCV DNN module, ONNX models
// through onnxruntime, and a composite of a feature extractor with replayed detections.
package detectors

import (
	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
)

// Options are shared by every backend.
type Options struct {
	// Classes names the class indices of the detection head.
	Classes []string
	// Resolution is the square network input size.
	Resolution int
	// Confidence is the minimum detection score.
	Confidence float32
	// NMS is the suppression IoU threshold.
	NMS float32
	// Layers are the layers recorded on every pass.
	Layers features.LayerRange
}

func (o Options) decode() inference.DecodeConfig {
	return inference.DecodeConfig{Confidence: o.Confidence, Classes: o.Classes}
}

func (o Options) nms() inference.NMSConfig {
	return inference.NMSConfig{IoUThreshold: o.NMS, ClassAware: true}
}

// recorded returns the layers of the range that a pass stopping at stopAt must record.
func (o Options) recorded(stopAt int) []int {
	var out []int
	for pos := 0; pos < o.Layers.Len(); pos++ {
		layer := o.Layers.At(pos)
		if stopAt != inference.AllLayers && layer > stopAt {
			break
		}
		out = append(out, layer)
	}
	return out
}
