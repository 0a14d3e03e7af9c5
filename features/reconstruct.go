package features

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
)

// Reconstructor projects selected feature channels back into one 2D map per layer.
type Reconstructor struct{}

// NewReconstructor creates a reconstructor.
func NewReconstructor() *Reconstructor {
	return &Reconstructor{}
}

// Reconstruct builds one heatmap per requested layer position.
//
// With a selection, each map is the score-weighted mean of the layer's retained channels. With a
// nil selection every channel of the layer is averaged with equal weight. Maps are normalized:
// negative values are clamped to 0 and the result divided by its maximum, so values lie in [0,1];
// a map without a positive maximum is all zeros.
//
// Arguments:
//   - acts: The activations of the current frame.
//   - rng: The layer range the positions refer to.
//   - sel: The frozen selection, or nil for the all-channel overview.
//   - positions: Layer positions within rng, in output order.
//
// Returns:
//   - []*Heatmap: One heatmap per position, in the order given. The last one is the primary map.
//   - error: ErrLayerUnavailable if a referenced layer is missing.
func (r *Reconstructor) Reconstruct(
	acts *Activations,
	rng LayerRange,
	sel *Selection,
	positions []int,
) ([]*Heatmap, error) {
	out := make([]*Heatmap, 0, len(positions))
	for _, pos := range positions {
		if pos < 0 || pos >= rng.Len() {
			return nil, errors.Errorf("layer position %d outside range %v", pos, rng)
		}
		layer := rng.At(pos)
		v, err := acts.view(layer)
		if err != nil {
			return nil, err
		}

		var hm *Heatmap
		if sel == nil {
			hm = meanMap(v)
		} else {
			hm, err = weightedMap(v, sel.Channels[layer], sel.Scores[layer])
			if err != nil {
				return nil, errors.Wrapf(err, "layer %d", layer)
			}
		}
		hm.Layer = layer
		hm.normalize()
		out = append(out, hm)
	}
	return out, nil
}

func meanMap(v view) *Heatmap {
	hm := newHeatmap(v.w, v.h)
	for c := 0; c < v.c; c++ {
		for i, a := range v.plane(c) {
			hm.Data[i] += a
		}
	}
	if v.c > 0 {
		n := float32(v.c)
		for i := range hm.Data {
			hm.Data[i] /= n
		}
	}
	return hm
}

func weightedMap(v view, channels []int, weights []float32) (*Heatmap, error) {
	if len(channels) != len(weights) {
		return nil, errors.Errorf("%d channels but %d weights", len(channels), len(weights))
	}
	hm := newHeatmap(v.w, v.h)
	var total float32
	for i, c := range channels {
		if c < 0 || c >= v.c {
			return nil, errors.Wrapf(ErrBadActivation, "channel %d of %d", c, v.c)
		}
		w := weights[i]
		total += w
		for j, a := range v.plane(c) {
			hm.Data[j] += w * a
		}
	}
	if total <= 0 {
		clear(hm.Data)
		return hm, nil
	}
	for i := range hm.Data {
		hm.Data[i] /= total
	}
	return hm, nil
}

// normalize clamps negatives to 0 and scales by the maximum. Peak keeps the unnormalized maximum.
func (h *Heatmap) normalize() {
	var peak float32
	for i, v := range h.Data {
		v = finite(v)
		if v < 0 {
			v = 0
		}
		h.Data[i] = v
		peak = math32.Max(peak, v)
	}
	h.Peak = peak
	if peak <= 0 {
		clear(h.Data)
		return
	}
	for i := range h.Data {
		h.Data[i] /= peak
	}
}
