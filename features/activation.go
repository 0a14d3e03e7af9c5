// Package features - Feature channel recommendation and heatmap reconstruction over the
// intermediate activations of a detector.
package features

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// AllLayers is the stop-at-layer value that asks a detector for the full network.
const AllLayers = -1

var (
	// ErrLayerUnavailable is returned when a requested layer was never computed by the detector,
	// typically because inference was cut short by a stop-at-layer index.
	ErrLayerUnavailable = errors.New("layer unavailable")
	// ErrBadActivation is returned for activation tensors that are not float32 (C,H,W) maps.
	ErrBadActivation = errors.New("unsupported activation tensor")
)

// Activations holds the layer outputs recorded during one inference pass, keyed by the absolute
// layer index in the network. Tensors are read-only once stored.
type Activations struct {
	layers map[int]*tensor.Dense
}

// NewActivations creates an empty activation set.
func NewActivations() *Activations {
	return &Activations{layers: make(map[int]*tensor.Dense)}
}

// Set records the output of a layer.
//
// Arguments:
//   - layer: The absolute layer index.
//   - t: A float32 tensor shaped (C,H,W) or (1,C,H,W).
//
// Returns:
//   - error: ErrBadActivation if the tensor has the wrong dtype or shape.
func (a *Activations) Set(layer int, t *tensor.Dense) error {
	if _, err := viewOf(t); err != nil {
		return errors.Wrapf(err, "layer %d", layer)
	}
	a.layers[layer] = t
	return nil
}

// SetPlanes records a layer output given as a raw CHW buffer. The buffer is not copied.
func (a *Activations) SetPlanes(layer, channels, height, width int, data []float32) error {
	if channels <= 0 || height <= 0 || width <= 0 || len(data) != channels*height*width {
		return errors.Wrapf(ErrBadActivation, "layer %d: %d values for shape (%d,%d,%d)",
			layer, len(data), channels, height, width)
	}
	return a.Set(layer, tensor.New(tensor.WithShape(channels, height, width), tensor.WithBacking(data)))
}

// Layer returns the stored tensor for a layer.
func (a *Activations) Layer(layer int) (*tensor.Dense, error) {
	t, ok := a.layers[layer]
	if !ok {
		return nil, errors.Wrapf(ErrLayerUnavailable, "layer %d", layer)
	}
	return t, nil
}

// Has reports whether the layer was recorded.
func (a *Activations) Has(layer int) bool {
	_, ok := a.layers[layer]
	return ok
}

// Layers returns the recorded layer indices in ascending order.
func (a *Activations) Layers() []int {
	out := make([]int, 0, len(a.layers))
	for l := range a.layers {
		out = append(out, l)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of recorded layers.
func (a *Activations) Len() int {
	return len(a.layers)
}

// Shape returns the (channels, height, width) of a recorded layer.
func (a *Activations) Shape(layer int) (int, int, int, error) {
	v, err := a.view(layer)
	if err != nil {
		return 0, 0, 0, err
	}
	return v.c, v.h, v.w, nil
}

// view is a CHW window over the backing data of an activation tensor.
type view struct {
	c, h, w int
	data    []float32
}

func (v view) plane(i int) []float32 {
	n := v.h * v.w
	return v.data[i*n : (i+1)*n]
}

func (a *Activations) view(layer int) (view, error) {
	t, err := a.Layer(layer)
	if err != nil {
		return view{}, err
	}
	v, err := viewOf(t)
	if err != nil {
		return view{}, errors.Wrapf(err, "layer %d", layer)
	}
	return v, nil
}

func viewOf(t *tensor.Dense) (view, error) {
	if t == nil {
		return view{}, errors.Wrap(ErrBadActivation, "nil tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return view{}, errors.Wrapf(ErrBadActivation, "dtype %v", t.Dtype())
	}
	if t.IsView() {
		m, ok := t.Materialize().(*tensor.Dense)
		if !ok {
			return view{}, errors.Wrap(ErrBadActivation, "cannot materialize view")
		}
		t = m
	}

	var v view
	s := t.Shape()
	switch len(s) {
	case 3:
		v.c, v.h, v.w = s[0], s[1], s[2]
	case 4:
		if s[0] != 1 {
			return view{}, errors.Wrapf(ErrBadActivation, "batch size %d", s[0])
		}
		v.c, v.h, v.w = s[1], s[2], s[3]
	default:
		return view{}, errors.Wrapf(ErrBadActivation, "shape %v", s)
	}

	data, ok := t.Data().([]float32)
	if !ok || len(data) < v.c*v.h*v.w {
		return view{}, errors.Wrapf(ErrBadActivation, "backing data for shape %v", s)
	}
	v.data = data
	return v, nil
}

// LayerRange is a contiguous, inclusive window of layer indices eligible for scoring.
type LayerRange struct {
	First int `json:"first" yaml:"first"`
	Last  int `json:"last" yaml:"last"`
}

// Len returns the number of layers in the range.
func (r LayerRange) Len() int {
	if r.Last < r.First {
		return 0
	}
	return r.Last - r.First + 1
}

// At returns the absolute layer index at a position within the range.
func (r LayerRange) At(pos int) int {
	return r.First + pos
}

// Position returns the position of an absolute layer index within the range.
func (r LayerRange) Position(layer int) (int, bool) {
	if layer < r.First || layer > r.Last {
		return 0, false
	}
	return layer - r.First, true
}

// Validate checks that the range is non-empty and non-negative.
func (r LayerRange) Validate() error {
	if r.First < 0 {
		return errors.Errorf("layer range starts at negative index %d", r.First)
	}
	if r.Last < r.First {
		return errors.Errorf("layer range %v is empty", r)
	}
	return nil
}

func (r LayerRange) String() string {
	return fmt.Sprintf("[%d..%d]", r.First, r.Last)
}
