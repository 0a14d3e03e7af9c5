package features

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestActivationsSetAcceptsBatchOfOne(t *testing.T) {
	acts := NewActivations()
	tt := tensor.New(tensor.WithShape(1, 2, 3, 4), tensor.WithBacking(make([]float32, 24)))
	require.NoError(t, acts.Set(7, tt))

	c, h, w, err := acts.Shape(7)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 4}, []int{c, h, w})
	assert.True(t, acts.Has(7))
	assert.Equal(t, []int{7}, acts.Layers())
}

func TestActivationsRejectsBadTensors(t *testing.T) {
	acts := NewActivations()

	batch := tensor.New(tensor.WithShape(2, 1, 2, 2), tensor.WithBacking(make([]float32, 8)))
	assert.True(t, errors.Is(acts.Set(0, batch), ErrBadActivation), "batches larger than one are rejected")

	f64 := tensor.New(tensor.WithShape(1, 2, 2), tensor.WithBacking(make([]float64, 4)))
	assert.True(t, errors.Is(acts.Set(0, f64), ErrBadActivation), "float64 tensors are rejected")

	assert.True(t, errors.Is(acts.SetPlanes(0, 2, 2, 2, make([]float32, 7)), ErrBadActivation))
	assert.Equal(t, 0, acts.Len())
}

func TestActivationsMissingLayer(t *testing.T) {
	_, err := NewActivations().Layer(3)
	assert.True(t, errors.Is(err, ErrLayerUnavailable))
}

func TestLayerRange(t *testing.T) {
	r := LayerRange{First: 12, Last: 35}
	assert.Equal(t, 24, r.Len())
	assert.Equal(t, 12, r.At(0))
	assert.Equal(t, 35, r.At(23))

	pos, ok := r.Position(20)
	assert.True(t, ok)
	assert.Equal(t, 8, pos)
	_, ok = r.Position(36)
	assert.False(t, ok)

	assert.NoError(t, r.Validate())
	assert.Error(t, LayerRange{First: 5, Last: 4}.Validate())
	assert.Error(t, LayerRange{First: -1, Last: 4}.Validate())
	assert.Equal(t, "[12..35]", r.String())
}

func TestLetterboxProjection(t *testing.T) {
	p := Letterbox(image.Pt(640, 480), image.Pt(416, 416))
	assert.InDelta(t, 0.65, p.ScaleX, 1e-6)
	assert.InDelta(t, 0.65, p.ScaleY, 1e-6)
	assert.Equal(t, float32(0), p.PadX)
	assert.Equal(t, float32(52), p.PadY)

	x1, y1, x2, y2 := p.Unproject(0, 52, 416, 364)
	assert.InDelta(t, 0, x1, 1e-3)
	assert.InDelta(t, 0, y1, 1e-3)
	assert.InDelta(t, 640, x2, 1e-3)
	assert.InDelta(t, 480, y2, 1e-3)
}

func TestStretchProjection(t *testing.T) {
	p := Stretch(image.Pt(832, 208), image.Pt(416, 416))
	assert.InDelta(t, 0.5, p.ScaleX, 1e-6)
	assert.InDelta(t, 2, p.ScaleY, 1e-6)
	assert.True(t, p.Valid())
	assert.False(t, Stretch(image.Point{}, image.Pt(416, 416)).Valid())
}
