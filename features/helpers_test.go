package features

import (
	"image"
	"testing"

	"github.com/stretchr/testify/require"
)

// layerBuilder fills a (C,H,W) activation buffer cell by cell.
type layerBuilder struct {
	c, h, w int
	data    []float32
}

func newLayer(c, h, w int) *layerBuilder {
	return &layerBuilder{c: c, h: h, w: w, data: make([]float32, c*h*w)}
}

// fill sets channel c to v over the grid cells in r (x,y in cell units).
func (l *layerBuilder) fill(c int, r image.Rectangle, v float32) *layerBuilder {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			l.data[c*l.h*l.w+y*l.w+x] = v
		}
	}
	return l
}

func (l *layerBuilder) all(c int, v float32) *layerBuilder {
	return l.fill(c, image.Rect(0, 0, l.w, l.h), v)
}

func (l *layerBuilder) set(t *testing.T, acts *Activations, layer int) {
	t.Helper()
	require.NoError(t, acts.SetPlanes(layer, l.c, l.h, l.w, l.data))
}
