package inference

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-featrec/features"
)

func TestBoundingBoxIoU(t *testing.T) {
	a := BoundingBox{X1: 0, Y1: 0, X2: 100, Y2: 100}
	b := BoundingBox{X1: 50, Y1: 50, X2: 150, Y2: 150}
	assert.InDelta(t, 2500.0/17500.0, a.IoU(&b), 1e-6)
	assert.Equal(t, float32(0), a.IoU(&BoundingBox{X1: 200, Y1: 200, X2: 300, Y2: 300}))
	assert.Equal(t, float32(0), a.IoU(&BoundingBox{X1: 10, Y1: 10, X2: 10, Y2: 10}))
}

func TestBoundingBoxDetectionClampsToFrame(t *testing.T) {
	proj := features.Letterbox(image.Pt(640, 480), image.Pt(416, 416))
	b := BoundingBox{Label: "aeroplane", ClassID: 4, Confidence: 0.9, X1: -10, Y1: 52 + 65, X2: 500, Y2: 52 + 130}

	d := b.Detection(proj, image.Pt(640, 480))
	assert.Equal(t, "aeroplane", d.Label)
	assert.Equal(t, 4, d.ClassID)
	assert.Equal(t, image.Rect(0, 100, 640, 200), d.Box)
}

// TestApplyNMS validates greedy suppression with and without class awareness.
func TestApplyNMS(t *testing.T) {
	boxes := []BoundingBox{
		{ClassID: 0, Confidence: 0.6, X1: 0, Y1: 0, X2: 100, Y2: 100},
		{ClassID: 0, Confidence: 0.9, X1: 5, Y1: 5, X2: 105, Y2: 105},
		{ClassID: 1, Confidence: 0.8, X1: 0, Y1: 0, X2: 100, Y2: 100},
		{ClassID: 0, Confidence: 0.7, X1: 300, Y1: 300, X2: 400, Y2: 400},
	}

	tests := []struct {
		name       string
		classAware bool
		expected   []float32
	}{
		{name: "class aware", classAware: true, expected: []float32{0.9, 0.8, 0.7}},
		{name: "class agnostic", classAware: false, expected: []float32{0.9, 0.7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept := ApplyNMS(boxes, NMSConfig{IoUThreshold: 0.4, ClassAware: tt.classAware})
			var got []float32
			for _, b := range kept {
				got = append(got, b.Confidence)
			}
			assert.Equal(t, tt.expected, got)
		})
	}

	assert.Nil(t, ApplyNMS(nil, NMSConfig{}))
	assert.Equal(t, float32(0.6), boxes[0].Confidence, "input is not reordered")
}

func TestDecodeRows(t *testing.T) {
	rows := []float32{
		0.5, 0.5, 0.25, 0.5, 0.9, 0.1, 0.8, // class 1
		0.5, 0.5, 0.25, 0.5, 0.2, 0.1, 0.2, // low objectness
		0.1, 0.1, 0.1, 0.1, 0.9, 0.3, 0.1, // low class score
	}
	boxes, err := DecodeRows(rows, 7, 400, 200, DecodeConfig{Confidence: 0.5, Classes: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "b", boxes[0].Label)
	assert.InDelta(t, 150, boxes[0].X1, 1e-4)
	assert.InDelta(t, 50, boxes[0].Y1, 1e-4)
	assert.InDelta(t, 250, boxes[0].X2, 1e-4)
	assert.InDelta(t, 150, boxes[0].Y2, 1e-4)

	_, err = DecodeRows(rows[:8], 7, 400, 200, DecodeConfig{})
	assert.Error(t, err)
}

func TestDecodeTransposed(t *testing.T) {
	// Two candidates, two classes: rows are xc, yc, w, h, class0, class1.
	output := []float32{
		100, 10,
		50, 10,
		20, 4,
		10, 4,
		0.1, 0.2,
		0.7, 0.3,
	}
	boxes, err := DecodeTransposed(output, 2, DecodeConfig{Confidence: 0.5})
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, 1, boxes[0].ClassID)
	assert.Equal(t, "unknown_1", boxes[0].Label)
	assert.InDelta(t, 90, boxes[0].X1, 1e-4)
	assert.InDelta(t, 45, boxes[0].Y1, 1e-4)

	_, err = DecodeTransposed(output[:5], 2, DecodeConfig{})
	assert.Error(t, err)
}

func TestLoadClassNames(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coco.names")
	require.NoError(t, os.WriteFile(path, []byte("person\n\n bicycle \naeroplane\n"), 0o644))

	names, err := LoadClassNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "bicycle", "aeroplane"}, names)

	_, err = LoadClassNames(filepath.Join(t.TempDir(), "missing.names"))
	assert.Error(t, err)

	assert.Equal(t, "aeroplane", ClassName(DarknetCOCOClasses, 4))
	assert.Len(t, DarknetCOCOClasses, 80)
}

func TestPrepareInputLetterbox(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}

	data, proj, err := PrepareInput(img, image.Pt(32, 32), true, nil)
	require.NoError(t, err)
	require.Len(t, data, 3*32*32)
	assert.Equal(t, float32(8), proj.PadY)
	assert.InDelta(t, 0.5, proj.ScaleX, 1e-6)

	// Top border row is padding, the centre is the red frame.
	assert.InDelta(t, 128.0/255.0, data[0], 1e-6)
	assert.InDelta(t, 1.0, data[16*32+16], 1e-6)
	assert.InDelta(t, 0.0, data[32*32+16*32+16], 1e-6)

	_, _, err = PrepareInput(img, image.Pt(32, 32), false, make([]float32, 10))
	assert.Error(t, err)
}

func TestFinalize(t *testing.T) {
	proj := features.Identity(image.Pt(200, 200))
	boxes := []BoundingBox{
		{Label: "bird", ClassID: 14, Confidence: 0.7, X1: 10, Y1: 10, X2: 60, Y2: 60},
		{Label: "aeroplane", ClassID: 4, Confidence: 0.9, X1: 50, Y1: 50, X2: 150, Y2: 150},
		{Label: "aeroplane", ClassID: 4, Confidence: 0.8, X1: 52, Y1: 52, X2: 150, Y2: 150},
		{Label: "aeroplane", ClassID: 4, Confidence: 0.6, X1: 300, Y1: 300, X2: 400, Y2: 400},
	}
	dets := Finalize(boxes, NMSConfig{IoUThreshold: 0.4, ClassAware: true}, proj, image.Pt(200, 200))
	require.Len(t, dets, 2, "overlap is suppressed and the off-frame box collapses")
	assert.Equal(t, "aeroplane", dets[0].Label)
	assert.Equal(t, image.Rect(50, 50, 150, 150), dets[0].Box)
	assert.Equal(t, "bird", dets[1].Label)

	assert.Empty(t, Finalize(nil, NMSConfig{}, proj, image.Pt(200, 200)))
}
