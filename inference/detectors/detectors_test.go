package detectors

import (
	"bytes"
	"context"
	"errors"
	"image"
	"strings"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
)

func TestLayerIndex(t *testing.T) {
	names := []string{"_input", "conv_0", "bn_0", "relu_0", "conv_1", "shortcut_2", "yolo_82", "permute_82", "odd_", "identity_x"}
	idx := LayerIndex(names)
	assert.Equal(t, map[int]string{0: "relu_0", 1: "conv_1", 2: "shortcut_2", 82: "permute_82"}, idx)
}

func TestRecordedLayers(t *testing.T) {
	o := Options{Layers: features.LayerRange{First: 12, Last: 16}}
	assert.Equal(t, []int{12, 13, 14, 15, 16}, o.recorded(inference.AllLayers))
	assert.Equal(t, []int{12, 13, 14}, o.recorded(14))
	assert.Empty(t, o.recorded(3))
}

func TestCHW(t *testing.T) {
	c, h, w, err := chw(ort.NewShape(1, 64, 13, 13))
	require.NoError(t, err)
	assert.Equal(t, [3]int{64, 13, 13}, [3]int{c, h, w})

	c, h, w, err = chw(ort.NewShape(8, 4, 2))
	require.NoError(t, err)
	assert.Equal(t, [3]int{8, 4, 2}, [3]int{c, h, w})

	_, _, _, err = chw(ort.NewShape(2, 8, 4, 2))
	assert.True(t, errors.Is(err, features.ErrBadActivation))
}

func TestReadReplay(t *testing.T) {
	in := `{"frame": 1, "detections": [{"label": "aeroplane", "class_id": 4, "confidence": 0.9, "box": [50, 50, 150, 150]}]}

{"frame": 2, "detections": [{"label": "bird", "class_id": 14, "confidence": 0.6, "box": [0, 0, 10, 10]}, {"label": "aeroplane", "class_id": 4, "confidence": 0.8, "box": [60, 60, 160, 160]}]}
`
	r, err := ReadReplay(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 2, r.Len())

	dets, err := r.Detections(inference.Frame{ID: 1})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, image.Rect(50, 50, 150, 150), dets[0].Box)
	assert.Equal(t, "aeroplane", dets[0].Label)

	dets, err = r.Detections(inference.Frame{ID: 2})
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "bird", dets[0].Label, "recorded order is kept")

	dets, err = r.Detections(inference.Frame{ID: 9})
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestReadReplayRejectsBadLine(t *testing.T) {
	_, err := ReadReplay(strings.NewReader("{\"frame\": 1}\nnot json\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

// MockDetector returns fixed detections on full passes.
type MockDetector struct {
	detections []inference.Detection
}

func (m *MockDetector) Infer(ctx context.Context, frame inference.Frame, stopAt int) (*inference.Result, error) {
	res := &inference.Result{Activations: features.NewActivations()}
	if stopAt == inference.AllLayers {
		res.Detections = m.detections
	}
	return res, nil
}

func (m *MockDetector) Close() error { return nil }

func TestRecorderFeedsReplay(t *testing.T) {
	det := &MockDetector{detections: []inference.Detection{
		{Label: "aeroplane", ClassID: 4, Confidence: 0.9, Box: image.Rect(50, 50, 150, 150)},
	}}
	var buf bytes.Buffer
	rec := NewRecorder(det, &buf)

	ctx := context.Background()
	_, err := rec.Infer(ctx, inference.Frame{ID: 3}, inference.AllLayers)
	require.NoError(t, err)
	_, err = rec.Infer(ctx, inference.Frame{ID: 4}, 20)
	require.NoError(t, err)

	r, err := ReadReplay(&buf)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len(), "passes cut short are not recorded")
	dets, err := r.Detections(inference.Frame{ID: 3})
	require.NoError(t, err)
	assert.Equal(t, det.detections, dets)
}

// MockExtractor returns one 1x2x2 layer per recorded index up to stopAt.
type MockExtractor struct {
	calls int
	err   error
}

func (m *MockExtractor) Extract(ctx context.Context, frame inference.Frame, stopAt int) (*features.Activations, features.Projection, error) {
	m.calls++
	if m.err != nil {
		return nil, features.Projection{}, m.err
	}
	acts := features.NewActivations()
	for layer := 0; layer <= 2; layer++ {
		if stopAt != inference.AllLayers && layer > stopAt {
			break
		}
		if err := acts.SetPlanes(layer, 1, 2, 2, []float32{1, 2, 3, 4}); err != nil {
			return nil, features.Projection{}, err
		}
	}
	return acts, features.Identity(image.Pt(2, 2)), nil
}

type closeCounter struct{ n *int }

func (c closeCounter) Close() error {
	*c.n++
	return nil
}

func TestComposite(t *testing.T) {
	replay, err := ReadReplay(strings.NewReader(`{"frame": 0, "detections": [{"label": "aeroplane", "class_id": 4, "confidence": 0.9, "box": [0, 0, 1, 1]}]}`))
	require.NoError(t, err)
	closed := 0
	c := &Composite{
		Features:   &MockExtractor{},
		Detections: replay,
		Log:        logs.NewTestingLog(t),
		Closers:    []interface{ Close() error }{closeCounter{&closed}, closeCounter{&closed}},
	}

	res, err := c.Infer(context.Background(), inference.Frame{ID: 0}, inference.AllLayers)
	require.NoError(t, err)
	assert.Len(t, res.Detections, 1)
	assert.Equal(t, []int{0, 1, 2}, res.Activations.Layers())

	res, err = c.Infer(context.Background(), inference.Frame{ID: 0}, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
	assert.Equal(t, []int{0, 1}, res.Activations.Layers())

	require.NoError(t, c.Close())
	assert.Equal(t, 2, closed)
}

func TestCompositeExtractError(t *testing.T) {
	c := &Composite{Features: &MockExtractor{err: errors.New("boom")}, Detections: &Replay{}}
	_, err := c.Infer(context.Background(), inference.Frame{}, inference.AllLayers)
	assert.Error(t, err)
}
