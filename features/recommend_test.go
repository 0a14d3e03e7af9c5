package features

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var frame64 = image.Pt(64, 64)

// TestChannelScoresInsideVersusOutside checks the inside-minus-outside rule on an 8x8 grid where
// each cell covers 8x8 frame pixels.
func TestChannelScoresInsideVersusOutside(t *testing.T) {
	acts := NewActivations()
	l := newLayer(3, 8, 8)
	// Channel 0 fires inside the box, 1 everywhere, 2 everywhere but the box.
	l.fill(0, image.Rect(2, 2, 4, 4), 1)
	l.all(1, 1)
	l.all(2, 1).fill(2, image.Rect(2, 2, 4, 4), 0)
	l.set(t, acts, 0)

	scores, err := ChannelScores(acts, 0, Identity(frame64), frame64, image.Rect(16, 16, 32, 32))
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.InDelta(t, 1, scores[0], 1e-6)
	assert.InDelta(t, 0, scores[1], 1e-6)
	assert.InDelta(t, -1, scores[2], 1e-6)
}

func TestChannelScoresPartialCellCoverage(t *testing.T) {
	acts := NewActivations()
	newLayer(1, 2, 2).fill(0, image.Rect(0, 0, 1, 1), 4).set(t, acts, 0)

	// The box covers half of the top-left cell.
	scores, err := ChannelScores(acts, 0, Identity(image.Pt(4, 4)), image.Pt(4, 4), image.Rect(0, 0, 1, 2))
	require.NoError(t, err)
	// inside mean = 4, outside = (4 - 0.5*4) / 3.5
	assert.InDelta(t, 4-2.0/3.5, scores[0], 1e-5)
}

func TestChannelScoresDegenerateBoxes(t *testing.T) {
	acts := NewActivations()
	newLayer(2, 4, 4).all(0, 3).all(1, -2).set(t, acts, 0)

	cases := map[string]image.Rectangle{
		"zero width":    image.Rect(10, 10, 10, 40),
		"zero height":   image.Rect(10, 10, 40, 10),
		"empty":         image.Rectangle{},
		"outside frame": image.Rect(100, 100, 200, 200),
	}
	for name, box := range cases {
		t.Run(name, func(t *testing.T) {
			scores, err := ChannelScores(acts, 0, Identity(frame64), frame64, box)
			require.NoError(t, err)
			assert.Equal(t, []float32{0, 0}, scores)
		})
	}
}

func TestChannelScoresFullFrameBox(t *testing.T) {
	acts := NewActivations()
	newLayer(2, 4, 4).all(0, 2).fill(1, image.Rect(0, 0, 2, 4), 1).set(t, acts, 0)

	scores, err := ChannelScores(acts, 0, Identity(frame64), frame64, image.Rect(0, 0, 64, 64))
	require.NoError(t, err)
	assert.InDelta(t, 2, scores[0], 1e-6, "nothing outside, the score is the mean")
	assert.InDelta(t, 0.5, scores[1], 1e-6)
}

// threeLayers builds layers 10..12 whose first channel responds inside the box with strengths
// 1, 3 and 2.
func threeLayers(t *testing.T) *Activations {
	acts := NewActivations()
	for i, strength := range []float32{1, 3, 2} {
		l := newLayer(4, 8, 8)
		l.fill(0, image.Rect(2, 2, 4, 4), strength)
		l.fill(1, image.Rect(2, 2, 4, 4), strength/2)
		l.all(2, 1)
		l.fill(3, image.Rect(0, 0, 8, 1), 5)
		l.set(t, acts, 10+i)
	}
	return acts
}

func TestRecommendRanksLayersBestLast(t *testing.T) {
	acts := threeLayers(t)
	rng := LayerRange{First: 10, Last: 12}

	sel, err := NewRecommender(RecommenderConfig{TopFeatures: 10, TopLayers: 2}).
		Recommend(acts, rng, Identity(frame64), frame64, image.Rect(16, 16, 32, 32))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 1}, sel.Layers, "two best positions, best last")
	primary, ok := sel.Primary()
	require.True(t, ok)
	assert.Equal(t, 11, primary)
	assert.Equal(t, 12, sel.Cutoff())

	assert.Equal(t, []int{0, 1}, sel.Channels[11], "only positive channels, best first")
	assert.InDelta(t, 3, sel.Scores[11][0], 1e-6)
	assert.InDelta(t, 1.5, sel.Scores[11][1], 1e-6)
}

// TestRecommendLayerScoresMatchChannelSums checks that layer scores are the sums of their kept
// channel scores, so both induce the same layer order.
func TestRecommendLayerScoresMatchChannelSums(t *testing.T) {
	acts := threeLayers(t)
	rng := LayerRange{First: 10, Last: 12}

	sel, err := NewRecommender(RecommenderConfig{TopFeatures: 3, TopLayers: 3}).
		Recommend(acts, rng, Identity(frame64), frame64, image.Rect(8, 8, 40, 24))
	require.NoError(t, err)

	for pos := 0; pos < rng.Len(); pos++ {
		var sum float32
		for _, s := range sel.Scores[rng.At(pos)] {
			sum += s
		}
		assert.InDelta(t, sum, sel.LayerScores[pos], 1e-5)
	}
	for i := 1; i < len(sel.Layers); i++ {
		assert.LessOrEqual(t, sel.LayerScores[sel.Layers[i-1]], sel.LayerScores[sel.Layers[i]])
	}
}

func TestRecommendTruncatesChannels(t *testing.T) {
	acts := NewActivations()
	l := newLayer(5, 4, 4)
	for c := 0; c < 5; c++ {
		l.fill(c, image.Rect(0, 0, 2, 2), float32(c+1))
	}
	l.set(t, acts, 0)

	sel, err := NewRecommender(RecommenderConfig{TopFeatures: 2, TopLayers: 1}).
		Recommend(acts, LayerRange{First: 0, Last: 0}, Identity(image.Pt(4, 4)), image.Pt(4, 4), image.Rect(0, 0, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{4, 3}, sel.Channels[0])
	assert.Equal(t, []int{0}, sel.Layers)
}

func TestRecommendDegenerateBoxIsNeutral(t *testing.T) {
	acts := threeLayers(t)
	sel, err := NewRecommender(RecommenderConfig{TopLayers: 2}).
		Recommend(acts, LayerRange{First: 10, Last: 12}, Identity(frame64), frame64, image.Rect(20, 20, 20, 50))
	require.NoError(t, err)

	assert.Equal(t, []float32{0, 0, 0}, sel.LayerScores)
	for _, channels := range sel.Channels {
		assert.Empty(t, channels)
	}
	assert.Equal(t, []int{1, 0}, sel.Layers, "ties keep range order")
}

func TestRecommendMissingLayer(t *testing.T) {
	acts := threeLayers(t)
	_, err := NewRecommender(RecommenderConfig{}).
		Recommend(acts, LayerRange{First: 10, Last: 13}, Identity(frame64), frame64, image.Rect(0, 0, 8, 8))
	assert.True(t, errors.Is(err, ErrLayerUnavailable))
}

func TestSelectionWithoutLayers(t *testing.T) {
	var sel *Selection
	_, ok := sel.Primary()
	assert.False(t, ok)
	assert.Equal(t, AllLayers, sel.Cutoff())
}
