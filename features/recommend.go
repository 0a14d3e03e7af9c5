package features

import (
	"image"
	"sort"

	"github.com/chewxy/math32"
)

const (
	// DefaultTopFeatures is the number of channels retained per layer.
	DefaultTopFeatures = 10
	// DefaultTopLayers is the number of layers retained for reconstruction.
	DefaultTopLayers = 2
)

// Selection is the outcome of one recommendation pass. It is created when a target is locked and
// is not modified afterwards.
type Selection struct {
	// Range is the layer range the selection was scored over.
	Range LayerRange
	// Channels maps an absolute layer index to its retained channels, best first.
	Channels map[int][]int
	// Scores holds the score of every retained channel, aligned with Channels.
	Scores map[int][]float32
	// LayerScores is the aggregate score of each layer, indexed by position in Range.
	LayerScores []float32
	// Layers lists the positions (within Range) of the retained layers. The best layer is last.
	Layers []int
}

// Primary returns the absolute index of the best-scoring retained layer.
func (s *Selection) Primary() (int, bool) {
	if s == nil || len(s.Layers) == 0 {
		return 0, false
	}
	return s.Range.At(s.Layers[len(s.Layers)-1]), true
}

// Cutoff returns the deepest absolute layer a detector needs to compute to reconstruct every
// retained layer, or AllLayers if nothing was retained.
func (s *Selection) Cutoff() int {
	if s == nil || len(s.Layers) == 0 {
		return AllLayers
	}
	deepest := s.Layers[0]
	for _, pos := range s.Layers[1:] {
		deepest = max(deepest, pos)
	}
	return s.Range.At(deepest)
}

// RecommenderConfig holds the selection sizes.
type RecommenderConfig struct {
	// TopFeatures is the maximum number of channels kept per layer.
	TopFeatures int `json:"top_features" yaml:"top_features"`
	// TopLayers is the maximum number of layers kept in the selection.
	TopLayers int `json:"top_layers" yaml:"top_layers"`
}

// Recommender scores feature channels by how specifically they respond inside a target box.
//
// The score of channel c is the mean activation inside the box minus the mean activation outside
// it, where each cell of the layer grid contributes in proportion to its overlap with the box on
// the network input plane. A zero-area box scores every channel 0. Channels with a positive score
// are ranked, the top TopFeatures are kept, and the layer score is the sum of the kept scores.
type Recommender struct {
	config RecommenderConfig
}

// NewRecommender creates a recommender, filling unset sizes with defaults.
func NewRecommender(config RecommenderConfig) *Recommender {
	if config.TopFeatures <= 0 {
		config.TopFeatures = DefaultTopFeatures
	}
	if config.TopLayers <= 0 {
		config.TopLayers = DefaultTopLayers
	}
	return &Recommender{config: config}
}

// Recommend scores every channel of every layer in the range against the target box.
//
// Arguments:
//   - acts: The activations of the frame the target was detected in.
//   - rng: The layers eligible for scoring.
//   - proj: How the frame was mapped onto the network input.
//   - frame: The frame size in pixels.
//   - box: The target box in frame pixels.
//
// Returns:
//   - *Selection: The retained channels and layers.
//   - error: ErrLayerUnavailable if a layer in the range is missing.
func (r *Recommender) Recommend(
	acts *Activations,
	rng LayerRange,
	proj Projection,
	frame image.Point,
	box image.Rectangle,
) (*Selection, error) {
	if err := rng.Validate(); err != nil {
		return nil, err
	}

	sel := &Selection{
		Range:       rng,
		Channels:    make(map[int][]int, rng.Len()),
		Scores:      make(map[int][]float32, rng.Len()),
		LayerScores: make([]float32, rng.Len()),
	}

	for pos := 0; pos < rng.Len(); pos++ {
		layer := rng.At(pos)
		scores, err := ChannelScores(acts, layer, proj, frame, box)
		if err != nil {
			return nil, err
		}
		channels := rankChannels(scores, r.config.TopFeatures)
		kept := make([]float32, len(channels))
		var total float32
		for i, c := range channels {
			kept[i] = scores[c]
			total += scores[c]
		}
		sel.Channels[layer] = channels
		sel.Scores[layer] = kept
		sel.LayerScores[pos] = total
	}

	sel.Layers = rankLayers(sel.LayerScores, r.config.TopLayers)
	return sel, nil
}

// ChannelScores returns one score per channel of a layer: mean activation inside the target box
// minus mean activation outside it. Degenerate boxes and non-finite values score 0.
func ChannelScores(
	acts *Activations,
	layer int,
	proj Projection,
	frame image.Point,
	box image.Rectangle,
) ([]float32, error) {
	v, err := acts.view(layer)
	if err != nil {
		return nil, err
	}
	scores := make([]float32, v.c)

	box = box.Canon().Intersect(image.Rectangle{Max: frame})
	if box.Empty() || !proj.Valid() {
		return scores, nil
	}

	covX, covY, inside := coverage(proj.project(box), proj.Input, v.w, v.h)
	if inside <= 0 {
		return scores, nil
	}
	outside := float64(v.w*v.h) - inside

	for c := 0; c < v.c; c++ {
		plane := v.plane(c)
		var in, all float64
		for y := 0; y < v.h; y++ {
			row := plane[y*v.w : (y+1)*v.w]
			var rowIn float64
			for x, a := range row {
				all += float64(a)
				rowIn += float64(a) * covX[x]
			}
			in += rowIn * covY[y]
		}
		score := in / inside
		if outside > 1e-6 {
			score -= (all - in) / outside
		}
		scores[c] = finite(float32(score))
	}
	return scores, nil
}

// coverage returns, for a grid of w×h cells spread over the input plane, the fraction of each
// column and row overlapped by the box. The coverage of cell (x,y) is covX[x]*covY[y]; inside is
// the total covered cell area.
func coverage(box rect, input image.Point, w, h int) ([]float64, []float64, float64) {
	covX := axisCoverage(box.x1, box.x2, float32(input.X)/float32(w), w)
	covY := axisCoverage(box.y1, box.y2, float32(input.Y)/float32(h), h)
	var sx, sy float64
	for _, c := range covX {
		sx += c
	}
	for _, c := range covY {
		sy += c
	}
	return covX, covY, sx * sy
}

func axisCoverage(lo, hi, cell float32, n int) []float64 {
	cov := make([]float64, n)
	if hi <= lo || cell <= 0 {
		return cov
	}
	for i := range cov {
		start := float32(i) * cell
		overlap := math32.Min(hi, start+cell) - math32.Max(lo, start)
		if overlap > 0 {
			cov[i] = float64(overlap / cell)
		}
	}
	return cov
}

// rankChannels returns the indices of positive scores, best first, ties broken by lower index.
func rankChannels(scores []float32, top int) []int {
	idx := make([]int, 0, len(scores))
	for c, s := range scores {
		if s > 0 {
			idx = append(idx, c)
		}
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return scores[idx[i]] > scores[idx[j]]
	})
	if len(idx) > top {
		idx = idx[:top]
	}
	return idx
}

// rankLayers returns the positions of the top layers ordered so the best one is last.
func rankLayers(scores []float32, top int) []int {
	pos := make([]int, len(scores))
	for i := range pos {
		pos[i] = i
	}
	sort.SliceStable(pos, func(i, j int) bool {
		return scores[pos[i]] > scores[pos[j]]
	})
	if len(pos) > top {
		pos = pos[:top]
	}
	for i, j := 0, len(pos)-1; i < j; i, j = i+1, j-1 {
		pos[i], pos[j] = pos[j], pos[i]
	}
	return pos
}

func finite(v float32) float32 {
	if math32.IsNaN(v) || math32.IsInf(v, 0) {
		return 0
	}
	return v
}
