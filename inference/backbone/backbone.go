// Package backbone - A small convolutional feature extractor built on a gorgonia expression graph.
//
// The network is a darknet-style stack of 3x3 convolutions with leaky ReLU, downsampling with 2x2
// max pooling in its first layers. Weights are drawn from a seeded generator, so the activations are
// deterministic but carry no learned meaning. It lets the recommendation pipeline run end to end
// without model files, with detections supplied from elsewhere.
package backbone

import (
	"context"
	"fmt"
	"image"
	"math"
	"math/rand"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
)

const leakyCoef = 0.1

// Config describes the network.
type Config struct {
	// Resolution is the square input size. It must be a multiple of 32.
	Resolution int `json:"resolution" yaml:"resolution"`
	// Depth is the number of layers.
	Depth int `json:"depth" yaml:"depth"`
	// Width is the channel count of the first layer. It doubles at every pooling layer up to MaxWidth.
	Width    int `json:"width" yaml:"width"`
	MaxWidth int `json:"max_width" yaml:"max_width"`
	// Pools is the number of leading odd layers that halve the grid.
	Pools int `json:"pools" yaml:"pools"`
	// Seed drives the weight generator.
	Seed int64 `json:"seed" yaml:"seed"`
	// Letterbox preserves the frame aspect ratio when building the input.
	Letterbox bool `json:"letterbox" yaml:"letterbox"`
}

// DefaultConfig returns a 36 layer network on a 416 pixel input, reduced to a 13x13 grid.
func DefaultConfig() Config {
	return Config{
		Resolution: 416,
		Depth:      36,
		Width:      8,
		MaxWidth:   64,
		Pools:      5,
		Seed:       1,
		Letterbox:  true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Resolution <= 32 || c.Resolution%32 != 0 {
		return errors.Errorf("resolution %d must be a multiple of 32 greater than 32", c.Resolution)
	}
	if c.Depth <= 0 || c.Width <= 0 || c.MaxWidth < c.Width {
		return errors.Errorf("invalid depth %d or width %d..%d", c.Depth, c.Width, c.MaxWidth)
	}
	if c.Pools < 0 || c.Resolution>>c.Pools < 1 {
		return errors.Errorf("%d pools do not fit a %d input", c.Pools, c.Resolution)
	}
	return nil
}

// pooled reports whether layer i halves the grid.
func (c Config) pooled(i int) bool {
	return i%2 == 1 && i/2 < c.Pools
}

// Net is a built network. Forward passes are serialized.
type Net struct {
	config Config
	log    logs.Log

	mu     sync.Mutex
	g      *G.ExprGraph
	input  *G.Node
	layers []*G.Node
	vm     G.VM
	buf    []float32
}

// New builds the graph and its tape machine.
//
// Arguments:
//   - log: The logger.
//   - config: The network description.
//
// Returns:
//   - *Net: The network. Close it when done.
//   - error: An error if the configuration is invalid or the graph cannot be built.
func New(log logs.Log, config Config) (*Net, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	g := G.NewGraph()
	res := config.Resolution
	input := G.NewTensor(g, tensor.Float32, 4, G.WithShape(1, 3, res, res), G.WithName("input"))

	rng := rand.New(rand.NewSource(config.Seed))
	n := &Net{config: config, log: log, g: g, input: input}

	x, in, width := input, 3, config.Width
	for i := 0; i < config.Depth; i++ {
		w := weights(rng, width, in, 3)
		filter := G.NewTensor(g, tensor.Float32, 4, G.WithShape(width, in, 3, 3),
			G.WithName(fmt.Sprintf("w_%d", i)), G.WithValue(w))
		conv, err := G.Conv2d(x, filter, tensor.Shape{3, 3}, []int{1, 1}, []int{1, 1}, []int{1, 1})
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d conv", i)
		}
		act, err := G.LeakyRelu(conv, leakyCoef)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d activation", i)
		}
		if config.pooled(i) {
			act, err = G.MaxPool2D(act, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
			if err != nil {
				return nil, errors.Wrapf(err, "layer %d pool", i)
			}
			width = min(width*2, config.MaxWidth)
		}
		n.layers = append(n.layers, act)
		x, in = act, act.Shape()[1]
	}

	n.vm = G.NewTapeMachine(g)
	n.buf = make([]float32, 3*res*res)
	log.Infof("Backbone: %d layers on %dx%d input, final grid %v", config.Depth, res, res, n.layers[len(n.layers)-1].Shape())
	return n, nil
}

// weights draws He-initialized filters.
func weights(rng *rand.Rand, out, in, k int) *tensor.Dense {
	data := make([]float32, out*in*k*k)
	std := math.Sqrt(2 / float64(in*k*k))
	for i := range data {
		data[i] = float32(rng.NormFloat64() * std)
	}
	return tensor.New(tensor.WithShape(out, in, k, k), tensor.WithBacking(data))
}

// Depth returns the number of layers.
func (n *Net) Depth() int { return len(n.layers) }

// Extract runs the network on a frame and records the layers up to stopAt, or every layer for
// inference.AllLayers. The graph always runs in full.
//
// Arguments:
//   - ctx: Checked before the pass starts.
//   - frame: The frame.
//   - stopAt: The deepest layer to record.
//
// Returns:
//   - *features.Activations: The recorded layers, copied out of the graph.
//   - features.Projection: How the frame was mapped onto the input.
//   - error: An error if the frame cannot be prepared or the pass fails.
func (n *Net) Extract(ctx context.Context, frame inference.Frame, stopAt int) (*features.Activations, features.Projection, error) {
	if err := ctx.Err(); err != nil {
		return nil, features.Projection{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	res := n.config.Resolution
	buf, proj, err := inference.PrepareInput(frame.Image, image.Pt(res, res), n.config.Letterbox, n.buf)
	if err != nil {
		return nil, features.Projection{}, err
	}
	if err := G.Let(n.input, tensor.New(tensor.WithShape(1, 3, res, res), tensor.WithBacking(buf))); err != nil {
		return nil, features.Projection{}, errors.Wrap(err, "set input")
	}
	defer n.vm.Reset()
	if err := n.vm.RunAll(); err != nil {
		return nil, features.Projection{}, errors.Wrap(err, "run graph")
	}

	acts := features.NewActivations()
	for i, node := range n.layers {
		if stopAt != inference.AllLayers && i > stopAt {
			break
		}
		v, ok := node.Value().(*tensor.Dense)
		if !ok {
			return nil, features.Projection{}, errors.Errorf("layer %d produced %T", i, node.Value())
		}
		if err := acts.Set(i, v.Clone().(*tensor.Dense)); err != nil {
			return nil, features.Projection{}, errors.Wrapf(err, "layer %d", i)
		}
	}
	return acts, proj, nil
}

// Close releases the tape machine.
func (n *Net) Close() error {
	return n.vm.Close()
}
