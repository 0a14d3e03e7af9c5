package detectors

import (
	"context"
	"image"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cyclopcam/logs"
	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-featrec/features"
	"github.com/nvr-ai/go-featrec/inference"
)

// Darknet runs a darknet cfg/weights network through the OpenCV DNN module.
//
// OpenCV names the layers it imports after the darknet layer they come from ("conv_12", "bn_12",
// "relu_12"), so the output of darknet layer i is the last OpenCV layer with the suffix "_i". The
// input is stretched to the network resolution.
type Darknet struct {
	opts Options
	log  logs.Log

	mu      sync.Mutex
	net     gocv.Net
	layers  map[int]string
	outputs []string
}

// NewDarknet loads a darknet network.
//
// Arguments:
//   - log: The logger.
//   - cfg: The darknet network definition.
//   - weights: The darknet weights.
//   - opts: Resolution, thresholds and the layers to record.
//
// Returns:
//   - *Darknet: The detector. Close it when done.
//   - error: An error if the files are missing or a recorded layer is not in the network.
func NewDarknet(log logs.Log, cfg, weights string, opts Options) (*Darknet, error) {
	for _, path := range []string{cfg, weights} {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrap(err, "darknet model")
		}
	}
	net := gocv.ReadNet(weights, cfg)
	if net.Empty() {
		return nil, errors.Errorf("failed to load darknet network %s", cfg)
	}
	net.SetPreferableBackend(gocv.NetBackendDefault)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	d := &Darknet{opts: opts, log: log, net: net, layers: LayerIndex(net.GetLayerNames())}
	for _, id := range net.GetUnconnectedOutLayers() {
		layer := net.GetLayer(id)
		if name := layer.GetName(); name != "_input" {
			d.outputs = append(d.outputs, name)
		}
		layer.Close()
	}
	for _, layer := range opts.recorded(inference.AllLayers) {
		if _, ok := d.layers[layer]; !ok {
			net.Close()
			return nil, errors.Wrapf(features.ErrLayerUnavailable, "darknet network %s has no layer %d", cfg, layer)
		}
	}
	log.Infof("Loaded %s: %d layers, outputs %v", cfg, len(d.layers), d.outputs)
	return d, nil
}

// LayerIndex maps darknet layer indices to the name of the last OpenCV layer built from them.
// Names without a numeric suffix are ignored.
func LayerIndex(names []string) map[int]string {
	out := make(map[int]string)
	for _, name := range names {
		i := strings.LastIndexByte(name, '_')
		if i < 0 || i == len(name)-1 {
			continue
		}
		idx, err := strconv.Atoi(name[i+1:])
		if err != nil || idx < 0 {
			continue
		}
		out[idx] = name
	}
	return out
}

// Infer runs the network on a frame. Past the lock only the recorded layers up to stopAt are
// forwarded, which lets OpenCV skip the rest of the graph.
func (d *Darknet) Infer(ctx context.Context, frame inference.Frame, stopAt int) (*inference.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	img, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return nil, errors.Wrap(err, "frame to mat")
	}
	defer img.Close()

	res := d.opts.Resolution
	input := image.Pt(res, res)
	blob := gocv.BlobFromImage(img, 1.0/255.0, input, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()
	d.net.SetInput(blob, "")

	recorded := d.opts.recorded(stopAt)
	names := make([]string, 0, len(recorded)+len(d.outputs))
	for _, layer := range recorded {
		names = append(names, d.layers[layer])
	}
	if stopAt == inference.AllLayers {
		names = append(names, d.outputs...)
	}
	outs := d.net.ForwardLayers(names)
	defer func() {
		for _, m := range outs {
			m.Close()
		}
	}()
	if len(outs) != len(names) {
		return nil, errors.Errorf("forward returned %d outputs for %d layers", len(outs), len(names))
	}

	proj := features.Stretch(frame.Size(), input)
	result := &inference.Result{Activations: features.NewActivations(), Projection: proj}
	for i, layer := range recorded {
		if err := record(result.Activations, layer, outs[i]); err != nil {
			return nil, err
		}
	}
	if stopAt != inference.AllLayers {
		return result, nil
	}

	var boxes []inference.BoundingBox
	for _, out := range outs[len(recorded):] {
		data, err := out.DataPtrFloat32()
		if err != nil {
			return nil, errors.Wrap(err, "yolo output")
		}
		decoded, err := inference.DecodeRows(data, out.Cols(), res, res, d.opts.decode())
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, decoded...)
	}
	result.Detections = inference.Finalize(boxes, d.opts.nms(), proj, frame.Size())
	return result, nil
}

// record copies a (1,C,H,W) blob into the activation store.
func record(acts *features.Activations, layer int, m gocv.Mat) error {
	size := m.Size()
	if len(size) != 4 || size[0] != 1 {
		return errors.Wrapf(features.ErrBadActivation, "layer %d blob shape %v", layer, size)
	}
	data, err := m.DataPtrFloat32()
	if err != nil {
		return errors.Wrapf(err, "layer %d", layer)
	}
	return acts.SetPlanes(layer, size[1], size[2], size[3], append([]float32(nil), data...))
}

// Layers returns the darknet layer indices found in the network, sorted.
func (d *Darknet) Layers() []int {
	out := make([]int, 0, len(d.layers))
	for idx := range d.layers {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Close releases the network.
func (d *Darknet) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}
